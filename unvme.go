// Package unvme is the stable public operation set this driver exposes
// (spec §6): open/close a session, allocate/map/free DMA buffers, and
// submit/poll I/O. Everything below this package — pcidev, mmio, dma,
// queue, admin, ioengine, session — is internal machinery; application
// code is expected to depend only on this package.
package unvme

import (
	"time"

	"github.com/unvme-go/unvme/dma"
	"github.com/unvme-go/unvme/ioengine"
	"github.com/unvme-go/unvme/queue"
	"github.com/unvme-go/unvme/session"
)

// Namespace is the read-only handle returned by Open/OpenQ (spec §3).
type Namespace = ioengine.Namespace

// Buffer is a DMA-mapped region returned by Alloc or Map.
type Buffer = dma.Region

// IOD is a live, borrowed handle to an in-flight command, returned by
// the asynchronous submit operations and consumed by Apoll/ApollCS
// (spec §9, "IOD lifetime").
type IOD = queue.IOD

// Session is an open device/namespace handle.
type Session = session.Session

// BoundDevice describes one PCI function bound to the vfio-pci driver.
type BoundDevice = session.BoundDevice

// ListBoundDevices lists every PCI function currently bound to the
// vfio-pci driver, for callers that want to autodetect a device
// address to pass to Open/OpenQ instead of hardcoding one
// (see the DOMAIN STACK table in SPEC_FULL.md).
func ListBoundDevices() ([]BoundDevice, error) {
	return session.ListBoundDevices()
}

// Open parses pci ("bb:dd.f" or "bb:dd.f/nsid") and opens it with
// default queue count and size.
func Open(pci string) (*Session, error) {
	return session.Open(pci)
}

// OpenQ opens pci with an explicit queue count and queue depth.
func OpenQ(pci string, qcount, qsize int) (*Session, error) {
	return session.OpenQ(pci, qcount, qsize)
}

// Close decrements the device's reference count, tearing it down on
// last close.
func Close(s *Session) error {
	return s.Close()
}

// Alloc reserves and DMA-maps size bytes for use as an I/O buffer.
func Alloc(s *Session, size int) (*Buffer, error) {
	return s.Alloc(size)
}

// Map DMA-maps a caller-provided buffer rather than allocating one
// (original_source supplement, see SPEC_FULL.md).
func Map(s *Session, buf []byte) (*Buffer, error) {
	return s.Map(buf)
}

// Free releases a buffer returned by Alloc.
func Free(s *Session, buf *Buffer) error {
	return s.Free(buf)
}

// Unmap releases a buffer returned by Map.
func Unmap(s *Session, buf *Buffer) error {
	return s.Unmap(buf)
}

// Aread submits a read on I/O queue q.
func Aread(s *Session, q int, buf *Buffer, lba uint64, nlb uint32) (*IOD, error) {
	e, err := s.Engine(q)
	if err != nil {
		return nil, err
	}
	return e.Aread(buf, lba, nlb)
}

// Awrite submits a write on I/O queue q.
func Awrite(s *Session, q int, buf *Buffer, lba uint64, nlb uint32) (*IOD, error) {
	e, err := s.Engine(q)
	if err != nil {
		return nil, err
	}
	return e.Awrite(buf, lba, nlb)
}

// Aflush submits a flush on I/O queue q.
func Aflush(s *Session, q int) (*IOD, error) {
	e, err := s.Engine(q)
	if err != nil {
		return nil, err
	}
	return e.Aflush()
}

// ATranslateWrite submits a vendor-extended config-page write.
func ATranslateWrite(s *Session, q int, buf *Buffer, lba uint64) (*IOD, error) {
	e, err := s.Engine(q)
	if err != nil {
		return nil, err
	}
	return e.ATranslateWrite(buf, lba)
}

// ATranslateRead submits a vendor-extended config-flagged read.
func ATranslateRead(s *Session, q int, buf *Buffer, lba uint64, nlb uint32) (*IOD, error) {
	e, err := s.Engine(q)
	if err != nil {
		return nil, err
	}
	return e.ATranslateRead(buf, lba, nlb)
}

// Apoll waits up to timeout for iod to complete (spec §4.5).
func Apoll(s *Session, q int, iod *IOD, timeout time.Duration) (int, error) {
	e, err := s.Engine(q)
	if err != nil {
		return 0, err
	}
	return e.Apoll(iod, timeout)
}

// ApollCS is Apoll plus capturing the CQE's DW0 into cs.
func ApollCS(s *Session, q int, iod *IOD, timeout time.Duration, cs *uint32) (int, error) {
	e, err := s.Engine(q)
	if err != nil {
		return 0, err
	}
	return e.ApollCS(iod, timeout, cs)
}

// Read submits a read and polls it to completion with the default
// timeout.
func Read(s *Session, q int, buf *Buffer, lba uint64, nlb uint32) error {
	e, err := s.Engine(q)
	if err != nil {
		return err
	}
	return e.Read(buf, lba, nlb)
}

// Write submits a write and polls it to completion with the default
// timeout.
func Write(s *Session, q int, buf *Buffer, lba uint64, nlb uint32) error {
	e, err := s.Engine(q)
	if err != nil {
		return err
	}
	return e.Write(buf, lba, nlb)
}

// Flush submits a flush and polls it to completion with the default
// timeout.
func Flush(s *Session, q int) error {
	e, err := s.Engine(q)
	if err != nil {
		return err
	}
	return e.Flush()
}

// TranslateRegion streams a vendor-extended config-write-then-reads
// sequence over a bounded in-flight window (spec §4.5).
func TranslateRegion(s *Session, q int, buf *Buffer, slba uint64, nlb uint32, configNLB uint32, maxInFlight int) error {
	e, err := s.Engine(q)
	if err != nil {
		return err
	}
	return e.TranslateRegion(buf, slba, nlb, configNLB, maxInFlight)
}
