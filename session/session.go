package session

import (
	"unsafe"

	"github.com/unvme-go/unvme/dma"
	"github.com/unvme-go/unvme/ioengine"
	"github.com/unvme-go/unvme/pcidev"
	"github.com/unvme-go/unvme/unvmeerr"
)

// Session owns one namespace on one PCI function (spec §3, "Session").
// The physical device, MMIO, admin queue, I/O queues, and memory pool
// are owned by a process-global deviceState shared across every Session
// opened against the same function (see S6 in spec §8: refcount is
// tracked per function, not per namespace).
type Session struct {
	fn string
	ds *deviceState
	ns *ioengine.Namespace
}

// Open parses pciName ("bb:dd.f" or "bb:dd.f/nsid") and opens it with
// default queue count/size (spec §4.7).
func Open(pciName string) (*Session, error) {
	return OpenOpts(pciName, Options{})
}

// OpenQ opens pciName with an explicit queue count and size.
func OpenQ(pciName string, qcount, qsize int) (*Session, error) {
	return OpenOpts(pciName, Options{QueueCount: qcount, QueueSize: qsize})
}

// OpenOpts is the general form behind Open/OpenQ.
func OpenOpts(pciName string, opts Options) (*Session, error) {
	id, err := pcidev.ParseID(pciName)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	fn := id.FunctionString()

	ds, err := acquireDevice(fn, id, opts)
	if err != nil {
		return nil, err
	}

	ns, err := namespaceHandle(ds, id.String(), id.NSID, opts.QueueCount, ds.queues[0].Depth(), len(ds.queues), int(ds.admin.MaxQueueEntries())+1)
	if err != nil {
		releaseDevice(fn)
		return nil, err
	}

	return &Session{fn: fn, ds: ds, ns: ns}, nil
}

// Close decrements the underlying device's refcount, tearing it down
// on last close (spec §4.7).
func (s *Session) Close() error {
	return releaseDevice(s.fn)
}

// Namespace returns the session's namespace handle.
func (s *Session) Namespace() *ioengine.Namespace {
	return s.ns
}

// Engine returns an I/O engine bound to I/O queue qid (0-based index
// into the device's I/O queues, so qid 0 is the queue with device
// queue id 1; the admin queue is not reachable here). The returned
// Engine is not safe for concurrent use by
// more than one goroutine, matching the queue's thread-ownership
// discipline (spec §5).
func (s *Session) Engine(qid int) (*ioengine.Engine, error) {
	if qid < 0 || qid >= len(s.ds.queues) {
		return nil, unvmeerr.New(unvmeerr.BadArg, "engine", "queue id %d out of range [0,%d)", qid, len(s.ds.queues))
	}
	return &ioengine.Engine{
		Q:     s.ds.queues[qid],
		Pool:  s.ds.pool,
		PRP:   s.ds.prp,
		NS:    s.ns,
		Clock: s.ds.clock,
	}, nil
}

// Alloc reserves and DMA-maps size bytes from the session's pool, for
// use as an I/O buffer (spec §4.2).
func (s *Session) Alloc(size int) (*dma.Region, error) {
	return s.ds.pool.Alloc(size)
}

// Free releases a region previously returned by Alloc.
func (s *Session) Free(r *dma.Region) error {
	return s.ds.pool.Free(r)
}

// Map DMA-maps a caller-provided buffer directly, as distinct from
// Alloc which both allocates and maps (original_source/src/unvme.c's
// unvme_do_map, supplemented into the public surface per SPEC_FULL.md).
// The caller retains ownership of buf's backing array; Unmap only
// releases the mapping, not the memory. The returned region is not
// tracked by the pool, so Free does not accept it.
func (s *Session) Map(buf []byte) (*dma.Region, error) {
	if len(buf) == 0 {
		return nil, unvmeerr.New(unvmeerr.BadArg, "map", "buf must be non-empty")
	}
	vaddr := unsafe.Pointer(&buf[0])
	iova, err := s.ds.dev.Map(vaddr, len(buf))
	if err != nil {
		return nil, unvmeerr.New(unvmeerr.OOM, "map", "dma map: %v", err)
	}
	return dma.NewMappedRegion(vaddr, iova, buf), nil
}

// Unmap reverses a prior Map.
func (s *Session) Unmap(r *dma.Region) error {
	if err := s.ds.dev.Unmap(r.VAddr); err != nil {
		return unvmeerr.New(unvmeerr.BadArg, "unmap", "dma unmap: %v", err)
	}
	return nil
}
