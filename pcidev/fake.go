package pcidev

import (
	"sync"
	"unsafe"

	"github.com/unvme-go/unvme/unvmeerr"
)

// FakeDevice is an in-memory stand-in for a VFIO-bound PCI function. A
// fake device model suffices to validate the phase-bit and PRP logic
// without hardware (spec §9 design note); the admin/queue/ioengine/
// session test suites all drive the rest of the driver against one of
// these instead of real silicon.
type FakeDevice struct {
	mu sync.Mutex

	bars    map[int][]byte
	mapped  map[uintptr]int // vaddr -> length, for Unmap validation
	closed  bool
	busMastering bool
}

// NewFakeDevice returns a fake device with bar0 pre-sized to regSpace
// bytes (enough to hold CAP..ACQ plus a doorbell range for maxQueues).
func NewFakeDevice(regSpaceBytes int) *FakeDevice {
	return &FakeDevice{
		bars:   map[int][]byte{0: make([]byte, regSpaceBytes)},
		mapped: make(map[uintptr]int),
	}
}

// Map identity-maps vaddr to an IOVA equal to its own address: fine for
// a single-process fake where "bus-visible" and "process-visible" are
// the same address space.
func (f *FakeDevice) Map(vaddr unsafe.Pointer, length int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, unvmeerr.New(unvmeerr.BadArg, "map", "device closed")
	}
	addr := uintptr(vaddr)
	f.mapped[addr] = length
	return uint64(addr), nil
}

func (f *FakeDevice) Unmap(vaddr unsafe.Pointer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr := uintptr(vaddr)
	if _, ok := f.mapped[addr]; !ok {
		return unvmeerr.New(unvmeerr.BadArg, "unmap", "vaddr %#x was not mapped", addr)
	}
	delete(f.mapped, addr)
	return nil
}

// MMIOBar returns (creating on first use) a zero-filled byte slice for
// the requested bar index.
func (f *FakeDevice) MMIOBar(bar int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.bars[bar]; ok {
		return b, nil
	}
	return nil, unvmeerr.New(unvmeerr.BadArg, "mmio_bar", "no such bar %d on fake device", bar)
}

func (f *FakeDevice) EnableBusMaster() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busMastering = true
	return nil
}

func (f *FakeDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// BusMasterEnabled reports whether EnableBusMaster was called, for test
// assertions.
func (f *FakeDevice) BusMasterEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busMastering
}

var _ Device = (*FakeDevice)(nil)
