// Package mmio provides typed access to the controller's MMIO register
// space, including the doorbell offset arithmetic and the store-fence
// primitive every doorbell write must be preceded by (spec §4.1).
package mmio

import (
	"encoding/binary"
	"sync/atomic"
)

// Bar is a memory-mapped register window, typically obtained via a
// pass-through façade's mmio-map operation (pcidev.Device.MMIOBar).
type Bar struct {
	base []byte
}

// NewBar wraps an mmap'd (or, in tests, plain) byte slice as a register
// window.
func NewBar(base []byte) *Bar {
	return &Bar{base: base}
}

// Read32 reads a 32-bit little-endian register at byte offset off.
func (b *Bar) Read32(off uintptr) uint32 {
	return binary.LittleEndian.Uint32(b.base[off:])
}

// Read64 reads a 64-bit little-endian register at byte offset off.
func (b *Bar) Read64(off uintptr) uint64 {
	return binary.LittleEndian.Uint64(b.base[off:])
}

// Write32 writes a 32-bit little-endian register at byte offset off.
func (b *Bar) Write32(off uintptr, v uint32) {
	binary.LittleEndian.PutUint32(b.base[off:], v)
}

// Write64 writes a 64-bit little-endian register at byte offset off.
func (b *Bar) Write64(off uintptr, v uint64) {
	binary.LittleEndian.PutUint64(b.base[off:], v)
}

// fenceVar is touched by an atomic read-modify-write to stand in for an
// explicit CPU store fence: Go exposes no public fence intrinsic outside
// the atomic package, and an atomic RMW carries the same the
// happens-before guarantee we need between a descriptor/SQE write and
// the doorbell write that follows it.
var fenceVar uint32

func storeFence() {
	atomic.AddUint32(&fenceVar, 1)
}

// FenceThenWrite32 issues a store fence before writing a doorbell
// register, so the device never observes a doorbell bump before the
// SQE or descriptor state it refers to (spec §4.3, "Ordering").
func (b *Bar) FenceThenWrite32(off uintptr, v uint32) {
	storeFence()
	b.Write32(off, v)
}
