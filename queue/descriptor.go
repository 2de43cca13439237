package queue

import (
	"math/bits"

	"github.com/unvme-go/unvme/dma"
	"github.com/unvme-go/unvme/unvmeerr"
)

// Status is the IOD lifecycle state (spec §4.5, "State machine of an
// IOD"): FREE -> SUBMITTED -> COMPLETE(OK|ERR) -> FREE. Only apoll moves
// a descriptor out of COMPLETE; only submission moves one out of FREE.
type Status int

const (
	StatusFree Status = iota
	StatusSubmitted
	StatusCompleteOK
	StatusCompleteErr
)

// IOD is the driver-side record of an in-flight command (spec §3). The
// caller holds a borrowed handle to a slot this table owns; the slot is
// only released back to the free bitmap by Release (called from
// apoll on a terminal status), never by the completion sweep itself —
// this is what lets a re-poll after TIMEOUT still find its descriptor.
type IOD struct {
	CID      uint16
	Opcode   byte
	Buf      []byte
	LBA      uint64
	NLB      uint32
	PRP1     uint64
	PRP2     uint64
	ListPage *dma.Region // non-nil when a PRP-list page backs PRP2
	Result   uint32      // CQE DW0, recorded by every completion sweep
	Status   Status
	SC       uint8
	SCT      uint8
}

// DescriptorTable is a fixed-size pool of command-id slots backed by a
// bitmap allocator. It uses a monotonic lowest-free-index policy (spec
// §4.6): command ids stay dense and a CQE's command-id field maps 1:1
// to a slot, the same trick the cloudwego-gopkg bitmap allocator uses
// via bits.TrailingZeros64 to find the first unset bit.
type DescriptorTable struct {
	slots []IOD
	words []uint64 // one bit per slot; 1 = in use
}

// NewDescriptorTable allocates a table of depth N slots.
func NewDescriptorTable(depth int) *DescriptorTable {
	return &DescriptorTable{
		slots: make([]IOD, depth),
		words: make([]uint64, (depth+63)/64),
	}
}

// Depth returns the number of slots.
func (t *DescriptorTable) Depth() int { return len(t.slots) }

// Alloc reserves the lowest-index free slot and returns it, or nil if
// the table is full (QUEUE_FULL).
func (t *DescriptorTable) Alloc() (*IOD, uint16, error) {
	for wi, w := range t.words {
		if w == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^w)
		idx := wi*64 + bit
		if idx >= len(t.slots) {
			break
		}
		t.words[wi] |= 1 << uint(bit)
		t.slots[idx] = IOD{CID: uint16(idx), Status: StatusSubmitted}
		return &t.slots[idx], uint16(idx), nil
	}
	return nil, 0, unvmeerr.New(unvmeerr.QueueFull, "descriptor_alloc", "no free command-id slot")
}

// At returns the slot for command id cid, for completion-sweep lookup.
func (t *DescriptorTable) At(cid uint16) *IOD {
	if int(cid) >= len(t.slots) {
		return nil
	}
	return &t.slots[cid]
}

// Release returns slot cid to the free bitmap. Called only by apoll on
// a terminal (non-timeout) outcome, never by the completion sweep.
func (t *DescriptorTable) Release(cid uint16) {
	wi, bit := int(cid)/64, uint(cid)%64
	t.words[wi] &^= 1 << bit
}

// InFlight reports the number of slots currently in use, for the
// descriptor-conservation invariant (spec §8.4).
func (t *DescriptorTable) InFlight() int {
	n := 0
	for _, w := range t.words {
		n += bits.OnesCount64(w)
	}
	return n
}
