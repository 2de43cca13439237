// Package queue implements the submission/completion ring pair (spec
// §4.3) and the descriptor table backing it (spec §4.6). It exposes two
// distinct queue types with different method sets — IOQueue (thread-
// owned, lock-free) and AdminQueue (mutex-guarded) — so the Go type
// system encodes the same borrow discipline the hardware imposes (spec
// §9, "Per-queue ownership vs. shared admin queue").
package queue

import (
	"encoding/binary"
	"unsafe"

	"github.com/unvme-go/unvme/dma"
	"github.com/unvme-go/unvme/mmio"
	"github.com/unvme-go/unvme/nvme"
	"github.com/unvme-go/unvme/unvmeerr"
)

// AdminCreator is the subset of the admin driver that queue bring-up
// needs: create-CQ/create-SQ for a newly built I/O queue pair, and the
// matching delete pair on tear-down. Declared here, not in the admin
// package, so queue never imports admin — admin imports queue to get
// *AdminQueue and *IOD, and a queue->admin edge the other way would be
// a cycle. admin.Driver satisfies this interface structurally.
type AdminCreator interface {
	CreateIOCQ(qid uint16, cq *dma.Region, depth int) error
	CreateIOSQ(qid uint16, sq *dma.Region, cqid uint16, depth int) error
	DeleteSQ(qid uint16) error
	DeleteCQ(qid uint16) error
}

// ring holds the mechanics shared by the admin queue and every I/O
// queue: the SQ/CQ memory, head/tail bookkeeping, the phase bit, and
// the descriptor table. IOQueue embeds it and gets Submit/Sweep/Release
// promoted; AdminQueue holds it in a field and wraps those methods.
type ring struct {
	id    uint16
	depth int

	sq *dma.Region
	cq *dma.Region

	sqTail uint32
	cqHead uint32
	phase  bool // expected phase; starts true per spec §3

	bar        *mmio.Bar
	sqDoorbell uintptr
	cqDoorbell uintptr

	desc *DescriptorTable
}

func newRing(id uint16, depth int, pool *dma.Pool, bar *mmio.Bar, dstrd uint8) (*ring, error) {
	sq, err := pool.Alloc(depth * nvme.SQESize)
	if err != nil {
		return nil, unvmeerr.New(unvmeerr.OOM, "queue_create", "alloc SQ: %v", err)
	}
	cq, err := pool.Alloc(depth * nvme.CQESize)
	if err != nil {
		return nil, unvmeerr.New(unvmeerr.OOM, "queue_create", "alloc CQ: %v", err)
	}
	for i := range sq.Bytes() {
		sq.Bytes()[i] = 0
	}
	for i := range cq.Bytes() {
		cq.Bytes()[i] = 0
	}
	return &ring{
		id:         id,
		depth:      depth,
		sq:         sq,
		cq:         cq,
		phase:      true,
		bar:        bar,
		sqDoorbell: mmio.DoorbellOffset(dstrd, id, false),
		cqDoorbell: mmio.DoorbellOffset(dstrd, id, true),
		desc:       NewDescriptorTable(depth),
	}, nil
}

// SubmitParams describes one command to post (spec §4.5): everything
// the ring needs to fill an SQE and track the resulting IOD.
type SubmitParams struct {
	Opcode byte
	NSID   uint32
	PRP1   uint64
	PRP2   uint64
	CDW10  uint32
	CDW11  uint32
	CDW12  uint32
	CDW13  uint32
	CDW14  uint32
	CDW15  uint32

	Buf      []byte
	LBA      uint64
	NLB      uint32
	ListPage *dma.Region
}

// Submit reserves a descriptor slot, writes the SQE at SQ[tail] with
// command id = slot index, advances the tail, and rings the doorbell
// (spec §4.3 "Submission"). Fails QUEUE_FULL without touching the ring
// if no slot is free; a submission failure never advances SQ-tail (spec
// §4.5, "Failure semantics").
func (r *ring) Submit(p SubmitParams) (*IOD, error) {
	iod, cid, err := r.desc.Alloc()
	if err != nil {
		return nil, err
	}
	iod.Opcode = p.Opcode
	iod.Buf = p.Buf
	iod.LBA = p.LBA
	iod.NLB = p.NLB
	iod.PRP1 = p.PRP1
	iod.PRP2 = p.PRP2
	iod.ListPage = p.ListPage

	sqe := nvme.SQE{
		Opcode: p.Opcode,
		CID:    cid,
		NSID:   p.NSID,
		PRP1:   p.PRP1,
		PRP2:   p.PRP2,
		CDW10:  p.CDW10,
		CDW11:  p.CDW11,
		CDW12:  p.CDW12,
		CDW13:  p.CDW13,
		CDW14:  p.CDW14,
		CDW15:  p.CDW15,
	}
	slotOff := int(r.sqTail) * nvme.SQESize
	dst := r.sq.Bytes()[slotOff : slotOff+nvme.SQESize]
	encodeSQE(dst, &sqe)

	r.sqTail = (r.sqTail + 1) % uint32(r.depth)
	r.bar.FenceThenWrite32(r.sqDoorbell, r.sqTail)
	return iod, nil
}

// Sweep drains every valid completion currently posted to this ring's
// CQ (spec §4.3, "Completion sweep"), updating descriptor status but
// never releasing a slot — release is Release's job, called only from
// apoll, so a timed-out poll can still find its descriptor later.
func (r *ring) Sweep() {
	for {
		slotOff := int(r.cqHead) * nvme.CQESize
		var cqe nvme.CQE
		decodeCQE(r.cq.Bytes()[slotOff:slotOff+nvme.CQESize], &cqe)
		if cqe.Phase() != r.phase {
			return
		}

		iod := r.desc.At(cqe.CID)
		if iod != nil {
			iod.Result = cqe.Result
			sc, sct := cqe.SC(), cqe.SCT()
			if sc == 0 && sct == 0 {
				iod.Status = StatusCompleteOK
			} else {
				iod.Status = StatusCompleteErr
				iod.SC, iod.SCT = sc, sct
			}
		}

		r.cqHead++
		if r.cqHead == uint32(r.depth) {
			r.cqHead = 0
			r.phase = !r.phase
		}
		r.bar.FenceThenWrite32(r.cqDoorbell, r.cqHead)
	}
}

// Release returns a descriptor slot to the free bitmap.
func (r *ring) Release(cid uint16) {
	r.desc.Release(cid)
}

// At exposes a descriptor by command id, for apoll to inspect.
func (r *ring) At(cid uint16) *IOD {
	return r.desc.At(cid)
}

// InFlight reports the number of slots in use.
func (r *ring) InFlight() int {
	return r.desc.InFlight()
}

// SQRegion and CQRegion expose the ring's backing memory, for queue
// creation (CreateIOCQ/CreateIOSQ need the DMA region) and tear-down.
func (r *ring) SQRegion() *dma.Region { return r.sq }
func (r *ring) CQRegion() *dma.Region { return r.cq }
func (r *ring) ID() uint16            { return r.id }
func (r *ring) Depth() int            { return r.depth }

func encodeSQE(dst []byte, sqe *nvme.SQE) {
	_ = unsafe.Sizeof(*sqe) // documents the fixed 64-byte wire layout this encodes by hand
	dst[0] = sqe.Opcode
	dst[1] = sqe.Flags
	binary.LittleEndian.PutUint16(dst[2:], sqe.CID)
	binary.LittleEndian.PutUint32(dst[4:], sqe.NSID)
	binary.LittleEndian.PutUint64(dst[16:], sqe.MPTR)
	binary.LittleEndian.PutUint64(dst[24:], sqe.PRP1)
	binary.LittleEndian.PutUint64(dst[32:], sqe.PRP2)
	binary.LittleEndian.PutUint32(dst[40:], sqe.CDW10)
	binary.LittleEndian.PutUint32(dst[44:], sqe.CDW11)
	binary.LittleEndian.PutUint32(dst[48:], sqe.CDW12)
	binary.LittleEndian.PutUint32(dst[52:], sqe.CDW13)
	binary.LittleEndian.PutUint32(dst[56:], sqe.CDW14)
	binary.LittleEndian.PutUint32(dst[60:], sqe.CDW15)
}

func decodeCQE(src []byte, cqe *nvme.CQE) {
	cqe.Result = binary.LittleEndian.Uint32(src[0:])
	cqe.SQHead = binary.LittleEndian.Uint16(src[8:])
	cqe.SQID = binary.LittleEndian.Uint16(src[10:])
	cqe.CID = binary.LittleEndian.Uint16(src[12:])
	cqe.StatusPhase = binary.LittleEndian.Uint16(src[14:])
}
