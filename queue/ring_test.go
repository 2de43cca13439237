package queue

import (
	"encoding/binary"
	"testing"

	"github.com/kylelemons/godebug/pretty"

	"github.com/unvme-go/unvme/dma"
	"github.com/unvme-go/unvme/mmio"
	"github.com/unvme-go/unvme/nvme"
	"github.com/unvme-go/unvme/pcidev"
)

func newTestRing(t *testing.T, depth int) (*ring, *mmio.Bar) {
	t.Helper()
	dev := pcidev.NewFakeDevice(1 << 16)
	pool := dma.NewPool(dev)
	bar := mmio.NewBar(mustBar(t, dev))
	r, err := newRing(1, depth, pool, bar, 0)
	if err != nil {
		t.Fatalf("newRing: %v", err)
	}
	return r, bar
}

func mustBar(t *testing.T, dev *pcidev.FakeDevice) []byte {
	t.Helper()
	b, err := dev.MMIOBar(0)
	if err != nil {
		t.Fatalf("MMIOBar: %v", err)
	}
	return b
}

// injectCompletion writes a CQE for cid into r's CQ at the given slot,
// with the given phase, simulating the device side of the contract.
func injectCompletion(r *ring, slot int, cid uint16, phase bool, sc, sct uint8) {
	off := slot * nvme.CQESize
	dst := r.cq.Bytes()[off : off+nvme.CQESize]
	binary.LittleEndian.PutUint32(dst[0:], 0) // result
	binary.LittleEndian.PutUint16(dst[8:], 0) // sqhead
	binary.LittleEndian.PutUint16(dst[10:], r.id)
	binary.LittleEndian.PutUint16(dst[12:], cid)
	status := uint16(sct&0x7)<<8 | uint16(sc)
	sp := status << 1
	if phase {
		sp |= 1
	}
	binary.LittleEndian.PutUint16(dst[14:], sp)
}

func TestRingSubmitAdvancesTailAndDoorbell(t *testing.T) {
	r, bar := newTestRing(t, 4)

	_, err := r.Submit(SubmitParams{Opcode: nvme.OpWrite, NSID: 1, PRP1: 0x1000})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if r.sqTail != 1 {
		t.Fatalf("sqTail = %d, want 1", r.sqTail)
	}
	if got := bar.Read32(r.sqDoorbell); got != 1 {
		t.Fatalf("sq doorbell = %d, want 1", got)
	}
}

func TestRingSweepMatchesByCommandID(t *testing.T) {
	r, _ := newTestRing(t, 4)

	iodA, err := r.Submit(SubmitParams{Opcode: nvme.OpWrite})
	if err != nil {
		t.Fatalf("submit a: %v", err)
	}
	iodB, err := r.Submit(SubmitParams{Opcode: nvme.OpRead})
	if err != nil {
		t.Fatalf("submit b: %v", err)
	}

	// Device completes b (cid 1) before a (cid 0) — completions may
	// arrive out of submission order (spec §5, "Ordering guarantees").
	injectCompletion(r, 0, iodB.CID, true, 0, 0)
	injectCompletion(r, 1, iodA.CID, true, 0, 0)
	r.Sweep()

	if iodA.Status != StatusCompleteOK || iodB.Status != StatusCompleteOK {
		t.Fatalf("got a=%v b=%v, want both StatusCompleteOK", iodA.Status, iodB.Status)
	}
	if diff := pretty.Compare(iodB.CID, uint16(1)); diff != "" {
		t.Fatalf("iodB.CID diff: %s", diff)
	}
}

func TestRingSweepFlipsPhaseOnWrap(t *testing.T) {
	r, _ := newTestRing(t, 2)

	iod0, _ := r.Submit(SubmitParams{Opcode: nvme.OpWrite})
	iod1, _ := r.Submit(SubmitParams{Opcode: nvme.OpWrite})

	injectCompletion(r, 0, iod0.CID, true, 0, 0)
	injectCompletion(r, 1, iod1.CID, true, 0, 0)
	r.Sweep()

	if !r.phase {
		t.Fatalf("phase = %v after a full wrap of depth 2, want flipped to false", r.phase)
	}
	if r.cqHead != 0 {
		t.Fatalf("cqHead = %d after wrap, want 0", r.cqHead)
	}
}

func TestRingSweepReportsDeviceError(t *testing.T) {
	r, _ := newTestRing(t, 2)
	iod, _ := r.Submit(SubmitParams{Opcode: nvme.OpRead})
	injectCompletion(r, 0, iod.CID, true, 0x02, 0x01)
	r.Sweep()

	if iod.Status != StatusCompleteErr {
		t.Fatalf("status = %v, want StatusCompleteErr", iod.Status)
	}
	if iod.SC != 0x02 || iod.SCT != 0x01 {
		t.Fatalf("sc=%#x sct=%#x, want sc=0x02 sct=0x01", iod.SC, iod.SCT)
	}
}
