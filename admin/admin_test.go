package admin

import (
	"encoding/binary"
	"runtime"
	"testing"
	"time"

	"github.com/unvme-go/unvme/dma"
	"github.com/unvme-go/unvme/mmio"
	"github.com/unvme-go/unvme/nvme"
	"github.com/unvme-go/unvme/pcidev"
	"github.com/unvme-go/unvme/queue"
	"github.com/unvme-go/unvme/tsc"
)

// pumpController is the in-memory device model the design notes call
// for (spec §9, "an in-memory device model suffices to validate the
// phase-bit and PRP logic without hardware"): it watches CC.EN to raise
// CSTS.RDY, and completes every admin SQE it observes posted via the
// SQ-tail doorbell with status 0, one CQE per pumped SQE, matching the
// command's command id.
func pumpController(t *testing.T, bar *mmio.Bar, aq *queue.AdminQueue, stop <-chan struct{}) {
	t.Helper()
	depth := uint32(aq.Depth())
	sqDB := mmio.DoorbellOffset(0, 0, false)
	sqBytes := aq.SQRegion().Bytes()
	cqBytes := aq.CQRegion().Bytes()

	var devHead, cqHead uint32
	phase := true
	for {
		select {
		case <-stop:
			return
		default:
		}
		if bar.Read32(mmio.RegCC)&mmio.CCEnable != 0 {
			bar.Write32(mmio.RegCSTS, mmio.CSTSReady)
		}

		tail := bar.Read32(sqDB)
		for devHead != tail {
			sOff := int(devHead) * nvme.SQESize
			cid := binary.LittleEndian.Uint16(sqBytes[sOff+2:])

			cOff := int(cqHead) * nvme.CQESize
			binary.LittleEndian.PutUint32(cqBytes[cOff:], 0)
			binary.LittleEndian.PutUint16(cqBytes[cOff+12:], cid)
			sp := uint16(0)
			if phase {
				sp |= 1
			}
			binary.LittleEndian.PutUint16(cqBytes[cOff+14:], sp)

			devHead = (devHead + 1) % depth
			cqHead++
			if cqHead == depth {
				cqHead = 0
				phase = !phase
			}
		}
		runtime.Gosched()
	}
}

func bringUpAgainstFake(t *testing.T) (*Driver, *dma.Pool, chan struct{}) {
	t.Helper()
	dev := pcidev.NewFakeDevice(1 << 16)
	pool := dma.NewPool(dev)
	barMem, err := dev.MMIOBar(0)
	if err != nil {
		t.Fatalf("MMIOBar: %v", err)
	}
	bar := mmio.NewBar(barMem)
	bar.Write64(mmio.RegCAP, 63) // MQES=63, DSTRD=0

	clock := tsc.Calibrate()

	// Bringup creates its own admin queue internally and blocks on
	// CSTS.RDY, so during Bringup a pump built on a stand-in queue
	// only has to raise CSTS.RDY. That stand-in has its own SQ/CQ
	// memory, so once Bringup returns it is stopped and a second pump
	// runs against the driver's admin queue, where commands are posted.
	aqForPump, err := queue.NewAdminQueue(16, pool, bar, 0)
	if err != nil {
		t.Fatalf("NewAdminQueue (pump harness): %v", err)
	}
	bringupStop := make(chan struct{})
	go pumpController(t, bar, aqForPump, bringupStop)

	drv, err := Bringup(bar, pool, clock, 16)
	close(bringupStop)
	if err != nil {
		t.Fatalf("Bringup: %v", err)
	}

	stop := make(chan struct{})
	go pumpController(t, bar, drv.aq, stop)
	return drv, pool, stop
}

func TestBringupReachesReady(t *testing.T) {
	_, _, stop := bringUpAgainstFake(t)
	defer close(stop)
}

func TestIdentifyNamespaceDecodesPage(t *testing.T) {
	drv, pool, stop := bringUpAgainstFake(t)
	defer close(stop)

	ni, err := drv.IdentifyNamespace(pool, 1)
	if err != nil {
		t.Fatalf("IdentifyNamespace: %v", err)
	}
	if ni.BlockSize() == 0 {
		t.Fatalf("BlockSize() = 0, want a nonzero power of two (LBA format 0 defaults to 512 or more)")
	}
}

func TestCreateAndDeleteIOQueueRoundTrip(t *testing.T) {
	drv, pool, stop := bringUpAgainstFake(t)
	defer close(stop)

	sq, err := pool.Alloc(16 * nvme.SQESize)
	if err != nil {
		t.Fatalf("alloc sq: %v", err)
	}
	cq, err := pool.Alloc(16 * nvme.CQESize)
	if err != nil {
		t.Fatalf("alloc cq: %v", err)
	}

	if err := drv.CreateIOCQ(1, cq, 16); err != nil {
		t.Fatalf("CreateIOCQ: %v", err)
	}
	if err := drv.CreateIOSQ(1, sq, 1, 16); err != nil {
		t.Fatalf("CreateIOSQ: %v", err)
	}
	if err := drv.DeleteSQ(1); err != nil {
		t.Fatalf("DeleteSQ: %v", err)
	}
	if err := drv.DeleteCQ(1); err != nil {
		t.Fatalf("DeleteCQ: %v", err)
	}
}

func TestAdminCommandTimesOutWithoutCompletion(t *testing.T) {
	dev := pcidev.NewFakeDevice(1 << 16)
	pool := dma.NewPool(dev)
	barMem, _ := dev.MMIOBar(0)
	bar := mmio.NewBar(barMem)
	bar.Write64(mmio.RegCAP, 63)
	bar.Write32(mmio.RegCSTS, mmio.CSTSReady) // pretend already enabled, skip bring-up

	aq, err := queue.NewAdminQueue(4, pool, bar, 0)
	if err != nil {
		t.Fatalf("NewAdminQueue: %v", err)
	}
	drv := &Driver{bar: bar, aq: aq, clock: tsc.Calibrate(), dstrd: 0, mqes: 63}

	start := time.Now()
	_, err = drv.GetFeatures(1)
	if err == nil {
		t.Fatalf("GetFeatures with no device pumping: want TIMEOUT error, got nil")
	}
	if elapsed := time.Since(start); elapsed < DefaultTimeout {
		t.Fatalf("returned after %v, want at least DefaultTimeout (%v)", elapsed, DefaultTimeout)
	}
}
