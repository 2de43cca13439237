package session

import (
	"encoding/binary"
	"log"
	"runtime"
	"testing"

	"github.com/unvme-go/unvme/admin"
	"github.com/unvme-go/unvme/dma"
	"github.com/unvme-go/unvme/mmio"
	"github.com/unvme-go/unvme/nvme"
	"github.com/unvme-go/unvme/pcidev"
	"github.com/unvme-go/unvme/queue"
	"github.com/unvme-go/unvme/tsc"
)

// TestAcquireReleaseRefcounting exercises the registry's function-
// scoped refcount directly (spec §8 S6: two namespaces opened on the
// same PCI function share one deviceState; refcount goes 0 -> 1 -> 2
// -> 1 -> 0, and only the last release tears the device down).
func TestAcquireReleaseRefcounting(t *testing.T) {
	const fn = "0000:01:00.0"
	torn := false
	ds := &deviceState{
		dev: fakeTeardownDevice{onClose: func() { torn = true }},
		log: log.Default(),
	}

	registryMu.Lock()
	registry[fn] = ds
	ds.refCount = 1
	registryMu.Unlock()
	defer func() {
		registryMu.Lock()
		delete(registry, fn)
		registryMu.Unlock()
	}()

	got, err := acquireDevice(fn, pcidev.ID{}, Options{})
	if err != nil {
		t.Fatalf("acquireDevice (second open): %v", err)
	}
	if got != ds {
		t.Fatalf("acquireDevice returned a different deviceState for an already-open function")
	}
	if ds.refCount != 2 {
		t.Fatalf("refCount = %d after second open, want 2", ds.refCount)
	}

	if err := releaseDevice(fn); err != nil {
		t.Fatalf("releaseDevice (first close): %v", err)
	}
	if ds.refCount != 1 {
		t.Fatalf("refCount = %d after first close, want 1", ds.refCount)
	}
	if torn {
		t.Fatalf("device torn down while refCount is still 1")
	}

	if err := releaseDevice(fn); err != nil {
		t.Fatalf("releaseDevice (second close): %v", err)
	}
	if !torn {
		t.Fatalf("device not torn down after refCount reached 0")
	}
	registryMu.Lock()
	_, stillThere := registry[fn]
	registryMu.Unlock()
	if stillThere {
		t.Fatalf("registry entry for %s survived the last release", fn)
	}
}

type fakeTeardownDevice struct {
	pcidev.Device
	onClose func()
}

func (f fakeTeardownDevice) Close() error {
	f.onClose()
	return nil
}

// pumpController mirrors admin package's in-memory device model: it
// raises CSTS.RDY once CC.EN is set and completes every admin SQE
// posted via the SQ-tail doorbell with status 0.
func pumpController(bar *mmio.Bar, aq *queue.AdminQueue, stop <-chan struct{}) {
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

// TestNamespaceHandleDecodesIdentity builds a deviceState directly
// against a fake pass-through device and verifies namespaceHandle
// populates an ioengine.Namespace from the (fake) controller and
// namespace identify pages.
func TestNamespaceHandleDecodesIdentity(t *testing.T) {
	dev := pcidev.NewFakeDevice(1 << 16)
	pool := dma.NewPool(dev)
	barMem, err := dev.MMIOBar(0)
	if err != nil {
		t.Fatalf("MMIOBar: %v", err)
	}
	bar := mmio.NewBar(barMem)
	bar.Write64(mmio.RegCAP, 63)

	aqForPump, err := queue.NewAdminQueue(16, pool, bar, 0)
	if err != nil {
		t.Fatalf("NewAdminQueue (pump harness): %v", err)
	}
	stop := make(chan struct{})
	go pumpController(bar, aqForPump, stop)
	defer close(stop)

	clock := tsc.Calibrate()
	drv, err := admin.Bringup(bar, pool, clock, 16)
	if err != nil {
		t.Fatalf("Bringup: %v", err)
	}

	ds := &deviceState{dev: dev, bar: bar, pool: pool, clock: clock, admin: drv}

	ns, err := namespaceHandle(ds, "0000:01:00.0", 1, 4, 256, 16, 65535)
	if err != nil {
		t.Fatalf("namespaceHandle: %v", err)
	}
	if ns.NSID != 1 {
		t.Fatalf("NSID = %d, want 1", ns.NSID)
	}
	if ns.BlockSize == 0 {
		t.Fatalf("BlockSize = 0, want nonzero")
	}
	if ns.QueueCount != 4 || ns.QueueSize != 256 {
		t.Fatalf("QueueCount/QueueSize = %d/%d, want 4/256", ns.QueueCount, ns.QueueSize)
	}
}
