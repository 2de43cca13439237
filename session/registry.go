package session

import (
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/unvme-go/unvme/admin"
	"github.com/unvme-go/unvme/dma"
	"github.com/unvme-go/unvme/ioengine"
	"github.com/unvme-go/unvme/mmio"
	"github.com/unvme-go/unvme/pcidev"
	"github.com/unvme-go/unvme/queue"
	"github.com/unvme-go/unvme/tsc"
	"github.com/unvme-go/unvme/unvmeerr"
)

// deviceState is the physical-function-scoped resource set this driver
// brings up exactly once per PCI function, shared by every Session that
// opens a namespace on that function (spec §8 S6: refcount is tracked
// per function, not per namespace). Everything here is process-global
// mutable state (spec §9, "Shared mutable device state"), reached only
// through the registry mutex or, once built, each field's own
// discipline (admin queue's internal lock, I/O queues' thread-ownership
// contract).
type deviceState struct {
	dev   pcidev.Device
	bar   *mmio.Bar
	pool  *dma.Pool
	clock *tsc.Clock
	admin *admin.Driver
	prp   *dma.PRPPages

	queues []*queue.IOQueue

	refCount int
	log      *log.Logger
}

var (
	registryMu sync.Mutex
	registry   = map[string]*deviceState{} // keyed by pcidev.ID.FunctionString()
)

// acquireDevice returns the deviceState for fn, bringing it up on first
// use (init_once) and bumping its refcount, or an error if bring-up
// fails — in which case the session is not partially constructed
// (spec §7, "Admin failures abort open").
func acquireDevice(fn string, devID pcidev.ID, opts Options) (*deviceState, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if ds, ok := registry[fn]; ok {
		ds.refCount++
		return ds, nil
	}

	ds, err := bringUpDevice(devID, opts)
	if err != nil {
		return nil, err
	}
	ds.refCount = 1
	registry[fn] = ds
	return ds, nil
}

// releaseDevice decrements fn's refcount and tears it down
// (teardown_on_last_close) when it reaches zero.
func releaseDevice(fn string) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	ds, ok := registry[fn]
	if !ok {
		return unvmeerr.New(unvmeerr.BadArg, "close", "device %s is not open", fn)
	}
	ds.refCount--
	if ds.refCount > 0 {
		return nil
	}
	delete(registry, fn)
	return ds.teardown()
}

func bringUpDevice(devID pcidev.ID, opts Options) (*deviceState, error) {
	dev, err := pcidev.Open(devID)
	if err != nil {
		return nil, err
	}
	if err := dev.EnableBusMaster(); err != nil {
		dev.Close()
		return nil, unvmeerr.New(unvmeerr.Fatal, "open", "enable bus master: %v", err)
	}

	barMem, err := dev.MMIOBar(0)
	if err != nil {
		dev.Close()
		return nil, unvmeerr.New(unvmeerr.Fatal, "open", "map bar0: %v", err)
	}
	bar := mmio.NewBar(barMem)
	pool := dma.NewPool(dev)
	clock := tsc.Calibrate()

	adminDriver, err := admin.Bringup(bar, pool, clock, opts.AdminQueueSize)
	if err != nil {
		dev.Close()
		return nil, err
	}

	qsize := opts.QueueSize
	if max := int(adminDriver.MaxQueueEntries()) + 1; qsize > max {
		qsize = max
	}

	prp, err := dma.NewPRPPages(pool, qsize*opts.QueueCount)
	if err != nil {
		return nil, err
	}

	queues := make([]*queue.IOQueue, opts.QueueCount)
	var g errgroup.Group
	for i := 0; i < opts.QueueCount; i++ {
		i := i
		g.Go(func() error {
			q, err := queue.NewIOQueue(uint16(i+1), qsize, pool, bar, adminDriver.DoorbellStride(), adminDriver)
			if err != nil {
				return err
			}
			queues[i] = q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, unvmeerr.New(unvmeerr.Fatal, "open", "bring up I/O queues: %v", err)
	}

	return &deviceState{
		dev:    dev,
		bar:    bar,
		pool:   pool,
		clock:  clock,
		admin:  adminDriver,
		prp:    prp,
		queues: queues,
		log:    opts.Logger,
	}, nil
}

func (ds *deviceState) teardown() error {
	for _, q := range ds.queues {
		if err := q.Close(ds.admin); err != nil {
			ds.log.Printf("unvme: queue teardown: %v", err)
		}
	}
	return ds.dev.Close()
}

// namespaceHandle brings up (identify) one namespace on an
// already-open device, returning a fully populated Namespace.
func namespaceHandle(ds *deviceState, devIDStr string, nsid uint32, qcount, qsize int, maxQueueCount, maxQueueSize int) (*ioengine.Namespace, error) {
	ci, err := ds.admin.IdentifyController(ds.pool)
	if err != nil {
		return nil, err
	}
	ni, err := ds.admin.IdentifyNamespace(ds.pool, nsid)
	if err != nil {
		return nil, err
	}

	blockSize := ni.BlockSize()
	maxbpio := uint32(dma.PageSize / int(blockSize))
	if ci.MDTS > 0 {
		maxbpio = (1 << ci.MDTS) * uint32(dma.PageSize) / blockSize
	}

	return &ioengine.Namespace{
		DeviceID:                 devIDStr,
		NSID:                     nsid,
		BlockSize:                blockSize,
		BlockShift:               ni.BlockShift(),
		BlockCount:               ni.NCAP,
		PageSize:                 dma.PageSize,
		BlocksPerPage:            uint32(dma.PageSize) / blockSize,
		MaxBlocksPerIO:           maxbpio,
		QueueCount:               qcount,
		QueueSize:                qsize,
		MaxQueueCount:            maxQueueCount,
		MaxQueueSize:             maxQueueSize,
		VendorTranslateSupported: ci.VendorTranslateSupported,
	}, nil
}
