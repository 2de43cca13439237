package queue

import (
	"github.com/unvme-go/unvme/dma"
	"github.com/unvme-go/unvme/mmio"
	"github.com/unvme-go/unvme/unvmeerr"
)

// IOQueue is a thread-owned submission/completion pair: no internal
// locking, because the hardware discipline this mirrors is that a
// queue id is used by at most one thread at a time (spec §5). Callers
// enforce that discipline; this type doesn't need to.
type IOQueue struct {
	*ring
}

// NewIOQueue allocates an I/O queue's SQ/CQ memory and asks admin to
// create the matching device-side queue pair: create-CQ before
// create-SQ, since an SQ must never outlive its CQ from the device's
// view (spec §4.3).
func NewIOQueue(id uint16, depth int, pool *dma.Pool, bar *mmio.Bar, dstrd uint8, admin AdminCreator) (*IOQueue, error) {
	r, err := newRing(id, depth, pool, bar, dstrd)
	if err != nil {
		return nil, err
	}
	if err := admin.CreateIOCQ(id, r.CQRegion(), depth); err != nil {
		return nil, unvmeerr.New(unvmeerr.Fatal, "queue_create", "create CQ %d: %v", id, err)
	}
	if err := admin.CreateIOSQ(id, r.SQRegion(), id, depth); err != nil {
		return nil, unvmeerr.New(unvmeerr.Fatal, "queue_create", "create SQ %d: %v", id, err)
	}
	return &IOQueue{ring: r}, nil
}

// Close tears the queue down on the device side: delete-SQ before
// delete-CQ (spec §4.3 tear-down order, mirroring construction order
// reversed).
func (q *IOQueue) Close(admin AdminCreator) error {
	if err := admin.DeleteSQ(q.ID()); err != nil {
		return err
	}
	if err := admin.DeleteCQ(q.ID()); err != nil {
		return err
	}
	return nil
}
