package queue

import (
	"sync"

	"github.com/unvme-go/unvme/dma"
	"github.com/unvme-go/unvme/mmio"
)

// AdminQueue is the process-wide shared queue pair used for bring-up
// and control commands. Unlike IOQueue it carries a mutex, because it
// is the one queue multiple threads may touch concurrently during
// session construction and teardown (spec §4.4, §9 "Per-queue ownership
// vs. shared admin queue"). Submit/Sweep/At/Release are deliberately
// not promoted from an embedded ring: callers must hold the lock
// (Lock/Unlock) for the whole post-then-poll sequence of a synchronous
// admin command, not just for one ring access at a time.
type AdminQueue struct {
	mu sync.Mutex
	r  *ring
}

// NewAdminQueue allocates the admin SQ/CQ. The admin queue is never
// created via an admin command itself — it is programmed directly
// through AQA/ASQ/ACQ during controller bring-up (spec §4.4) — so
// unlike NewIOQueue this takes no AdminCreator.
func NewAdminQueue(depth int, pool *dma.Pool, bar *mmio.Bar, dstrd uint8) (*AdminQueue, error) {
	r, err := newRing(0, depth, pool, bar, dstrd)
	if err != nil {
		return nil, err
	}
	return &AdminQueue{r: r}, nil
}

// Lock acquires exclusive access to the admin queue for the duration of
// one synchronous command (post, then spin-poll to completion).
func (q *AdminQueue) Lock() { q.mu.Lock() }

// Unlock releases the lock taken by Lock.
func (q *AdminQueue) Unlock() { q.mu.Unlock() }

// Submit posts one admin command. Caller must hold the lock.
func (q *AdminQueue) Submit(p SubmitParams) (*IOD, error) { return q.r.Submit(p) }

// Sweep drains completions. Caller must hold the lock.
func (q *AdminQueue) Sweep() { q.r.Sweep() }

// At looks up a descriptor by command id. Caller must hold the lock.
func (q *AdminQueue) At(cid uint16) *IOD { return q.r.At(cid) }

// Release returns a descriptor slot to the free bitmap. Caller must
// hold the lock.
func (q *AdminQueue) Release(cid uint16) { q.r.Release(cid) }

// SQRegion and CQRegion expose the admin ring's DMA memory, for
// programming ASQ/ACQ at bring-up.
func (q *AdminQueue) SQRegion() *dma.Region { return q.r.SQRegion() }
func (q *AdminQueue) CQRegion() *dma.Region { return q.r.CQRegion() }
func (q *AdminQueue) Depth() int            { return q.r.Depth() }
