package ioengine

import (
	"runtime"
	"time"

	"github.com/unvme-go/unvme/dma"
	"github.com/unvme-go/unvme/nvme"
	"github.com/unvme-go/unvme/queue"
	"github.com/unvme-go/unvme/tsc"
	"github.com/unvme-go/unvme/unvmeerr"
)

// DefaultTimeout is used by the synchronous Read/Write/Flush wrappers
// (spec §5, "Default timeout is a session-wide constant").
const DefaultTimeout = 5 * time.Second

// Engine submits and reaps I/O on one thread-owned queue against one
// namespace (spec §4.5). It is not safe for concurrent use by more
// than one goroutine at a time — that is the queue-ownership discipline
// spec §5 describes, not something this type enforces itself.
type Engine struct {
	Q    *queue.IOQueue
	Pool *dma.Pool
	PRP  *dma.PRPPages
	NS   *Namespace
	Clock *tsc.Clock
}

func (e *Engine) validate(buf *dma.Region, lba uint64, nlb uint32) error {
	if nlb < 1 || nlb > e.NS.MaxBlocksPerIO {
		return unvmeerr.New(unvmeerr.BadArg, "validate", "nlb=%d out of range (1..%d)", nlb, e.NS.MaxBlocksPerIO)
	}
	if lba+uint64(nlb) > e.NS.BlockCount {
		return unvmeerr.New(unvmeerr.BadArg, "validate", "lba+nlb=%d exceeds block count %d", lba+uint64(nlb), e.NS.BlockCount)
	}
	if buf == nil {
		return unvmeerr.New(unvmeerr.BadArg, "validate", "buf is not a pool-backed address")
	}
	length := int(nlb) * int(e.NS.BlockSize)
	if length > buf.Size {
		return unvmeerr.New(unvmeerr.BadArg, "validate", "transfer of %d bytes exceeds buffer size %d", length, buf.Size)
	}
	return nil
}

func (e *Engine) submitRW(opcode byte, buf *dma.Region, lba uint64, nlb uint32, configFlag bool) (*queue.IOD, error) {
	if err := e.validate(buf, lba, nlb); err != nil {
		return nil, err
	}
	length := int(nlb) * int(e.NS.BlockSize)
	prp1, prp2, listPage, err := dma.BuildPRP(e.Pool, e.PRP, buf, length)
	if err != nil {
		return nil, err
	}

	cdw12 := nlb - 1
	if configFlag {
		cdw12 |= nvme.TranslateConfigFlag
	}

	iod, err := e.Q.Submit(queue.SubmitParams{
		Opcode: opcode,
		NSID:   e.NS.NSID,
		PRP1:   prp1,
		PRP2:   prp2,
		CDW10:  uint32(lba),
		CDW11:  uint32(lba >> 32),
		CDW12:  cdw12,
		Buf:    buf.Bytes()[:length],
		LBA:    lba,
		NLB:    nlb,

		ListPage: listPage,
	})
	if err != nil {
		if listPage != nil {
			e.PRP.Return(listPage)
		}
		return nil, err
	}
	return iod, nil
}

// Aread submits a read (spec §4.5).
func (e *Engine) Aread(buf *dma.Region, lba uint64, nlb uint32) (*queue.IOD, error) {
	return e.submitRW(nvme.OpRead, buf, lba, nlb, false)
}

// Awrite submits a write (spec §4.5).
func (e *Engine) Awrite(buf *dma.Region, lba uint64, nlb uint32) (*queue.IOD, error) {
	return e.submitRW(nvme.OpWrite, buf, lba, nlb, false)
}

// Aflush submits a flush (spec §4.5).
func (e *Engine) Aflush() (*queue.IOD, error) {
	return e.Q.Submit(queue.SubmitParams{Opcode: nvme.OpFlush, NSID: e.NS.NSID})
}

// ATranslateWrite submits the config-page write over the standard
// write data path with the config-page flag set, length fixed at one
// block (spec §4.5; the vendor translate extension reuses OpWrite, it
// does not mint its own opcode).
func (e *Engine) ATranslateWrite(buf *dma.Region, lba uint64) (*queue.IOD, error) {
	if !e.NS.VendorTranslateSupported {
		return nil, unvmeerr.New(unvmeerr.BadArg, "atranslate_write", "controller did not advertise vendor translate support")
	}
	return e.submitRW(nvme.OpWrite, buf, lba, 1, true)
}

// ATranslateRead submits a read over the standard read data path with
// the config-page flag set (spec §4.5; reuses OpRead, not a distinct
// opcode).
func (e *Engine) ATranslateRead(buf *dma.Region, lba uint64, nlb uint32) (*queue.IOD, error) {
	if !e.NS.VendorTranslateSupported {
		return nil, unvmeerr.New(unvmeerr.BadArg, "atranslate_read", "controller did not advertise vendor translate support")
	}
	return e.submitRW(nvme.OpRead, buf, lba, nlb, true)
}

// Apoll waits up to timeout for iod to reach a terminal state,
// yielding the scheduler between sweeps (spec §5, "busy-wait with a
// cooperative yield"). Returns 0 on OK, a positive device status on
// ERR, or -1 on timeout. The descriptor is released back to the table
// on any non-timeout outcome, never on timeout (spec §9, "IOD
// lifetime").
func (e *Engine) Apoll(iod *queue.IOD, timeout time.Duration) (int, error) {
	return e.apoll(iod, timeout, nil)
}

// ApollCS is Apoll plus capturing the CQE's DW0 into *cs on completion.
func (e *Engine) ApollCS(iod *queue.IOD, timeout time.Duration, cs *uint32) (int, error) {
	return e.apoll(iod, timeout, cs)
}

func (e *Engine) apoll(iod *queue.IOD, timeout time.Duration, cs *uint32) (int, error) {
	deadline := e.Clock.Deadline(timeout)
	for {
		e.Q.Sweep()
		switch iod.Status {
		case queue.StatusCompleteOK:
			if cs != nil {
				*cs = iod.Result
			}
			e.releaseIOD(iod)
			return 0, nil
		case queue.StatusCompleteErr:
			status := int(iod.SCT)<<8 | int(iod.SC)
			e.releaseIOD(iod)
			return status, unvmeerr.DevStatusError("apoll", iod.SC, iod.SCT)
		}
		if e.Clock.Expired(deadline) {
			return -1, nil
		}
		runtime.Gosched()
	}
}

func (e *Engine) releaseIOD(iod *queue.IOD) {
	if iod.ListPage != nil {
		e.PRP.Return(iod.ListPage)
		iod.ListPage = nil
	}
	e.Q.Release(iod.CID)
}

// Read is the synchronous wrapper: submit then poll with the default
// timeout, yielding once before the first sweep on the theory the
// device is often already done by the time this goroutine is
// rescheduled (original_source/src/unvme.c:214-252).
func (e *Engine) Read(buf *dma.Region, lba uint64, nlb uint32) error {
	iod, err := e.Aread(buf, lba, nlb)
	if err != nil {
		return err
	}
	runtime.Gosched()
	_, err = e.Apoll(iod, DefaultTimeout)
	return err
}

// Write is the synchronous wrapper over Awrite.
func (e *Engine) Write(buf *dma.Region, lba uint64, nlb uint32) error {
	iod, err := e.Awrite(buf, lba, nlb)
	if err != nil {
		return err
	}
	runtime.Gosched()
	_, err = e.Apoll(iod, DefaultTimeout)
	return err
}

// Flush is the synchronous wrapper over Aflush.
func (e *Engine) Flush() error {
	iod, err := e.Aflush()
	if err != nil {
		return err
	}
	runtime.Gosched()
	_, err = e.Apoll(iod, DefaultTimeout)
	return err
}
