// Package admin implements controller bring-up and the synchronous
// admin command set this driver needs: identify, create/delete I/O
// queue, get/set features, flush (spec §4.4).
package admin

import (
	"time"

	"github.com/unvme-go/unvme/dma"
	"github.com/unvme-go/unvme/mmio"
	"github.com/unvme-go/unvme/nvme"
	"github.com/unvme-go/unvme/queue"
	"github.com/unvme-go/unvme/tsc"
	"github.com/unvme-go/unvme/unvmeerr"
)

// DefaultTimeout bounds every synchronous admin command (spec §5,
// "Default timeout is a session-wide constant").
const DefaultTimeout = 5 * time.Second

// Driver owns the admin queue and the MMIO register window, and is the
// only component allowed to touch controller-wide registers (CC,
// CSTS, AQA, ASQ, ACQ). It satisfies queue.AdminCreator so newly built
// I/O queues can ask it to create/delete their device-side counterpart.
type Driver struct {
	bar   *mmio.Bar
	aq    *queue.AdminQueue
	clock *tsc.Clock
	dstrd uint8
	mqes  uint16
}

// Bringup performs the reset -> program -> enable sequence (spec §4.4)
// and returns a Driver ready to accept admin commands. pool must
// already be wired to the same pass-through device as bar.
func Bringup(bar *mmio.Bar, pool *dma.Pool, clock *tsc.Clock, adminDepth int) (*Driver, error) {
	capReg := bar.Read64(mmio.RegCAP)
	dstrd := mmio.CAPDSTRD(capReg)
	mqes := mmio.CAPMQES(capReg)
	if adminDepth > int(mqes)+1 {
		adminDepth = int(mqes) + 1
	}

	if err := disable(bar, clock); err != nil {
		return nil, err
	}

	aq, err := queue.NewAdminQueue(adminDepth, pool, bar, dstrd)
	if err != nil {
		return nil, unvmeerr.New(unvmeerr.Fatal, "bringup", "create admin queue: %v", err)
	}

	aqa := uint32(adminDepth-1) | uint32(adminDepth-1)<<16
	bar.Write32(mmio.RegAQA, aqa)
	bar.Write64(mmio.RegASQ, aq.SQRegion().IOVA)
	bar.Write64(mmio.RegACQ, aq.CQRegion().IOVA)
	bar.Write32(mmio.RegCC, mmio.CCEnable)

	if err := waitCSTS(bar, clock, mmio.CSTSReady, mmio.CSTSReady); err != nil {
		return nil, unvmeerr.New(unvmeerr.Fatal, "bringup", "controller did not become ready: %v", err)
	}

	return &Driver{bar: bar, aq: aq, clock: clock, dstrd: dstrd, mqes: mqes}, nil
}

// MaxQueueEntries and DoorbellStride expose the controller capabilities
// this driver read at bring-up, for the session to clamp requested
// queue sizes against (spec §4.4, "defaults are clamped against
// controller-advertised maxima").
func (d *Driver) MaxQueueEntries() uint16 { return d.mqes }
func (d *Driver) DoorbellStride() uint8   { return d.dstrd }

func disable(bar *mmio.Bar, clock *tsc.Clock) error {
	bar.Write32(mmio.RegCC, 0)
	return waitCSTS(bar, clock, mmio.CSTSReady, 0)
}

func waitCSTS(bar *mmio.Bar, clock *tsc.Clock, mask, want uint32) error {
	deadline := clock.Deadline(DefaultTimeout)
	for {
		if bar.Read32(mmio.RegCSTS)&mask == want {
			return nil
		}
		if clock.Expired(deadline) {
			return unvmeerr.New(unvmeerr.Timeout, "wait_csts", "CSTS did not reach %#x within timeout", want)
		}
	}
}

// doSync posts one admin command and spin-polls the admin CQ to
// completion, holding the admin queue's lock for the whole sequence
// (spec §4.4: "Admin CQ polling holds the session mutex for the
// duration of the command because admin is the only queue shared
// across threads during bring-up").
func (d *Driver) doSync(op string, p queue.SubmitParams) (*queue.IOD, error) {
	d.aq.Lock()
	defer d.aq.Unlock()

	iod, err := d.aq.Submit(p)
	if err != nil {
		return nil, err
	}

	deadline := d.clock.Deadline(DefaultTimeout)
	for {
		d.aq.Sweep()
		if iod.Status == queue.StatusCompleteOK {
			d.aq.Release(iod.CID)
			return iod, nil
		}
		if iod.Status == queue.StatusCompleteErr {
			d.aq.Release(iod.CID)
			return iod, unvmeerr.DevStatusError(op, iod.SC, iod.SCT)
		}
		if d.clock.Expired(deadline) {
			return nil, unvmeerr.New(unvmeerr.Timeout, op, "admin command timed out")
		}
	}
}

// IdentifyController issues CNS=1 identify and decodes the result page.
func (d *Driver) IdentifyController(pool *dma.Pool) (*nvme.ControllerIdentity, error) {
	page, err := pool.Alloc(4096)
	if err != nil {
		return nil, unvmeerr.New(unvmeerr.OOM, "identify_controller", "alloc identify page: %v", err)
	}
	defer pool.Free(page)

	_, err = d.doSync("identify_controller", queue.SubmitParams{
		Opcode: nvme.AdminOpIdentify,
		PRP1:   page.IOVA,
		CDW10:  nvme.CNSController,
	})
	if err != nil {
		return nil, err
	}
	return nvme.DecodeControllerIdentity(page.Bytes()), nil
}

// IdentifyNamespace issues CNS=0 identify for the given namespace id.
func (d *Driver) IdentifyNamespace(pool *dma.Pool, nsid uint32) (*nvme.NamespaceIdentity, error) {
	page, err := pool.Alloc(4096)
	if err != nil {
		return nil, unvmeerr.New(unvmeerr.OOM, "identify_namespace", "alloc identify page: %v", err)
	}
	defer pool.Free(page)

	_, err = d.doSync("identify_namespace", queue.SubmitParams{
		Opcode: nvme.AdminOpIdentify,
		NSID:   nsid,
		PRP1:   page.IOVA,
		CDW10:  nvme.CNSNamespace,
	})
	if err != nil {
		return nil, err
	}
	return nvme.DecodeNamespaceIdentity(page.Bytes()), nil
}

// CreateIOCQ implements queue.AdminCreator.
func (d *Driver) CreateIOCQ(qid uint16, cq *dma.Region, depth int) error {
	cdw10 := uint32(qid)<<16 | uint32(depth-1)
	const cqIRQEnableBit = 0 // polling only; interrupts never enabled (spec §1 non-goal)
	_, err := d.doSync("create_iocq", queue.SubmitParams{
		Opcode: nvme.AdminOpCreateCQ,
		PRP1:   cq.IOVA,
		CDW10:  cdw10,
		CDW11:  1 | cqIRQEnableBit, // physically-contiguous bit
	})
	return err
}

// CreateIOSQ implements queue.AdminCreator.
func (d *Driver) CreateIOSQ(qid uint16, sq *dma.Region, cqid uint16, depth int) error {
	cdw10 := uint32(qid)<<16 | uint32(depth-1)
	cdw11 := uint32(cqid)<<16 | 1 // physically-contiguous bit
	_, err := d.doSync("create_iosq", queue.SubmitParams{
		Opcode: nvme.AdminOpCreateSQ,
		PRP1:   sq.IOVA,
		CDW10:  cdw10,
		CDW11:  cdw11,
	})
	return err
}

// DeleteSQ implements queue.AdminCreator.
func (d *Driver) DeleteSQ(qid uint16) error {
	_, err := d.doSync("delete_iosq", queue.SubmitParams{
		Opcode: nvme.AdminOpDeleteSQ,
		CDW10:  uint32(qid),
	})
	return err
}

// DeleteCQ implements queue.AdminCreator.
func (d *Driver) DeleteCQ(qid uint16) error {
	_, err := d.doSync("delete_iocq", queue.SubmitParams{
		Opcode: nvme.AdminOpDeleteCQ,
		CDW10:  uint32(qid),
	})
	return err
}

// GetFeatures issues a get-features admin command for feature id fid.
func (d *Driver) GetFeatures(fid uint32) (res uint32, err error) {
	iod, err := d.doSync("get_features", queue.SubmitParams{
		Opcode: nvme.AdminOpGetFeatures,
		CDW10:  fid,
	})
	if err != nil {
		return 0, err
	}
	return iod.Result, nil
}

// SetFeatures issues a set-features admin command. res is a pure OUT
// parameter carrying the CQE's DW0 (spec §9 open-question resolution:
// the source's test computed this from the wrong argv index and used
// it as PRP-data before the reply overwrote it, which this driver does
// not reproduce — *res is never read, only written, and only after the
// command completes).
func (d *Driver) SetFeatures(fid, value uint32, res *uint32) error {
	iod, err := d.doSync("set_features", queue.SubmitParams{
		Opcode: nvme.AdminOpSetFeatures,
		CDW10:  fid,
		CDW11:  value,
	})
	if err != nil {
		return err
	}
	if res != nil {
		*res = iod.Result
	}
	return nil
}

// Flush issues an admin-queue flush for nsid. Session teardown does not
// call it; the I/O engine's Flush uses an I/O queue instead.
func (d *Driver) Flush(nsid uint32) error {
	_, err := d.doSync("admin_flush", queue.SubmitParams{
		Opcode: nvme.OpFlush,
		NSID:   nsid,
	})
	return err
}

var _ queue.AdminCreator = (*Driver)(nil)
