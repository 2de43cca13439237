package mmio

// Controller register offsets (spec §4.1).
const (
	RegCAP  = 0x00 // capabilities
	RegVS   = 0x08 // version
	RegCC   = 0x14 // controller configuration
	RegCSTS = 0x1c // controller status
	RegAQA  = 0x24 // admin queue attributes
	RegASQ  = 0x28 // admin SQ base
	RegACQ  = 0x30 // admin CQ base

	doorbellBase = 0x1000
)

// CC (controller configuration) bits this driver touches.
const (
	CCEnable = 1 << 0
)

// CSTS (controller status) bits this driver touches.
const (
	CSTSReady = 1 << 0
)

// CAPMQES returns CAP.MQES: the maximum queue entries supported, minus
// one, per the controller capabilities register.
func CAPMQES(cap uint64) uint16 {
	return uint16(cap & 0xffff)
}

// CAPDSTRD returns CAP.DSTRD: the doorbell stride exponent.
func CAPDSTRD(cap uint64) uint8 {
	return uint8((cap >> 32) & 0xf)
}

// DoorbellOffset computes the byte offset of a submission or completion
// queue doorbell (spec §4.1):
//
//	0x1000 + (2n + k) * (4 << DSTRD)
//
// with k=0 for an SQ tail doorbell and k=1 for a CQ head doorbell.
func DoorbellOffset(dstrd uint8, qid uint16, completion bool) uintptr {
	k := uintptr(0)
	if completion {
		k = 1
	}
	n := uintptr(qid)
	stride := uintptr(4) << dstrd
	return doorbellBase + (2*n+k)*stride
}
