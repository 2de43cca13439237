// Package unvmeerr defines the error taxonomy surfaced across the driver.
//
// Every submit/poll/admin path returns either a live result or one of the
// Kind values below; nothing in this package or its callers retries on the
// caller's behalf.
package unvmeerr

import "fmt"

// Kind classifies a driver error. See the error table in the design docs
// for when each is raised and what recovery, if any, is expected.
type Kind int

const (
	// BadArg covers malformed input: bad PCI strings, nlb out of range,
	// LBA out of range, a buffer the pool doesn't recognize.
	BadArg Kind = iota
	// OOM covers DMA mapping or pool allocation failure.
	OOM
	// QueueFull covers a submission that found no free descriptor slot.
	QueueFull
	// DevStatus covers a CQE that reported a non-zero status.
	DevStatus
	// Timeout covers a poll budget that ran out before completion.
	Timeout
	// Fatal covers an invariant violation: phase mismatch against an
	// unbound command id, an unreachable doorbell register, admin
	// bring-up failure. Callers should treat a Fatal as unrecoverable.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case BadArg:
		return "BAD_ARG"
	case OOM:
		return "OOM"
	case QueueFull:
		return "QUEUE_FULL"
	case DevStatus:
		return "DEV_STATUS"
	case Timeout:
		return "TIMEOUT"
	case Fatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Error is the concrete error type returned by this module. SC/SCT are
// only meaningful when Kind == DevStatus.
type Error struct {
	Kind Kind
	Op   string
	SC   uint8
	SCT  uint8
	Err  error
}

func (e *Error) Error() string {
	if e.Kind == DevStatus {
		return fmt.Sprintf("unvme: %s: %s (sc=0x%02x sct=0x%02x)", e.Op, e.Kind, e.SC, e.SCT)
	}
	if e.Err != nil {
		return fmt.Sprintf("unvme: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("unvme: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind, formatting a message the same
// way fmt.Errorf would.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	var err error
	if format != "" {
		err = fmt.Errorf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// DevStatusError builds a DevStatus error from a CQE's status code and
// status code type fields.
func DevStatusError(op string, sc, sct uint8) *Error {
	return &Error{Kind: DevStatus, Op: op, SC: sc, SCT: sct}
}

// Is reports whether err is an *Error of the given kind. It does not
// walk arbitrary wrapped chains beyond a single unwrap, matching the way
// this package's own callers construct errors.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == kind
}
