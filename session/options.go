// Package session implements the process-global device registry, the
// open/close lifecycle, and the per-device bring-up that wires
// pcidev -> mmio -> dma -> admin -> queue -> ioengine together
// (spec §4.7).
package session

import "log"

// Options configures an Open call. Zero-value fields are defaulted the
// same way fuse.NewServer defaults *MountOptions (fuse/server.go,
// "if o.MaxWrite == 0 { o.MaxWrite = 1 << 16 }"): callers only set what
// they care about.
type Options struct {
	// QueueCount is the number of I/O queues to create. 0 selects
	// DefaultQueueCount. The count is used as given: it is not checked
	// against any controller-advertised queue limit.
	QueueCount int
	// QueueSize is the depth of each I/O queue. 0 selects
	// DefaultQueueSize, clamped against CAP.MQES.
	QueueSize int
	// AdminQueueSize is the depth of the admin queue. 0 selects
	// DefaultAdminQueueSize.
	AdminQueueSize int
	// Logger receives FATAL-path diagnostics and bring-up tracing.
	// Defaults to log.Default(), mirroring vhostuser.Device.Debug and
	// fuse.Server's logger field.
	Logger *log.Logger
}

// Defaults applied when the corresponding Options field is zero.
const (
	DefaultQueueCount      = 4
	DefaultQueueSize       = 256
	DefaultAdminQueueSize  = 64
)

func (o Options) withDefaults() Options {
	if o.QueueCount == 0 {
		o.QueueCount = DefaultQueueCount
	}
	if o.QueueSize == 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.AdminQueueSize == 0 {
		o.AdminQueueSize = DefaultAdminQueueSize
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}
