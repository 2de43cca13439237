// Package ioengine builds and submits read/write/flush/translate
// commands and reaps their completions (spec §4.5).
package ioengine

// Namespace is the public, read-only-after-open handle describing one
// open namespace (spec §3, "Namespace handle"). Lifetime = session
// lifetime.
type Namespace struct {
	DeviceID   string
	NSID       uint32
	BlockSize  uint32 // B
	BlockShift uint8  // log2 B
	BlockCount uint64

	PageSize      int    // P
	BlocksPerPage uint32 // P/B

	MaxBlocksPerIO uint32 // hardware MDTS translated to blocks

	QueueCount int
	QueueSize  int

	MaxQueueCount int
	MaxQueueSize  int

	VendorTranslateSupported bool
}
