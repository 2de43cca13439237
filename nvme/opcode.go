// Package nvme holds the NVMe wire-level contract this driver consumes:
// SQE/CQE byte layouts, opcodes, and status decoding. Spec §1 treats this
// as a pure data module supplied externally; we carry a minimal version
// of it here so the rest of the driver has something concrete to build
// against.
package nvme

// NVM command set opcodes (spec §6).
const (
	OpFlush = 0x00
	OpWrite = 0x01
	OpRead  = 0x02
)

// Admin command opcodes (spec §4.4).
const (
	AdminOpDeleteSQ    = 0x00
	AdminOpCreateSQ    = 0x01
	AdminOpGetLogPage  = 0x02
	AdminOpDeleteCQ    = 0x04
	AdminOpCreateCQ    = 0x05
	AdminOpIdentify    = 0x06
	AdminOpSetFeatures = 0x09
	AdminOpGetFeatures = 0x0a
)

// Identify CNS values used by AdminOpIdentify.
const (
	CNSNamespace   = 0x00
	CNSController  = 0x01
)

// TranslateConfigFlag is the DW12 bit that marks a vendor-extended
// translate command (spec §4.5, design note on the vendor translate
// command): it rides the standard OpWrite/OpRead data path, not a
// distinct opcode, and is only ever set after the controller's
// identify data has advertised support for it (see
// ControllerIdentity.VendorTranslateSupported).
const TranslateConfigFlag = 1 << 31
