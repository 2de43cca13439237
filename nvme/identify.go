package nvme

import "encoding/binary"

// ControllerIdentity holds the fields of the identify-controller data
// page this driver actually consumes. The real structure is 4096 bytes;
// we only decode what the driver needs.
type ControllerIdentity struct {
	VID             uint16
	SSVID           uint16
	MDTS            uint8  // max data transfer size, log2 pages (0 = unlimited)
	MaxQueueEntries uint16 // not set by DecodeControllerIdentity; CAP.MQES is read at bring-up instead
	OACS            uint16

	// VendorTranslateSupported is decoded from a vendor-specific
	// capability word in the identify page (not a standard NVMe field);
	// spec §4.5 design note: gate the translate opcodes behind this so
	// a standard NVMe device is never sent them.
	VendorTranslateSupported bool
}

// Byte offsets into the 4096-byte identify-controller page that this
// driver reads. VID/SSVID/MDTS/OACS match the standard NVMe layout;
// offVendorCapBit is implementation-defined (spec §9 design note).
const (
	offVID          = 0
	offSSVID        = 2
	offMDTS         = 77
	offOACS         = 256
	offVendorCapBit = 3072 // first byte of the vendor-specific region
)

const vendorTranslateCapBit = 1 << 0

// DecodeControllerIdentity decodes a 4096-byte identify-controller page.
func DecodeControllerIdentity(page []byte) *ControllerIdentity {
	ci := &ControllerIdentity{
		VID:   binary.LittleEndian.Uint16(page[offVID:]),
		SSVID: binary.LittleEndian.Uint16(page[offSSVID:]),
		MDTS:  page[offMDTS],
		OACS:  binary.LittleEndian.Uint16(page[offOACS:]),
	}
	ci.VendorTranslateSupported = page[offVendorCapBit]&vendorTranslateCapBit != 0
	return ci
}

// LBAFormat describes one entry of a namespace's supported LBA formats.
type LBAFormat struct {
	MetadataSize        uint16
	LBADataSizeLog2     uint8 // block size = 1 << LBADataSizeLog2
	RelativePerformance uint8
}

// NamespaceIdentity holds the fields of the identify-namespace data page
// this driver consumes.
type NamespaceIdentity struct {
	NSZE             uint64 // namespace size in logical blocks
	NCAP             uint64 // namespace capacity in logical blocks
	FormattedLBA     uint8  // index into LBAFormats currently in use
	LBAFormats       []LBAFormat
}

const (
	offNSZE   = 0
	offNCAP   = 8
	offFLBAS  = 26
	offLBAF0  = 128
	lbafSize  = 4
	maxLBAFmt = 16
)

// DecodeNamespaceIdentity decodes a 4096-byte identify-namespace page.
func DecodeNamespaceIdentity(page []byte) *NamespaceIdentity {
	ni := &NamespaceIdentity{
		NSZE:         binary.LittleEndian.Uint64(page[offNSZE:]),
		NCAP:         binary.LittleEndian.Uint64(page[offNCAP:]),
		FormattedLBA: page[offFLBAS] & 0x0f,
	}
	ni.LBAFormats = make([]LBAFormat, maxLBAFmt)
	for i := 0; i < maxLBAFmt; i++ {
		off := offLBAF0 + i*lbafSize
		raw := binary.LittleEndian.Uint32(page[off:])
		ni.LBAFormats[i] = LBAFormat{
			MetadataSize:        uint16(raw & 0xffff),
			LBADataSizeLog2:     uint8((raw >> 16) & 0xff),
			RelativePerformance: uint8((raw >> 24) & 0x3),
		}
	}
	return ni
}

// BlockSize returns the active LBA format's block size in bytes.
func (ni *NamespaceIdentity) BlockSize() uint32 {
	return 1 << ni.LBAFormats[ni.FormattedLBA].LBADataSizeLog2
}

// BlockShift returns log2(BlockSize).
func (ni *NamespaceIdentity) BlockShift() uint8 {
	return ni.LBAFormats[ni.FormattedLBA].LBADataSizeLog2
}
