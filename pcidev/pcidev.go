// Package pcidev defines the pass-through façade this driver consumes
// (spec §6): open-device, map-memory, unmap-memory, mmio-map, and
// enable-bus-mastering. The façade itself — binding a PCI function to an
// IOMMU container and exposing a bus-visible address space — is treated
// as an external collaborator; this package only states the contract
// (interface Device) plus the PCI address parsing the façade is keyed
// on. A concrete Linux/VFIO-backed implementation lives in
// vfio_linux.go; an in-memory model for tests lives in fake.go.
package pcidev

import (
	"fmt"
	"strconv"
	"strings"
	"unsafe"

	"github.com/unvme-go/unvme/unvmeerr"
)

// ID identifies a PCI function and, within it, an NVMe namespace.
type ID struct {
	Bus, Device, Function uint8
	NSID                  uint32
}

// String renders the canonical "bb:dd.f/nsid" form.
func (id ID) String() string {
	return fmt.Sprintf("%02x:%02x.%x/%d", id.Bus, id.Device, id.Function, id.NSID)
}

// FunctionString renders "bb:dd.f" without the namespace suffix, the key
// the session registry groups opens by (spec §4.7).
func (id ID) FunctionString() string {
	return fmt.Sprintf("%02x:%02x.%x", id.Bus, id.Device, id.Function)
}

// ParseID parses "bb:dd.f" or "bb:dd.f/nsid" (spec §6): lower-case
// hexadecimal bus:device.function, an optional namespace id in decimal
// or hex (standard Go integer parsing, so a "0x" prefix selects hex),
// defaulting to namespace 1.
func ParseID(s string) (ID, error) {
	bdf, nsidPart, hasNSID := strings.Cut(s, "/")
	parts := strings.SplitN(bdf, ":", 2)
	if len(parts) != 2 {
		return ID{}, unvmeerr.New(unvmeerr.BadArg, "parse_id", "invalid PCI id %q (expect bb:dd.f[/nsid])", s)
	}
	bus, err := strconv.ParseUint(parts[0], 16, 8)
	if err != nil {
		return ID{}, unvmeerr.New(unvmeerr.BadArg, "parse_id", "invalid bus in %q: %v", s, err)
	}
	dfParts := strings.SplitN(parts[1], ".", 2)
	if len(dfParts) != 2 {
		return ID{}, unvmeerr.New(unvmeerr.BadArg, "parse_id", "invalid PCI id %q (expect bb:dd.f[/nsid])", s)
	}
	dev, err := strconv.ParseUint(dfParts[0], 16, 8)
	if err != nil {
		return ID{}, unvmeerr.New(unvmeerr.BadArg, "parse_id", "invalid device in %q: %v", s, err)
	}
	fn, err := strconv.ParseUint(dfParts[1], 16, 8)
	if err != nil {
		return ID{}, unvmeerr.New(unvmeerr.BadArg, "parse_id", "invalid function in %q: %v", s, err)
	}

	id := ID{Bus: uint8(bus), Device: uint8(dev), Function: uint8(fn), NSID: 1}
	if hasNSID {
		nsid, err := strconv.ParseUint(nsidPart, 0, 32)
		if err != nil {
			return ID{}, unvmeerr.New(unvmeerr.BadArg, "parse_id", "invalid nsid in %q: %v", s, err)
		}
		id.NSID = uint32(nsid)
	}
	return id, nil
}

// Device is the pass-through façade's published operation set (spec §6):
// open-device, map-memory, unmap-memory, mmio-map, enable-bus-mastering.
// Everything above this interface — IOMMU group/container setup, BAR
// discovery — is an external collaborator's concern.
type Device interface {
	// Map page-aligns and DMA-maps vaddr/length, returning the
	// bus-visible IOVA the device can use to reach it.
	Map(vaddr unsafe.Pointer, length int) (iova uint64, err error)
	// Unmap reverses a prior Map of the same vaddr.
	Unmap(vaddr unsafe.Pointer) error
	// MMIOBar maps BAR index bar and returns it as a byte slice window.
	MMIOBar(bar int) ([]byte, error)
	// EnableBusMaster allows the device to initiate DMA.
	EnableBusMaster() error
	// Close releases the device binding.
	Close() error
}

// Open binds to the PCI function named by id using the platform's
// pass-through façade. On Linux this goes through VFIO (vfio_linux.go).
func Open(id ID) (Device, error) {
	return openVFIO(id)
}
