package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/mountinfo"
)

// BoundDevice describes one PCI function found bound to the vfio-pci
// kernel driver.
type BoundDevice struct {
	PCIAddress string // "bb:dd.f"
	IOMMUGroup string
	Driver     string
}

// ListBoundDevices walks /sys/bus/pci/devices, the same line-oriented
// kernel pseudo-filesystem idiom moby/sys/mountinfo's /proc parser
// uses, reporting every function currently bound to vfio-pci. This is
// an ambient discovery convenience (SPEC_FULL.md DOMAIN STACK), not PCI
// enumeration: it lists already-bound functions, it does not scan the
// bus or perform any binding itself.
//
// Before trusting sysfs contents we confirm /sys is actually mounted
// via mountinfo.Mounted — an unmounted /sys would otherwise make every
// symlink read below fail in a way indistinguishable from "no devices
// bound".
func ListBoundDevices() ([]BoundDevice, error) {
	mounted, err := mountinfo.Mounted("/sys")
	if err != nil {
		return nil, fmt.Errorf("unvme: check /sys mount: %w", err)
	}
	if !mounted {
		return nil, fmt.Errorf("unvme: /sys is not mounted")
	}

	const root = "/sys/bus/pci/devices"
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("unvme: list %s: %w", root, err)
	}

	var out []BoundDevice
	for _, e := range entries {
		bdf := e.Name() // "0000:bb:dd.f"
		devDir := filepath.Join(root, bdf)

		driverLink, err := os.Readlink(filepath.Join(devDir, "driver"))
		if err != nil {
			continue // unbound
		}
		driver := filepath.Base(driverLink)
		if driver != "vfio-pci" {
			continue
		}

		groupLink, err := os.Readlink(filepath.Join(devDir, "iommu_group"))
		if err != nil {
			continue
		}

		out = append(out, BoundDevice{
			PCIAddress: shortBDF(bdf),
			IOMMUGroup: filepath.Base(groupLink),
			Driver:     driver,
		})
	}
	return out, nil
}

// shortBDF strips the domain prefix sysfs reports ("0000:bb:dd.f" ->
// "bb:dd.f"), matching the device-identifier format spec §6 defines.
func shortBDF(bdf string) string {
	parts := strings.SplitN(bdf, ":", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return bdf
}

