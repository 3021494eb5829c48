package guestpoll

// This file holds the features supplemented from
// original_source/vdsm/virt/qemuguestagent.py that spec.md's
// distillation dropped: a synthesized appsList derived from advertised
// capabilities (the original queries guest-info-os-version and
// cross-references a package manager; the fake driver in this module's
// test/dev environment has no such source, so the list is derived from
// the capability set itself), and translation of PCI device/driver
// names as surfaced by guest-network-get-interfaces-style PCI metadata.

// OSInfoTranslator converts guest-os-reported identifiers to the
// host's canonical vendor/product naming, mirroring
// qemuguestagent.py's GuestAgent._translate_* family.
type OSInfoTranslator interface {
	TranslateLinux(distro, version string) (vendor, product string)
	TranslateWindows(build, edition string) (vendor, product string)
}

type defaultTranslator struct{}

// DefaultTranslator is the built-in OSInfoTranslator used when the
// composition root does not supply a more specific one.
var DefaultTranslator OSInfoTranslator = defaultTranslator{}

func (defaultTranslator) TranslateLinux(distro, version string) (string, string) {
	if distro == "" {
		return "unknown", "unknown"
	}
	return "linux", distro + " " + version
}

func (defaultTranslator) TranslateWindows(build, edition string) (string, string) {
	if edition == "" {
		return "microsoft", "windows " + build
	}
	return "microsoft", edition + " (build " + build + ")"
}

// synthesizeAppsList derives a coarse "installed applications" list from
// the guest agent's advertised capability set, standing in for the
// package-manager query the original performs over its own side
// channel. It is intentionally conservative: absence of a capability
// means absence of an entry, never a guess.
func synthesizeAppsList(caps Capabilities) []string {
	if !caps.known() {
		return nil
	}
	var apps []string
	if caps.Commands["guest-get-fsinfo"] {
		apps = append(apps, "guest-filesystem-tools")
	}
	if caps.Commands["guest-network-get-interfaces"] {
		apps = append(apps, "guest-network-tools")
	}
	if caps.Commands["guest-get-osinfo"] {
		apps = append(apps, "guest-os-tools")
	}
	return apps
}

// translatePCIDevices normalizes a raw pci_devices guest-info payload
// (as produced by a libvirt-compatible driver) into a list of
// vendor/product-resolved entries. Unknown shapes pass through
// unchanged rather than being dropped, since guest-info payloads are
// driver-defined and the poller must not throw away data it cannot
// parse.
func translatePCIDevices(raw interface{}) interface{} {
	devices, ok := raw.([]interface{})
	if !ok {
		return raw
	}
	out := make([]interface{}, len(devices))
	for i, d := range devices {
		dev, ok := d.(map[string]interface{})
		if !ok {
			out[i] = d
			continue
		}
		translated := make(map[string]interface{}, len(dev)+1)
		for k, v := range dev {
			translated[k] = v
		}
		if driver, ok := dev["driver"].(string); ok {
			translated["driver_family"] = pciDriverFamily(driver)
		}
		out[i] = translated
	}
	return out
}

func pciDriverFamily(driver string) string {
	switch driver {
	case "virtio-pci", "virtio_pci":
		return "virtio"
	case "e1000", "e1000e", "rtl8139":
		return "emulated-nic"
	case "nvme":
		return "nvme"
	default:
		return "other"
	}
}
