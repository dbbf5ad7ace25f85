package store

import "strconv"

// Well-known roots of the store tree.
const (
	VMRoot     = "/vm"
	DomainRoot = "/local/domain"
)

// VMPath is the persistent subtree of a guest, keyed by uuid.
func VMPath(uuid string) string {
	return Join(VMRoot, uuid)
}

// DomainPath is the ephemeral subtree of a live domain, keyed by domid.
func DomainPath(domid uint32) string {
	return Join(DomainRoot, strconv.FormatUint(uint64(domid), 10))
}

// BackendPath is where the backend (domain 0) half of a device lives.
func BackendPath(class string, domid uint32, devid int) string {
	return Join(DomainPath(0), "backend", class, strconv.FormatUint(uint64(domid), 10), strconv.Itoa(devid))
}

// FrontendPath is where the guest half of a device lives.
func FrontendPath(domid uint32, class string, devid int) string {
	return Join(DomainPath(domid), "device", class, strconv.Itoa(devid))
}

// DeviceModelPath is the handshake directory of an emulated domain's device model.
func DeviceModelPath(domid uint32) string {
	return Join(DomainPath(0), "device-model", strconv.FormatUint(uint64(domid), 10))
}
