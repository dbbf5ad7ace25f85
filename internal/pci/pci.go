// Package pci reads PCI device resource descriptors from sysfs.
//
// A descriptor lists the device's I/O port and memory BARs, its IRQ, ids,
// bound driver and, for MSI-X capable devices, the page-aligned ranges that
// hold the MSI-X table and pending-bit array.
package pci

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	devicesPath  = "bus/pci/devices"
	numResources = 7

	barIO = 0x01

	statusOffset  = 0x06
	statusCapMask = 0x10
	capPtrOffset  = 0x34

	capIDMSIX       = 0x11
	msixBIRMask     = 0x7
	msixSizeMask    = 0x7ff
	msixEntryBytes  = 16
	maxCapabilities = 48
)

// ErrNoSysfs is returned when no sysfs mount can be found.
var ErrNoSysfs = errors.New("sysfs not mounted")

// Range is a (start, size) pair.
type Range struct {
	Start uint64
	Size  uint64
}

// End is the first address past the range.
func (r Range) End() uint64 { return r.Start + r.Size }

// Address identifies a device as domain:bus:slot.func.
type Address struct {
	Domain uint16
	Bus    uint8
	Slot   uint8
	Func   uint8
}

// String formats the address the way sysfs names the device directory.
func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Slot, a.Func)
}

// ParseAddress parses "DDDD:BB:SS.F". The domain part is optional.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) == 2 {
		parts = append([]string{"0"}, parts...)
	}
	if len(parts) != 3 {
		return Address{}, fmt.Errorf("invalid pci address %q", s)
	}
	slotFunc := strings.Split(parts[2], ".")
	if len(slotFunc) != 2 {
		return Address{}, fmt.Errorf("invalid pci address %q", s)
	}
	dom, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci domain in %q: %w", s, err)
	}
	bus, err := strconv.ParseUint(parts[1], 16, 8)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci bus in %q: %w", s, err)
	}
	slot, err := strconv.ParseUint(slotFunc[0], 16, 5)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci slot in %q: %w", s, err)
	}
	fn, err := strconv.ParseUint(slotFunc[1], 16, 3)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci function in %q: %w", s, err)
	}
	return Address{Domain: uint16(dom), Bus: uint8(bus), Slot: uint8(slot), Func: uint8(fn)}, nil
}

// Device is a resource descriptor.
type Device struct {
	Address   Address
	IOPorts   []Range
	IOMem     []Range
	IRQ       int
	Vendor    uint16
	Device    uint16
	SubVendor uint16
	SubDevice uint16
	Driver    string

	MSIX        bool
	MSIXEntries int
	TableIndex  int
	TableOffset uint64
	PBAIndex    int
	PBAOffset   uint64
	// MSIXIOMem holds the page-aligned table and PBA ranges.
	MSIXIOMem []Range
}

// GeneralIOMem returns IOMem with the MSI-X ranges cut out.
func (d *Device) GeneralIOMem() []Range {
	out := make([]Range, 0, len(d.IOMem))
	for _, r := range d.IOMem {
		pieces := []Range{r}
		for _, hole := range d.MSIXIOMem {
			var next []Range
			for _, p := range pieces {
				next = append(next, subtract(p, hole)...)
			}
			pieces = next
		}
		out = append(out, pieces...)
	}
	return out
}

func subtract(r, hole Range) []Range {
	if hole.End() <= r.Start || hole.Start >= r.End() {
		return []Range{r}
	}
	var out []Range
	if hole.Start > r.Start {
		out = append(out, Range{Start: r.Start, Size: hole.Start - r.Start})
	}
	if hole.End() < r.End() {
		out = append(out, Range{Start: hole.End(), Size: r.End() - hole.End()})
	}
	return out
}

// DescriptorError reports a missing or malformed sysfs file.
type DescriptorError struct {
	Device string
	File   string
	Err    error
}

func (e *DescriptorError) Error() string {
	return fmt.Sprintf("pci %s: %s: %v", e.Device, e.File, e.Err)
}

func (e *DescriptorError) Unwrap() error {
	return e.Err
}

// Reader reads descriptors below a sysfs mount point.
type Reader struct {
	SysfsRoot string
	PageSize  uint64
}

// NewReader locates the sysfs mount and returns a Reader for it.
func NewReader() (*Reader, error) {
	root, err := findSysfs("/proc/mounts")
	if err != nil {
		return nil, err
	}
	return &Reader{SysfsRoot: root, PageSize: uint64(unix.Getpagesize())}, nil
}

func findSysfs(mounts string) (string, error) {
	f, err := os.Open(mounts)
	if err != nil {
		return "", fmt.Errorf("locate sysfs: %w", err)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) >= 3 && fields[2] == "sysfs" {
			return fields[1], nil
		}
	}
	if err := s.Err(); err != nil {
		return "", fmt.Errorf("locate sysfs: %w", err)
	}
	return "", ErrNoSysfs
}

// Lookup reads the descriptor for the device at addr.
func (r *Reader) Lookup(addr Address) (*Device, error) {
	dev := &Device{Address: addr}
	dir := filepath.Join(r.SysfsRoot, devicesPath, addr.String())

	if err := r.readMSIX(dev, dir); err != nil {
		return nil, err
	}
	if err := r.readResources(dev, dir); err != nil {
		return nil, err
	}

	irq, err := readInt(dir, "irq", 10)
	if err != nil {
		return nil, r.descErr(addr, "irq", err)
	}
	dev.IRQ = int(irq)

	driver, err := os.Readlink(filepath.Join(dir, "driver"))
	if err != nil {
		return nil, r.descErr(addr, "driver", err)
	}
	dev.Driver = filepath.Base(driver)

	for _, id := range []struct {
		file string
		dst  *uint16
	}{
		{"vendor", &dev.Vendor},
		{"device", &dev.Device},
		{"subsystem_vendor", &dev.SubVendor},
		{"subsystem_device", &dev.SubDevice},
	} {
		v, err := readInt(dir, id.file, 16)
		if err != nil {
			return nil, r.descErr(addr, id.file, err)
		}
		*id.dst = uint16(v)
	}
	return dev, nil
}

func (r *Reader) descErr(addr Address, file string, err error) error {
	return &DescriptorError{Device: addr.String(), File: file, Err: err}
}

func (r *Reader) readResources(dev *Device, dir string) error {
	f, err := os.Open(filepath.Join(dir, "resource"))
	if err != nil {
		return r.descErr(dev.Address, "resource", err)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for i := 0; i < numResources && s.Scan(); i++ {
		fields := strings.Fields(s.Text())
		if len(fields) < 3 {
			continue
		}
		var vals [3]uint64
		for j := range vals {
			v, err := strconv.ParseUint(strings.TrimPrefix(fields[j], "0x"), 16, 64)
			if err != nil {
				return r.descErr(dev.Address, "resource", fmt.Errorf("line %d: %w", i, err))
			}
			vals[j] = v
		}
		start, end, flags := vals[0], vals[1], vals[2]
		if start == 0 {
			continue
		}
		bar := Range{Start: start, Size: end - start + 1}
		if flags&barIO != 0 {
			dev.IOPorts = append(dev.IOPorts, bar)
		} else {
			dev.IOMem = append(dev.IOMem, bar)
		}
		if dev.MSIX {
			r.reserveMSIX(dev, i, bar.Start)
		}
	}
	if err := s.Err(); err != nil {
		return r.descErr(dev.Address, "resource", err)
	}
	return nil
}

// reserveMSIX records the page-aligned table and PBA ranges living in BAR index.
func (r *Reader) reserveMSIX(dev *Device, index int, barStart uint64) {
	if index == dev.TableIndex {
		start := barStart + dev.TableOffset
		end := start + uint64(dev.MSIXEntries)*msixEntryBytes
		dev.MSIXIOMem = append(dev.MSIXIOMem, r.pageAlign(start, end))
	}
	if index == dev.PBAIndex {
		start := barStart + dev.PBAOffset
		end := start + uint64(dev.MSIXEntries+7)/8
		dev.MSIXIOMem = append(dev.MSIXIOMem, r.pageAlign(start, end))
	}
}

func (r *Reader) pageAlign(start, end uint64) Range {
	mask := ^(r.PageSize - 1)
	start &= mask
	end = (end + r.PageSize - 1) & mask
	return Range{Start: start, Size: end - start}
}

// readMSIX walks the capability list in the config space looking for MSI-X.
func (r *Reader) readMSIX(dev *Device, dir string) error {
	conf, err := os.ReadFile(filepath.Join(dir, "config"))
	if err != nil {
		return r.descErr(dev.Address, "config", err)
	}
	if len(conf) <= capPtrOffset || conf[statusOffset]&statusCapMask == 0 {
		return nil
	}

	ptr := int(conf[capPtrOffset])
	for n := 0; ptr != 0 && n < maxCapabilities; n++ {
		if ptr+2 > len(conf) {
			return r.descErr(dev.Address, "config", fmt.Errorf("capability pointer 0x%x out of range", ptr))
		}
		id, next := conf[ptr], int(conf[ptr+1])
		if id == capIDMSIX {
			if ptr+12 > len(conf) {
				return r.descErr(dev.Address, "config", fmt.Errorf("truncated MSI-X capability at 0x%x", ptr))
			}
			control := uint16(conf[ptr+2]) | uint16(conf[ptr+3])<<8
			table := le32(conf[ptr+4:])
			pba := le32(conf[ptr+8:])

			dev.MSIX = true
			dev.MSIXEntries = int(control&msixSizeMask) + 1
			dev.TableIndex = int(table & msixBIRMask)
			dev.TableOffset = uint64(table &^ msixBIRMask)
			dev.PBAIndex = int(pba & msixBIRMask)
			dev.PBAOffset = uint64(pba &^ msixBIRMask)
			return nil
		}
		ptr = next
	}
	return nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func readInt(dir, file string, base int) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if base == 16 {
		s = strings.TrimPrefix(s, "0x")
	}
	return strconv.ParseUint(s, base, 64)
}
