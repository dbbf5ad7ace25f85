package pci

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPage = 4096

type fakeDevice struct {
	addr      string
	config    []byte
	resources string
	files     map[string]string
	driver    string
}

func writeFakeDevice(t *testing.T, root string, fd fakeDevice) {
	t.Helper()
	dir := filepath.Join(root, devicesPath, fd.addr)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config"), fd.config, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "resource"), []byte(fd.resources), 0o644))
	for name, content := range fd.files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	if fd.driver != "" {
		require.NoError(t, os.Symlink(filepath.Join("../../../bus/pci/drivers", fd.driver), filepath.Join(dir, "driver")))
	}
}

func idFiles() map[string]string {
	return map[string]string{
		"irq":              "16\n",
		"vendor":           "0x8086\n",
		"device":           "0x10d3\n",
		"subsystem_vendor": "0x8086\n",
		"subsystem_device": "0xa01f\n",
	}
}

func msixConfig(control uint16, table, pba uint32) []byte {
	conf := make([]byte, 256)
	conf[statusOffset] = statusCapMask
	conf[capPtrOffset] = 0x50
	// a power management capability first, then MSI-X
	conf[0x50] = 0x01
	conf[0x51] = 0x70
	conf[0x70] = capIDMSIX
	conf[0x71] = 0
	conf[0x72] = byte(control)
	conf[0x73] = byte(control >> 8)
	for i := 0; i < 4; i++ {
		conf[0x74+i] = byte(table >> (8 * i))
		conf[0x78+i] = byte(pba >> (8 * i))
	}
	return conf
}

const msixResources = `0x00000000fe000000 0x00000000fe003fff 0x0000000000040200
0x000000000000e000 0x000000000000e01f 0x0000000000040101
0x00000000fe100000 0x00000000fe100fff 0x0000000000040200
0x0000000000000000 0x0000000000000000 0x0000000000000000
0x0000000000000000 0x0000000000000000 0x0000000000000000
0x0000000000000000 0x0000000000000000 0x0000000000000000
0x0000000000000000 0x0000000000000000 0x0000000000000000
`

func TestLookupMSIXTableCrossingPage(t *testing.T) {
	root := t.TempDir()
	// 64 entries, table at offset 0xff8 in BAR 0, PBA at offset 0 in BAR 2
	writeFakeDevice(t, root, fakeDevice{
		addr:      "0000:00:1d.0",
		config:    msixConfig(63, 0xff8, 0x2),
		resources: msixResources,
		files:     idFiles(),
		driver:    "pciback",
	})

	r := &Reader{SysfsRoot: root, PageSize: testPage}
	dev, err := r.Lookup(Address{Bus: 0, Slot: 0x1d, Func: 0})
	require.NoError(t, err)

	assert.True(t, dev.MSIX)
	assert.Equal(t, 64, dev.MSIXEntries)
	assert.Equal(t, 0, dev.TableIndex)
	assert.Equal(t, uint64(0xff8), dev.TableOffset)
	assert.Equal(t, 2, dev.PBAIndex)

	assert.Equal(t, []Range{{Start: 0xe000, Size: 0x20}}, dev.IOPorts)
	assert.Equal(t, []Range{
		{Start: 0xfe000000, Size: 0x4000},
		{Start: 0xfe100000, Size: 0x1000},
	}, dev.IOMem)

	// table 0xfe000ff8..0xfe0013f8 spans two pages
	require.Len(t, dev.MSIXIOMem, 2)
	table := dev.MSIXIOMem[0]
	assert.Equal(t, Range{Start: 0xfe000000, Size: 0x2000}, table)
	for _, rg := range dev.MSIXIOMem {
		assert.Zero(t, rg.Start%testPage)
		assert.Zero(t, rg.End()%testPage)
	}
	assert.Equal(t, Range{Start: 0xfe100000, Size: 0x1000}, dev.MSIXIOMem[1])

	assert.Equal(t, []Range{{Start: 0xfe002000, Size: 0x2000}}, dev.GeneralIOMem())

	assert.Equal(t, 16, dev.IRQ)
	assert.Equal(t, uint16(0x8086), dev.Vendor)
	assert.Equal(t, uint16(0x10d3), dev.Device)
	assert.Equal(t, uint16(0xa01f), dev.SubDevice)
	assert.Equal(t, "pciback", dev.Driver)
}

func TestLookupWithoutCapabilities(t *testing.T) {
	root := t.TempDir()
	writeFakeDevice(t, root, fakeDevice{
		addr:      "0000:02:00.1",
		config:    make([]byte, 64),
		resources: msixResources,
		files:     idFiles(),
		driver:    "e1000e",
	})

	r := &Reader{SysfsRoot: root, PageSize: testPage}
	dev, err := r.Lookup(Address{Bus: 2, Func: 1})
	require.NoError(t, err)
	assert.False(t, dev.MSIX)
	assert.Empty(t, dev.MSIXIOMem)
	assert.Equal(t, dev.IOMem, dev.GeneralIOMem())
}

func TestLookupDescriptorErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		edit func(fd *fakeDevice)
	}{
		{
			name: "missing irq",
			file: "irq",
			edit: func(fd *fakeDevice) { delete(fd.files, "irq") },
		},
		{
			name: "malformed vendor",
			file: "vendor",
			edit: func(fd *fakeDevice) { fd.files["vendor"] = "zz\n" },
		},
		{
			name: "no driver",
			file: "driver",
			edit: func(fd *fakeDevice) { fd.driver = "" },
		},
		{
			name: "malformed resource",
			file: "resource",
			edit: func(fd *fakeDevice) { fd.resources = "0xfe000000 nothex 0x0\n" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			fd := fakeDevice{
				addr:      "0000:00:02.0",
				config:    make([]byte, 64),
				resources: msixResources,
				files:     idFiles(),
				driver:    "pciback",
			}
			tt.edit(&fd)
			writeFakeDevice(t, root, fd)

			r := &Reader{SysfsRoot: root, PageSize: testPage}
			_, err := r.Lookup(Address{Slot: 2})
			require.Error(t, err)

			var de *DescriptorError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.file, de.File)
			assert.Equal(t, "0000:00:02.0", de.Device)
		})
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    Address
		wantErr bool
	}{
		{in: "0000:00:1d.0", want: Address{Slot: 0x1d}},
		{in: "01:00.1", want: Address{Bus: 1, Func: 1}},
		{in: "0001:ff:1f.7", want: Address{Domain: 1, Bus: 0xff, Slot: 0x1f, Func: 7}},
		{in: "00:1d", wantErr: true},
		{in: "0000:00:20.0", wantErr: true},
		{in: "0000:00:1d.8", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "0001:ff:1f.7", Address{Domain: 1, Bus: 0xff, Slot: 0x1f, Func: 7}.String())
}

func TestFindSysfs(t *testing.T) {
	mounts := filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(mounts, []byte(
		"proc /proc proc rw 0 0\nsysfs /mnt/sys sysfs rw,nosuid 0 0\n"), 0o644))
	root, err := findSysfs(mounts)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/sys", root)

	require.NoError(t, os.WriteFile(mounts, []byte("proc /proc proc rw 0 0\n"), 0o644))
	_, err = findSysfs(mounts)
	assert.ErrorIs(t, err, ErrNoSysfs)
}
