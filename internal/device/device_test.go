package device

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/domaind/internal/hypervisor/hypervisortest"
	"github.com/spin-stack/domaind/internal/pci"
	"github.com/spin-stack/domaind/internal/store"
)

type testHost struct {
	domid uint32
	name  string
	uuid  string
}

func (h testHost) Domid() uint32      { return h.domid }
func (h testHost) Name() string       { return h.name }
func (h testHost) DomainPath() string { return store.DomainPath(h.domid) }
func (h testHost) VMPath() string     { return store.VMPath(h.uuid) }

type spawnCall struct {
	path string
	args []string
	env  []string
}

type fixture struct {
	store  *store.MemoryStore
	hv     *hypervisortest.Fake
	reg    *Registry
	host   testHost
	spawns []spawnCall
}

func newFixture(t *testing.T, mutate func(env *Env)) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryStore(),
		hv:    hypervisortest.New(),
	}
	domid, err := f.hv.DomainCreate(context.Background(), 0)
	require.NoError(t, err)
	f.host = testHost{domid: domid, name: "guest", uuid: "6f1c0b9e-0000-4000-8000-000000000001"}

	env := Env{
		Store:      f.store,
		Hypervisor: f.hv,
		Options: Options{
			AuxBinDir: "/usr/lib/xen/bin",
			VNCListen: "127.0.0.1",
		},
		Spawn: func(path string, args, env []string) error {
			f.spawns = append(f.spawns, spawnCall{path: path, args: args, env: env})
			return nil
		},
	}
	if mutate != nil {
		mutate(&env)
	}
	f.reg, err = NewDefaultRegistry(env)
	require.NoError(t, err)
	return f
}

func (f *fixture) controller(t *testing.T, class string) Controller {
	t.Helper()
	c, err := f.reg.Controller(class, f.host)
	require.NoError(t, err)
	return c
}

func TestRegistryRejectsDuplicateClass(t *testing.T) {
	_, err := NewRegistry(Env{Store: store.NewMemoryStore()},
		Class{Name: "vbd", kind: blkKind()},
		Class{Name: "vbd", kind: blkKind()},
	)
	assert.True(t, errdefs.IsAlreadyExists(err))
}

func TestRegistryNeedsStore(t *testing.T) {
	_, err := NewDefaultRegistry(Env{})
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestRegistryLookup(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, []string{"console", "pci", "usb", "vbd", "vfb", "vif", "vkbd", "vtpm"}, f.reg.Classes())
	assert.True(t, f.reg.HasClass("vif"))
	assert.False(t, f.reg.HasClass("floppy"))
	assert.True(t, f.reg.HasBackend("blkif"))
	assert.False(t, f.reg.HasBackend("vbd"))

	_, err := f.reg.Controller("floppy", f.host)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestBackendFlags(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name    string
		classes []string
		want    BackendFlag
	}{
		{name: "none", want: 0},
		{name: "block only", classes: []string{"vbd"}, want: FlagBlockBackend},
		{name: "net only", classes: []string{"vif"}, want: FlagNetBackend},
		{name: "tpm only", classes: []string{"vtpm"}, want: FlagTPMBackend},
		{name: "flagless classes", classes: []string{"pci", "usb", "console", "vfb", "vkbd"}, want: 0},
		{
			name:    "mixed",
			classes: []string{"vbd", "vif", "vtpm", "vfb"},
			want:    FlagBlockBackend | FlagNetBackend | FlagTPMBackend,
		},
		{name: "repeated", classes: []string{"vbd", "vbd"}, want: FlagBlockBackend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.reg.BackendFlags(tt.classes...))
		})
	}
	assert.Equal(t, FlagNetBackend|FlagBlockBackend, f.reg.BackendFlagsByName("netif", "blkif", "pciif"))
}

func TestBlockDeviceNumber(t *testing.T) {
	tests := []struct {
		name    string
		want    int
		wantErr bool
	}{
		{name: "hda", want: 3 << 8},
		{name: "hdb", want: 3<<8 | 64},
		{name: "hdc", want: 22 << 8},
		{name: "hda1", want: 3<<8 | 1},
		{name: "sda", want: 8 << 8},
		{name: "sdb2", want: 8<<8 | 18},
		{name: "sdq", want: 65 << 8},
		{name: "xvda", want: 202 << 8},
		{name: "xvdb3", want: 202<<8 | 16 | 3},
		{name: "/dev/xvdc", want: 202<<8 | 32},
		{name: "51712", want: 51712},
		{name: "xvda16", wantErr: true},
		{name: "floppy", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BlockDeviceNumber(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVBDLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	vbd := f.controller(t, "vbd")

	devid, err := vbd.CreateDevice(ctx, Config{"uname": "phy:/dev/vg/guest", "dev": "xvda", "mode": "w"})
	require.NoError(t, err)
	assert.Equal(t, 51712, devid)

	front := store.FrontendPath(f.host.domid, "vbd", devid)
	back := store.BackendPath("vbd", f.host.domid, devid)
	got, err := store.Gather(ctx, f.store, front, "backend", "backend-id", "state", "virtual-device", "device-type")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"backend":        back,
		"backend-id":     "0",
		"state":          StateInitialising,
		"virtual-device": "51712",
		"device-type":    "disk",
	}, got)

	got, err = store.Gather(ctx, f.store, back, "frontend", "frontend-id", "domain", "online", "type", "params", "mode")
	require.NoError(t, err)
	assert.Equal(t, front, got["frontend"])
	assert.Equal(t, "1", got["frontend-id"])
	assert.Equal(t, "guest", got["domain"])
	assert.Equal(t, "phy", got["type"])
	assert.Equal(t, "/dev/vg/guest", got["params"])

	cfg, err := vbd.Describe(ctx, devid)
	require.NoError(t, err)
	assert.Equal(t, Config{"uname": "phy:/dev/vg/guest", "dev": "xvda", "mode": "w"}, cfg)

	_, err = vbd.CreateDevice(ctx, Config{"uname": "phy:/dev/vg/other", "dev": "xvda"})
	assert.True(t, errdefs.IsAlreadyExists(err))

	entries, err := vbd.EnumerateExisting(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Class: "vbd", Config: cfg}}, entries)

	require.NoError(t, vbd.DestroyDevice(ctx, devid))
	_, err = vbd.Describe(ctx, devid)
	assert.True(t, errdefs.IsNotFound(err))
	assert.True(t, errdefs.IsNotFound(vbd.DestroyDevice(ctx, devid)))
}

func TestVBDRejectsBadConfig(t *testing.T) {
	f := newFixture(t, nil)
	vbd := f.controller(t, "vbd")

	for name, cfg := range map[string]Config{
		"no dev":       {"uname": "phy:/dev/sda"},
		"no uname":     {"dev": "xvda"},
		"bad uname":    {"uname": "/dev/sda", "dev": "xvda"},
		"bad mode":     {"uname": "phy:/dev/sda", "dev": "xvda", "mode": "rw"},
		"bad dev":      {"uname": "phy:/dev/sda", "dev": "floppy0"},
		"bad dev type": {"uname": "phy:/dev/sda", "dev": "xvda:tape"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := vbd.CreateDevice(context.Background(), cfg)
			assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)
		})
	}
}

func TestVBDChangeCDROMMedia(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	vbd := f.controller(t, "vbd")

	cd, err := vbd.CreateDevice(ctx, Config{"dev": "hdc:cdrom"})
	require.NoError(t, err)
	disk, err := vbd.CreateDevice(ctx, Config{"uname": "file:/img/a.img", "dev": "hda", "mode": "w"})
	require.NoError(t, err)

	require.NoError(t, vbd.ConfigureDevice(ctx, cd, Config{"uname": "file:/iso/install.iso"}))
	cfg, err := vbd.Describe(ctx, cd)
	require.NoError(t, err)
	assert.Equal(t, "file:/iso/install.iso", cfg["uname"])
	assert.Equal(t, "hdc:cdrom", cfg["dev"])

	err = vbd.ConfigureDevice(ctx, disk, Config{"uname": "file:/iso/install.iso"})
	assert.True(t, errdefs.IsFailedPrecondition(err))
}

func TestVIFDefaultsAndIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	vif := f.controller(t, "vif")

	first, err := vif.CreateDevice(ctx, Config{"bridge": "xenbr0"})
	require.NoError(t, err)
	second, err := vif.CreateDevice(ctx, Config{"mac": "00:16:3e:00:00:02", "type": "ioemu"})
	require.NoError(t, err)
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)

	cfg, err := vif.Describe(ctx, first)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cfg["mac"], "00:16:3e:"), cfg["mac"])
	assert.Equal(t, "xenbr0", cfg["bridge"])

	cfg, err = vif.Describe(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, Config{"mac": "00:16:3e:00:00:02", "type": "ioemu"}, cfg)

	_, err = vif.CreateDevice(ctx, Config{"mac": "nope"})
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestVIFBridgeCheck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(env *Env) {
		env.Options.CheckBridges = true
		env.LinkExists = func(name string) error {
			if name == "xenbr0" {
				return nil
			}
			return errors.New("link not found")
		}
	})
	vif := f.controller(t, "vif")

	_, err := vif.CreateDevice(ctx, Config{"bridge": "xenbr0"})
	require.NoError(t, err)
	_, err = vif.CreateDevice(ctx, Config{"bridge": "br-missing"})
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestConfigureNotSupported(t *testing.T) {
	f := newFixture(t, nil)
	err := f.controller(t, "vif").ConfigureDevice(context.Background(), 0, Config{})
	assert.True(t, errdefs.IsNotImplemented(err))
}

func TestVTPMAndConsole(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	vtpm := f.controller(t, "vtpm")
	id, err := vtpm.CreateDevice(ctx, Config{"instance": "3"})
	require.NoError(t, err)
	cfg, err := vtpm.Describe(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Config{"instance": "3", "pref_instance": "3", "type": "pvm"}, cfg)

	_, err = vtpm.CreateDevice(ctx, Config{"instance": "x"})
	assert.True(t, errdefs.IsInvalidArgument(err))

	console := f.controller(t, "console")
	id, err = console.CreateDevice(ctx, Config{"protocol": "vt100", "uri": "tcp://0:7000", "ignored": "x"})
	require.NoError(t, err)
	cfg, err = console.Describe(ctx, id)
	require.NoError(t, err)
	_, err = uuid.Parse(cfg["uuid"])
	require.NoError(t, err)
	delete(cfg, "uuid")
	assert.Equal(t, Config{"protocol": "vt100", "uri": "tcp://0:7000"}, cfg)

	id, err = console.CreateDevice(ctx, Config{"uuid": "3f2a9c4e-0d4b-4b8e-9b61-1f4f5a0c7e21"})
	require.NoError(t, err)
	cfg, err = console.Describe(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "3f2a9c4e-0d4b-4b8e-9b61-1f4f5a0c7e21", cfg["uuid"])
}

type fakePCI map[pci.Address]*pci.Device

func (f fakePCI) Lookup(a pci.Address) (*pci.Device, error) {
	d, ok := f[a]
	if !ok {
		return nil, &pci.DescriptorError{Device: a.String(), File: "resource", Err: errdefs.ErrNotFound}
	}
	return d, nil
}

func TestPCIPassthroughGrantsResources(t *testing.T) {
	ctx := context.Background()
	addr := pci.Address{Bus: 3}
	dev := &pci.Device{
		Address:   addr,
		IOPorts:   []pci.Range{{Start: 0xe000, Size: 0x20}},
		IOMem:     []pci.Range{{Start: 0xfe000000, Size: 0x4000}},
		MSIX:      true,
		MSIXIOMem: []pci.Range{{Start: 0xfe000000, Size: 0x1000}},
		IRQ:       19,
	}
	f := newFixture(t, func(env *Env) { env.PCI = fakePCI{addr: dev} })
	ctrl := f.controller(t, "pci")

	devid, err := ctrl.CreateDevice(ctx, Config{"dev": "0000:03:00.0"})
	require.NoError(t, err)

	rec, ok := f.hv.Domain(f.host.domid)
	require.True(t, ok)
	assert.Equal(t, [][2]uint64{{0xe000, 0x20}}, rec.IOPorts)
	require.Len(t, rec.IOMem, 1)
	assert.Equal(t, uint64(0xfe001000)/uint64(os.Getpagesize()), rec.IOMem[0][0])
	assert.Equal(t, []int{19}, rec.IRQs)

	cfg, err := ctrl.Describe(ctx, devid)
	require.NoError(t, err)
	assert.Equal(t, Config{"dev": "0000:03:00.0"}, cfg)
}

func TestPCIFailureLeavesNoDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(env *Env) { env.PCI = fakePCI{} })
	ctrl := f.controller(t, "pci")

	_, err := ctrl.CreateDevice(ctx, Config{"dev": "0000:03:00.0"})
	var de *pci.DescriptorError
	require.ErrorAs(t, err, &de)

	entries, err := ctrl.EnumerateExisting(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPCIAttachFailureRevokesGrants(t *testing.T) {
	ctx := context.Background()
	addr := pci.Address{Bus: 3}
	dev := &pci.Device{
		Address: addr,
		IOPorts: []pci.Range{{Start: 0xe000, Size: 0x20}},
		IOMem:   []pci.Range{{Start: 0xfe000000, Size: 0x4000}},
		IRQ:     19,
	}
	f := newFixture(t, func(env *Env) { env.PCI = fakePCI{addr: dev} })
	ctrl := f.controller(t, "pci")
	f.hv.FailOn("IRQPermission", errors.New("permission denied"))

	_, err := ctrl.CreateDevice(ctx, Config{"dev": "0000:03:00.0"})
	require.ErrorContains(t, err, "permission denied")

	rec, ok := f.hv.Domain(f.host.domid)
	require.True(t, ok)
	assert.Empty(t, rec.IOPorts)
	assert.Empty(t, rec.IOMem)
	assert.Empty(t, rec.IRQs)
	assert.Equal(t, 2, f.hv.Called("IOPortPermission"))
	assert.Equal(t, 2, f.hv.Called("IOMemPermission"))

	entries, err := ctrl.EnumerateExisting(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestVFBSpawnsBackend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(env *Env) { env.Options.VNCPasswd = "secret" })

	_, err := f.controller(t, "vfb").CreateDevice(ctx, Config{"type": "vnc", "vncdisplay": "2"})
	require.NoError(t, err)

	require.Len(t, f.spawns, 1)
	assert.Equal(t, "/usr/lib/xen/bin/xen-vncfb", f.spawns[0].path)
	assert.Equal(t, []string{"--vncport", "5902", "--listen", "127.0.0.1", "--domid", "1", "--title", "guest"}, f.spawns[0].args)

	passwd, err := store.Read(ctx, f.store, store.Join(f.host.VMPath(), "vncpasswd"))
	require.NoError(t, err)
	assert.Equal(t, "secret", passwd)

	_, err = f.controller(t, "vfb").CreateDevice(ctx, Config{"type": "gl"})
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestVFBSDL(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.controller(t, "vfb").CreateDevice(context.Background(), Config{"type": "sdl", "display": ":1"})
	require.NoError(t, err)
	require.Len(t, f.spawns, 1)
	assert.Equal(t, "/usr/lib/xen/bin/xen-sdlfb", f.spawns[0].path)
	assert.Contains(t, f.spawns[0].env, "DISPLAY=:1")
}

func TestReleaseAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.controller(t, "vbd").CreateDevice(ctx, Config{"uname": "phy:/dev/sda", "dev": "xvda"})
	require.NoError(t, err)
	_, err = f.controller(t, "vif").CreateDevice(ctx, Config{})
	require.NoError(t, err)
	_, err = f.controller(t, "vkbd").CreateDevice(ctx, nil)
	require.NoError(t, err)

	classes, err := f.reg.AttachedClasses(ctx, f.host)
	require.NoError(t, err)
	assert.Equal(t, []string{"vbd", "vif", "vkbd"}, classes)
	assert.Equal(t, FlagBlockBackend|FlagNetBackend, f.reg.BackendFlags(classes...))

	entries, err := f.reg.Enumerate(ctx, f.host)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	require.NoError(t, f.reg.ReleaseAll(ctx, f.host))

	classes, err = f.reg.AttachedClasses(ctx, f.host)
	require.NoError(t, err)
	assert.Empty(t, classes)
	names, err := store.List(ctx, f.store, store.Join(store.DomainPath(0), "backend", "vbd"))
	require.NoError(t, err)
	assert.Empty(t, names)

	// releasing again is a no-op
	require.NoError(t, f.reg.ReleaseAll(ctx, f.host))
}
