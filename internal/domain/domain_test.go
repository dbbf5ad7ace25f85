package domain

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/domaind/internal/config"
	"github.com/spin-stack/domaind/internal/device"
	"github.com/spin-stack/domaind/internal/hypervisor"
	"github.com/spin-stack/domaind/internal/hypervisor/hypervisortest"
	"github.com/spin-stack/domaind/internal/image"
	"github.com/spin-stack/domaind/internal/store"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	hv      *hypervisortest.Fake
	store   *store.MemoryStore
	reg     *device.Registry
	clk     *testclock.Clock
	metrics *Metrics
	table   *Table
	kernel  string
}

func newFixture(t *testing.T, mutate func(env *Env)) *fixture {
	t.Helper()
	f := &fixture{
		hv:      hypervisortest.New(),
		store:   store.NewMemoryStore(),
		clk:     testclock.NewClock(epoch),
		metrics: NewMetrics(),
	}
	var err error
	f.reg, err = device.NewDefaultRegistry(device.Env{Store: f.store, Hypervisor: f.hv})
	require.NoError(t, err)

	f.kernel = filepath.Join(t.TempDir(), "vmlinuz")
	require.NoError(t, os.WriteFile(f.kernel, []byte("kernel"), 0644))

	env := Env{
		Hypervisor: f.hv,
		Store:      f.store,
		Devices:    f.reg,
		Image:      image.Deps{Arch: config.ArchX86},
		Paths: config.PathsConfig{
			StateDir: t.TempDir(),
			DumpDir:  "/var/lib/domaind/dump",
		},
		Clock:   f.clk,
		Metrics: f.metrics,
	}
	if mutate != nil {
		mutate(&env)
	}
	f.table, err = NewTable(env)
	require.NoError(t, err)
	return f
}

// newTable returns a second manager over the same hypervisor and store.
func (f *fixture) newTable(t *testing.T) *Table {
	t.Helper()
	table, err := NewTable(Env{
		Hypervisor: f.hv,
		Store:      f.store,
		Devices:    f.reg,
		Image:      image.Deps{Arch: config.ArchX86},
		Clock:      f.clk,
	})
	require.NoError(t, err)
	return table
}

func (f *fixture) config(name string) Config {
	return Config{
		Name:      name,
		MemoryMiB: 128,
		Image:     &image.Spec{Class: image.ClassLinux, Kernel: f.kernel, Cmdline: "root=/dev/xvda1"},
	}
}

func (f *fixture) create(t *testing.T, cfg Config) *Domain {
	t.Helper()
	d, err := f.table.Create(context.Background(), cfg)
	require.NoError(t, err)
	return d
}

func (f *fixture) read(t *testing.T, p string) string {
	t.Helper()
	v, err := store.ReadOptional(context.Background(), f.store, p)
	require.NoError(t, err)
	return v
}

func (f *fixture) shutdown(domid uint32, code int) {
	f.hv.SetInfo(domid, func(info *hypervisor.Info) {
		info.Shutdown = true
		info.ShutdownReason = code
		info.Running = false
	})
}

// assertOrder checks that want appears in calls in order.
func assertOrder(t *testing.T, calls []string, want ...string) {
	t.Helper()
	i := 0
	for _, c := range calls {
		if i < len(want) && c == want[i] {
			i++
		}
	}
	assert.Equal(t, len(want), i, "calls %v do not contain %v in order", calls, want)
}

func TestNewTableNeedsCollaborators(t *testing.T) {
	_, err := NewTable(Env{})
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestEnvFromConfig(t *testing.T) {
	f := newFixture(t, nil)
	cfg := config.DefaultConfig()
	cfg.Host.Arch = config.ArchX86
	cfg.Host.EnableDump = true
	passwd := "secret"
	cfg.Host.VNCPasswd = &passwd
	cfg.Timeouts.Shutdown = "5s"
	cfg.Timeouts.MinimumRestartInterval = "1m"

	env := EnvFromConfig(cfg, f.hv, f.store, f.reg)
	assert.Same(t, f.reg, env.Devices)
	assert.Equal(t, cfg.Paths, env.Paths)
	assert.True(t, env.EnableDump)
	assert.Equal(t, 5*time.Second, env.ShutdownTimeout)
	assert.Equal(t, time.Minute, env.MinimumRestartInterval)
	assert.Equal(t, config.ArchX86, env.Image.Arch)
	assert.Same(t, &passwd, env.Image.VNCPasswd)
	assert.NotNil(t, env.Clock)

	table, err := NewTable(env)
	require.NoError(t, err)
	d, err := table.Create(context.Background(), f.config("guest"))
	require.NoError(t, err)
	assert.Equal(t, StateOK, d.State())
	require.NoError(t, d.Destroy(context.Background()).AsError())
}

func TestCreateBuildsDomain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	cfg := f.config("guest")
	cfg.VCPUs = 2
	cfg.CPU = intPtr(2)
	cfg.CPUMap = []uint64{0x3, 0xc}
	cfg.Features = "writable_pagetables|auto_translated_physmap"
	d := f.create(t, cfg)

	assert.Equal(t, uint32(1), d.Domid())
	assert.Equal(t, StateOK, d.State())
	_, err := uuid.Parse(d.UUID())
	require.NoError(t, err)
	assert.Equal(t, epoch, d.StartTime().UTC())

	assertOrder(t, f.hv.Calls(),
		"DomainCreate", "SetCPUWeight", "SetMaxMem", "IncreaseReservation", "PinVCPU",
		"BindEventChannel", "BindEventChannel", "SetMemmapLimit", "LinuxBuild",
		"IntroduceDomain", "SetMaxMem")

	rec, ok := f.hv.Domain(1)
	require.True(t, ok)
	assert.Equal(t, 1.0, rec.CPUWeight)
	assert.Equal(t, map[int]uint64{0: 1 << 2, 1: 0xc}, rec.Pins)
	assert.True(t, rec.Introduced)
	assert.True(t, rec.Info.Paused)
	require.NotNil(t, rec.LinuxBuild)
	assert.Equal(t, uint64(128), rec.LinuxBuild.MemoryMiB)
	assert.Equal(t, d.StorePort(), rec.LinuxBuild.StoreEvtchn)
	assert.Equal(t, d.ConsolePort(), rec.LinuxBuild.ConsoleEvtchn)
	assert.Equal(t, "writable_pagetables|auto_translated_physmap", rec.LinuxBuild.Features)
	assert.Equal(t, 2, d.VCPUs())
	assert.Equal(t, uint64(128*1024), d.MemoryTargetKiB())

	dom, err := store.Gather(ctx, f.store, d.DomainPath(),
		"domid", "vm", "name", "memory/target", "store/port", "store/ring-ref", "console/port", "console/ring-ref")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"domid":            "1",
		"vm":               store.VMPath(d.UUID()),
		"name":             "guest",
		"memory/target":    "131072",
		"store/port":       "11",
		"store/ring-ref":   strconv.Itoa(0x1001),
		"console/port":     "12",
		"console/ring-ref": strconv.Itoa(0x2001),
	}, dom)

	vm, err := store.Gather(ctx, f.store, d.VMPath(),
		"uuid", "name", "on_poweroff", "on_reboot", "on_crash", "memory/target", "cpu/0/availability", "cpu/1/availability", "image/ostype")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"uuid":               d.UUID(),
		"name":               "guest",
		"on_poweroff":        "destroy",
		"on_reboot":          "restart",
		"on_crash":           "restart",
		"memory/target":      "131072",
		"cpu/0/availability": "online",
		"cpu/1/availability": "online",
		"image/ostype":       "linux",
	}, vm)

	got, ok := f.table.Lookup(1)
	require.True(t, ok)
	assert.Same(t, d, got)
	got, ok = f.table.LookupByName("guest")
	require.True(t, ok)
	assert.Same(t, d, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.constructs.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.live))
}

func TestCreateRejectsBadConfigBeforeBuilding(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t, f.config("taken"))
	calls := len(f.hv.Calls())

	noImage := f.config("guest")
	noImage.Image = nil
	unknownImage := f.config("guest")
	unknownImage.Image = &image.Spec{Class: "plan9", Kernel: f.kernel}
	badBackend := f.config("guest")
	badBackend.Backend = []string{"nope"}

	for name, tc := range map[string]struct {
		cfg   Config
		field string
	}{
		"missing image":  {noImage, "image"},
		"unknown image":  {unknownImage, "image"},
		"duplicate name": {f.config("taken"), "name"},
		"bad backend":    {badBackend, "backend"},
		"bad name":       {f.config("no spaces"), "name"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.table.Create(context.Background(), tc.cfg)
			requireConfigError(t, err, tc.field)
		})
	}
	assert.Len(t, f.hv.Calls(), calls, "nothing may reach the hypervisor")
	assert.Len(t, f.table.List(), 1)
}

func TestCreateFailureDestroysPartialDomain(t *testing.T) {
	f := newFixture(t, nil)
	f.hv.FailOn("IntroduceDomain", errors.New("introduce failed"))

	cfg := f.config("guest")
	cfg.Devices = []device.Entry{{Class: "vbd", Config: device.Config{"uname": "phy:/dev/vg/guest", "dev": "xvda"}}}
	_, err := f.table.Create(context.Background(), cfg)

	var cerr *CreationError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.Equal(t, "guest", cerr.Name)
	assert.ErrorContains(t, err, "introduce failed")

	assert.Empty(t, f.hv.Live())
	assert.Len(t, f.hv.ClosedChannels(), 2)
	for key := range f.store.Dump() {
		assert.False(t, strings.HasPrefix(key, "/local/domain/1/"), key)
		assert.False(t, strings.HasPrefix(key, "/vm/"), key)
	}
	assert.Empty(t, f.table.List())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.constructs.WithLabelValues("failure")))

	// the name is free again
	f.hv.FailOn("IntroduceDomain", nil)
	f.create(t, f.config("guest"))
}

func TestCreateFailsWhenHypervisorRefuses(t *testing.T) {
	f := newFixture(t, nil)
	f.hv.FailOn("DomainCreate", errdefs.ErrResourceExhausted)

	_, err := f.table.Create(context.Background(), f.config("guest"))
	var cerr *CreationError
	require.True(t, errors.As(err, &cerr))
	assert.True(t, errdefs.IsResourceExhausted(err))
	assert.Zero(t, f.hv.Called("DomainDestroy"))
}

func TestDestroyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	d := f.create(t, f.config("guest"))
	vmPath := d.VMPath()

	res := d.Destroy(ctx)
	require.NoError(t, res.AsError())
	assert.Equal(t, StateTerminated, d.State())
	assert.Empty(t, f.hv.Live())
	assert.Len(t, f.hv.ClosedChannels(), 2)
	assert.Empty(t, f.read(t, store.Join(vmPath, "uuid")))
	assert.Empty(t, f.read(t, store.Join(store.DomainPath(1), "vm")))
	_, ok := f.table.Lookup(1)
	assert.False(t, ok)

	res = d.Destroy(ctx)
	require.NoError(t, res.AsError())
	assert.Len(t, f.hv.ClosedChannels(), 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.destroys))
	assert.Zero(t, testutil.ToFloat64(f.metrics.live))
}

func TestDestroyCollectsFailures(t *testing.T) {
	f := newFixture(t, nil)
	d := f.create(t, f.config("guest"))
	f.hv.FailOn("CloseEventChannel", errors.New("busy"))
	f.hv.FailOn("DomainDestroy", errors.New("permission denied"))

	res := d.Destroy(context.Background())
	assert.Equal(t, []TeardownPhase{PhaseStoreChannel, PhaseConsoleChannel, PhaseHypervisor}, res.FailedPhases())
	assert.ErrorContains(t, res.AsError(), "permission denied")
	// later phases still ran
	assert.Empty(t, f.read(t, store.Join(d.VMPath(), "uuid")))
	assert.Equal(t, StateTerminated, d.State())
}

func TestPoweroffDestroysByDefault(t *testing.T) {
	f := newFixture(t, nil)
	d := f.create(t, f.config("guest"))

	f.shutdown(1, hypervisor.ShutdownPoweroff)
	require.NoError(t, f.table.Refresh(context.Background()))

	assert.Equal(t, StateTerminated, d.State())
	assert.Empty(t, f.hv.Live())
	assert.Empty(t, f.table.List())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.shutdowns.WithLabelValues("poweroff")))
}

func TestRebootRestarts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	cfg := f.config("guest")
	cfg.Devices = []device.Entry{{Class: "vif", Config: device.Config{"mac": "00:16:3e:00:00:01"}}}
	old := f.create(t, cfg)

	f.shutdown(1, hypervisor.ShutdownReboot)
	require.NoError(t, f.table.Refresh(ctx))

	assert.Equal(t, StateTerminated, old.State())
	d, ok := f.table.LookupByName("guest")
	require.True(t, ok)
	assert.Equal(t, uint32(2), d.Domid())
	assert.Equal(t, old.UUID(), d.UUID())
	assert.Equal(t, 1, d.RestartCount())
	assert.Equal(t, StateOK, d.State())

	rec, ok := f.hv.Domain(2)
	require.True(t, ok)
	assert.False(t, rec.Info.Paused)
	assert.Equal(t, []uint32{2}, f.hv.Live())

	entries, err := d.DeviceConfigs(ctx, "vif")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "00:16:3e:00:00:01", entries[0].Config["mac"])

	assert.Empty(t, f.read(t, store.Join(d.VMPath(), "xend/restart_in_progress")))
	assert.Equal(t, "guest", f.read(t, store.Join(d.VMPath(), "name")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.restarts.WithLabelValues("success")))
}

func TestRestartTooFast(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	cfg := f.config("guest")
	cfg.OnPoweroff = ModeRestart
	f.create(t, cfg)

	f.shutdown(1, hypervisor.ShutdownPoweroff)
	require.NoError(t, f.table.Refresh(ctx))
	second, ok := f.table.LookupByName("guest")
	require.True(t, ok)
	require.Equal(t, uint32(2), second.Domid())

	// a restart after the minimum interval is fine
	f.clk.Advance(21 * time.Second)
	f.shutdown(2, hypervisor.ShutdownPoweroff)
	require.NoError(t, f.table.Refresh(ctx))
	third, ok := f.table.LookupByName("guest")
	require.True(t, ok)
	require.Equal(t, uint32(3), third.Domid())
	assert.Equal(t, 2, third.RestartCount())

	f.clk.Advance(5 * time.Second)
	f.shutdown(3, hypervisor.ShutdownPoweroff)
	err := f.table.Refresh(ctx)
	assert.ErrorIs(t, err, ErrRestartTooFast)

	assert.Equal(t, StateTerminated, third.State())
	assert.Empty(t, f.hv.Live())
	_, ok = f.table.LookupByName("guest")
	assert.False(t, ok)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.restarts.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.restarts.WithLabelValues("failure")))
}

func TestRestartAlreadyInProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	d := f.create(t, f.config("guest"))
	require.NoError(t, store.Write(ctx, f.store, d.VMPath(), map[string]string{"xend/restart_in_progress": "True"}))

	require.NoError(t, d.Restart(ctx, false))
	assert.Equal(t, StateTerminated, d.State())
	assert.Empty(t, f.hv.Live())
	assert.Empty(t, f.table.List())
}

func TestRenameRestartKeepsDeadDomain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	cfg := f.config("guest")
	cfg.OnCrash = ModeRenameRestart
	cfg.Devices = []device.Entry{{Class: "vif", Config: device.Config{"mac": "00:16:3e:00:00:01"}}}
	dead := f.create(t, cfg)
	origUUID := dead.UUID()

	f.hv.SetInfo(1, func(info *hypervisor.Info) { info.Crashed = true })
	require.NoError(t, f.table.Refresh(ctx))

	assert.Equal(t, "guest-1", dead.Name())
	assert.NotEqual(t, origUUID, dead.UUID())
	assert.Equal(t, StateOK, dead.State())
	assert.Equal(t, "True", f.read(t, store.Join(dead.DomainPath(), "xend/shutdown")))
	assert.Equal(t, dead.VMPath(), f.read(t, store.Join(dead.DomainPath(), "vm")))
	assert.Equal(t, "guest-1", f.read(t, store.Join(dead.VMPath(), "name")))
	flags, err := dead.BackendFlags(ctx)
	require.NoError(t, err)
	assert.Zero(t, flags, "devices of the dead domain are released")

	d, ok := f.table.LookupByName("guest")
	require.True(t, ok)
	assert.Equal(t, uint32(2), d.Domid())
	assert.Equal(t, origUUID, d.UUID())
	flags, err = d.BackendFlags(ctx)
	require.NoError(t, err)
	assert.Equal(t, device.FlagNetBackend, flags)

	// the kept domain is left alone from now on
	require.NoError(t, f.table.Refresh(ctx))
	assert.Len(t, f.table.List(), 2)
	assert.ElementsMatch(t, []uint32{1, 2}, f.hv.Live())
}

func TestPreserveKeepsDomain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	cfg := f.config("guest")
	cfg.OnPoweroff = ModePreserve
	d := f.create(t, cfg)

	f.shutdown(1, hypervisor.ShutdownPoweroff)
	require.NoError(t, f.table.Refresh(ctx))
	require.NoError(t, f.table.Refresh(ctx))

	assert.Equal(t, StateOK, d.State())
	assert.Equal(t, "True", f.read(t, store.Join(d.DomainPath(), "xend/shutdown")))
	assert.Zero(t, f.hv.Called("DomainDestroy"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.shutdowns.WithLabelValues("poweroff")))
}

func TestCrashDumpsCore(t *testing.T) {
	f := newFixture(t, func(env *Env) { env.EnableDump = true })
	cfg := f.config("guest")
	cfg.OnCrash = ModeDestroy
	d := f.create(t, cfg)

	f.hv.SetInfo(1, func(info *hypervisor.Info) { info.Crashed = true })
	require.NoError(t, f.table.Refresh(context.Background()))

	assert.Equal(t, 1, f.hv.Called("DumpCore"))
	assert.Equal(t, StateTerminated, d.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.shutdowns.WithLabelValues("crash")))
}

func TestUnknownShutdownCodeDestroys(t *testing.T) {
	f := newFixture(t, nil)
	d := f.create(t, f.config("guest"))

	f.shutdown(1, 9)
	require.NoError(t, f.table.Refresh(context.Background()))
	assert.Equal(t, StateTerminated, d.State())
	assert.Empty(t, f.hv.Live())
}

func TestCrashShutdownCodeDestroys(t *testing.T) {
	f := newFixture(t, nil)
	cfg := f.config("guest")
	cfg.OnCrash = ModeRestart
	d := f.create(t, cfg)

	f.shutdown(1, hypervisor.ShutdownCrash)
	require.NoError(t, f.table.Refresh(context.Background()))

	assert.Equal(t, StateTerminated, d.State())
	assert.Empty(t, f.hv.Live())
	assert.Empty(t, f.table.List())
	assert.Equal(t, 1, f.hv.Called("DomainCreate"))
	assert.Equal(t, 1, f.hv.Called("DomainDestroy"))
}

func TestDyingDomainIsCleanedUpWithoutDestroy(t *testing.T) {
	f := newFixture(t, nil)
	d := f.create(t, f.config("guest"))
	vmPath := d.VMPath()

	f.hv.SetInfo(1, func(info *hypervisor.Info) { info.Dying = true })
	require.NoError(t, f.table.Refresh(context.Background()))

	assert.Equal(t, StateTerminated, d.State())
	assert.Zero(t, f.hv.Called("DomainDestroy"))
	assert.Len(t, f.hv.ClosedChannels(), 2)
	assert.Empty(t, f.read(t, store.Join(vmPath, "uuid")))
	assert.Empty(t, f.read(t, store.Join(store.DomainPath(1), "vm")))
	assert.Empty(t, f.table.List())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.destroys))
}

func TestVanishedDomainIsCleanedUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	d := f.create(t, f.config("guest"))

	require.NoError(t, f.hv.DomainDestroy(ctx, 1))
	require.NoError(t, d.RefreshShutdown(ctx, nil))
	assert.Equal(t, StateTerminated, d.State())
	assert.Empty(t, f.read(t, store.Join(store.DomainPath(1), "vm")))
	assert.Empty(t, f.table.List())
}

func TestShutdownTimesOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	d := f.create(t, f.config("guest"))

	require.NoError(t, d.Shutdown(ctx, ReasonPoweroff))
	assert.Equal(t, "poweroff", f.read(t, store.Join(d.DomainPath(), "control/shutdown")))
	assert.Equal(t, formatTime(epoch), f.read(t, store.Join(d.DomainPath(), "xend/shutdown_start_time")))

	select {
	case <-f.clk.Alarms():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown timeout was not scheduled")
	}
	assert.Equal(t, StateOK, d.State())

	f.clk.Advance(30 * time.Second)
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, d.WaitState(wctx, StateTerminated))
	assert.Empty(t, f.hv.Live())
}

func TestShutdownInTimeRunsPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	d := f.create(t, f.config("guest"))

	require.NoError(t, d.Shutdown(ctx, ReasonReboot))
	f.shutdown(1, hypervisor.ShutdownReboot)
	require.NoError(t, d.RefreshShutdown(ctx, nil))

	assert.Equal(t, StateTerminated, d.State())
	restarted, ok := f.table.LookupByName("guest")
	require.True(t, ok)
	assert.Empty(t, f.read(t, store.Join(restarted.DomainPath(), "xend/shutdown_start_time")))
}

func TestShutdownSuspend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	d := f.create(t, f.config("guest"))

	require.NoError(t, d.Shutdown(ctx, ReasonSuspend))
	assert.Equal(t, "suspend", f.read(t, store.Join(d.DomainPath(), "control/shutdown")))
	assert.Empty(t, f.read(t, store.Join(d.DomainPath(), "xend/shutdown_start_time")))

	f.shutdown(1, hypervisor.ShutdownSuspend)
	require.NoError(t, f.table.Refresh(ctx))
	assert.Equal(t, StateSuspended, d.State())
	assert.Equal(t, []uint32{1}, f.hv.Live())

	assert.True(t, errdefs.IsInvalidArgument(d.Shutdown(ctx, "halt")))
}

func TestRecreateAdoptsDomain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	cfg := f.config("guest")
	cfg.Devices = []device.Entry{{Class: "vbd", Config: device.Config{"uname": "phy:/dev/vg/guest", "dev": "xvda", "mode": "w"}}}
	cfg.OnCrash = ModePreserve
	orig := f.create(t, cfg)

	info, err := f.hv.DomainInfo(ctx, 1)
	require.NoError(t, err)
	table := f.newTable(t)
	d, err := table.Recreate(ctx, *info)
	require.NoError(t, err)

	assert.Equal(t, orig.UUID(), d.UUID())
	assert.Equal(t, "guest", d.Name())
	got := d.Config()
	assert.Equal(t, uint64(131072), got.MemoryKiB)
	assert.Equal(t, ModePreserve, got.OnCrash)
	require.NotNil(t, got.Image)
	assert.Equal(t, f.kernel, got.Image.Kernel)
	assert.Equal(t, []device.Entry{{Class: "vbd", Config: device.Config{"uname": "phy:/dev/vg/guest", "dev": "xvda", "mode": "w"}}}, got.Devices)
	assert.True(t, orig.StartTime().Equal(d.StartTime()), "start time %v, want %v", d.StartTime(), orig.StartTime())
	assert.Equal(t, "11", f.read(t, store.Join(d.DomainPath(), "store/port")), "recorded port is reused")
	assert.NotNil(t, d.Image())

	_, err = table.Recreate(ctx, *info)
	assert.True(t, errdefs.IsAlreadyExists(err))
}

func TestRecreateRecoversFromStalePort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.create(t, f.config("guest"))
	f.hv.StalePorts[11] = true

	info, err := f.hv.DomainInfo(ctx, 1)
	require.NoError(t, err)
	d, err := f.newTable(t).Recreate(ctx, *info)
	require.NoError(t, err)

	port := f.read(t, store.Join(d.DomainPath(), "store/port"))
	assert.NotEqual(t, "11", port)
	assert.Equal(t, strconv.Itoa(int(d.StorePort())-1000), port)
}

func TestRecreateWithoutStoreDetails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.hv.AddDomain(hypervisor.Info{Domid: 7, MemKiB: 65536, MaxMemKiB: 65536, MaxVCPUID: 1, Running: true})

	d, err := f.table.Recreate(ctx, hypervisor.Info{Domid: 7, MemKiB: 65536, MaxMemKiB: 65536, MaxVCPUID: 1, Running: true})
	require.NoError(t, err)

	assert.Equal(t, "Domain-7", d.Name())
	assert.Equal(t, 2, d.VCPUs())
	_, err = uuid.Parse(d.UUID())
	require.NoError(t, err)
	assert.Nil(t, d.Image())
	assert.Equal(t, d.VMPath(), f.read(t, store.Join(store.DomainPath(7), "vm")))
	assert.Equal(t, "Domain-7", f.read(t, store.Join(d.VMPath(), "name")))
	assert.Equal(t, d.UUID(), f.read(t, store.Join(d.VMPath(), "uuid")))
}

func TestRecreateControlDomain(t *testing.T) {
	ctx := context.Background()
	for name, introduceErr := range map[string]error{
		"fresh":              nil,
		"already introduced": errdefs.ErrAlreadyExists,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil)
			info := hypervisor.Info{Domid: 0, MemKiB: 524288, Running: true}
			f.hv.AddDomain(info)
			if introduceErr != nil {
				f.hv.FailOn("IntroduceDomain", introduceErr)
			}

			d, err := f.table.Recreate(ctx, info)
			require.NoError(t, err)
			assert.Equal(t, "Domain-0", d.Name())
			assert.Equal(t, 1, f.hv.Called("InitStore"))
			assert.Equal(t, strconv.Itoa(int(d.StorePort())+0x3000), f.read(t, "/local/domain/0/store/ring-ref"))
			assert.Equal(t, "online", f.read(t, store.Join(d.VMPath(), "cpu/0/availability")))
		})
	}
}

func TestRecreateDyingDomain(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.table.Recreate(context.Background(), hypervisor.Info{Domid: 3, Dying: true})
	assert.True(t, errdefs.IsFailedPrecondition(err))
}

func TestCheckName(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	d := f.create(t, f.config("guest"))

	requireConfigError(t, f.table.CheckName("guest", nil), "name")
	assert.NoError(t, f.table.CheckName("guest", d))
	assert.NoError(t, f.table.CheckName("other", nil))
	requireConfigError(t, f.table.CheckName("semi;colon", nil), "name")

	d.Destroy(ctx)
	assert.NoError(t, f.table.CheckName("guest", nil))
}

func TestListIsOrdered(t *testing.T) {
	f := newFixture(t, nil)
	for _, name := range []string{"a", "b", "c"} {
		f.create(t, f.config(name))
	}
	var ids []uint32
	for _, d := range f.table.List() {
		ids = append(ids, d.Domid())
	}
	assert.True(t, slices.IsSorted(ids))
	assert.Equal(t, []uint32{1, 2, 3}, ids)
}

func TestDeviceOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	d := f.create(t, f.config("guest"))

	devid, err := d.CreateDevice(ctx, "vbd", device.Config{"uname": "phy:/dev/vg/data", "dev": "xvdb"})
	require.NoError(t, err)
	entries, err := d.DeviceConfigs(ctx, "vbd")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "xvdb", entries[0].Config["dev"])

	flags, err := d.BackendFlags(ctx)
	require.NoError(t, err)
	assert.Equal(t, device.FlagBlockBackend, flags)

	require.NoError(t, d.DestroyDevice(ctx, "vbd", devid))
	entries, err = d.DeviceConfigs(ctx, "vbd")
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = d.CreateDevice(ctx, "floppy", device.Config{})
	assert.True(t, errdefs.IsNotFound(err))

	d.Destroy(ctx)
	_, err = d.CreateDevice(ctx, "vbd", device.Config{"uname": "phy:/dev/vg/data", "dev": "xvdb"})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestBackendFlagsFromConfig(t *testing.T) {
	f := newFixture(t, nil)
	cfg := f.config("driver")
	cfg.Backend = []string{"blkif", "tpmif"}
	cfg.Devices = []device.Entry{{Class: "vif", Config: device.Config{}}}
	d := f.create(t, cfg)

	flags, err := d.BackendFlags(context.Background())
	require.NoError(t, err)
	assert.Equal(t, device.FlagBlockBackend|device.FlagTPMBackend|device.FlagNetBackend, flags)
}

func TestRuntimeControls(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	cfg := f.config("guest")
	cfg.VCPUs = 2
	d := f.create(t, cfg)

	require.NoError(t, d.SetVCPUAvailable(ctx, 1, false))
	assert.Equal(t, "offline", f.read(t, store.Join(d.VMPath(), "cpu/1/availability")))
	require.NoError(t, d.SetVCPUAvailable(ctx, 1, true))
	assert.Equal(t, "online", f.read(t, store.Join(d.VMPath(), "cpu/1/availability")))
	assert.True(t, errdefs.IsInvalidArgument(d.SetVCPUAvailable(ctx, 2, true)))

	require.NoError(t, d.SetMemoryTarget(ctx, 65536))
	assert.Equal(t, "65536", f.read(t, store.Join(d.DomainPath(), "memory/target")))
	assert.Equal(t, uint64(65536), d.MemoryTargetKiB())
	assert.True(t, errdefs.IsInvalidArgument(d.SetMemoryTarget(ctx, 262144)))

	require.NoError(t, d.Sysrq(ctx, 's'))
	assert.Equal(t, "s", f.read(t, store.Join(d.DomainPath(), "control/sysrq")))

	require.NoError(t, d.DumpCore(ctx))
	rec, ok := f.hv.Domain(1)
	require.True(t, ok)
	assert.Equal(t, []string{"/var/lib/domaind/dump/guest.1.core"}, rec.CoreDumpPaths)

	d.Destroy(ctx)
	assert.ErrorIs(t, d.Sysrq(ctx, 's'), ErrNotRunning)
	assert.ErrorIs(t, d.SetMemoryTarget(ctx, 65536), ErrNotRunning)
}

func TestMetricsRegister(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t, f.config("guest"))

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(f.metrics))
	n, err := testutil.GatherAndCount(reg, "domaind_constructs_total", "domaind_domains")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var none *Metrics
	assert.NotPanics(t, func() {
		none.constructed(nil)
		none.destroyed()
		none.setLive(3)
	})
}
