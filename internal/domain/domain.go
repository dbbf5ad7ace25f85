// Package domain manages the lifecycle of guest domains: construction,
// shutdown observation, restart policies and teardown.
package domain

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/juju/clock"

	"github.com/spin-stack/domaind/internal/device"
	"github.com/spin-stack/domaind/internal/hypervisor"
	"github.com/spin-stack/domaind/internal/image"
	"github.com/spin-stack/domaind/internal/paths"
	"github.com/spin-stack/domaind/internal/store"
)

// Store keys below the VM and domain paths.
const (
	keyShutdownStarted   = "xend/shutdown_start_time"
	keyPreserved         = "xend/shutdown"
	keyRestartInProgress = "xend/restart_in_progress"
	keyControlShutdown   = "control/shutdown"
	keyControlSysrq      = "control/sysrq"
	keyMemoryTarget      = "memory/target"
	keyStorePort         = "store/port"
	keyStoreRingRef      = "store/ring-ref"
	keyConsolePort       = "console/port"
	keyConsoleRingRef    = "console/ring-ref"
	keyStartTime         = "start_time"
)

// Domain is one managed domain. Its accessors are safe for concurrent use.
type Domain struct {
	table *Table
	env   *Env

	mu           sync.RWMutex
	uuid         string
	domid        uint32
	hasDomid     bool
	cfg          Config
	img          *image.Handler
	storeChan    *hypervisor.EventChannel
	consoleChan  *hypervisor.EventChannel
	storeMFN     uint64
	consoleMFN   uint64
	startTime    time.Time
	restartTime  time.Time
	restartCount int

	// shutdownTimer fires when a requested shutdown times out.
	shutdownTimer clock.Timer

	// refreshMu serializes RefreshShutdown.
	refreshMu sync.Mutex
	state     *stateCell
}

func newDomain(t *Table, id string, cfg Config) *Domain {
	return &Domain{
		table: t,
		env:   &t.env,
		uuid:  id,
		cfg:   cfg,
		state: newStateCell(),
	}
}

func (d *Domain) setDomid(domid uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.domid = domid
	d.hasDomid = true
}

// UUID returns the domain's uuid.
func (d *Domain) UUID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.uuid
}

// Domid returns the hypervisor domain id.
func (d *Domain) Domid() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.domid
}

// Name returns the configured name.
func (d *Domain) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.Name
}

// VMPath returns the store path holding the domain's persistent details.
func (d *Domain) VMPath() string {
	return store.VMPath(d.UUID())
}

// DomainPath returns the store path of the running domain, or "" before
// the hypervisor domain exists.
func (d *Domain) DomainPath() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.hasDomid {
		return ""
	}
	return store.DomainPath(d.domid)
}

// VCPUs returns the configured number of virtual cpus.
func (d *Domain) VCPUs() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.VCPUs
}

// MemoryTargetKiB returns the memory the domain is built with.
func (d *Domain) MemoryTargetKiB() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.MemoryKiB
}

// MemoryMaximumKiB returns the most memory the domain may balloon up to.
func (d *Domain) MemoryMaximumKiB() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.MaxmemKiB
}

// StorePort returns the guest end of the store channel.
func (d *Domain) StorePort() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.storeChan == nil {
		return 0
	}
	return d.storeChan.Port2
}

// ConsolePort returns the guest end of the console channel.
func (d *Domain) ConsolePort() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.consoleChan == nil {
		return 0
	}
	return d.consoleChan.Port2
}

// Features returns the guest feature list handed to the kernel builder.
func (d *Domain) Features() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.Features
}

// Devices returns the configured devices.
func (d *Domain) Devices() []device.Entry {
	cfg := d.Config()
	return cfg.Devices
}

// Config returns a copy of the domain configuration.
func (d *Domain) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.Clone()
}

// State returns the manager's view of the domain.
func (d *Domain) State() State {
	return d.state.Get()
}

// WaitState blocks until the domain reaches s or ctx is done.
func (d *Domain) WaitState(ctx context.Context, s State) error {
	return d.state.Wait(ctx, s)
}

// StartTime returns when the domain was built.
func (d *Domain) StartTime() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.startTime
}

// RestartCount returns how many automatic restarts led to this instance.
func (d *Domain) RestartCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.restartCount
}

// Image returns the image handler, or nil when the domain has none.
func (d *Domain) Image() *image.Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.img
}

func (d *Domain) String() string {
	return fmt.Sprintf("domain %d (%s)", d.Domid(), d.Name())
}

func (d *Domain) logger(ctx context.Context) *log.Entry {
	return log.G(ctx).WithFields(log.Fields{
		"domid": d.Domid(),
		"name":  d.Name(),
	})
}

func (d *Domain) running() (string, error) {
	p := d.DomainPath()
	if p == "" || d.State() == StateTerminated {
		return "", ErrNotRunning
	}
	return p, nil
}

func (d *Domain) readDom(ctx context.Context, key string) (string, error) {
	p := d.DomainPath()
	if p == "" {
		return "", nil
	}
	return store.ReadOptional(ctx, d.env.Store, store.Join(p, key))
}

func (d *Domain) writeDom(ctx context.Context, kv map[string]string) error {
	p, err := d.running()
	if err != nil {
		return err
	}
	return store.Write(ctx, d.env.Store, p, kv)
}

func (d *Domain) removeDom(ctx context.Context, key string) error {
	p := d.DomainPath()
	if p == "" {
		return nil
	}
	return store.Remove(ctx, d.env.Store, store.Join(p, key))
}

func (d *Domain) writeVM(ctx context.Context, kv map[string]string) error {
	return store.Write(ctx, d.env.Store, d.VMPath(), kv)
}

// Shutdown asks the guest to shut down for reason. Unless it is a suspend,
// the guest is given the shutdown timeout before it is destroyed.
func (d *Domain) Shutdown(ctx context.Context, reason Reason) error {
	if _, ok := hypervisor.ShutdownCode(string(reason)); !ok {
		return fmt.Errorf("invalid shutdown reason %q: %w", reason, errdefs.ErrInvalidArgument)
	}
	kv := map[string]string{keyControlShutdown: string(reason)}
	if reason != ReasonSuspend {
		kv[keyShutdownStarted] = formatTime(d.env.Clock.Now())
	}
	if err := d.writeDom(ctx, kv); err != nil {
		return err
	}
	d.logger(ctx).WithField("reason", reason).Info("domain: shutdown requested")
	return d.RefreshShutdown(ctx, nil)
}

// SetVCPUAvailable brings a vcpu online or offline.
func (d *Domain) SetVCPUAvailable(ctx context.Context, vcpu int, online bool) error {
	if _, err := d.running(); err != nil {
		return err
	}
	if vcpu < 0 || vcpu >= d.VCPUs() {
		return fmt.Errorf("vcpu %d out of range for %d vcpus: %w", vcpu, d.VCPUs(), errdefs.ErrInvalidArgument)
	}
	avail := "offline"
	if online {
		avail = "online"
	}
	return d.writeVM(ctx, map[string]string{vcpuKey(vcpu): avail})
}

func vcpuKey(vcpu int) string {
	return fmt.Sprintf("cpu/%d/availability", vcpu)
}

// SetMemoryTarget sets the balloon target. It may not exceed maxmem.
func (d *Domain) SetMemoryTarget(ctx context.Context, kib uint64) error {
	if _, err := d.running(); err != nil {
		return err
	}
	d.mu.Lock()
	if kib == 0 || kib > d.cfg.MaxmemKiB {
		maxmem := d.cfg.MaxmemKiB
		d.mu.Unlock()
		return fmt.Errorf("memory target %d KiB outside 1..%d KiB: %w", kib, maxmem, errdefs.ErrInvalidArgument)
	}
	d.cfg.MemoryKiB = kib
	d.mu.Unlock()
	return d.writeDom(ctx, map[string]string{keyMemoryTarget: strconv.FormatUint(kib, 10)})
}

// Sysrq sends a magic sysrq key to the guest.
func (d *Domain) Sysrq(ctx context.Context, key byte) error {
	return d.writeDom(ctx, map[string]string{keyControlSysrq: string(key)})
}

// DumpCore writes a core file of the domain below the dump directory.
func (d *Domain) DumpCore(ctx context.Context) error {
	if _, err := d.running(); err != nil {
		return err
	}
	p := paths.CoreDumpPath(d.env.Paths, d.Name(), d.Domid())
	if err := d.env.Hypervisor.DumpCore(ctx, d.Domid(), p); err != nil {
		return fmt.Errorf("dump core of %s: %w", d, err)
	}
	d.logger(ctx).WithField("path", p).Info("domain: core dumped")
	return nil
}

// CreateDevice adds a device of class to the running domain.
func (d *Domain) CreateDevice(ctx context.Context, class string, cfg device.Config) (int, error) {
	if _, err := d.running(); err != nil {
		return 0, err
	}
	ctrl, err := d.env.Devices.Controller(class, d)
	if err != nil {
		return 0, err
	}
	return ctrl.CreateDevice(ctx, cfg)
}

// ConfigureDevice reconfigures an existing device.
func (d *Domain) ConfigureDevice(ctx context.Context, class string, devid int, cfg device.Config) error {
	if _, err := d.running(); err != nil {
		return err
	}
	ctrl, err := d.env.Devices.Controller(class, d)
	if err != nil {
		return err
	}
	return ctrl.ConfigureDevice(ctx, devid, cfg)
}

// DestroyDevice removes a device.
func (d *Domain) DestroyDevice(ctx context.Context, class string, devid int) error {
	ctrl, err := d.env.Devices.Controller(class, d)
	if err != nil {
		return err
	}
	return ctrl.DestroyDevice(ctx, devid)
}

// DeviceConfigs describes every device of class recorded in the store.
func (d *Domain) DeviceConfigs(ctx context.Context, class string) ([]device.Entry, error) {
	ctrl, err := d.env.Devices.Controller(class, d)
	if err != nil {
		return nil, err
	}
	return ctrl.EnumerateExisting(ctx)
}

// BackendFlags returns the capability flags for the backends the domain
// is configured to serve plus those it has devices for.
func (d *Domain) BackendFlags(ctx context.Context) (device.BackendFlag, error) {
	cfg := d.Config()
	flags := d.env.Devices.BackendFlagsByName(cfg.Backend...)
	if d.DomainPath() == "" {
		return flags, nil
	}
	classes, err := d.env.Devices.AttachedClasses(ctx, d)
	if err != nil {
		return flags, err
	}
	return flags | d.env.Devices.BackendFlags(classes...), nil
}

func formatTime(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMilli())/1000, 'f', 3, 64)
}

func parseTime(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(math.Round(f * 1000))), nil
}
