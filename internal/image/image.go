// Package image builds guest boot images.
//
// A Handler is selected by (host architecture, guest class) and owns the
// memory accounting for that combination. Hardware-virtualized guests also
// own a device model helper process.
package image

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/juju/clock"

	"github.com/spin-stack/domaind/internal/config"
	"github.com/spin-stack/domaind/internal/device"
	"github.com/spin-stack/domaind/internal/hypervisor"
	"github.com/spin-stack/domaind/internal/store"
)

// Guest classes.
const (
	ClassLinux = "linux"
	ClassHVM   = "hvm"
)

// MaxCmdline is the longest kernel command line a guest accepts.
const MaxCmdline = 1024

var (
	// ErrHVMRequired is returned when an hvm guest is configured on a host
	// without hardware virtualization.
	ErrHVMRequired = fmt.Errorf("hvm guest requires hvm support in the hypervisor: %w", errdefs.ErrFailedPrecondition)

	// ErrDeviceModelTimeout is returned when the device model does not
	// confirm a save in time.
	ErrDeviceModelTimeout = errors.New("timed out waiting for device model to save")
)

// BuildError is returned when the build primitive fails or returns an
// unusable result.
type BuildError struct {
	Guest  string
	Arch   string
	OSType string
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("building domain %s failed: ostype=%s arch=%s: %v", e.Guest, e.OSType, e.Arch, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// Spec is the boot image section of a domain configuration.
type Spec struct {
	Class   string `json:"class"`
	Kernel  string `json:"kernel,omitempty"`
	Ramdisk string `json:"ramdisk,omitempty"`
	Cmdline string `json:"cmdline,omitempty"`
	// VHPT is the ia64 virtual hash page table size.
	VHPT int `json:"vhpt,omitempty"`

	HVM *HVMOptions `json:"hvm,omitempty"`
}

// Domain is what a Handler needs from the domain it builds.
type Domain interface {
	Domid() uint32
	Name() string
	VMPath() string
	DomainPath() string
	VCPUs() int
	MemoryTargetKiB() uint64
	MemoryMaximumKiB() uint64
	StorePort() uint32
	ConsolePort() uint32
	Features() string
	Devices() []device.Entry
}

// Deps are the daemon-wide collaborators of every Handler.
type Deps struct {
	Hypervisor hypervisor.Hypervisor
	Store      store.Store
	Arch       string
	Paths      config.PathsConfig

	VNCListen string
	// VNCPasswd is the password for vnc guests that set none. nil means
	// there is no default and such guests are rejected.
	VNCPasswd *string

	// PollInterval and SaveRetries bound SaveDeviceModel. KillWait bounds
	// the wait for a killed device model to exit.
	PollInterval time.Duration
	SaveRetries  int
	KillWait     time.Duration
	Clock        clock.Clock
}

// Fallbacks for zero-valued Deps fields.
const (
	defaultPollInterval = 100 * time.Millisecond
	defaultSaveRetries  = 100
	defaultKillWait     = 2 * time.Second
)

func (d Deps) withDefaults() Deps {
	if d.PollInterval <= 0 {
		d.PollInterval = defaultPollInterval
	}
	if d.SaveRetries <= 0 {
		d.SaveRetries = defaultSaveRetries
	}
	if d.KillWait <= 0 {
		d.KillWait = defaultKillWait
	}
	if d.Clock == nil {
		d.Clock = clock.WallClock
	}
	return d
}

// DepsFromConfig fills Deps from the daemon configuration.
func DepsFromConfig(cfg *config.Config, hv hypervisor.Hypervisor, st store.Store) Deps {
	return Deps{
		Hypervisor:   hv,
		Store:        st,
		Arch:         cfg.Host.Arch,
		Paths:        cfg.Paths,
		VNCListen:    cfg.Host.VNCListen,
		VNCPasswd:    cfg.Host.VNCPasswd,
		PollInterval: cfg.Timeouts.GetDeviceModelPoll(),
		SaveRetries:  cfg.Timeouts.DeviceModelSaveRetries,
		Clock:        clock.WallClock,
	}
}

// Handler builds the boot image of one domain.
type Handler struct {
	deps  Deps
	dom   Domain
	spec  Spec
	strat strategy

	kernel  string
	ramdisk string
	cmdline string

	dm *deviceModel
}

// New selects the strategy for spec on the host architecture and configures it.
func New(ctx context.Context, deps Deps, dom Domain, spec Spec) (*Handler, error) {
	strat, err := lookup(deps.Arch, spec.Class)
	if err != nil {
		return nil, err
	}
	deps = deps.withDefaults()
	h := &Handler{
		deps:    deps,
		dom:     dom,
		spec:    spec,
		strat:   strat,
		kernel:  spec.Kernel,
		ramdisk: spec.Ramdisk,
		cmdline: spec.Cmdline,
	}
	if err := h.configure(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handler) configure(ctx context.Context) error {
	if h.strat.configure != nil {
		if err := h.strat.configure(ctx, h); err != nil {
			return err
		}
	}
	if h.kernel == "" {
		return fmt.Errorf("image: no kernel given for %s guest: %w", h.strat.ostype, errdefs.ErrInvalidArgument)
	}
	return store.Write(ctx, h.deps.Store, h.dom.VMPath(), map[string]string{
		"image/ostype":  h.strat.ostype,
		"image/kernel":  h.kernel,
		"image/cmdline": h.cmdline,
		"image/ramdisk": h.ramdisk,
	})
}

// OSType returns the guest class the handler builds.
func (h *Handler) OSType() string { return h.strat.ostype }

// Arch returns the host architecture the handler was selected for.
func (h *Handler) Arch() string { return h.deps.Arch }

// RequiredAvailableMemory adds the strategy's headroom to kib.
func (h *Handler) RequiredAvailableMemory(kib uint64) uint64 {
	if h.strat.available == nil {
		return kib
	}
	return h.strat.available(kib)
}

// RequiredInitialReservation is the memory reserved before the build.
func (h *Handler) RequiredInitialReservation() uint64 {
	if h.strat.initial != nil {
		return h.strat.initial(h)
	}
	return h.RequiredAvailableMemory(h.dom.MemoryTargetKiB())
}

// RequiredMaximumReservation is the memory cap applied after the build.
// It is never below the available memory for the target.
func (h *Handler) RequiredMaximumReservation() uint64 {
	return h.RequiredAvailableMemory(max(h.dom.MemoryMaximumKiB(), h.dom.MemoryTargetKiB()))
}

// RequiredShadowMemory returns the shadow memory in KiB for the configured
// amount and maximum memory.
func (h *Handler) RequiredShadowMemory(configuredKiB, maxmemKiB uint64) uint64 {
	if h.strat.shadow == nil {
		return 0
	}
	return h.strat.shadow(h, configuredKiB, maxmemKiB)
}

// CreateImage builds the domain's memory image.
func (h *Handler) CreateImage(ctx context.Context) (*hypervisor.BuildResult, error) {
	if err := regularFile(h.kernel); err != nil {
		return nil, fmt.Errorf("kernel image does not exist: %s: %w", h.kernel, err)
	}
	if h.ramdisk != "" {
		if err := regularFile(h.ramdisk); err != nil {
			return nil, fmt.Errorf("kernel ramdisk does not exist: %s: %w", h.ramdisk, err)
		}
	}

	logger := log.G(ctx).WithFields(log.Fields{
		"domid":  h.dom.Domid(),
		"ostype": h.strat.ostype,
		"arch":   h.deps.Arch,
	})
	if len(h.cmdline) >= MaxCmdline {
		logger.WithField("length", len(h.cmdline)).Warn("image: kernel cmdline too long")
	}
	logger.WithField("vcpus", h.dom.VCPUs()).Info("image: building domain")

	if h.strat.prepare != nil {
		if err := h.strat.prepare(ctx, h); err != nil {
			return nil, h.buildError(err)
		}
	}
	result, err := h.strat.build(ctx, h)
	if err != nil {
		return nil, h.buildError(err)
	}
	if err := result.Validate(); err != nil {
		return nil, h.buildError(err)
	}
	return result, nil
}

func (h *Handler) buildError(err error) error {
	return &BuildError{Guest: h.dom.Name(), Arch: h.deps.Arch, OSType: h.strat.ostype, Err: err}
}

// HasDeviceModel reports whether the guest runs with a device model.
func (h *Handler) HasDeviceModel() bool { return h.dm != nil }

// DeviceModelPID returns the device model's process id, or 0 when none runs.
func (h *Handler) DeviceModelPID() int {
	if h.dm == nil {
		return 0
	}
	return h.dm.currentPID()
}

// CreateDeviceModel starts the device model. A no-op for guests without one
// or when it is already running.
func (h *Handler) CreateDeviceModel(ctx context.Context, restore bool) error {
	if h.dm == nil {
		return nil
	}
	return h.dm.start(ctx, h, restore)
}

// SaveDeviceModel asks the device model to pause and save its state, and
// waits for it to confirm.
func (h *Handler) SaveDeviceModel(ctx context.Context) error {
	if h.dm == nil {
		return nil
	}
	return h.dm.save(ctx, h)
}

// ResumeDeviceModel lets a saved device model continue.
func (h *Handler) ResumeDeviceModel(ctx context.Context) error {
	if h.dm == nil {
		return nil
	}
	return h.dm.resume(ctx, h)
}

// Recreate picks up the device model of a domain built by an earlier run.
func (h *Handler) Recreate(ctx context.Context) error {
	if h.dm == nil {
		return nil
	}
	return h.dm.recreate(ctx, h)
}

// Destroy stops the device model. It is safe to call more than once.
func (h *Handler) Destroy(ctx context.Context) error {
	if h.dm == nil {
		return nil
	}
	return h.dm.destroy(ctx, h)
}

func regularFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	return nil
}
