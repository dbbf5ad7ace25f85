package device

import (
	"context"
	"fmt"
	"sort"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/domaind/internal/hypervisor"
	"github.com/spin-stack/domaind/internal/pci"
	"github.com/spin-stack/domaind/internal/store"
)

// BackendFlag is a capability bit a domain advertises for a backend.
type BackendFlag uint32

// Backend capability flags.
const (
	FlagBlockBackend BackendFlag = 1 << 4
	FlagNetBackend   BackendFlag = 1 << 5
	FlagTPMBackend   BackendFlag = 1 << 7
)

// PCIReader supplies PCI resource descriptors.
type PCIReader interface {
	Lookup(addr pci.Address) (*pci.Device, error)
}

// Options are daemon-wide device settings.
type Options struct {
	// AuxBinDir holds the framebuffer helper binaries.
	AuxBinDir string
	// VNCListen is the default vnc listen address.
	VNCListen string
	// VNCPasswd is the default vnc password; empty means none.
	VNCPasswd string
	// CheckBridges rejects vifs whose bridge does not exist.
	CheckBridges bool
}

// Env is what controllers need from the daemon.
type Env struct {
	Store      store.Store
	Hypervisor hypervisor.Hypervisor
	PCI        PCIReader
	Options    Options

	// LinkExists reports whether a network link exists. Defaults to netlink.
	LinkExists func(name string) error
	// Spawn starts a detached helper process. Defaults to SpawnDetached.
	Spawn func(path string, args, env []string) error
}

// Class describes one registered device class.
type Class struct {
	Name    string
	Backend string
	Flag    BackendFlag
	kind    kind
}

// Registry maps class names to controllers. It is immutable once built.
type Registry struct {
	env      Env
	classes  map[string]Class
	backends map[string]BackendFlag
}

// NewRegistry builds a registry of the given classes.
func NewRegistry(env Env, classes ...Class) (*Registry, error) {
	if env.Store == nil {
		return nil, fmt.Errorf("device registry needs a store: %w", errdefs.ErrInvalidArgument)
	}
	if env.LinkExists == nil {
		env.LinkExists = linkExists
	}
	if env.Spawn == nil {
		env.Spawn = SpawnDetached
	}
	r := &Registry{
		env:      env,
		classes:  make(map[string]Class, len(classes)),
		backends: make(map[string]BackendFlag),
	}
	for _, c := range classes {
		if _, dup := r.classes[c.Name]; dup {
			return nil, fmt.Errorf("device class %q registered twice: %w", c.Name, errdefs.ErrAlreadyExists)
		}
		r.classes[c.Name] = c
		if c.Backend != "" {
			r.backends[c.Backend] = c.Flag
		}
	}
	return r, nil
}

// DefaultClasses returns every built-in device class.
func DefaultClasses() []Class {
	return []Class{
		{Name: "vbd", Backend: "blkif", Flag: FlagBlockBackend, kind: blkKind()},
		{Name: "vif", Backend: "netif", Flag: FlagNetBackend, kind: netKind()},
		{Name: "vtpm", Backend: "tpmif", Flag: FlagTPMBackend, kind: tpmKind()},
		{Name: "pci", Backend: "pciif", kind: pciKind()},
		{Name: "usb", Backend: "usbif", kind: usbKind()},
		{Name: "console", kind: consoleKind()},
		{Name: "vfb", kind: vfbKind()},
		{Name: "vkbd", kind: vkbdKind()},
	}
}

// NewDefaultRegistry builds a registry of the built-in classes.
func NewDefaultRegistry(env Env) (*Registry, error) {
	return NewRegistry(env, DefaultClasses()...)
}

// Classes returns the registered class names, sorted.
func (r *Registry) Classes() []string {
	names := make([]string, 0, len(r.classes))
	for n := range r.classes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HasClass reports whether class is registered.
func (r *Registry) HasClass(class string) bool {
	_, ok := r.classes[class]
	return ok
}

// HasBackend reports whether a backend name is known.
func (r *Registry) HasBackend(name string) bool {
	_, ok := r.backends[name]
	return ok
}

// BackendFlags ORs the flags of the given classes. Unknown classes add nothing.
func (r *Registry) BackendFlags(classes ...string) BackendFlag {
	var flags BackendFlag
	for _, c := range classes {
		flags |= r.classes[c].Flag
	}
	return flags
}

// BackendFlagsByName ORs the flags of the given backend names.
func (r *Registry) BackendFlagsByName(names ...string) BackendFlag {
	var flags BackendFlag
	for _, n := range names {
		flags |= r.backends[n]
	}
	return flags
}

// Controller returns the controller for class on host.
func (r *Registry) Controller(class string, host Host) (Controller, error) {
	c, ok := r.classes[class]
	if !ok {
		return nil, fmt.Errorf("unknown device class %q: %w", class, errdefs.ErrNotFound)
	}
	return &controller{class: c.Name, env: r.env, host: host, kind: c.kind}, nil
}

// Enumerate recovers every device of every class recorded for host.
func (r *Registry) Enumerate(ctx context.Context, host Host) ([]Entry, error) {
	var entries []Entry
	for _, class := range r.Classes() {
		ctrl, err := r.Controller(class, host)
		if err != nil {
			return nil, err
		}
		found, err := ctrl.EnumerateExisting(ctx)
		if err != nil {
			return nil, fmt.Errorf("enumerate %s devices: %w", class, err)
		}
		entries = append(entries, found...)
	}
	return entries, nil
}

// AttachedClasses returns the classes with at least one device recorded for host.
func (r *Registry) AttachedClasses(ctx context.Context, host Host) ([]string, error) {
	var classes []string
	err := r.env.Store.View(ctx, func(tx store.Tx) error {
		for _, class := range r.Classes() {
			ids, err := listDeviceIDs(tx, host.DomainPath(), class)
			if err != nil {
				return err
			}
			if len(ids) > 0 {
				classes = append(classes, class)
			}
		}
		return nil
	})
	return classes, err
}

// ReleaseAll removes every device of host. A device that fails to release
// is logged and skipped; the whole pass is retried until it commits.
func (r *Registry) ReleaseAll(ctx context.Context, host Host) error {
	logger := log.G(ctx).WithField("domid", host.Domid())
	attempt := 0
	return store.RetryUpdate(ctx, r.env.Store, func(tx store.Tx) error {
		attempt++
		if attempt > 1 {
			logger.WithField("attempt", attempt).Debug("device: retrying release")
		}
		for _, class := range r.Classes() {
			ids, err := listDeviceIDs(tx, host.DomainPath(), class)
			if err != nil {
				logger.WithError(err).WithField("class", class).Warn("device: failed to list devices")
				continue
			}
			ctrl := &controller{class: class, env: r.env, host: host, kind: r.classes[class].kind}
			for _, devid := range ids {
				if err := ctrl.removeTx(tx, devid); err != nil {
					logger.WithError(err).WithFields(log.Fields{
						"class": class,
						"devid": devid,
					}).Warn("device: failed to release")
				}
			}
		}
		return nil
	})
}
