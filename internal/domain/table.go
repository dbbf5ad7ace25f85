package domain

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/spin-stack/domaind/internal/config"
	"github.com/spin-stack/domaind/internal/device"
	"github.com/spin-stack/domaind/internal/hypervisor"
	"github.com/spin-stack/domaind/internal/image"
	"github.com/spin-stack/domaind/internal/store"
)

const (
	defaultShutdownTimeout        = 30 * time.Second
	defaultMinimumRestartInterval = 20 * time.Second
)

// Env holds the collaborators shared by every domain.
type Env struct {
	Hypervisor hypervisor.Hypervisor
	Store      store.Store
	Devices    *device.Registry
	Image      image.Deps
	Paths      config.PathsConfig

	// EnableDump writes a core file when a domain crashes.
	EnableDump bool

	ShutdownTimeout        time.Duration
	MinimumRestartInterval time.Duration

	Clock     clock.Clock
	Scheduler Scheduler
	Metrics   *Metrics
}

// EnvFromConfig fills Env from the daemon configuration.
func EnvFromConfig(cfg *config.Config, hv hypervisor.Hypervisor, st store.Store, reg *device.Registry) Env {
	return Env{
		Hypervisor:             hv,
		Store:                  st,
		Devices:                reg,
		Image:                  image.DepsFromConfig(cfg, hv, st),
		Paths:                  cfg.Paths,
		EnableDump:             cfg.Host.EnableDump,
		ShutdownTimeout:        cfg.Timeouts.GetShutdown(),
		MinimumRestartInterval: cfg.Timeouts.GetMinimumRestartInterval(),
		Clock:                  clock.WallClock,
	}
}

// Table is the set of managed domains, keyed by domain id.
type Table struct {
	env Env

	mu       sync.Mutex
	domains  map[uint32]*Domain
	reserved map[string]struct{}
}

// NewTable returns an empty table.
func NewTable(env Env) (*Table, error) {
	if env.Hypervisor == nil || env.Store == nil || env.Devices == nil {
		return nil, fmt.Errorf("domain table needs a hypervisor, a store and a device registry: %w", errdefs.ErrInvalidArgument)
	}
	if env.Clock == nil {
		env.Clock = clock.WallClock
	}
	if env.Scheduler == nil {
		env.Scheduler = ClockScheduler{Clock: env.Clock}
	}
	if env.ShutdownTimeout == 0 {
		env.ShutdownTimeout = defaultShutdownTimeout
	}
	if env.MinimumRestartInterval == 0 {
		env.MinimumRestartInterval = defaultMinimumRestartInterval
	}
	if env.Image.Hypervisor == nil {
		env.Image.Hypervisor = env.Hypervisor
	}
	if env.Image.Store == nil {
		env.Image.Store = env.Store
	}
	if env.Image.Clock == nil {
		env.Image.Clock = env.Clock
	}
	if env.Image.Paths == (config.PathsConfig{}) {
		env.Image.Paths = env.Paths
	}
	return &Table{
		env:      env,
		domains:  make(map[uint32]*Domain),
		reserved: make(map[string]struct{}),
	}, nil
}

// Create normalizes cfg, builds a new domain from it and adds it to the
// table. The domain is left paused. Configuration errors are returned
// before anything is created; a failed build returns a *CreationError
// after the partial domain has been destroyed.
func (t *Table) Create(ctx context.Context, cfg Config) (*Domain, error) {
	return t.create(ctx, cfg, uuid.NewString(), restartInfo{})
}

func (t *Table) create(ctx context.Context, cfg Config, id string, ri restartInfo) (*Domain, error) {
	cfg = cfg.Clone()
	if err := cfg.Validate(t.env.Devices, t.env.Image.Arch); err != nil {
		return nil, err
	}
	release, err := t.reserve(cfg.Name)
	if err != nil {
		return nil, err
	}
	defer release()

	log.G(ctx).WithField("config", cfg.String()).Debug("domain: creating")
	d := newDomain(t, id, cfg)
	d.restartTime = ri.time
	d.restartCount = ri.count

	err = d.construct(ctx)
	t.env.Metrics.constructed(err)
	if err != nil {
		return nil, err
	}
	t.add(d)

	if err := d.RefreshShutdown(ctx, nil); err != nil {
		d.logger(ctx).WithError(err).Warn("domain: refresh after create failed")
	}
	return d, nil
}

// reserve claims name until the returned func is called, so that two
// concurrent creations cannot both take it.
func (t *Table) reserve(name string) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkNameLocked(name, nil); err != nil {
		return nil, err
	}
	if _, ok := t.reserved[name]; ok {
		return nil, configErrorf("name", "vm name %q is being created", name)
	}
	t.reserved[name] = struct{}{}
	return func() {
		t.mu.Lock()
		delete(t.reserved, name)
		t.mu.Unlock()
	}, nil
}

// CheckName reports whether name may be used by self, which may be nil.
// Names must be unique among domains that are not terminated.
func (t *Table) CheckName(name string, self *Domain) error {
	if err := CheckNameSyntax(name); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkNameLocked(name, self)
}

func (t *Table) checkNameLocked(name string, self *Domain) error {
	for _, d := range t.domains {
		if d == self || d.State() == StateTerminated || d.Name() != name {
			continue
		}
		if self != nil && d.Domid() == self.Domid() {
			continue
		}
		return configErrorf("name", "vm name %q already exists as domain %d", name, d.Domid())
	}
	return nil
}

// generateShutdownName finds a free name of the form <name>-<n> for a dead
// domain being kept.
func (t *Table) generateShutdownName(d *Domain) (string, error) {
	base := d.Name()
	for i := 1; i < 1<<16; i++ {
		name := fmt.Sprintf("%s-%d", base, i)
		if err := t.CheckName(name, d); err == nil {
			return name, nil
		}
	}
	return "", fmt.Errorf("no free shutdown name for %s: %w", base, errdefs.ErrResourceExhausted)
}

func (t *Table) add(d *Domain) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.domains[d.Domid()] = d
	t.env.Metrics.setLive(len(t.domains))
}

func (t *Table) remove(d *Domain) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.domains[d.Domid()]; ok && cur == d {
		delete(t.domains, d.Domid())
		t.env.Metrics.setLive(len(t.domains))
	}
}

// Lookup returns the domain with the given id.
func (t *Table) Lookup(domid uint32) (*Domain, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.domains[domid]
	return d, ok
}

// LookupByName returns the live domain called name.
func (t *Table) LookupByName(name string) (*Domain, bool) {
	for _, d := range t.List() {
		if d.Name() == name && d.State() != StateTerminated {
			return d, true
		}
	}
	return nil, false
}

// List returns the domains ordered by domain id.
func (t *Table) List() []*Domain {
	t.mu.Lock()
	out := make([]*Domain, 0, len(t.domains))
	for _, d := range t.domains {
		out = append(out, d)
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b *Domain) int {
		return int(int64(a.Domid()) - int64(b.Domid()))
	})
	return out
}

// Refresh reconciles every domain in the table with the hypervisor.
func (t *Table) Refresh(ctx context.Context) error {
	var errs []error
	for _, d := range t.List() {
		if err := d.RefreshShutdown(ctx, nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
