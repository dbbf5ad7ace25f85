// Package device attaches virtual devices to domains.
//
// Every device has two halves in the store: the frontend under the guest's
// domain path and the backend under domain 0. A Controller owns one device
// class for one domain; controllers are obtained from a Registry built once
// at startup.
package device

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/domaind/internal/store"
)

// Device states published in the "state" key of both halves.
const (
	StateInitialising = "1"
	StateClosing      = "5"
)

// Config is the attribute set of one device.
type Config map[string]string

// Get returns the value for key or def.
func (c Config) Get(key, def string) string {
	if v, ok := c[key]; ok && v != "" {
		return v
	}
	return def
}

// Clone returns a copy of c.
func (c Config) Clone() Config {
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Entry is one (class, config) pair of a domain's device list.
type Entry struct {
	Class  string `json:"class"`
	Config Config `json:"config"`
}

// Host is the domain devices are attached to.
type Host interface {
	Domid() uint32
	Name() string
	DomainPath() string
	VMPath() string
}

// Controller manages the devices of one class for one domain.
type Controller interface {
	Class() string
	CreateDevice(ctx context.Context, cfg Config) (int, error)
	ConfigureDevice(ctx context.Context, devid int, cfg Config) error
	DestroyDevice(ctx context.Context, devid int) error
	Describe(ctx context.Context, devid int) (Config, error)
	EnumerateExisting(ctx context.Context) ([]Entry, error)
}

// kind holds the class-specific parts of a controller. Only details is
// required.
type kind struct {
	// details returns the device id plus backend and frontend entries.
	details func(ctx context.Context, c *controller, cfg Config) (int, map[string]string, map[string]string, error)
	// fields lists backend keys copied into Describe's result.
	fields []string
	// describe rebuilds a config from backend and frontend entries.
	describe func(back, front map[string]string) Config
	// configure changes a live device.
	configure func(ctx context.Context, c *controller, devid int, cfg Config) error
	// attach runs after the device entries are committed.
	attach func(ctx context.Context, c *controller, devid int, cfg Config) error
	// frontFields lists frontend keys read for describe.
	frontFields []string
}

type controller struct {
	class string
	env   Env
	host  Host
	kind  kind
}

func (c *controller) Class() string { return c.class }

func (c *controller) frontendPath(devid int) string {
	return store.FrontendPath(c.host.Domid(), c.class, devid)
}

func (c *controller) backendPath(devid int) string {
	return store.BackendPath(c.class, c.host.Domid(), devid)
}

func (c *controller) CreateDevice(ctx context.Context, cfg Config) (int, error) {
	if cfg == nil {
		cfg = Config{}
	}
	devid, back, front, err := c.kind.details(ctx, c, cfg)
	if err != nil {
		return 0, err
	}

	frontPath, backPath := c.frontendPath(devid), c.backendPath(devid)
	domid := strconv.FormatUint(uint64(c.host.Domid()), 10)

	err = store.RetryUpdate(ctx, c.env.Store, func(tx store.Tx) error {
		if _, err := tx.Read(store.Join(frontPath, "backend")); err == nil {
			return fmt.Errorf("%s device %d: %w", c.class, devid, errdefs.ErrAlreadyExists)
		}
		frontEntries := map[string]string{
			"backend":    backPath,
			"backend-id": "0",
			"state":      StateInitialising,
		}
		for k, v := range front {
			frontEntries[k] = v
		}
		backEntries := map[string]string{
			"frontend":    frontPath,
			"frontend-id": domid,
			"domain":      c.host.Name(),
			"online":      "1",
			"state":       StateInitialising,
		}
		for k, v := range back {
			backEntries[k] = v
		}
		if err := store.WriteTx(tx, frontPath, frontEntries); err != nil {
			return err
		}
		return store.WriteTx(tx, backPath, backEntries)
	})
	if err != nil {
		return 0, fmt.Errorf("create %s device: %w", c.class, err)
	}

	log.G(ctx).WithFields(log.Fields{
		"domid": c.host.Domid(),
		"class": c.class,
		"devid": devid,
	}).Debug("device: created")

	if c.kind.attach != nil {
		if err := c.kind.attach(ctx, c, devid, cfg); err != nil {
			if derr := c.DestroyDevice(ctx, devid); derr != nil {
				log.G(ctx).WithError(derr).Warn("device: failed to remove half-attached device")
			}
			return 0, err
		}
	}
	return devid, nil
}

func (c *controller) ConfigureDevice(ctx context.Context, devid int, cfg Config) error {
	if c.kind.configure == nil {
		return fmt.Errorf("configure %s device: %w", c.class, errdefs.ErrNotImplemented)
	}
	return c.kind.configure(ctx, c, devid, cfg)
}

func (c *controller) DestroyDevice(ctx context.Context, devid int) error {
	return store.RetryUpdate(ctx, c.env.Store, func(tx store.Tx) error {
		return c.removeTx(tx, devid)
	})
}

func (c *controller) removeTx(tx store.Tx, devid int) error {
	frontPath := c.frontendPath(devid)
	if _, err := tx.Read(store.Join(frontPath, "backend")); err != nil {
		return fmt.Errorf("%s device %d: %w", c.class, devid, err)
	}
	if err := tx.Remove(frontPath); err != nil {
		return err
	}
	return tx.Remove(c.backendPath(devid))
}

func (c *controller) Describe(ctx context.Context, devid int) (Config, error) {
	var back, front map[string]string
	err := c.env.Store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.Read(store.Join(c.frontendPath(devid), "backend")); err != nil {
			return fmt.Errorf("%s device %d: %w", c.class, devid, err)
		}
		var err error
		if back, err = gatherTx(tx, c.backendPath(devid), c.kind.fields); err != nil {
			return err
		}
		front, err = gatherTx(tx, c.frontendPath(devid), c.kind.frontFields)
		return err
	})
	if err != nil {
		return nil, err
	}
	if c.kind.describe != nil {
		return c.kind.describe(back, front), nil
	}
	return Config(back), nil
}

func (c *controller) EnumerateExisting(ctx context.Context) ([]Entry, error) {
	ids, err := c.deviceIDs(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(ids))
	for _, devid := range ids {
		cfg, err := c.Describe(ctx, devid)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Class: c.class, Config: cfg})
	}
	return entries, nil
}

func (c *controller) deviceIDs(ctx context.Context) ([]int, error) {
	var ids []int
	err := c.env.Store.View(ctx, func(tx store.Tx) error {
		var err error
		ids, err = listDeviceIDs(tx, c.host.DomainPath(), c.class)
		return err
	})
	return ids, err
}

// allocateID hands out the next free device id for classes without a
// natural one.
func (c *controller) allocateID(ctx context.Context) (int, error) {
	p := store.Join(c.host.DomainPath(), "device-misc", c.class, "nextDeviceID")
	var devid int
	err := store.RetryUpdate(ctx, c.env.Store, func(tx store.Tx) error {
		devid = 0
		v, err := tx.Read(p)
		switch {
		case err == nil:
			if devid, err = strconv.Atoi(v); err != nil {
				return fmt.Errorf("corrupt device id counter %s: %w", p, err)
			}
		case !errdefs.IsNotFound(err):
			return err
		}
		return tx.Write(p, strconv.Itoa(devid+1))
	})
	return devid, err
}

func listDeviceIDs(tx store.Tx, domPath, class string) ([]int, error) {
	names, err := tx.List(store.Join(domPath, "device", class))
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(names))
	for _, n := range names {
		id, err := strconv.Atoi(n)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func gatherTx(tx store.Tx, base string, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, err := tx.Read(store.Join(base, k))
		if errdefs.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func invalidf(class, format string, args ...any) error {
	return fmt.Errorf("%s: %s: %w", class, fmt.Sprintf(format, args...), errdefs.ErrInvalidArgument)
}
