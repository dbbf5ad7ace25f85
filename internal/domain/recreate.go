package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/spin-stack/domaind/internal/hypervisor"
	"github.com/spin-stack/domaind/internal/image"
	"github.com/spin-stack/domaind/internal/store"
)

// Recreate adopts a domain that exists in the hypervisor but not in the
// table, as after a manager restart. Its details are recovered from the
// store; a domain whose details are gone gets a fresh uuid.
func (t *Table) Recreate(ctx context.Context, info hypervisor.Info) (*Domain, error) {
	if info.Dying {
		return nil, fmt.Errorf("recreate domain %d: domain is dying: %w", info.Domid, errdefs.ErrFailedPrecondition)
	}
	if _, ok := t.Lookup(info.Domid); ok {
		return nil, fmt.Errorf("recreate domain %d: %w", info.Domid, errdefs.ErrAlreadyExists)
	}
	logger := log.G(ctx).WithField("domid", info.Domid)

	id, err := t.recoverUUID(ctx, info.Domid)
	fresh := err != nil
	if fresh {
		id = uuid.NewString()
		logger.WithError(err).WithField("uuid", id).Warn("domain: no usable details in store, recreating with a new uuid")
	} else {
		logger.WithField("uuid", id).Info("domain: recreating domain")
	}

	d := newDomain(t, id, Config{})
	d.setDomid(info.Domid)

	cfg, err := d.recoverConfig(ctx, info, fresh)
	if err != nil {
		return nil, err
	}
	if err := cfg.Normalize(t.env.Devices); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()

	if cfg.Image != nil && image.Supported(t.env.Image.Arch, cfg.Image.Class) {
		if err := d.recreateImage(ctx, *cfg.Image); err != nil {
			logger.WithError(err).Warn("domain: failed to recover image")
		}
	}

	if fresh {
		if err := d.storeVMDetails(ctx); err != nil {
			return nil, err
		}
		if err := d.storeDomDetails(ctx); err != nil {
			return nil, err
		}
	}
	if err := d.createChannels(ctx); err != nil {
		return nil, err
	}
	if info.Domid == 0 {
		if err := d.initStoreConnection(ctx); err != nil {
			return nil, err
		}
	}

	t.add(d)
	if err := d.RefreshShutdown(ctx, &info); err != nil {
		d.logger(ctx).WithError(err).Warn("domain: refresh after recreate failed")
	}
	return d, nil
}

// recoverUUID follows the domain's vm link to the uuid stored there.
func (t *Table) recoverUUID(ctx context.Context, domid uint32) (string, error) {
	vm, err := store.Read(ctx, t.env.Store, store.Join(store.DomainPath(domid), "vm"))
	if err != nil {
		return "", fmt.Errorf("read vm path: %w", err)
	}
	s, err := store.Read(ctx, t.env.Store, store.Join(vm, "uuid"))
	if err != nil {
		return "", fmt.Errorf("read uuid: %w", err)
	}
	if _, err := uuid.Parse(s); err != nil {
		return "", fmt.Errorf("malformed uuid %q: %w", s, err)
	}
	return s, nil
}

// recoverConfig rebuilds the configuration from the live info and, unless
// fresh, the details stored under the VM path and the recorded devices.
func (d *Domain) recoverConfig(ctx context.Context, info hypervisor.Info, fresh bool) (Config, error) {
	cfg := Config{
		SSIDRef:   info.SSIDRef,
		MemoryKiB: info.MemKiB,
		MaxmemKiB: info.MaxMemKiB,
		VCPUs:     max(info.MaxVCPUID+1, 1),
	}
	if !fresh {
		vals, err := store.Gather(ctx, d.env.Store, d.VMPath(),
			"name", "on_poweroff", "on_reboot", "on_crash", "image", keyStartTime, keyMemoryTarget, "maxmem", "vcpus")
		if err != nil {
			return cfg, err
		}
		cfg.Name = vals["name"]
		cfg.OnPoweroff = Mode(vals["on_poweroff"])
		cfg.OnReboot = Mode(vals["on_reboot"])
		cfg.OnCrash = Mode(vals["on_crash"])
		if v, err := strconv.ParseUint(vals[keyMemoryTarget], 10, 64); err == nil && v != 0 {
			cfg.MemoryKiB = v
		}
		if v, err := strconv.ParseUint(vals["maxmem"], 10, 64); err == nil && v != 0 {
			cfg.MaxmemKiB = v
		}
		if v, err := strconv.Atoi(vals["vcpus"]); err == nil && v > 0 {
			cfg.VCPUs = v
		}
		if s := vals["image"]; s != "" {
			var spec image.Spec
			if err := json.Unmarshal([]byte(s), &spec); err != nil {
				d.logger(ctx).WithError(err).Warn("domain: ignoring malformed image details")
			} else {
				cfg.Image = &spec
			}
		}
		if s := vals[keyStartTime]; s != "" {
			if t, err := parseTime(s); err == nil {
				d.mu.Lock()
				d.startTime = t
				d.mu.Unlock()
			}
		}
		devices, err := d.env.Devices.Enumerate(ctx, d)
		if err != nil {
			return cfg, err
		}
		cfg.Devices = devices
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("Domain-%d", info.Domid)
	}
	if cfg.MaxmemKiB < cfg.MemoryKiB {
		cfg.MaxmemKiB = 0
	}
	return cfg, nil
}

func (d *Domain) recreateImage(ctx context.Context, spec image.Spec) error {
	img, err := image.New(ctx, d.env.Image, d, spec)
	if err != nil {
		return err
	}
	if err := img.Recreate(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.img = img
	d.mu.Unlock()
	return nil
}

// initStoreConnection connects the store to the control domain, which is
// not built by the manager.
func (d *Domain) initStoreConnection(ctx context.Context) error {
	d.mu.RLock()
	port := d.storeChan.Port2
	d.mu.RUnlock()
	mfn, err := d.env.Hypervisor.InitStore(ctx, port)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	if err := d.setStoreRef(ctx, mfn); err != nil {
		return err
	}
	err = d.introduce(ctx, mfn)
	if err != nil && !errdefs.IsAlreadyExists(err) {
		return err
	}
	return d.configureVCPUs(ctx)
}
