package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/containerd/log"

	"github.com/spin-stack/domaind/internal/image"
	"github.com/spin-stack/domaind/internal/store"
)

// construct creates the hypervisor domain and builds it. On failure the
// partial domain is destroyed and a *CreationError returned.
func (d *Domain) construct(ctx context.Context) error {
	cfg := d.Config()
	log.G(ctx).WithFields(log.Fields{
		"name":    cfg.Name,
		"ssidref": cfg.SSIDRef,
	}).Debug("domain: constructing")

	domid, err := d.env.Hypervisor.DomainCreate(ctx, cfg.SSIDRef)
	if err != nil {
		return &CreationError{Name: cfg.Name, Err: fmt.Errorf("create domain: %w", err)}
	}
	d.setDomid(domid)

	if err := d.build(ctx); err != nil {
		d.logger(ctx).WithError(err).Error("domain: construction failed")
		d.Destroy(ctx)
		return &CreationError{Name: cfg.Name, Err: err}
	}
	d.logger(ctx).WithField("uuid", d.UUID()).Info("domain: constructed")
	return nil
}

func (d *Domain) build(ctx context.Context) error {
	hv, domid := d.env.Hypervisor, d.Domid()
	cfg := d.Config()
	logger := d.logger(ctx)

	// A previous domain with this id may have left entries behind.
	if err := store.Remove(ctx, d.env.Store, d.DomainPath()); err != nil {
		return fmt.Errorf("clear domain path: %w", err)
	}

	img, err := image.New(ctx, d.env.Image, d, *cfg.Image)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.img = img
	d.mu.Unlock()

	if cfg.Bootloader != "" {
		logger.WithField("bootloader", cfg.Bootloader).Info("domain: bootloader configured, booting the configured kernel directly")
	}

	if err := hv.SetCPUWeight(ctx, domid, cfg.CPUWeight); err != nil {
		return fmt.Errorf("set cpu weight: %w", err)
	}
	if shadow := img.RequiredShadowMemory(cfg.ShadowMemory*1024, cfg.MaxmemKiB); shadow > 0 {
		if err := hv.SetShadowMem(ctx, domid, (shadow+1023)/1024); err != nil {
			return fmt.Errorf("set shadow memory: %w", err)
		}
	}

	initial := img.RequiredInitialReservation()
	if err := hv.SetMaxMem(ctx, domid, initial); err != nil {
		return fmt.Errorf("set maxmem: %w", err)
	}
	if err := hv.IncreaseReservation(ctx, domid, initial); err != nil {
		return fmt.Errorf("increase reservation to %d KiB: %w", initial, err)
	}
	if err := d.pinVCPUs(ctx, cfg); err != nil {
		return err
	}

	d.mu.Lock()
	d.startTime = d.env.Clock.Now()
	d.mu.Unlock()

	if err := d.createChannels(ctx); err != nil {
		return err
	}

	result, err := img.CreateImage(ctx)
	if err != nil {
		return err
	}
	if err := d.setStoreRef(ctx, result.StoreMFN); err != nil {
		return err
	}
	if err := d.setConsoleRef(ctx, result.ConsoleMFN); err != nil {
		return err
	}
	if err := d.introduce(ctx, result.StoreMFN); err != nil {
		return err
	}
	if err := d.configureVCPUs(ctx); err != nil {
		return err
	}

	if err := hv.SetMaxMem(ctx, domid, img.RequiredMaximumReservation()); err != nil {
		return fmt.Errorf("set maxmem: %w", err)
	}
	if err := d.createDevices(ctx, cfg); err != nil {
		return err
	}
	if err := img.CreateDeviceModel(ctx, false); err != nil {
		return err
	}

	if err := d.storeVMDetails(ctx); err != nil {
		return err
	}
	return d.storeDomDetails(ctx)
}

func (d *Domain) pinVCPUs(ctx context.Context, cfg Config) error {
	pins := make(map[int]uint64, len(cfg.CPUMap))
	for v, mask := range cfg.CPUMap {
		pins[v] = mask
	}
	if cpu, ok := cfg.PinnedCPU(); ok {
		pins[0] = 1 << uint(cpu)
	}
	for v := range cfg.VCPUs {
		mask, ok := pins[v]
		if !ok {
			continue
		}
		if err := d.env.Hypervisor.PinVCPU(ctx, d.Domid(), v, mask); err != nil {
			return fmt.Errorf("pin vcpu %d: %w", v, err)
		}
	}
	return nil
}

func (d *Domain) introduce(ctx context.Context, mfn uint64) error {
	d.mu.RLock()
	port := d.storeChan.Port1
	d.mu.RUnlock()
	if err := d.env.Hypervisor.IntroduceDomain(ctx, d.Domid(), mfn, port, d.DomainPath()); err != nil {
		return fmt.Errorf("introduce domain: %w", err)
	}
	return nil
}

// configureVCPUs marks every configured vcpu online.
func (d *Domain) configureVCPUs(ctx context.Context) error {
	kv := make(map[string]string, d.VCPUs())
	for v := range d.VCPUs() {
		kv[vcpuKey(v)] = "online"
	}
	return d.writeVM(ctx, kv)
}

func (d *Domain) createDevices(ctx context.Context, cfg Config) error {
	for _, e := range cfg.Devices {
		ctrl, err := d.env.Devices.Controller(e.Class, d)
		if err != nil {
			return err
		}
		devid, err := ctrl.CreateDevice(ctx, e.Config)
		if err != nil {
			return fmt.Errorf("create %s device: %w", e.Class, err)
		}
		d.logger(ctx).WithField("class", e.Class).WithField("devid", devid).Debug("domain: device created")
	}
	return nil
}

// storeVMDetails writes the details that outlive one hypervisor domain.
func (d *Domain) storeVMDetails(ctx context.Context) error {
	cfg := d.Config()
	kv := map[string]string{
		"uuid":          d.UUID(),
		"name":          cfg.Name,
		"ssidref":       strconv.FormatUint(uint64(cfg.SSIDRef), 10),
		"on_poweroff":   string(cfg.OnPoweroff),
		"on_reboot":     string(cfg.OnReboot),
		"on_crash":      string(cfg.OnCrash),
		"vcpus":         strconv.Itoa(cfg.VCPUs),
		keyMemoryTarget: strconv.FormatUint(cfg.MemoryKiB, 10),
		"maxmem":        strconv.FormatUint(cfg.MaxmemKiB, 10),
	}
	if cfg.Image != nil {
		b, err := json.Marshal(cfg.Image)
		if err != nil {
			return fmt.Errorf("encode image: %w", err)
		}
		kv["image"] = string(b)
	}
	if t := d.StartTime(); !t.IsZero() {
		kv[keyStartTime] = formatTime(t)
	}
	return d.writeVM(ctx, kv)
}

// storeDomDetails writes the details of the running domain.
func (d *Domain) storeDomDetails(ctx context.Context) error {
	return d.writeDom(ctx, map[string]string{
		"domid":         strconv.FormatUint(uint64(d.Domid()), 10),
		"vm":            d.VMPath(),
		"name":          d.Name(),
		keyMemoryTarget: strconv.FormatUint(d.MemoryTargetKiB(), 10),
	})
}
