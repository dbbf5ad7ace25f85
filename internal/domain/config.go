package domain

import (
	"fmt"
	"strings"

	"github.com/containerd/log"
	"sigs.k8s.io/yaml"

	"github.com/spin-stack/domaind/internal/device"
	"github.com/spin-stack/domaind/internal/image"
)

// DefaultMaxmemKiB is the memory cap of a domain that configures none,
// before it is clamped to the memory target.
const DefaultMaxmemKiB = 1 << 30

const nameChars = "_-.:/+"

// Config is a domain configuration. Memory may be given in MiB or KiB;
// Normalize folds the inputs into MemoryKiB and MaxmemKiB and clears them.
type Config struct {
	Name       string  `json:"name"`
	SSIDRef    uint32  `json:"ssidref,omitempty"`
	CPUWeight  float64 `json:"cpu_weight,omitempty"`
	Bootloader string  `json:"bootloader,omitempty"`
	// Features is the '|' separated guest feature list passed to the
	// paravirtualized kernel builder.
	Features string `json:"features,omitempty"`

	OnPoweroff Mode `json:"on_poweroff,omitempty"`
	OnReboot   Mode `json:"on_reboot,omitempty"`
	OnCrash    Mode `json:"on_crash,omitempty"`
	// Restart is the deprecated single restart option: onreboot, always
	// or never. Explicit on_* settings win.
	Restart string `json:"restart,omitempty"`

	MemoryMiB uint64 `json:"memory,omitempty"`
	MemKB     uint64 `json:"mem_kb,omitempty"`
	MaxmemMiB uint64 `json:"maxmem,omitempty"`
	MaxmemKB  uint64 `json:"maxmem_kb,omitempty"`
	MemoryKiB uint64 `json:"memory_KiB,omitempty"`
	MaxmemKiB uint64 `json:"maxmem_KiB,omitempty"`

	VCPUs int `json:"vcpus,omitempty"`
	// CPU pins vcpu 0 to one physical cpu. Nil or -1 means no pin.
	CPU *int `json:"cpu,omitempty"`
	// CPUMap holds one affinity mask per vcpu.
	CPUMap []uint64 `json:"cpumap,omitempty"`

	Backend      []string       `json:"backend,omitempty"`
	Devices      []device.Entry `json:"device,omitempty"`
	Image        *image.Spec    `json:"image,omitempty"`
	ShadowMemory uint64         `json:"shadow_memory,omitempty"`
}

// ParseConfig decodes a YAML or JSON domain configuration. Unknown fields
// are rejected.
func ParseConfig(data []byte) (*Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, &ConfigError{Msg: err.Error()}
	}
	return &c, nil
}

// Policy returns the restart policy.
func (c *Config) Policy() Policy {
	return Policy{OnPoweroff: c.OnPoweroff, OnReboot: c.OnReboot, OnCrash: c.OnCrash}
}

// PinnedCPU returns the cpu vcpu 0 is pinned to.
func (c *Config) PinnedCPU() (int, bool) {
	if c.CPU == nil || *c.CPU == -1 {
		return 0, false
	}
	return *c.CPU, true
}

// Clone returns a deep copy of c.
func (c *Config) Clone() Config {
	out := *c
	if c.CPU != nil {
		cpu := *c.CPU
		out.CPU = &cpu
	}
	out.CPUMap = append([]uint64(nil), c.CPUMap...)
	out.Backend = append([]string(nil), c.Backend...)
	if c.Devices != nil {
		out.Devices = make([]device.Entry, len(c.Devices))
		for i, e := range c.Devices {
			out.Devices[i] = device.Entry{Class: e.Class, Config: e.Config.Clone()}
		}
	}
	if c.Image != nil {
		img := *c.Image
		if img.HVM != nil {
			hvm := *img.HVM
			img.HVM = &hvm
		}
		out.Image = &img
	}
	return out
}

// Normalize validates c and fills defaults in one pass. Device classes and
// backend names are checked against reg. It fails with a *ConfigError and
// leaves c unspecified on error. The image is checked at creation, since
// a recreated control domain has none.
func (c *Config) Normalize(reg *device.Registry) error {
	if err := CheckNameSyntax(c.Name); err != nil {
		return err
	}
	if c.CPUWeight == 0 {
		c.CPUWeight = 1.0
	}
	if c.CPUWeight < 0 {
		return configErrorf("cpu_weight", "must not be negative: %g", c.CPUWeight)
	}

	if err := c.normalizeMemory(); err != nil {
		return err
	}
	if err := c.normalizePolicy(); err != nil {
		return err
	}
	if err := c.normalizeCPUs(); err != nil {
		return err
	}

	for _, b := range c.Backend {
		if !reg.HasBackend(b) {
			return configErrorf("backend", "invalid backend type: %s", b)
		}
	}
	for i, e := range c.Devices {
		if e.Class == "" || e.Config == nil || !reg.HasClass(e.Class) {
			return configErrorf("device", "invalid device (%s, %v)", e.Class, e.Config)
		}
		cfg := e.Config.Clone()
		if e.Class == "vif" && cfg["mac"] == "" {
			cfg["mac"] = device.RandomMAC()
		}
		c.Devices[i].Config = cfg
	}
	return nil
}

// Validate normalizes c and checks that its image can be built on arch.
func (c *Config) Validate(reg *device.Registry, arch string) error {
	if err := c.Normalize(reg); err != nil {
		return err
	}
	return c.checkImage(arch)
}

// checkImage reports whether c can be built on arch.
func (c *Config) checkImage(arch string) error {
	if c.Image == nil {
		return configErrorf("image", "missing image in configuration")
	}
	if c.Image.Class == "" {
		return configErrorf("image", "missing image class")
	}
	if !image.Supported(arch, c.Image.Class) {
		return configErrorf("image", "unknown image type %s on %s", c.Image.Class, arch)
	}
	return nil
}

// CheckNameSyntax reports whether name is a valid domain name: letters,
// digits and any of "_-.:/+".
func CheckNameSyntax(name string) error {
	if name == "" {
		return configErrorf("name", "missing vm name")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune(nameChars, r):
		default:
			return configErrorf("name", "invalid vm name %q", name)
		}
	}
	return nil
}

// kibFrom folds a MiB and a KiB setting. ok is false when neither is set.
func kibFrom(field string, mib, kib uint64) (uint64, bool, error) {
	switch {
	case kib != 0 && mib != 0:
		if mib*1024 != kib {
			return 0, false, configErrorf(field, "inconsistent MiB / KiB settings: %d / %d", mib, kib)
		}
		return kib, true, nil
	case kib != 0:
		return kib, true, nil
	case mib != 0:
		return mib * 1024, true, nil
	}
	return 0, false, nil
}

func (c *Config) normalizeMemory() error {
	mem, ok, err := kibFrom("memory", c.MemoryMiB, c.MemKB)
	if err != nil {
		return err
	}
	if ok {
		c.MemoryKiB = mem
	}
	if c.MemoryKiB == 0 {
		return configErrorf("memory", "memory not specified")
	}

	maxmem, ok, err := kibFrom("maxmem", c.MaxmemMiB, c.MaxmemKB)
	if err != nil {
		return err
	}
	if ok {
		c.MaxmemKiB = maxmem
	}
	if c.MaxmemKiB != 0 && c.MaxmemKiB < c.MemoryKiB {
		return configErrorf("maxmem", "memory target %d KiB exceeds maximum memory %d KiB", c.MemoryKiB, c.MaxmemKiB)
	}
	if c.MaxmemKiB == 0 {
		c.MaxmemKiB = DefaultMaxmemKiB
	}
	c.MaxmemKiB = min(c.MaxmemKiB, c.MemoryKiB)

	c.MemoryMiB, c.MemKB, c.MaxmemMiB, c.MaxmemKB = 0, 0, 0, 0
	return nil
}

func (c *Config) normalizePolicy() error {
	if c.Restart != "" {
		legacy, ok := legacyPolicy(c.Restart)
		if ok {
			if c.OnPoweroff == "" {
				c.OnPoweroff = legacy.OnPoweroff
			}
			if c.OnReboot == "" {
				c.OnReboot = legacy.OnReboot
			}
			if c.OnCrash == "" {
				c.OnCrash = legacy.OnCrash
			}
		} else {
			log.L.WithField("restart", c.Restart).Warn("domain: ignoring malformed and deprecated restart option")
		}
		c.Restart = ""
	}

	def := DefaultPolicy()
	for _, ev := range []struct {
		name string
		mode *Mode
		def  Mode
	}{
		{"on_poweroff", &c.OnPoweroff, def.OnPoweroff},
		{"on_reboot", &c.OnReboot, def.OnReboot},
		{"on_crash", &c.OnCrash, def.OnCrash},
	} {
		if *ev.mode == "" {
			*ev.mode = ev.def
		}
		if !validMode(*ev.mode) {
			return configErrorf(ev.name, "invalid restart event: %s", *ev.mode)
		}
	}
	return nil
}

func (c *Config) normalizeCPUs() error {
	if c.VCPUs == 0 {
		c.VCPUs = 1
	}
	if c.VCPUs < 0 {
		return configErrorf("vcpus", "must be positive: %d", c.VCPUs)
	}
	if c.CPU != nil && (*c.CPU < -1 || *c.CPU > 63) {
		return configErrorf("cpu", "no such cpu: %d", *c.CPU)
	}
	if len(c.CPUMap) == 0 {
		return nil
	}
	if len(c.CPUMap) != c.VCPUs {
		return configErrorf("cpumap", "cannot create cpu map: %d entries for %d vcpus", len(c.CPUMap), c.VCPUs)
	}
	for v, mask := range c.CPUMap {
		if mask == 0 {
			return configErrorf("cpumap", "vcpu %d has an empty cpu mask", v)
		}
	}
	return nil
}

// String is a short description for logs.
func (c *Config) String() string {
	return fmt.Sprintf("name=%s memory=%d ssidref=%d", c.Name, c.MemoryKiB/1024, c.SSIDRef)
}
