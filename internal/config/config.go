// Package config provides centralized configuration management for domaind.
// All configuration is loaded from a JSON file at /etc/domaind/config.json
// (overridable via DOMAIND_CONFIG environment variable).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/domaind/config.json"

	// ConfigEnvVar is the environment variable to override config file location
	ConfigEnvVar = "DOMAIND_CONFIG"
)

// Host architectures with image build support.
const (
	ArchX86     = "x86"
	ArchIA64    = "ia64"
	ArchPowerPC = "powerpc"
)

// Config is the root configuration structure
type Config struct {
	Paths    PathsConfig    `json:"paths"`
	Host     HostConfig     `json:"host"`
	Timeouts TimeoutsConfig `json:"timeouts"`
}

// PathsConfig defines filesystem paths used by the daemon
type PathsConfig struct {
	StateDir    string `json:"state_dir"`    // State files directory
	DumpDir     string `json:"dump_dir"`     // Core dumps of crashed domains
	StoreDB     string `json:"store_db"`     // Store database (defaults to <state_dir>/store.db)
	DeviceModel string `json:"device_model"` // Device model binary (auto-discovered if empty)
	HVMLoader   string `json:"hvmloader"`    // HVM firmware loader (auto-discovered if empty)
	AuxBinDir   string `json:"aux_bin_dir"`  // Helper binaries (framebuffer backends)
}

// HostConfig describes the host and daemon-wide guest defaults.
type HostConfig struct {
	// Arch selects the image build strategy family. Detected from the
	// running binary when empty.
	Arch string `json:"arch"`

	// EnableDump writes a core file when a domain crashes.
	EnableDump bool `json:"enable_dump"`

	// VNCListen is the default listen address for vnc displays.
	VNCListen string `json:"vnc_listen"`

	// VNCPasswd is the default vnc password. Empty disables password auth.
	// When unset, every vnc guest must carry its own password.
	VNCPasswd *string `json:"vnc_passwd,omitempty"`

	// CheckBridges rejects network devices naming a bridge that does not exist.
	CheckBridges bool `json:"check_bridges"`
}

// TimeoutsConfig defines timeout durations for lifecycle operations.
// All values are duration strings (e.g., "5s", "2m", "500ms").
type TimeoutsConfig struct {
	// Shutdown is how long a guest may take to honour a shutdown request
	// before it is destroyed.
	// Default: 30s.
	Shutdown string `json:"shutdown"`

	// MinimumRestartInterval is the shortest time allowed between two
	// automatic restarts of the same domain.
	// Default: 20s.
	MinimumRestartInterval string `json:"minimum_restart_interval"`

	// DeviceModelPoll is how often the device model state is polled while
	// saving.
	// Default: 100ms.
	DeviceModelPoll string `json:"device_model_poll"`

	// DeviceModelSaveRetries bounds the number of polls while saving.
	// Default: 100.
	DeviceModelSaveRetries int `json:"device_model_save_retries"`
}

// GetShutdown returns the shutdown timeout as a time.Duration.
// Panics if the configuration is invalid (should be caught by validation).
func (t *TimeoutsConfig) GetShutdown() time.Duration {
	return mustParseDuration(t.Shutdown)
}

// GetMinimumRestartInterval returns the minimum restart interval as a time.Duration.
func (t *TimeoutsConfig) GetMinimumRestartInterval() time.Duration {
	return mustParseDuration(t.MinimumRestartInterval)
}

// GetDeviceModelPoll returns the device model poll interval as a time.Duration.
func (t *TimeoutsConfig) GetDeviceModelPoll() time.Duration {
	return mustParseDuration(t.DeviceModelPoll)
}

// mustParseDuration parses a duration string, panicking on error.
// Validation has already checked the format.
func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v (config validation should have caught this)", s, err))
	}
	return d
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.Mutex
	errConfig    error
)

// Reset clears the cached global config, forcing the next Get() call to reload.
// This is intended for testing only.
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = nil
	errConfig = nil
	configOnce = sync.Once{}
}

// Get returns the global config, loading it on first call.
func Get() (*Config, error) {
	configOnce.Do(func() {
		globalConfig, errConfig = Load()
	})
	return globalConfig, errConfig
}

// Load loads configuration from DOMAIND_CONFIG env var or /etc/domaind/config.json.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnvVar)
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	return LoadFrom(configPath)
}

// LoadFrom loads configuration from a specific path.
// Returns error if file doesn't exist or is invalid.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s. Please create a config file or set %s environment variable", path, ConfigEnvVar)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w (ensure it's valid JSON)", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			StateDir:  "/var/lib/domaind",
			DumpDir:   "/var/xen/dump",
			AuxBinDir: "/usr/lib/xen/bin",
		},
		Host: HostConfig{
			Arch:      HostArch(),
			VNCListen: "127.0.0.1",
		},
		Timeouts: TimeoutsConfig{
			Shutdown:               "30s",
			MinimumRestartInterval: "20s",
			DeviceModelPoll:        "100ms",
			DeviceModelSaveRetries: 100,
		},
	}
}

// HostArch maps the running architecture onto an image build family.
// Unsupported architectures return "".
func HostArch() string {
	switch runtime.GOARCH {
	case "amd64", "386":
		return ArchX86
	case "ppc64", "ppc64le":
		return ArchPowerPC
	}
	return ""
}

// applyDefaults fills in default values for any empty fields
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Paths.StateDir == "" {
		c.Paths.StateDir = defaults.Paths.StateDir
	}
	if c.Paths.DumpDir == "" {
		c.Paths.DumpDir = defaults.Paths.DumpDir
	}
	if c.Paths.AuxBinDir == "" {
		c.Paths.AuxBinDir = defaults.Paths.AuxBinDir
	}
	// StoreDB, DeviceModel and HVMLoader stay empty; internal/paths resolves them.

	if c.Host.Arch == "" {
		c.Host.Arch = defaults.Host.Arch
	}
	if c.Host.VNCListen == "" {
		c.Host.VNCListen = defaults.Host.VNCListen
	}

	if c.Timeouts.Shutdown == "" {
		c.Timeouts.Shutdown = defaults.Timeouts.Shutdown
	}
	if c.Timeouts.MinimumRestartInterval == "" {
		c.Timeouts.MinimumRestartInterval = defaults.Timeouts.MinimumRestartInterval
	}
	if c.Timeouts.DeviceModelPoll == "" {
		c.Timeouts.DeviceModelPoll = defaults.Timeouts.DeviceModelPoll
	}
	if c.Timeouts.DeviceModelSaveRetries == 0 {
		c.Timeouts.DeviceModelSaveRetries = defaults.Timeouts.DeviceModelSaveRetries
	}
}
