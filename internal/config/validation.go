package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return fmt.Errorf("paths: %w", err)
	}
	if err := c.validateHost(); err != nil {
		return fmt.Errorf("host: %w", err)
	}
	if err := c.validateTimeouts(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}
	if err := ensureDirWritable(c.Paths.StateDir, "state_dir"); err != nil {
		return err
	}

	if c.Host.EnableDump {
		if c.Paths.DumpDir == "" {
			return fmt.Errorf("dump_dir cannot be empty when enable_dump is set")
		}
		if err := ensureDirWritable(c.Paths.DumpDir, "dump_dir"); err != nil {
			return err
		}
	}

	if c.Paths.StoreDB != "" {
		if err := ensureDirWritable(filepath.Dir(c.Paths.StoreDB), "store_db"); err != nil {
			return err
		}
	}
	if c.Paths.DeviceModel != "" {
		if err := validateExecutable(c.Paths.DeviceModel, "device_model"); err != nil {
			return err
		}
	}
	if c.Paths.HVMLoader != "" {
		if err := validateFile(c.Paths.HVMLoader, "hvmloader"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateHost() error {
	switch c.Host.Arch {
	case ArchX86, ArchIA64, ArchPowerPC:
	case "":
		return fmt.Errorf("arch cannot be detected on this platform, set it explicitly")
	default:
		return fmt.Errorf("arch must be one of %q, %q or %q, got %q", ArchX86, ArchIA64, ArchPowerPC, c.Host.Arch)
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	fields := map[string]string{
		"shutdown":                 c.Timeouts.Shutdown,
		"minimum_restart_interval": c.Timeouts.MinimumRestartInterval,
		"device_model_poll":        c.Timeouts.DeviceModelPoll,
	}

	for name, val := range fields {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, val)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", name, d)
		}
		if d > time.Hour {
			return fmt.Errorf("%s: too large (%s), max is 1h", name, d)
		}
	}

	if c.Timeouts.DeviceModelSaveRetries <= 0 {
		return fmt.Errorf("device_model_save_retries: must be > 0, got %d", c.Timeouts.DeviceModelSaveRetries)
	}
	return nil
}

// canonicalizePath resolves symlinks in path. A path that does not exist
// yet is only cleaned.
func canonicalizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	resolved, err := filepath.EvalSymlinks(cleaned)
	switch {
	case err == nil:
		return resolved, nil
	case os.IsNotExist(err):
		return cleaned, nil
	}
	return "", fmt.Errorf("resolve %s: %w", path, err)
}

// ensureDirWritable creates the directory if needed and checks that the
// daemon can write to it.
func ensureDirWritable(path, name string) error {
	dir, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("%s: cannot create directory %s: %w", name, dir, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: not a directory: %s", name, dir)
	}
	if err := unix.Access(dir, unix.W_OK); err != nil {
		return fmt.Errorf("%s: not writable: %s", name, dir)
	}
	return nil
}

func validateFile(path, name string) error {
	_, err := regularFile(path, name)
	return err
}

func validateExecutable(path, name string) error {
	file, err := regularFile(path, name)
	if err != nil {
		return err
	}
	if err := unix.Access(file, unix.X_OK); err != nil {
		return fmt.Errorf("%s: not executable: %s", name, file)
	}
	return nil
}

func regularFile(path, name string) (string, error) {
	file, err := canonicalizePath(path)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	info, err := os.Stat(file)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%s: file not found: %s", name, file)
	} else if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s: is a directory: %s", name, file)
	}
	return file, nil
}
