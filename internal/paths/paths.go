// Package paths provides standard filesystem paths used by domaind.
// These helpers take configuration as input to avoid global config coupling.
// DeviceModelPath and HVMLoaderPath may look up files on disk when
// auto-discovering paths.
package paths

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spin-stack/domaind/internal/config"
)

const deviceModelName = "qemu-dm"

// StoreDBPath returns the store database file based on the provided configuration
func StoreDBPath(pathsCfg config.PathsConfig) string {
	if pathsCfg.StoreDB != "" {
		return pathsCfg.StoreDB
	}
	return filepath.Join(pathsCfg.StateDir, "store.db")
}

// CoreDumpPath returns where the core of a crashed domain is written
func CoreDumpPath(pathsCfg config.PathsConfig, name string, domid uint32) string {
	return filepath.Join(pathsCfg.DumpDir, fmt.Sprintf("%s.%d.core", name, domid))
}

// DeviceModelSavePath returns the file a device model saves its state into
func DeviceModelSavePath(pathsCfg config.PathsConfig, domid uint32) string {
	return filepath.Join(pathsCfg.StateDir, fmt.Sprintf("qemu-save.%d", domid))
}

// AuxBinPath returns the full path of a helper binary
func AuxBinPath(pathsCfg config.PathsConfig, name string) string {
	return filepath.Join(pathsCfg.AuxBinDir, name)
}

// DeviceModelPath returns the device model binary based on the provided configuration
func DeviceModelPath(pathsCfg config.PathsConfig) string {
	if pathsCfg.DeviceModel != "" {
		return pathsCfg.DeviceModel
	}
	return discoverFile([]string{
		filepath.Join(pathsCfg.AuxBinDir, deviceModelName),
		"/usr/lib/xen/bin/qemu-dm",
		"/usr/lib64/xen/bin/qemu-dm",
		"/usr/local/lib/xen/bin/qemu-dm",
	})
}

// HVMLoaderPath returns the HVM firmware loader based on the provided configuration
func HVMLoaderPath(pathsCfg config.PathsConfig) string {
	if pathsCfg.HVMLoader != "" {
		return pathsCfg.HVMLoader
	}
	return discoverFile([]string{
		"/usr/lib/xen/boot/hvmloader",
		"/usr/lib64/xen/boot/hvmloader",
		"/usr/local/lib/xen/boot/hvmloader",
	})
}

// discoverFile returns the first existing candidate, or the first candidate
// when none exist so that later errors name a sensible path.
func discoverFile(candidates []string) string {
	for _, path := range candidates {
		if fileExists(path) {
			return path
		}
	}
	return candidates[0]
}

// fileExists checks if a file exists, resolving symlinks to the real path.
func fileExists(path string) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(resolved)
	return err == nil && !info.IsDir()
}
