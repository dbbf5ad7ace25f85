// Package hypervisor defines the privileged platform API the domain manager
// drives. The manager never talks to the hypervisor any other way.
package hypervisor

import (
	"context"
	"fmt"
)

// Shutdown codes reported in Info.ShutdownReason.
const (
	ShutdownPoweroff = 0
	ShutdownReboot   = 1
	ShutdownSuspend  = 2
	ShutdownCrash    = 3
)

// ShutdownReason names a shutdown code. Unknown codes return "".
func ShutdownReason(code int) string {
	switch code {
	case ShutdownPoweroff:
		return "poweroff"
	case ShutdownReboot:
		return "reboot"
	case ShutdownSuspend:
		return "suspend"
	case ShutdownCrash:
		return "crash"
	default:
		return ""
	}
}

// ShutdownCode is the inverse of ShutdownReason.
func ShutdownCode(reason string) (int, bool) {
	for code := ShutdownPoweroff; code <= ShutdownCrash; code++ {
		if ShutdownReason(code) == reason {
			return code, true
		}
	}
	return 0, false
}

// Info is the live status of a domain.
type Info struct {
	Domid          uint32
	Dying          bool
	Crashed        bool
	Shutdown       bool
	ShutdownReason int
	Paused         bool
	Blocked        bool
	Running        bool
	MemKiB         uint64
	MaxMemKiB      uint64
	OnlineVCPUs    int
	MaxVCPUID      int
	CPUTime        uint64
	SSIDRef        uint32
}

// Param identifies an HVM parameter.
type Param int

const (
	ParamStorePFN    Param = 1
	ParamStoreEvtchn Param = 2
	ParamPAEEnabled  Param = 4
	ParamVHPTSize    Param = 10
)

// EventChannel is an allocated port pair: Port1 in the control domain,
// Port2 in the guest.
type EventChannel struct {
	Port1 uint32
	Port2 uint32
}

// LinuxBuild describes a paravirtualized kernel build.
type LinuxBuild struct {
	Domid         uint32
	MemoryMiB     uint64
	Kernel        string
	Ramdisk       string
	Cmdline       string
	Features      string
	StoreEvtchn   uint32
	ConsoleEvtchn uint32
	VCPUs         int
	Flags         int
}

// HVMBuild describes a hardware-virtualized firmware build.
type HVMBuild struct {
	Domid     uint32
	MemoryMiB uint64
	Loader    string
	VCPUs     int
	ACPI      bool
	APIC      bool
}

// BuildResult is what a successful build returns. StoreMFN is the machine
// frame of the store page and is never zero for a valid build.
type BuildResult struct {
	StoreMFN   uint64
	ConsoleMFN uint64
	Notes      map[string]uint64
}

// Validate reports whether r is a usable build result.
func (r *BuildResult) Validate() error {
	if r == nil {
		return fmt.Errorf("empty build result")
	}
	if r.StoreMFN == 0 {
		return fmt.Errorf("build result has no store page")
	}
	return nil
}

// Hypervisor is the platform control API. Implementations return
// errdefs.ErrNotFound when the domain does not exist.
type Hypervisor interface {
	DomainCreate(ctx context.Context, ssidref uint32) (uint32, error)
	DomainDestroy(ctx context.Context, domid uint32) error
	DomainInfo(ctx context.Context, domid uint32) (*Info, error)
	DomainUnpause(ctx context.Context, domid uint32) error
	DomainPause(ctx context.Context, domid uint32) error

	SetCPUWeight(ctx context.Context, domid uint32, weight float64) error
	PinVCPU(ctx context.Context, domid uint32, vcpu int, cpumap uint64) error
	SetMaxMem(ctx context.Context, domid uint32, kib uint64) error
	IncreaseReservation(ctx context.Context, domid uint32, kib uint64) error
	SetMemmapLimit(ctx context.Context, domid uint32, kib uint64) error
	SetShadowMem(ctx context.Context, domid uint32, mib uint64) error

	LinuxBuild(ctx context.Context, args LinuxBuild) (*BuildResult, error)
	HVMBuild(ctx context.Context, args HVMBuild) error
	HVMGetParam(ctx context.Context, domid uint32, p Param) (uint64, error)
	HVMSetParam(ctx context.Context, domid uint32, p Param, v uint64) error
	NVRAMInit(ctx context.Context, name string, domid uint32) error
	Caps(ctx context.Context) (string, error)

	// BindEventChannel allocates a channel to domid. A non-zero port asks
	// for that control-domain port again, as after a manager restart.
	BindEventChannel(ctx context.Context, domid uint32, port uint32) (EventChannel, error)
	CloseEventChannel(ctx context.Context, ch EventChannel) error
	InitStore(ctx context.Context, port uint32) (uint64, error)
	IntroduceDomain(ctx context.Context, domid uint32, mfn uint64, port uint32, dompath string) error

	IOPortPermission(ctx context.Context, domid uint32, first, count uint64, allow bool) error
	IOMemPermission(ctx context.Context, domid uint32, firstPFN, count uint64, allow bool) error
	IRQPermission(ctx context.Context, domid uint32, irq int, allow bool) error

	DumpCore(ctx context.Context, domid uint32, path string) error
}
