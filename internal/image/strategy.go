package image

import (
	"context"
	"fmt"
	"sort"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/domaind/internal/config"
	"github.com/spin-stack/domaind/internal/hypervisor"
)

// Headroom added by the architecture hooks, in KiB.
const (
	memmapSlackKiB   = 8 * 1024
	hvmVideoRAMKiB   = 8 * 1024
	ia64PageKiB      = 16
	ia64ExtraPages   = 1024 + 5
	hvmVCPUShadowPgs = 256
)

// strategy holds the override points of one (arch, guest class) pair.
// Only ostype and build are required.
type strategy struct {
	ostype string

	configure func(ctx context.Context, h *Handler) error
	// available adds headroom to a requested amount of memory.
	available func(kib uint64) uint64
	// initial replaces the default initial reservation.
	initial func(h *Handler) uint64
	// shadow sizes shadow memory in KiB.
	shadow func(h *Handler, configuredKiB, maxmemKiB uint64) uint64
	// prepare runs right before build.
	prepare func(ctx context.Context, h *Handler) error
	build   func(ctx context.Context, h *Handler) (*hypervisor.BuildResult, error)
	// flags passed to the linux build.
	flags func(h *Handler) int
}

type variantKey struct{ arch, class string }

// Variant names one supported (architecture, guest class) pair.
type Variant struct {
	Arch  string
	Class string
}

var strategies = map[variantKey]func() strategy{
	{config.ArchX86, ClassLinux}:     x86Linux,
	{config.ArchIA64, ClassLinux}:    ia64Linux,
	{config.ArchPowerPC, ClassLinux}: powerpcLinux,
	{config.ArchX86, ClassHVM}:       x86HVM,
	{config.ArchIA64, ClassHVM}:      ia64HVM,
}

// Variants lists every supported pair, sorted.
func Variants() []Variant {
	out := make([]Variant, 0, len(strategies))
	for k := range strategies {
		out = append(out, Variant{Arch: k.arch, Class: k.class})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Arch != out[j].Arch {
			return out[i].Arch < out[j].Arch
		}
		return out[i].Class < out[j].Class
	})
	return out
}

// Supported reports whether class guests can be built on arch.
func Supported(arch, class string) bool {
	_, ok := strategies[variantKey{arch, class}]
	return ok
}

func lookup(arch, class string) (strategy, error) {
	mk, ok := strategies[variantKey{arch, class}]
	if !ok {
		return strategy{}, fmt.Errorf("unknown image type %q on %s: %w", class, arch, errdefs.ErrInvalidArgument)
	}
	return mk(), nil
}

func linuxStrategy() strategy {
	return strategy{
		ostype: ClassLinux,
		build:  linuxBuild,
	}
}

func x86Linux() strategy {
	s := linuxStrategy()
	// Physical mapping limit with slack for backend allocations.
	s.prepare = func(ctx context.Context, h *Handler) error {
		limit := h.RequiredMaximumReservation() + memmapSlackKiB
		return h.deps.Hypervisor.SetMemmapLimit(ctx, h.dom.Domid(), limit)
	}
	return s
}

func ia64Linux() strategy {
	s := linuxStrategy()
	s.flags = func(h *Handler) int { return h.spec.VHPT }
	return s
}

// powerpc calls its hash table shadow memory.
func powerpcLinux() strategy {
	s := linuxStrategy()
	s.shadow = func(_ *Handler, configuredKiB, maxmemKiB uint64) uint64 {
		return max(maxmemKiB/64, configuredKiB)
	}
	return s
}

func linuxBuild(ctx context.Context, h *Handler) (*hypervisor.BuildResult, error) {
	args := hypervisor.LinuxBuild{
		Domid:         h.dom.Domid(),
		MemoryMiB:     h.RequiredInitialReservation() / 1024,
		Kernel:        h.kernel,
		Ramdisk:       h.ramdisk,
		Cmdline:       h.cmdline,
		Features:      h.dom.Features(),
		StoreEvtchn:   h.dom.StorePort(),
		ConsoleEvtchn: h.dom.ConsolePort(),
		VCPUs:         h.dom.VCPUs(),
	}
	if h.strat.flags != nil {
		args.Flags = h.strat.flags(h)
	}
	log.G(ctx).WithFields(log.Fields{
		"domid":          args.Domid,
		"memsize":        args.MemoryMiB,
		"image":          args.Kernel,
		"ramdisk":        args.Ramdisk,
		"store_evtchn":   args.StoreEvtchn,
		"console_evtchn": args.ConsoleEvtchn,
		"flags":          args.Flags,
	}).Debug("image: linux build")
	return h.deps.Hypervisor.LinuxBuild(ctx, args)
}

func hvmStrategy() strategy {
	return strategy{
		ostype:    ClassHVM,
		configure: hvmConfigure,
		initial:   func(h *Handler) uint64 { return h.dom.MemoryTargetKiB() },
		build:     hvmBuild,
	}
}

func x86HVM() strategy {
	s := hvmStrategy()
	s.available = func(kib uint64) uint64 { return kib + hvmVideoRAMKiB }
	// One page per MiB for the p2m map and one to shadow resident
	// processes, plus 1 MiB per vcpu.
	s.shadow = func(h *Handler, configuredKiB, maxmemKiB uint64) uint64 {
		vcpus := uint64(h.dom.VCPUs())
		return max(4*(hvmVCPUShadowPgs*vcpus+2*(maxmemKiB/1024)), configuredKiB)
	}
	s.prepare = func(ctx context.Context, h *Handler) error {
		var pae uint64
		if h.hvm().PAE {
			pae = 1
		}
		return h.deps.Hypervisor.HVMSetParam(ctx, h.dom.Domid(), hypervisor.ParamPAEEnabled, pae)
	}
	return s
}

// ia64 reserves firmware, io, store, buffered io and memmap pages.
func ia64HVM() strategy {
	s := hvmStrategy()
	s.available = func(kib uint64) uint64 { return kib + ia64ExtraPages*ia64PageKiB }
	s.prepare = func(ctx context.Context, h *Handler) error {
		domid := h.dom.Domid()
		if err := h.deps.Hypervisor.NVRAMInit(ctx, h.dom.Name(), domid); err != nil {
			return fmt.Errorf("nvram init: %w", err)
		}
		return h.deps.Hypervisor.HVMSetParam(ctx, domid, hypervisor.ParamVHPTSize, uint64(h.spec.VHPT))
	}
	return s
}
