// Package hypervisortest provides an in-memory Hypervisor for tests.
package hypervisortest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/containerd/errdefs"

	"github.com/spin-stack/domaind/internal/hypervisor"
)

// Domain is the fake's record of one domain.
type Domain struct {
	Info          hypervisor.Info
	CPUWeight     float64
	MemmapKiB     uint64
	ShadowMiB     uint64
	Pins          map[int]uint64
	Params        map[hypervisor.Param]uint64
	Introduced    bool
	LinuxBuild    *hypervisor.LinuxBuild
	HVMBuild      *hypervisor.HVMBuild
	// IOPorts, IOMem and IRQs hold the resources currently granted.
	IOPorts       [][2]uint64
	IOMem         [][2]uint64
	IRQs          []int
	NVRAM         bool
	CoreDumpPaths []string
}

// Fake implements hypervisor.Hypervisor.
type Fake struct {
	mu       sync.Mutex
	nextID   uint32
	nextPort uint32
	domains  map[uint32]*Domain
	closed   []hypervisor.EventChannel
	calls    []string
	failures map[string]error

	// StalePorts are ports that fail to bind when requested explicitly.
	StalePorts map[uint32]bool
	// CapsString is returned by Caps.
	CapsString string
	// BuildResult overrides the result of LinuxBuild when set.
	BuildResult func(args hypervisor.LinuxBuild) *hypervisor.BuildResult
}

// New creates a fake whose first domain id is 1.
func New() *Fake {
	return &Fake{
		nextID:     1,
		nextPort:   10,
		domains:    make(map[uint32]*Domain),
		failures:   make(map[string]error),
		StalePorts: make(map[uint32]bool),
		CapsString: "xen-3.0-x86_64 xen-3.0-x86_32p hvm-3.0-x86_32 hvm-3.0-x86_32p hvm-3.0-x86_64",
	}
}

// FailOn makes every later call to method return err.
func (f *Fake) FailOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = err
}

// Calls returns the method names called so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Called reports how many times method was called.
func (f *Fake) Called(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

// Domain returns a copy of the record for domid.
func (f *Fake) Domain(domid uint32) (Domain, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.domains[domid]
	if !ok {
		return Domain{}, false
	}
	return *d, true
}

// Live returns the ids of existing domains.
func (f *Fake) Live() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]uint32, 0, len(f.domains))
	for id := range f.domains {
		ids = append(ids, id)
	}
	return ids
}

// ClosedChannels returns every channel passed to CloseEventChannel.
func (f *Fake) ClosedChannels() []hypervisor.EventChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hypervisor.EventChannel(nil), f.closed...)
}

// AddDomain registers a domain that already exists, as after a manager restart.
func (f *Fake) AddDomain(info hypervisor.Info) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.domains[info.Domid] = newDomain(info)
	if info.Domid >= f.nextID {
		f.nextID = info.Domid + 1
	}
}

// SetInfo mutates the live status of domid.
func (f *Fake) SetInfo(domid uint32, fn func(info *hypervisor.Info)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.domains[domid]; ok {
		fn(&d.Info)
	}
}

func newDomain(info hypervisor.Info) *Domain {
	return &Domain{
		Info:   info,
		Pins:   make(map[int]uint64),
		Params: map[hypervisor.Param]uint64{hypervisor.ParamStorePFN: 0xfeffc},
	}
}

func (f *Fake) enter(method string) error {
	f.calls = append(f.calls, method)
	return f.failures[method]
}

func (f *Fake) lookup(domid uint32) (*Domain, error) {
	d, ok := f.domains[domid]
	if !ok {
		return nil, fmt.Errorf("domain %d: %w", domid, errdefs.ErrNotFound)
	}
	return d, nil
}

func (f *Fake) DomainCreate(_ context.Context, ssidref uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DomainCreate"); err != nil {
		return 0, err
	}
	id := f.nextID
	f.nextID++
	f.domains[id] = newDomain(hypervisor.Info{Domid: id, Paused: true, SSIDRef: ssidref})
	return id, nil
}

func (f *Fake) DomainDestroy(_ context.Context, domid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DomainDestroy"); err != nil {
		return err
	}
	if _, err := f.lookup(domid); err != nil {
		return err
	}
	delete(f.domains, domid)
	return nil
}

func (f *Fake) DomainInfo(_ context.Context, domid uint32) (*hypervisor.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DomainInfo"); err != nil {
		return nil, err
	}
	d, err := f.lookup(domid)
	if err != nil {
		return nil, err
	}
	info := d.Info
	return &info, nil
}

func (f *Fake) DomainUnpause(_ context.Context, domid uint32) error {
	return f.update("DomainUnpause", domid, func(d *Domain) {
		d.Info.Paused = false
		d.Info.Running = true
	})
}

func (f *Fake) DomainPause(_ context.Context, domid uint32) error {
	return f.update("DomainPause", domid, func(d *Domain) {
		d.Info.Paused = true
		d.Info.Running = false
	})
}

func (f *Fake) SetCPUWeight(_ context.Context, domid uint32, weight float64) error {
	return f.update("SetCPUWeight", domid, func(d *Domain) { d.CPUWeight = weight })
}

func (f *Fake) PinVCPU(_ context.Context, domid uint32, vcpu int, cpumap uint64) error {
	return f.update("PinVCPU", domid, func(d *Domain) { d.Pins[vcpu] = cpumap })
}

func (f *Fake) SetMaxMem(_ context.Context, domid uint32, kib uint64) error {
	return f.update("SetMaxMem", domid, func(d *Domain) { d.Info.MaxMemKiB = kib })
}

func (f *Fake) IncreaseReservation(_ context.Context, domid uint32, kib uint64) error {
	return f.update("IncreaseReservation", domid, func(d *Domain) { d.Info.MemKiB = kib })
}

func (f *Fake) SetMemmapLimit(_ context.Context, domid uint32, kib uint64) error {
	return f.update("SetMemmapLimit", domid, func(d *Domain) { d.MemmapKiB = kib })
}

func (f *Fake) SetShadowMem(_ context.Context, domid uint32, mib uint64) error {
	return f.update("SetShadowMem", domid, func(d *Domain) { d.ShadowMiB = mib })
}

func (f *Fake) LinuxBuild(_ context.Context, args hypervisor.LinuxBuild) (*hypervisor.BuildResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("LinuxBuild"); err != nil {
		return nil, err
	}
	d, err := f.lookup(args.Domid)
	if err != nil {
		return nil, err
	}
	d.LinuxBuild = &args
	if f.BuildResult != nil {
		return f.BuildResult(args), nil
	}
	return &hypervisor.BuildResult{
		StoreMFN:   0x1000 + uint64(args.Domid),
		ConsoleMFN: 0x2000 + uint64(args.Domid),
	}, nil
}

func (f *Fake) HVMBuild(_ context.Context, args hypervisor.HVMBuild) error {
	return f.update("HVMBuild", args.Domid, func(d *Domain) { d.HVMBuild = &args })
}

func (f *Fake) HVMGetParam(_ context.Context, domid uint32, p hypervisor.Param) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("HVMGetParam"); err != nil {
		return 0, err
	}
	d, err := f.lookup(domid)
	if err != nil {
		return 0, err
	}
	return d.Params[p], nil
}

func (f *Fake) HVMSetParam(_ context.Context, domid uint32, p hypervisor.Param, v uint64) error {
	return f.update("HVMSetParam", domid, func(d *Domain) { d.Params[p] = v })
}

func (f *Fake) NVRAMInit(_ context.Context, _ string, domid uint32) error {
	return f.update("NVRAMInit", domid, func(d *Domain) { d.NVRAM = true })
}

func (f *Fake) Caps(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Caps"); err != nil {
		return "", err
	}
	return f.CapsString, nil
}

func (f *Fake) BindEventChannel(_ context.Context, domid uint32, port uint32) (hypervisor.EventChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("BindEventChannel"); err != nil {
		return hypervisor.EventChannel{}, err
	}
	if _, err := f.lookup(domid); err != nil {
		return hypervisor.EventChannel{}, err
	}
	if port != 0 && f.StalePorts[port] {
		return hypervisor.EventChannel{}, fmt.Errorf("port %d is stale", port)
	}
	f.nextPort++
	ch := hypervisor.EventChannel{Port1: port, Port2: f.nextPort + 1000}
	if port == 0 {
		ch.Port1 = f.nextPort
	}
	return ch, nil
}

func (f *Fake) CloseEventChannel(_ context.Context, ch hypervisor.EventChannel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CloseEventChannel"); err != nil {
		return err
	}
	f.closed = append(f.closed, ch)
	return nil
}

func (f *Fake) InitStore(_ context.Context, port uint32) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("InitStore"); err != nil {
		return 0, err
	}
	return uint64(port) + 0x3000, nil
}

func (f *Fake) IntroduceDomain(_ context.Context, domid uint32, _ uint64, _ uint32, _ string) error {
	return f.update("IntroduceDomain", domid, func(d *Domain) { d.Introduced = true })
}

func (f *Fake) IOPortPermission(_ context.Context, domid uint32, first, count uint64, allow bool) error {
	return f.update("IOPortPermission", domid, func(d *Domain) {
		r := [2]uint64{first, count}
		if allow {
			d.IOPorts = append(d.IOPorts, r)
		} else if i := slices.Index(d.IOPorts, r); i >= 0 {
			d.IOPorts = slices.Delete(d.IOPorts, i, i+1)
		}
	})
}

func (f *Fake) IOMemPermission(_ context.Context, domid uint32, firstPFN, count uint64, allow bool) error {
	return f.update("IOMemPermission", domid, func(d *Domain) {
		r := [2]uint64{firstPFN, count}
		if allow {
			d.IOMem = append(d.IOMem, r)
		} else if i := slices.Index(d.IOMem, r); i >= 0 {
			d.IOMem = slices.Delete(d.IOMem, i, i+1)
		}
	})
}

func (f *Fake) IRQPermission(_ context.Context, domid uint32, irq int, allow bool) error {
	return f.update("IRQPermission", domid, func(d *Domain) {
		if allow {
			d.IRQs = append(d.IRQs, irq)
		} else if i := slices.Index(d.IRQs, irq); i >= 0 {
			d.IRQs = slices.Delete(d.IRQs, i, i+1)
		}
	})
}

func (f *Fake) DumpCore(_ context.Context, domid uint32, path string) error {
	return f.update("DumpCore", domid, func(d *Domain) { d.CoreDumpPaths = append(d.CoreDumpPaths, path) })
}

func (f *Fake) update(method string, domid uint32, fn func(d *Domain)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(method); err != nil {
		return err
	}
	d, err := f.lookup(domid)
	if err != nil {
		return err
	}
	fn(d)
	return nil
}

var _ hypervisor.Hypervisor = (*Fake)(nil)
