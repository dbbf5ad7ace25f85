package image

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/domaind/internal/device"
	"github.com/spin-stack/domaind/internal/hypervisor"
	"github.com/spin-stack/domaind/internal/paths"
	"github.com/spin-stack/domaind/internal/store"
)

const (
	defaultBridge   = "xenbr0"
	defaultNICModel = "rtl8139"
)

// HVMOptions configures the firmware build and the device model of a
// hardware-virtualized guest.
type HVMOptions struct {
	DeviceModel string `json:"device_model,omitempty"`

	ACPI bool `json:"acpi,omitempty"`
	APIC bool `json:"apic,omitempty"`
	PAE  bool `json:"pae,omitempty"`

	Boot      string `json:"boot,omitempty"`
	FDA       string `json:"fda,omitempty"`
	FDB       string `json:"fdb,omitempty"`
	SoundHW   string `json:"soundhw,omitempty"`
	Serial    string `json:"serial,omitempty"`
	USBDevice string `json:"usbdevice,omitempty"`
	Keymap    string `json:"keymap,omitempty"`
	PCI       string `json:"pci,omitempty"`
	Localtime bool   `json:"localtime,omitempty"`
	StdVGA    bool   `json:"stdvga,omitempty"`
	ISA       bool   `json:"isa,omitempty"`
	USB       bool   `json:"usb,omitempty"`

	NoGraphic  bool   `json:"nographic,omitempty"`
	SDL        bool   `json:"sdl,omitempty"`
	VNC        bool   `json:"vnc,omitempty"`
	VNCUnused  bool   `json:"vncunused,omitempty"`
	VNCListen  string `json:"vnclisten,omitempty"`
	VNCDisplay int    `json:"vncdisplay,omitempty"`
	VNCPasswd  string `json:"vncpasswd,omitempty"`
	VNCConsole bool   `json:"vncconsole,omitempty"`
	Monitor    bool   `json:"monitor,omitempty"`

	Display    string `json:"display,omitempty"`
	XAuthority string `json:"xauthority,omitempty"`

	RTCTimeOffset string `json:"rtc_timeoffset,omitempty"`
}

func (h *Handler) hvm() *HVMOptions {
	if h.spec.HVM == nil {
		h.spec.HVM = &HVMOptions{}
	}
	return h.spec.HVM
}

func hvmConfigure(ctx context.Context, h *Handler) error {
	opts := h.hvm()
	if h.kernel == "" {
		h.kernel = paths.HVMLoaderPath(h.deps.Paths)
	}

	caps, err := h.deps.Hypervisor.Caps(ctx)
	if err != nil {
		return fmt.Errorf("read hypervisor capabilities: %w", err)
	}
	if !strings.Contains(caps, "hvm") {
		return ErrHVMRequired
	}

	dmPath := opts.DeviceModel
	if dmPath == "" {
		dmPath = paths.DeviceModelPath(h.deps.Paths)
	}

	args, passwd, err := deviceModelArgs(h)
	if err != nil {
		return err
	}
	if passwd != "" {
		if err := store.Write(ctx, h.deps.Store, h.dom.VMPath(), map[string]string{"vncpasswd": passwd}); err != nil {
			return fmt.Errorf("store vnc password: %w", err)
		}
	}

	entries := map[string]string{
		"image/dmargs":       strings.Join(args, " "),
		"image/device-model": dmPath,
		"image/display":      opts.Display,
	}
	if opts.RTCTimeOffset != "" {
		entries["rtc/timeoffset"] = opts.RTCTimeOffset
	}
	if err := store.Write(ctx, h.deps.Store, h.dom.VMPath(), entries); err != nil {
		return err
	}

	h.dm = &deviceModel{path: dmPath, args: args}
	return nil
}

func hvmBuild(ctx context.Context, h *Handler) (*hypervisor.BuildResult, error) {
	hv, domid := h.deps.Hypervisor, h.dom.Domid()
	opts := h.hvm()
	args := hypervisor.HVMBuild{
		Domid:     domid,
		MemoryMiB: h.RequiredInitialReservation() / 1024,
		Loader:    h.kernel,
		VCPUs:     h.dom.VCPUs(),
		ACPI:      opts.ACPI,
		APIC:      opts.APIC,
	}
	log.G(ctx).WithFields(log.Fields{
		"domid":        domid,
		"memsize":      args.MemoryMiB,
		"image":        args.Loader,
		"store_evtchn": h.dom.StorePort(),
		"acpi":         args.ACPI,
		"apic":         args.APIC,
	}).Debug("image: hvm build")

	if err := hv.HVMBuild(ctx, args); err != nil {
		return nil, err
	}
	mfn, err := hv.HVMGetParam(ctx, domid, hypervisor.ParamStorePFN)
	if err != nil {
		return nil, fmt.Errorf("read store pfn: %w", err)
	}
	if err := hv.HVMSetParam(ctx, domid, hypervisor.ParamStoreEvtchn, uint64(h.dom.StorePort())); err != nil {
		return nil, fmt.Errorf("set store event channel: %w", err)
	}
	return &hypervisor.BuildResult{
		StoreMFN: mfn,
		Notes:    map[string]uint64{"SUSPEND_CANCEL": 1},
	}, nil
}

// deviceModelArgs returns the guest-specific device model arguments and the
// vnc password to publish, if any.
func deviceModelArgs(h *Handler) ([]string, string, error) {
	opts := h.hvm()
	b := newDMArgsBuilder().setVCPUs(h.dom.VCPUs())

	for _, fd := range []string{opts.FDA, opts.FDB} {
		if fd != "" && !filepath.IsAbs(fd) {
			return nil, "", fmt.Errorf("floppy file %s does not exist: %w", fd, errdefs.ErrInvalidArgument)
		}
	}
	b.addOption("boot", opts.Boot).
		addOption("fda", opts.FDA).
		addOption("fdb", opts.FDB).
		addOption("soundhw", opts.SoundHW).
		addFlag("localtime", opts.Localtime).
		addOption("serial", opts.Serial).
		addFlag("std-vga", opts.StdVGA).
		addFlag("isa", opts.ISA).
		addFlag("acpi", opts.ACPI).
		addFlag("usb", opts.USB).
		addOption("usbdevice", opts.USBDevice).
		addOption("k", opts.Keymap).
		addOption("pci", opts.PCI).
		setDomainName(h.dom.Name())

	var vfb device.Config
	nics := 0
	for _, e := range h.dom.Devices() {
		switch e.Class {
		case "vbd":
			if typ, file, ok := strings.Cut(e.Config["uname"], ":"); ok && typ == "file" {
				if err := regularFile(file); err != nil {
					return nil, "", fmt.Errorf("disk image does not exist: %s: %w", file, errdefs.ErrInvalidArgument)
				}
			}
		case "vif":
			if e.Config.Get("type", "ioemu") != "ioemu" {
				continue
			}
			nics++
			mac := e.Config["mac"]
			if mac == "" {
				return nil, "", fmt.Errorf("vif %d: mac address not specified: %w", nics, errdefs.ErrInvalidArgument)
			}
			b.addNIC(nics, mac, e.Config.Get("model", defaultNICModel), e.Config.Get("bridge", defaultBridge))
		case "vfb":
			if vfb == nil {
				vfb = e.Config
			}
		}
	}

	if opts.NoGraphic {
		return b.setNoGraphic().build(), "", nil
	}

	hasVNC, hasSDL := opts.VNC, opts.SDL
	vnc := device.Config{}
	if vfb != nil {
		if vfb["type"] == "sdl" {
			hasSDL = true
		} else {
			hasVNC = true
			vnc = vfb
		}
	}
	if hasVNC && vfb == nil {
		if opts.VNCUnused {
			vnc["vncunused"] = "1"
		}
		if opts.VNCListen != "" {
			vnc["vnclisten"] = opts.VNCListen
		}
		vnc["vncdisplay"] = strconv.Itoa(opts.VNCDisplay)
		if opts.VNCPasswd != "" {
			vnc["vncpasswd"] = opts.VNCPasswd
		}
	}

	var passwd string
	switch {
	case hasVNC:
		display, err := strconv.Atoi(vnc.Get("vncdisplay", "0"))
		if err != nil {
			return nil, "", fmt.Errorf("vncdisplay %q is not a number: %w", vnc["vncdisplay"], errdefs.ErrInvalidArgument)
		}
		b.setVNC(vnc.Get("vnclisten", h.deps.VNCListen), display)
		if u := vnc["vncunused"]; u != "" && u != "0" {
			b.setVNCUnused()
		}
		passwd = vnc["vncpasswd"]
		if passwd == "" {
			if h.deps.VNCPasswd == nil {
				return nil, "", fmt.Errorf("vncpasswd is not set for the guest and has no daemon default: %w", errdefs.ErrInvalidArgument)
			}
			passwd = *h.deps.VNCPasswd
		}
	case hasSDL:
		// sdl is the device model's default display
	default:
		b.setNoGraphic()
	}

	if opts.Monitor {
		b.setMonitor("vc")
	}
	return b.build(), passwd, nil
}

// deviceModelEnv returns the environment of the device model process.
func deviceModelEnv(opts *HVMOptions) []string {
	env := os.Environ()
	if opts.Display != "" {
		env = append(env, "DISPLAY="+opts.Display)
	}
	if opts.XAuthority != "" {
		env = append(env, "XAUTHORITY="+opts.XAuthority)
	}
	return env
}
