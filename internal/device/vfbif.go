package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/containerd/log"

	"github.com/spin-stack/domaind/internal/store"
)

const vncBasePort = 5900

var vfbFields = []string{"type", "vncunused", "vncdisplay", "vnclisten", "display", "xauthority", "keymap", "uuid"}

func vfbKind() kind {
	return kind{
		details: vfbDetails,
		attach:  vfbAttach,
		fields:  vfbFields,
	}
}

func vkbdKind() kind {
	return kind{
		details: func(context.Context, *controller, Config) (int, map[string]string, map[string]string, error) {
			return 0, nil, nil, nil
		},
	}
}

// vfbDetails supports a single framebuffer per domain, always device 0.
func vfbDetails(_ context.Context, c *controller, cfg Config) (int, map[string]string, map[string]string, error) {
	switch t := cfg["type"]; t {
	case "vnc", "sdl":
	default:
		return 0, nil, nil, invalidf(c.class, "unknown vfb type %q", t)
	}
	if d := cfg["vncdisplay"]; d != "" {
		if _, err := strconv.Atoi(d); err != nil {
			return 0, nil, nil, invalidf(c.class, "vncdisplay %q is not a number", d)
		}
	}
	back := make(map[string]string)
	for _, k := range vfbFields {
		if v, ok := cfg[k]; ok {
			back[k] = v
		}
	}
	return 0, back, nil, nil
}

// vfbAttach starts the vnc or sdl framebuffer backend for the domain.
func vfbAttach(ctx context.Context, c *controller, _ int, cfg Config) error {
	opts := c.env.Options
	std := []string{"--domid", strconv.FormatUint(uint64(c.host.Domid()), 10), "--title", c.host.Name()}
	logger := log.G(ctx).WithField("domid", c.host.Domid())

	switch cfg["type"] {
	case "vnc":
		passwd, ok := cfg["vncpasswd"]
		if !ok {
			passwd = opts.VNCPasswd
		}
		if passwd != "" {
			if err := store.Write(ctx, c.env.Store, c.host.VMPath(), map[string]string{"vncpasswd": passwd}); err != nil {
				return fmt.Errorf("store vnc password: %w", err)
			}
			logger.Debug("device: stored a vnc password for vfb access")
		} else {
			logger.Debug("device: no vnc password configured for vfb access")
		}

		var args []string
		if v, ok := cfg["vncunused"]; ok && v != "0" {
			args = append(args, "--unused")
		} else if d := cfg["vncdisplay"]; d != "" {
			n, _ := strconv.Atoi(d)
			args = append(args, "--vncport", strconv.Itoa(vncBasePort+n))
		}
		args = append(args, "--listen", cfg.Get("vnclisten", opts.VNCListen))
		return c.env.Spawn(filepath.Join(opts.AuxBinDir, "xen-vncfb"), append(args, std...), os.Environ())

	case "sdl":
		env := os.Environ()
		if d := cfg["display"]; d != "" {
			env = append(env, "DISPLAY="+d)
		}
		if x := cfg["xauthority"]; x != "" {
			env = append(env, "XAUTHORITY="+x)
		}
		return c.env.Spawn(filepath.Join(opts.AuxBinDir, "xen-sdlfb"), std, env)
	}
	return nil
}
