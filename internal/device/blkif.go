package device

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"

	"github.com/spin-stack/domaind/internal/store"
)

var (
	ideMajors = []int{3, 22, 33, 34, 56, 57, 88, 89, 90, 91}

	hdRE  = regexp.MustCompile(`^hd([a-t])([0-9]*)$`)
	sdRE  = regexp.MustCompile(`^sd([a-z])([0-9]*)$`)
	xvdRE = regexp.MustCompile(`^xvd([a-z])([0-9]*)$`)
)

const xvdMajor = 202

// BlockDeviceNumber converts a guest block device name (hda, sdb1, xvdc,
// or a plain number) into its device number.
func BlockDeviceNumber(name string) (int, error) {
	name = strings.TrimPrefix(name, "/dev/")
	if n, err := strconv.Atoi(name); err == nil {
		return n, nil
	}

	part := func(s string, limit int) (int, error) {
		if s == "" {
			return 0, nil
		}
		p, err := strconv.Atoi(s)
		if err != nil || p >= limit {
			return 0, fmt.Errorf("bad partition %q in %s", s, name)
		}
		return p, nil
	}

	if m := hdRE.FindStringSubmatch(name); m != nil {
		idx := int(m[1][0] - 'a')
		p, err := part(m[2], 64)
		if err != nil {
			return 0, err
		}
		return ideMajors[idx/2]<<8 | ((idx%2)*64 + p), nil
	}
	if m := sdRE.FindStringSubmatch(name); m != nil {
		idx := int(m[1][0] - 'a')
		p, err := part(m[2], 16)
		if err != nil {
			return 0, err
		}
		major := 8
		if idx >= 16 {
			major = 65 + (idx-16)/16
		}
		return major<<8 | ((idx%16)*16 + p), nil
	}
	if m := xvdRE.FindStringSubmatch(name); m != nil {
		idx := int(m[1][0] - 'a')
		p, err := part(m[2], 16)
		if err != nil {
			return 0, err
		}
		return xvdMajor<<8 | idx<<4 | p, nil
	}
	return 0, fmt.Errorf("unrecognised block device name %q", name)
}

func blkKind() kind {
	return kind{
		details:     blkDetails,
		fields:      []string{"dev", "type", "params", "mode"},
		frontFields: []string{"device-type"},
		describe: func(back, front map[string]string) Config {
			cfg := Config{"dev": back["dev"], "mode": back["mode"]}
			if back["type"] != "" {
				cfg["uname"] = back["type"] + ":" + back["params"]
			}
			if front["device-type"] == "cdrom" {
				cfg["dev"] += ":cdrom"
			}
			return cfg
		},
		configure: blkConfigure,
	}
}

func splitUname(class, uname string) (string, string, error) {
	typ, params, ok := strings.Cut(uname, ":")
	if !ok || typ == "" {
		return "", "", invalidf(class, "uname %q must be <type>:<params>", uname)
	}
	return typ, params, nil
}

func blkDetails(_ context.Context, c *controller, cfg Config) (int, map[string]string, map[string]string, error) {
	dev, devType, _ := strings.Cut(cfg["dev"], ":")
	if dev == "" {
		return 0, nil, nil, invalidf(c.class, "missing dev")
	}
	if devType == "" {
		devType = "disk"
	}
	if devType != "disk" && devType != "cdrom" {
		return 0, nil, nil, invalidf(c.class, "unknown device type %q", devType)
	}

	mode := cfg.Get("mode", "r")
	switch mode {
	case "r", "w", "w!":
	default:
		return 0, nil, nil, invalidf(c.class, "invalid mode %q", mode)
	}

	var typ, params string
	if uname := cfg["uname"]; uname != "" {
		var err error
		if typ, params, err = splitUname(c.class, uname); err != nil {
			return 0, nil, nil, err
		}
	} else if devType != "cdrom" {
		return 0, nil, nil, invalidf(c.class, "missing uname for %s", dev)
	}

	devid, err := BlockDeviceNumber(dev)
	if err != nil {
		return 0, nil, nil, invalidf(c.class, "%v", err)
	}

	back := map[string]string{
		"dev":    dev,
		"type":   typ,
		"params": params,
		"mode":   mode,
	}
	front := map[string]string{
		"virtual-device": strconv.Itoa(devid),
		"device-type":    devType,
	}
	return devid, back, front, nil
}

// blkConfigure swaps the media of a cdrom device.
func blkConfigure(ctx context.Context, c *controller, devid int, cfg Config) error {
	typ, params := "", ""
	if uname := cfg["uname"]; uname != "" {
		var err error
		if typ, params, err = splitUname(c.class, uname); err != nil {
			return err
		}
	}
	return store.RetryUpdate(ctx, c.env.Store, func(tx store.Tx) error {
		devType, err := tx.Read(store.Join(c.frontendPath(devid), "device-type"))
		if err != nil {
			return fmt.Errorf("vbd %d: %w", devid, err)
		}
		if devType != "cdrom" {
			return fmt.Errorf("vbd %d is not a cdrom, media cannot change: %w", devid, errdefs.ErrFailedPrecondition)
		}
		back := c.backendPath(devid)
		if err := tx.Write(store.Join(back, "type"), typ); err != nil {
			return err
		}
		return tx.Write(store.Join(back, "params"), params)
	})
}
