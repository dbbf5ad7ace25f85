package device

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/vishvananda/netlink"
)

var vifFields = []string{"mac", "bridge", "script", "ip", "type", "model", "vifname", "rate"}

// RandomMAC returns a locally generated address in the Xen OUI.
func RandomMAC() string {
	return fmt.Sprintf("00:16:3e:%02x:%02x:%02x", rand.IntN(0x80), rand.IntN(0x100), rand.IntN(0x100))
}

func linkExists(name string) error {
	if _, err := netlink.LinkByName(name); err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}
	return nil
}

func netKind() kind {
	return kind{
		details: netDetails,
		fields:  vifFields,
	}
}

func netDetails(ctx context.Context, c *controller, cfg Config) (int, map[string]string, map[string]string, error) {
	mac := cfg["mac"]
	if mac == "" {
		mac = RandomMAC()
	} else if _, err := net.ParseMAC(mac); err != nil {
		return 0, nil, nil, invalidf(c.class, "invalid mac %q", mac)
	}

	if bridge := cfg["bridge"]; bridge != "" && c.env.Options.CheckBridges {
		if err := c.env.LinkExists(bridge); err != nil {
			return 0, nil, nil, fmt.Errorf("vif bridge %s: %v: %w", bridge, err, errdefs.ErrInvalidArgument)
		}
	}

	devid, err := c.allocateID(ctx)
	if err != nil {
		return 0, nil, nil, err
	}

	back := map[string]string{
		"handle": strconv.Itoa(devid),
		"mac":    mac,
	}
	for _, k := range vifFields[1:] {
		if v := cfg[k]; v != "" {
			back[k] = v
		}
	}
	front := map[string]string{
		"handle": strconv.Itoa(devid),
		"mac":    mac,
	}
	return devid, back, front, nil
}
