package device

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/domaind/internal/pci"
)

const maxPCIDevs = 32

func pciKind() kind {
	fields := []string{"num_devs"}
	for i := 0; i < maxPCIDevs; i++ {
		fields = append(fields, "dev-"+strconv.Itoa(i))
	}
	return kind{
		details: pciDetails,
		attach:  pciAttach,
		fields:  fields,
		describe: func(back, _ map[string]string) Config {
			n, _ := strconv.Atoi(back["num_devs"])
			devs := make([]string, 0, n)
			for i := 0; i < n; i++ {
				if d := back["dev-"+strconv.Itoa(i)]; d != "" {
					devs = append(devs, d)
				}
			}
			return Config{"dev": strings.Join(devs, ",")}
		},
	}
}

func parsePCIList(class, list string) ([]pci.Address, error) {
	var addrs []pci.Address
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		a, err := pci.ParseAddress(s)
		if err != nil {
			return nil, invalidf(class, "%v", err)
		}
		addrs = append(addrs, a)
	}
	if len(addrs) == 0 {
		return nil, invalidf(class, "no devices given")
	}
	if len(addrs) > maxPCIDevs {
		return nil, invalidf(class, "too many devices (%d)", len(addrs))
	}
	return addrs, nil
}

func pciDetails(_ context.Context, c *controller, cfg Config) (int, map[string]string, map[string]string, error) {
	addrs, err := parsePCIList(c.class, cfg["dev"])
	if err != nil {
		return 0, nil, nil, err
	}
	back := map[string]string{"num_devs": strconv.Itoa(len(addrs))}
	for i, a := range addrs {
		back["dev-"+strconv.Itoa(i)] = a.String()
	}
	return 0, back, nil, nil
}

// pciAttach opens the device's I/O ports, memory and interrupt to the guest.
// The MSI-X table and PBA pages stay with the hypervisor. If any grant
// fails, the ones already made are revoked.
func pciAttach(ctx context.Context, c *controller, _ int, cfg Config) (err error) {
	if c.env.PCI == nil {
		return fmt.Errorf("pci passthrough needs a descriptor reader: %w", errdefs.ErrUnavailable)
	}
	addrs, err := parsePCIList(c.class, cfg["dev"])
	if err != nil {
		return err
	}

	hv, domid := c.env.Hypervisor, c.host.Domid()
	page := uint64(os.Getpagesize())

	var revokes []func(context.Context) error
	defer func() {
		if err == nil {
			return
		}
		rctx := context.WithoutCancel(ctx)
		for _, revoke := range slices.Backward(revokes) {
			if rerr := revoke(rctx); rerr != nil {
				log.G(ctx).WithField("domid", domid).WithError(rerr).Warn("device: failed to revoke pci resource")
			}
		}
	}()

	for _, a := range addrs {
		dev, err := c.env.PCI.Lookup(a)
		if err != nil {
			return fmt.Errorf("pci %s: %w", a, err)
		}
		logger := log.G(ctx).WithFields(log.Fields{"domid": domid, "pci": a.String()})

		for _, r := range dev.IOPorts {
			if err := hv.IOPortPermission(ctx, domid, r.Start, r.Size, true); err != nil {
				return fmt.Errorf("pci %s: ioport 0x%x: %w", a, r.Start, err)
			}
			revokes = append(revokes, func(ctx context.Context) error {
				return hv.IOPortPermission(ctx, domid, r.Start, r.Size, false)
			})
		}
		for _, r := range dev.GeneralIOMem() {
			pfn := r.Start / page
			n := (r.Size + page - 1) / page
			if err := hv.IOMemPermission(ctx, domid, pfn, n, true); err != nil {
				return fmt.Errorf("pci %s: iomem 0x%x: %w", a, r.Start, err)
			}
			revokes = append(revokes, func(ctx context.Context) error {
				return hv.IOMemPermission(ctx, domid, pfn, n, false)
			})
		}
		if dev.IRQ != 0 {
			if err := hv.IRQPermission(ctx, domid, dev.IRQ, true); err != nil {
				return fmt.Errorf("pci %s: irq %d: %w", a, dev.IRQ, err)
			}
			irq := dev.IRQ
			revokes = append(revokes, func(ctx context.Context) error {
				return hv.IRQPermission(ctx, domid, irq, false)
			})
		}
		logger.WithFields(log.Fields{
			"driver": dev.Driver,
			"msix":   dev.MSIX,
		}).Debug("device: pci resources granted")
	}
	return nil
}
