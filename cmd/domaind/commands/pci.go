package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/spin-stack/domaind/internal/pci"
)

var sysfsRoot string

var pciCmd = &cobra.Command{
	Use:   "pci",
	Short: "Inspect host PCI devices",
}

func init() {
	pciShowCmd.Flags().StringVar(&sysfsRoot, "sysfs", "", "sysfs mount point (default: discovered from /proc/mounts)")
	pciCmd.AddCommand(pciShowCmd)
}

var pciShowCmd = &cobra.Command{
	Use:   "show <domain:bus:slot.func>...",
	Short: "Show the resources of PCI devices",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := pciReader()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		for _, arg := range args {
			addr, err := pci.ParseAddress(arg)
			if err != nil {
				return err
			}
			dev, err := r.Lookup(addr)
			if err != nil {
				return err
			}
			printDevice(w, dev)
		}
		return w.Flush()
	},
}

func pciReader() (*pci.Reader, error) {
	if sysfsRoot != "" {
		return &pci.Reader{SysfsRoot: sysfsRoot, PageSize: uint64(os.Getpagesize())}, nil
	}
	return pci.NewReader()
}

func printDevice(w *tabwriter.Writer, dev *pci.Device) {
	fmt.Fprintf(w, "device\t%s\n", dev.Address)
	fmt.Fprintf(w, "id\t%04x:%04x (subsystem %04x:%04x)\n", dev.Vendor, dev.Device, dev.SubVendor, dev.SubDevice)
	if dev.Driver != "" {
		fmt.Fprintf(w, "driver\t%s\n", dev.Driver)
	}
	if dev.IRQ != 0 {
		fmt.Fprintf(w, "irq\t%d\n", dev.IRQ)
	}
	for _, r := range dev.IOPorts {
		fmt.Fprintf(w, "ioport\t%#x-%#x\n", r.Start, r.End()-1)
	}
	for _, r := range dev.GeneralIOMem() {
		fmt.Fprintf(w, "iomem\t%#x-%#x\n", r.Start, r.End()-1)
	}
	if dev.MSIX {
		fmt.Fprintf(w, "msix\t%d entries, table bar %d+%#x, pba bar %d+%#x\n",
			dev.MSIXEntries, dev.TableIndex, dev.TableOffset, dev.PBAIndex, dev.PBAOffset)
		for _, r := range dev.MSIXIOMem {
			fmt.Fprintf(w, "msix iomem\t%#x-%#x\n", r.Start, r.End()-1)
		}
	}
	fmt.Fprintln(w)
}
