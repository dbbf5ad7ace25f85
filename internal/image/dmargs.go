package image

import (
	"fmt"
	"strconv"
)

// dmArgsBuilder constructs device model command-line arguments.
//
// Example usage:
//
//	args := newDMArgsBuilder().
//		setDomid(3).
//		setVCPUs(2).
//		addFlag("acpi", true).
//		addNIC(1, "00:16:3e:00:00:01", "rtl8139", "xenbr0").
//		setVNC("127.0.0.1", 0).
//		build()
type dmArgsBuilder struct {
	args []string
}

func newDMArgsBuilder() *dmArgsBuilder {
	return &dmArgsBuilder{args: make([]string, 0, 32)}
}

// setDomid sets the domain the device model serves (-d option).
func (b *dmArgsBuilder) setDomid(domid uint32) *dmArgsBuilder {
	b.args = append(b.args, "-d", strconv.FormatUint(uint64(domid), 10))
	return b
}

// setMemory sets guest memory in MiB (-m option). Only ia64 passes it.
func (b *dmArgsBuilder) setMemory(mib uint64) *dmArgsBuilder {
	b.args = append(b.args, "-m", strconv.FormatUint(mib, 10))
	return b
}

func (b *dmArgsBuilder) setVCPUs(n int) *dmArgsBuilder {
	b.args = append(b.args, "-vcpus", strconv.Itoa(n))
	return b
}

// addFlag appends -name when on is set.
func (b *dmArgsBuilder) addFlag(name string, on bool) *dmArgsBuilder {
	if on {
		b.args = append(b.args, "-"+name)
	}
	return b
}

// addOption appends -name value when value is not empty.
func (b *dmArgsBuilder) addOption(name, value string) *dmArgsBuilder {
	if value != "" {
		b.args = append(b.args, "-"+name, value)
	}
	return b
}

func (b *dmArgsBuilder) setDomainName(name string) *dmArgsBuilder {
	b.args = append(b.args, "-domain-name", name)
	return b
}

// addNIC adds an emulated NIC on vlan and its tap backend on bridge.
//
// This generates:
//
//	-net nic,vlan=<vlan>,macaddr=<mac>,model=<model>
//	-net tap,vlan=<vlan>,bridge=<bridge>
func (b *dmArgsBuilder) addNIC(vlan int, mac, model, bridge string) *dmArgsBuilder {
	b.args = append(b.args,
		"-net", fmt.Sprintf("nic,vlan=%d,macaddr=%s,model=%s", vlan, mac, model),
		"-net", fmt.Sprintf("tap,vlan=%d,bridge=%s", vlan, bridge),
	)
	return b
}

func (b *dmArgsBuilder) setVNC(listen string, display int) *dmArgsBuilder {
	b.args = append(b.args, "-vnc", fmt.Sprintf("%s:%d", listen, display))
	return b
}

func (b *dmArgsBuilder) setVNCUnused() *dmArgsBuilder {
	b.args = append(b.args, "-vncunused")
	return b
}

func (b *dmArgsBuilder) setVNCViewer() *dmArgsBuilder {
	b.args = append(b.args, "-vncviewer")
	return b
}

func (b *dmArgsBuilder) setNoGraphic() *dmArgsBuilder {
	b.args = append(b.args, "-nographic")
	return b
}

func (b *dmArgsBuilder) setMonitor(dev string) *dmArgsBuilder {
	b.args = append(b.args, "-monitor", dev)
	return b
}

// setLoadVM restores device state from path (-loadvm option).
func (b *dmArgsBuilder) setLoadVM(path string) *dmArgsBuilder {
	b.args = append(b.args, "-loadvm", path)
	return b
}

// addArgs appends prebuilt arguments.
func (b *dmArgsBuilder) addArgs(args ...string) *dmArgsBuilder {
	b.args = append(b.args, args...)
	return b
}

func (b *dmArgsBuilder) build() []string {
	return b.args
}
