package domain

import (
	"context"
	"fmt"
	"strconv"

	"github.com/containerd/errdefs"

	"github.com/spin-stack/domaind/internal/hypervisor"
	"github.com/spin-stack/domaind/internal/store"
)

// openChannel binds an event channel to the domain and records the local
// port at key. A port already recorded there is reused; if it no longer
// binds, a fresh one is taken.
func (d *Domain) openChannel(ctx context.Context, key string) (*hypervisor.EventChannel, error) {
	hv, domid := d.env.Hypervisor, d.Domid()

	var port uint32
	recorded, err := d.readDom(ctx, key)
	if err != nil {
		return nil, err
	}
	if recorded != "" {
		p, err := strconv.ParseUint(recorded, 10, 32)
		if err != nil {
			d.logger(ctx).WithField("key", key).WithField("value", recorded).Warn("domain: ignoring malformed port")
		} else {
			port = uint32(p)
		}
	}

	ch, err := hv.BindEventChannel(ctx, domid, port)
	if err != nil && port != 0 {
		d.logger(ctx).WithError(err).WithField("port", port).Debug("domain: stale port, binding a new one")
		ch, err = hv.BindEventChannel(ctx, domid, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", key, err)
	}

	if err := d.writeDom(ctx, map[string]string{key: strconv.FormatUint(uint64(ch.Port1), 10)}); err != nil {
		_ = hv.CloseEventChannel(ctx, ch)
		return nil, err
	}
	return &ch, nil
}

// createChannels opens the store and console channels.
func (d *Domain) createChannels(ctx context.Context) error {
	storeChan, err := d.openChannel(ctx, keyStorePort)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.storeChan = storeChan
	d.mu.Unlock()

	consoleChan, err := d.openChannel(ctx, keyConsolePort)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.consoleChan = consoleChan
	d.mu.Unlock()
	return nil
}

// closeChannel closes the channel in *slot and removes its record. It does
// nothing when the slot is already empty.
func (d *Domain) closeChannel(ctx context.Context, slot **hypervisor.EventChannel, key string) error {
	d.mu.Lock()
	ch := *slot
	*slot = nil
	d.mu.Unlock()
	if ch == nil {
		return nil
	}
	err := d.env.Hypervisor.CloseEventChannel(ctx, *ch)
	if errdefs.IsNotFound(err) {
		err = nil
	}
	if p := d.DomainPath(); p != "" {
		if rerr := store.Remove(ctx, d.env.Store, store.Join(p, key)); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

func (d *Domain) setStoreRef(ctx context.Context, mfn uint64) error {
	d.mu.Lock()
	d.storeMFN = mfn
	d.mu.Unlock()
	return d.writeDom(ctx, map[string]string{keyStoreRingRef: strconv.FormatUint(mfn, 10)})
}

func (d *Domain) setConsoleRef(ctx context.Context, mfn uint64) error {
	d.mu.Lock()
	d.consoleMFN = mfn
	d.mu.Unlock()
	return d.writeDom(ctx, map[string]string{keyConsoleRingRef: strconv.FormatUint(mfn, 10)})
}
