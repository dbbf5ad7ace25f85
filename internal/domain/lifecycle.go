package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"

	"github.com/spin-stack/domaind/internal/hypervisor"
	"github.com/spin-stack/domaind/internal/store"
)

// RefreshShutdown reconciles the domain with its hypervisor status. info
// is fetched when nil. A domain that shut down gets its restart policy
// applied; one that was asked to shut down and has not within the
// shutdown timeout is destroyed.
func (d *Domain) RefreshShutdown(ctx context.Context, info *hypervisor.Info) error {
	reason, err := d.refreshShutdown(ctx, info)
	if err != nil || reason == "" {
		return err
	}
	return d.maybeRestart(ctx, reason)
}

func (d *Domain) refreshShutdown(ctx context.Context, info *hypervisor.Info) (Reason, error) {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	if d.State() == StateTerminated || d.DomainPath() == "" {
		return "", nil
	}
	logger := d.logger(ctx)

	if info == nil {
		var err error
		info, err = d.env.Hypervisor.DomainInfo(ctx, d.Domid())
		if errdefs.IsNotFound(err) {
			info = nil
		} else if err != nil {
			return "", fmt.Errorf("domain info of %s: %w", d, err)
		}
	}

	if info == nil || info.Dying {
		logger.Info("domain: domain has gone, cleaning up")
		d.cleanup(ctx, false)
		return "", nil
	}

	if info.Crashed || info.Shutdown {
		if d.State() == StateSuspended {
			return "", nil
		}
		// A dead domain kept by its restart policy is left alone.
		preserved, err := d.readDom(ctx, keyPreserved)
		if err != nil {
			return "", err
		}
		if preserved != "" {
			return "", nil
		}
		d.stopShutdownTimer()
		if err := d.removeDom(ctx, keyShutdownStarted); err != nil {
			logger.WithError(err).Warn("domain: failed to clear shutdown start time")
		}
	}

	switch {
	case info.Crashed:
		logger.Warn("domain: domain has crashed")
		if d.env.EnableDump {
			if err := d.DumpCore(ctx); err != nil {
				logger.WithError(err).Warn("domain: core dump failed")
			}
		}
		d.env.Metrics.shutdown(ReasonCrash)
		return ReasonCrash, nil

	case info.Shutdown:
		reason, ok := reasonForCode(info.ShutdownReason)
		if !ok {
			logger.WithField("code", info.ShutdownReason).Warn("domain: unknown shutdown code, destroying")
			d.Destroy(ctx)
			return "", nil
		}
		logger.WithField("reason", reason).Info("domain: domain has shut down")
		d.env.Metrics.shutdown(reason)
		switch reason {
		case ReasonSuspend:
			d.state.Set(StateSuspended)
			return "", nil
		case ReasonPoweroff, ReasonReboot:
			return reason, nil
		}
		// Only a hypervisor-reported crash selects on_crash.
		logger.WithField("reason", reason).Warn("domain: shutdown code has no restart policy, destroying")
		d.Destroy(ctx)
		return "", nil
	}

	return "", d.checkShutdownTimeout(ctx)
}

// checkShutdownTimeout destroys a running domain that was asked to shut
// down too long ago, or schedules another look when the time is up.
func (d *Domain) checkShutdownTimeout(ctx context.Context) error {
	started, err := d.readDom(ctx, keyShutdownStarted)
	if err != nil || started == "" {
		return err
	}
	logger := d.logger(ctx)
	t, err := parseTime(started)
	if err != nil {
		logger.WithError(err).Warn("domain: ignoring malformed shutdown start time")
		return d.removeDom(ctx, keyShutdownStarted)
	}

	elapsed := d.env.Clock.Now().Sub(t)
	if elapsed >= d.env.ShutdownTimeout {
		logger.WithField("timeout", d.env.ShutdownTimeout).Info("domain: domain has not shut down in time, destroying")
		d.Destroy(ctx)
		return nil
	}

	remaining := d.env.ShutdownTimeout - elapsed
	bg := context.WithoutCancel(ctx)
	timer := d.env.Scheduler.AfterFunc(remaining, func() {
		if err := d.RefreshShutdown(bg, nil); err != nil {
			d.logger(bg).WithError(err).Warn("domain: refresh after shutdown timeout failed")
		}
	})
	d.mu.Lock()
	prev := d.shutdownTimer
	d.shutdownTimer = timer
	d.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	logger.WithField("remaining", remaining).Debug("domain: waiting for shutdown")
	return nil
}

func (d *Domain) stopShutdownTimer() {
	d.mu.Lock()
	t := d.shutdownTimer
	d.shutdownTimer = nil
	d.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

func (d *Domain) maybeRestart(ctx context.Context, reason Reason) error {
	mode, err := Action(reason, d.Config().Policy())
	if err != nil {
		return err
	}
	d.logger(ctx).WithField("reason", reason).WithField("mode", mode).Debug("domain: applying restart policy")
	switch mode {
	case ModeDestroy:
		d.Destroy(ctx)
		return nil
	case ModeRestart:
		return d.Restart(ctx, false)
	case ModePreserve:
		return d.preserve(ctx)
	case ModeRenameRestart:
		return d.Restart(ctx, true)
	}
	return fmt.Errorf("unknown restart mode %q: %w", mode, errdefs.ErrInvalidArgument)
}

// Restart replaces the domain with a new one built from the same
// configuration and uuid, then unpauses it. With rename the dead domain is
// kept under a new name and uuid instead of being destroyed. Restarting
// twice within the minimum restart interval destroys the domain and fails
// with ErrRestartTooFast.
func (d *Domain) Restart(ctx context.Context, rename bool) error {
	logger := d.logger(ctx)
	now := d.env.Clock.Now()

	d.mu.Lock()
	last := d.restartTime
	d.restartTime = now
	count := d.restartCount
	cfg := d.cfg.Clone()
	id := d.uuid
	d.mu.Unlock()

	if !last.IsZero() && now.Sub(last) < d.env.MinimumRestartInterval {
		logger.WithField("since_last", now.Sub(last)).Error("domain: restarting too fast, destroying")
		d.Destroy(ctx)
		d.env.Metrics.restarted(ErrRestartTooFast)
		return fmt.Errorf("%s: %w", d, ErrRestartTooFast)
	}

	st := d.env.Store
	marker := store.Join(store.VMPath(id), keyRestartInProgress)
	inProgress, err := store.ReadOptional(ctx, st, marker)
	if err != nil {
		return err
	}
	if inProgress != "" {
		logger.Error("domain: restart already in progress, destroying")
		d.Destroy(ctx)
		return nil
	}
	setMarker := func() error {
		return store.Write(ctx, st, "/", map[string]string{marker: "True"})
	}
	if err := setMarker(); err != nil {
		return err
	}
	defer func() {
		if err := store.Remove(ctx, st, marker); err != nil {
			logger.WithError(err).Warn("domain: failed to clear restart marker")
		}
	}()

	if rename {
		if err := d.preserveForRestart(ctx); err != nil {
			logger.WithError(err).Warn("domain: renaming dead domain failed, destroying it")
			d.Destroy(ctx)
		}
	} else {
		d.Destroy(ctx)
	}
	// Teardown removes the VM path and the marker with it.
	if err := setMarker(); err != nil {
		return err
	}

	nd, err := d.table.create(ctx, cfg, id, restartInfo{time: now, count: count + 1})
	d.env.Metrics.restarted(err)
	if err != nil {
		logger.WithError(err).Error("domain: failed to restart")
		return fmt.Errorf("restart %s: %w", cfg.Name, err)
	}
	if err := d.env.Hypervisor.DomainUnpause(ctx, nd.Domid()); err != nil {
		return fmt.Errorf("unpause restarted %s: %w", nd, err)
	}
	nd.logger(ctx).WithField("restarts", count+1).Info("domain: restarted")
	return nil
}

// preserve leaves the dead domain in place.
func (d *Domain) preserve(ctx context.Context) error {
	d.logger(ctx).Info("domain: preserving dead domain")
	return d.writeDom(ctx, map[string]string{keyPreserved: "True"})
}

// preserveForRestart moves the dead domain to a new name and uuid so that
// its replacement can take the old ones.
func (d *Domain) preserveForRestart(ctx context.Context) error {
	newName, err := d.table.generateShutdownName(d)
	if err != nil {
		return err
	}
	newID := uuid.NewString()
	d.logger(ctx).WithField("new_name", newName).WithField("new_uuid", newID).Info("domain: renaming dead domain")

	if err := d.env.Devices.ReleaseAll(ctx, d); err != nil {
		return fmt.Errorf("release devices: %w", err)
	}
	d.mu.Lock()
	d.cfg.Name = newName
	d.uuid = newID
	d.mu.Unlock()

	if err := d.storeVMDetails(ctx); err != nil {
		return err
	}
	if err := d.writeDom(ctx, map[string]string{"vm": d.VMPath(), "name": newName}); err != nil {
		return err
	}
	return d.preserve(ctx)
}

// Destroy tears the domain down and removes it from the table. Every phase
// runs even if an earlier one fails; failures are reported in the result
// and logged. Destroying a destroyed domain is harmless.
func (d *Domain) Destroy(ctx context.Context) *TeardownResult {
	return d.cleanup(ctx, true)
}

// cleanup releases everything the daemon holds for the domain. The
// hypervisor is only asked to destroy the domain when destroyDomain is
// set; a domain that is already dying or gone just gets its daemon-side
// state removed.
func (d *Domain) cleanup(ctx context.Context, destroyDomain bool) *TeardownResult {
	logger := d.logger(ctx)
	hasDomid := d.DomainPath() != ""
	first := false
	d.stopShutdownTimer()

	steps := []teardownStep{
		{PhaseState, func(context.Context) error {
			first = d.state.Set(StateTerminated) != StateTerminated
			return nil
		}},
		{PhaseDevices, func(ctx context.Context) error {
			if !hasDomid {
				return nil
			}
			return d.env.Devices.ReleaseAll(ctx, d)
		}},
		{PhaseStoreChannel, func(ctx context.Context) error {
			return d.closeChannel(ctx, &d.storeChan, keyStorePort)
		}},
		{PhaseConsoleChannel, func(ctx context.Context) error {
			return d.closeChannel(ctx, &d.consoleChan, keyConsolePort)
		}},
		{PhaseImage, func(ctx context.Context) error {
			d.mu.Lock()
			img := d.img
			d.img = nil
			d.mu.Unlock()
			if img == nil {
				return nil
			}
			return img.Destroy(ctx)
		}},
		{PhaseDomainPath, func(ctx context.Context) error {
			if !hasDomid {
				return nil
			}
			return store.Remove(ctx, d.env.Store, d.DomainPath())
		}},
		{PhaseVMPath, func(ctx context.Context) error {
			return store.Remove(ctx, d.env.Store, d.VMPath())
		}},
		{PhaseHypervisor, func(ctx context.Context) error {
			if !hasDomid || !destroyDomain {
				return nil
			}
			err := d.env.Hypervisor.DomainDestroy(ctx, d.Domid())
			if errdefs.IsNotFound(err) {
				return nil
			}
			return err
		}},
	}

	result := runTeardown(ctx, steps)
	if first {
		logger.Info("domain: destroyed")
		d.env.Metrics.destroyed()
	}
	d.table.remove(d)
	return result
}

type restartInfo struct {
	time  time.Time
	count int
}
