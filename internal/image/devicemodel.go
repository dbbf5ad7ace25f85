package image

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/domaind/internal/config"
	"github.com/spin-stack/domaind/internal/paths"
	"github.com/spin-stack/domaind/internal/store"
)

const (
	dmPidKey     = "image/device-model-pid"
	dmCmdSave    = "save"
	dmCmdResume  = "continue"
	dmStatePause = "paused"
)

// deviceModel tracks the emulator process of an hvm guest.
type deviceModel struct {
	path string
	args []string

	mu  sync.Mutex
	pid int
	// exited is closed when a process started by this run is reaped.
	// Nil for a process inherited from an earlier run.
	exited chan struct{}
}

func (d *deviceModel) start(ctx context.Context, h *Handler, restore bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pid != 0 {
		return nil
	}

	domid := h.dom.Domid()
	b := newDMArgsBuilder().setDomid(domid)
	if h.deps.Arch == config.ArchIA64 {
		b.setMemory(h.RequiredInitialReservation() / 1024)
	}
	b.addArgs(d.args...)
	if restore {
		b.setLoadVM(paths.DeviceModelSavePath(h.deps.Paths, domid))
	}
	if h.hvm().VNCConsole {
		b.setVNCViewer()
	}
	args := b.build()

	logger := log.G(ctx).WithFields(log.Fields{"domid": domid, "path": d.path})
	logger.WithField("args", args).Info("image: spawning device model")

	//nolint:gosec // device model path and args come from the domain configuration.
	cmd := exec.Command(d.path, args...)
	cmd.Env = deviceModelEnv(h.hvm())
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start device model: %w", err)
	}
	d.pid = cmd.Process.Pid
	d.exited = make(chan struct{})

	exited := d.exited
	go func() {
		err := cmd.Wait()
		log.L.WithFields(log.Fields{"domid": domid, "pid": cmd.Process.Pid}).WithError(err).Debug("image: device model exited")
		close(exited)
	}()

	if err := store.Write(ctx, h.deps.Store, h.dom.DomainPath(), map[string]string{dmPidKey: strconv.Itoa(d.pid)}); err != nil {
		return fmt.Errorf("record device model pid: %w", err)
	}
	logger.WithField("pid", d.pid).Info("image: device model started")
	return nil
}

func (d *deviceModel) save(ctx context.Context, h *Handler) error {
	domid := h.dom.Domid()
	base := store.DeviceModelPath(domid)
	if err := store.Write(ctx, h.deps.Store, base, map[string]string{"command": dmCmdSave}); err != nil {
		return fmt.Errorf("signal device model save: %w", err)
	}

	statePath := store.Join(base, "state")
	for range h.deps.SaveRetries {
		state, err := store.ReadOptional(ctx, h.deps.Store, statePath)
		if err != nil {
			return err
		}
		if state == dmStatePause {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.deps.Clock.After(h.deps.PollInterval):
		}
	}
	return fmt.Errorf("domain %d: %w", domid, ErrDeviceModelTimeout)
}

func (d *deviceModel) resume(ctx context.Context, h *Handler) error {
	return store.Write(ctx, h.deps.Store, store.DeviceModelPath(h.dom.Domid()), map[string]string{"command": dmCmdResume})
}

func (d *deviceModel) recreate(ctx context.Context, h *Handler) error {
	v, err := store.ReadOptional(ctx, h.deps.Store, store.Join(h.dom.DomainPath(), dmPidKey))
	if err != nil || v == "" {
		return err
	}
	pid, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("corrupt device model pid %q: %w", v, err)
	}
	d.mu.Lock()
	d.pid = pid
	d.exited = nil
	d.mu.Unlock()
	return nil
}

// destroy kills the device model and waits for it. A process inherited
// from an earlier run is not our child, so waiting for it may fail with
// ECHILD.
func (d *deviceModel) destroy(ctx context.Context, h *Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pid == 0 {
		return nil
	}
	logger := log.G(ctx).WithFields(log.Fields{"domid": h.dom.Domid(), "pid": d.pid})

	if err := unix.Kill(d.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		logger.WithError(err).Warn("image: failed to kill device model")
	}

	if d.exited != nil {
		select {
		case <-d.exited:
		case <-h.deps.Clock.After(h.deps.KillWait):
			logger.Error("image: device model did not exit after SIGKILL")
		}
	} else {
		var ws unix.WaitStatus
		if _, err := unix.Wait4(d.pid, &ws, 0, nil); err != nil && !errors.Is(err, unix.ECHILD) {
			logger.WithError(err).Warn("image: failed to wait for device model")
		}
	}
	d.pid = 0
	d.exited = nil

	var errs []error
	if err := store.Remove(ctx, h.deps.Store, store.Join(h.dom.DomainPath(), dmPidKey)); err != nil {
		errs = append(errs, fmt.Errorf("remove device model pid: %w", err))
	}
	if err := store.Remove(ctx, h.deps.Store, store.DeviceModelPath(h.dom.Domid())); err != nil {
		errs = append(errs, fmt.Errorf("remove device model entries: %w", err))
	}
	return errors.Join(errs...)
}

// currentPID returns the running device model's process id, or 0.
func (d *deviceModel) currentPID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pid
}
