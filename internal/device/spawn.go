package device

import (
	"fmt"
	"os/exec"
	"syscall"

	"github.com/containerd/log"
)

// SpawnDetached starts path in its own session and reaps it in the
// background. The caller does not wait for it.
func SpawnDetached(path string, args, env []string) error {
	cmd := exec.Command(path, args...)
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", path, err)
	}
	pid := cmd.Process.Pid
	go func() {
		err := cmd.Wait()
		log.L.WithFields(log.Fields{"path": path, "pid": pid}).WithError(err).Debug("device: helper exited")
	}()
	return nil
}
