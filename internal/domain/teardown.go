package domain

import (
	"context"

	"github.com/containerd/log"
)

// teardownFunc releases one resource. It must be safe to call when the
// resource is already gone.
type teardownFunc func(ctx context.Context) error

type teardownStep struct {
	phase TeardownPhase
	fn    teardownFunc
}

// runTeardown runs every step in order. A failing step is recorded and the
// rest still run.
func runTeardown(ctx context.Context, steps []teardownStep) *TeardownResult {
	result := &TeardownResult{}
	logger := log.G(ctx)

	for _, step := range steps {
		if step.fn == nil {
			continue
		}
		logger.WithField("phase", string(step.phase)).Debug("domain: teardown phase")
		if err := step.fn(ctx); err != nil {
			result.Add(step.phase, err)
		}
	}

	if result.HasErrors() {
		logger.WithField("failed_phases", result.FailedPhases()).Warn("domain: teardown completed with errors")
	}
	return result
}
