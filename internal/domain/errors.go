package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

var (
	// ErrRestartTooFast is returned when a domain is restarted again within
	// the minimum restart interval.
	ErrRestartTooFast = errors.New("domain restarting too fast")

	// ErrNotRunning is returned for operations on a domain that has no
	// hypervisor domain behind it.
	ErrNotRunning = fmt.Errorf("domain not running: %w", errdefs.ErrFailedPrecondition)
)

// ConfigError reports an invalid domain configuration. It is raised before
// anything is created.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid domain configuration: " + e.Msg
	}
	return fmt.Sprintf("invalid domain configuration: %s: %s", e.Field, e.Msg)
}

func (e *ConfigError) Unwrap() error { return errdefs.ErrInvalidArgument }

func configErrorf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// CreationError is returned when constructing a domain fails. The partially
// built domain has been destroyed by the time it is returned.
type CreationError struct {
	Name string
	Err  error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("creating domain failed: name=%s: %v", e.Name, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// TeardownPhase identifies a step of domain teardown.
type TeardownPhase string

const (
	PhaseState          TeardownPhase = "state"
	PhaseDevices        TeardownPhase = "devices"
	PhaseStoreChannel   TeardownPhase = "store_channel"
	PhaseConsoleChannel TeardownPhase = "console_channel"
	PhaseImage          TeardownPhase = "image"
	PhaseDomainPath     TeardownPhase = "domain_path"
	PhaseVMPath         TeardownPhase = "vm_path"
	PhaseHypervisor     TeardownPhase = "hypervisor"
)

// TeardownError is the failure of one teardown phase.
type TeardownError struct {
	Phase TeardownPhase
	Err   error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown failed at %s: %v", e.Phase, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }

// TeardownResult collects the failures of a teardown. Teardown never stops
// at a failed phase.
//
//nolint:errname // TeardownResult is a result container that can be used as an error
type TeardownResult struct {
	Errors []*TeardownError
}

// Add records err for phase. Nil errors are ignored.
func (r *TeardownResult) Add(phase TeardownPhase, err error) {
	if err != nil {
		r.Errors = append(r.Errors, &TeardownError{Phase: phase, Err: err})
	}
}

// HasErrors reports whether any phase failed.
func (r *TeardownResult) HasErrors() bool {
	return len(r.Errors) > 0
}

func (r *TeardownResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return "teardown completed with errors: " + strings.Join(msgs, "; ")
}

// AsError returns r as an error, or nil when every phase succeeded.
func (r *TeardownResult) AsError() error {
	if !r.HasErrors() {
		return nil
	}
	return r
}

// FailedPhases lists the phases that failed, in order.
func (r *TeardownResult) FailedPhases() []TeardownPhase {
	phases := make([]TeardownPhase, 0, len(r.Errors))
	for _, e := range r.Errors {
		phases = append(phases, e.Phase)
	}
	return phases
}

// Unwrap lets errors.Is and errors.As see the phase errors.
func (r *TeardownResult) Unwrap() []error {
	errs := make([]error, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, e)
	}
	return errs
}
