package domain

import (
	"fmt"
	"slices"

	"github.com/spin-stack/domaind/internal/hypervisor"
)

// Reason is why a domain stopped.
type Reason string

const (
	ReasonPoweroff Reason = "poweroff"
	ReasonReboot   Reason = "reboot"
	ReasonSuspend  Reason = "suspend"
	ReasonCrash    Reason = "crash"
)

// Reasons that select a restart policy.
var policyReasons = []Reason{ReasonPoweroff, ReasonReboot, ReasonCrash}

// reasonForCode maps a hypervisor shutdown code to a Reason.
func reasonForCode(code int) (Reason, bool) {
	r := Reason(hypervisor.ShutdownReason(code))
	switch r {
	case ReasonPoweroff, ReasonReboot, ReasonSuspend, ReasonCrash:
		return r, true
	}
	return "", false
}

// Mode is what happens to a domain after it stops.
type Mode string

const (
	ModeDestroy       Mode = "destroy"
	ModeRestart       Mode = "restart"
	ModePreserve      Mode = "preserve"
	ModeRenameRestart Mode = "rename-restart"
)

// Modes lists the valid restart modes.
func Modes() []Mode {
	return []Mode{ModeRestart, ModeDestroy, ModePreserve, ModeRenameRestart}
}

func validMode(m Mode) bool {
	return slices.Contains(Modes(), m)
}

// Policy is the per-event restart configuration.
type Policy struct {
	OnPoweroff Mode
	OnReboot   Mode
	OnCrash    Mode
}

// DefaultPolicy destroys on poweroff and restarts otherwise.
func DefaultPolicy() Policy {
	return Policy{OnPoweroff: ModeDestroy, OnReboot: ModeRestart, OnCrash: ModeRestart}
}

// Action returns the mode configured for reason. Modes are validated when
// the configuration is normalized, so an error here means reason itself is
// not one that selects a policy.
func Action(reason Reason, p Policy) (Mode, error) {
	switch reason {
	case ReasonPoweroff:
		return p.OnPoweroff, nil
	case ReasonReboot:
		return p.OnReboot, nil
	case ReasonCrash:
		return p.OnCrash, nil
	}
	return "", fmt.Errorf("no restart policy for reason %q", reason)
}

// legacyPolicy maps the deprecated "restart" option onto a policy.
func legacyPolicy(restart string) (Policy, bool) {
	switch restart {
	case "onreboot":
		return Policy{OnPoweroff: ModeDestroy, OnReboot: ModeRestart, OnCrash: ModeDestroy}, true
	case "always":
		return Policy{OnPoweroff: ModeRestart, OnReboot: ModeRestart, OnCrash: ModeRestart}, true
	case "never":
		return Policy{OnPoweroff: ModeDestroy, OnReboot: ModeDestroy, OnCrash: ModeDestroy}, true
	}
	return Policy{}, false
}
