package domain

import (
	"time"

	"github.com/juju/clock"
)

// Scheduler runs deferred calls. The manager never blocks on a timeout; it
// asks the scheduler to call back later.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) clock.Timer
}

// ClockScheduler schedules on a clock.
type ClockScheduler struct {
	Clock clock.Clock
}

// AfterFunc calls f in its own goroutine once d has elapsed on the clock.
// The returned timer cancels the call if stopped first.
func (s ClockScheduler) AfterFunc(d time.Duration, f func()) clock.Timer {
	return s.Clock.AfterFunc(d, f)
}
