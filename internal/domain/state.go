package domain

import (
	"context"
	"fmt"
	"sync"

	"github.com/containerd/log"
)

// State is the manager's view of a domain.
type State int32

const (
	// StateOK is a live domain.
	StateOK State = iota
	// StateSuspended is a domain that shut down for a checkpoint. It is
	// destroyed by whoever saves it.
	StateSuspended
	// StateTerminated is a torn down domain. Terminal.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateOK:
		return "ok"
	case StateSuspended:
		return "suspended"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// stateCell holds a State and wakes everyone waiting for a change. Each
// change closes the current channel and replaces it.
type stateCell struct {
	mu      sync.Mutex
	state   State
	changed chan struct{}
}

func newStateCell() *stateCell {
	return &stateCell{changed: make(chan struct{})}
}

// Get returns the current state.
func (c *stateCell) Get() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Set changes the state and returns the previous one. A terminated cell
// stays terminated.
func (c *stateCell) Set(s State) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.state
	if old == s || old == StateTerminated {
		return old
	}
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
	log.L.WithField("from", old.String()).WithField("to", s.String()).Debug("domain: state transition")
	return old
}

// Wait blocks until the state is target or ctx is done.
func (c *stateCell) Wait(ctx context.Context, target State) error {
	for {
		c.mu.Lock()
		if c.state == target {
			c.mu.Unlock()
			return nil
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
