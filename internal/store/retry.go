package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/log"
	"github.com/juju/clock"
	"github.com/juju/retry"
)

const (
	maxUpdateAttempts = 1000
	updateRetryDelay  = time.Millisecond
)

// RetryUpdate runs fn in an Update transaction, starting over whenever the
// commit fails with ErrConflict. Other errors are returned immediately.
func RetryUpdate(ctx context.Context, s Store, fn func(tx Tx) error) error {
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = s.Update(ctx, fn)
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, ErrConflict)
		},
		NotifyFunc: func(err error, attempt int) {
			log.G(ctx).WithError(err).WithField("attempt", attempt).Debug("store: transaction conflict, retrying")
		},
		Attempts: maxUpdateAttempts,
		Delay:    updateRetryDelay,
		Clock:    clock.WallClock,
		Stop:     ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(lastErr, ErrConflict) {
		return fmt.Errorf("giving up after %d attempts: %w", maxUpdateAttempts, lastErr)
	}
	return lastErr
}
