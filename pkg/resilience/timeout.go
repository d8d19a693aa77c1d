package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// WithTimeout runs fn under a deadline of timeout. fn must honour ctx; the
// store clients all do. A deadline hit, as opposed to the parent being
// cancelled, is reported as context.DeadlineExceeded naming the operation.
// A non-positive timeout runs fn with ctx unchanged.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(tctx)
	if err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s: exceeded %v: %w", name, timeout, err)
		}
		return fmt.Errorf("%s: exceeded %v: %w: %w", name, timeout, context.DeadlineExceeded, err)
	}
	return err
}
