package ticker

import (
	"context"
	"fmt"
	"time"
)

// Periodically runs task once immediately, then at every interval, until ctx is done or task returns an error.
//
// Ticks which come due while task is still running are dropped rather than queued, and onSkip (if non-nil) is called for each.
func Periodically(ctx context.Context, interval time.Duration, task func(context.Context) error, onSkip func()) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval: %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run := func() error {
		if err := task(ctx); err != nil {
			return fmt.Errorf("periodic task failed: %w", err)
		}
		// a tick which arrived during the task is stale
		select {
		case <-ticker.C:
			if onSkip != nil {
				onSkip()
			}
		default:
		}
		return nil
	}

	if err := run(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := run(); err != nil {
				return err
			}
		}
	}
}
