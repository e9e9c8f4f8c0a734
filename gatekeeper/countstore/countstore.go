package countstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/splshield/splguard/gatekeeper"
)

// Returned by the absent implementation, and by any implementation which can't reach its backend. Callers treat it as "cache unavailable" and fall back to the durable store.
var ErrUnavailable = errors.New("count store unavailable")

// Fixed-window counters with per-key expiry. This is the fast path for rate limiting; it is never a source of record.
type CountStore interface {
	// Atomically increments the counter for (name, val) in the window starting at windowStart, and returns the new count. The counter expires after ttl.
	IncrementWindow(ctx context.Context, name, val string, windowStart gatekeeper.Instant, ttl time.Duration) (int, error)
	Ping(ctx context.Context) error
}

func windowBucket(name, val string, windowStart gatekeeper.Instant) string {
	return fmt.Sprintf("%s/%s/%d", name, val, int64(windowStart))
}

// NoopCountStore is the "absent" implementation, used when no cache is configured. It always reports ErrUnavailable.
type NoopCountStore struct{}

var _ CountStore = NoopCountStore{}

func (NoopCountStore) IncrementWindow(ctx context.Context, name, val string, windowStart gatekeeper.Instant, ttl time.Duration) (int, error) {
	return 0, ErrUnavailable
}

func (NoopCountStore) Ping(ctx context.Context) error {
	return ErrUnavailable
}
