package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/splshield/splguard/gatekeeper"
	"github.com/splshield/splguard/gatekeeper/countstore"
)

var ErrInvalidPolicy = errors.New("invalid rate limit policy")

// Durable side of the rate limiter. Implemented by *store.Store.
type WindowStore interface {
	IncrementWindow(ctx context.Context, bucket string, windowStart, expiresAt gatekeeper.Instant) (int, error)
	PurgeExpiredWindows(ctx context.Context, now gatekeeper.Instant) (int64, error)
}

type Result struct {
	Allowed bool
	// Count within the current window, including this call.
	Count int
	// Only set when not Allowed. Always positive.
	RetryAfter  time.Duration
	WindowStart gatekeeper.Instant
}

// Limiter counts actions per (subject, action class) in fixed windows aligned to the unix epoch, so every subject shares the same window boundaries.
//
// The counter cache is tried first. If it is absent or fails, the call degrades to the durable store; the two paths yield the same decisions.
type Limiter struct {
	Counts countstore.CountStore
	Store  WindowStore
	Logger *slog.Logger
	// for tests; defaults to time.Now
	Clock func() time.Time

	degradedLog rate.Sometimes
}

func NewLimiter(counts countstore.CountStore, store WindowStore, logger *slog.Logger) *Limiter {
	if counts == nil {
		counts = countstore.NoopCountStore{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		Counts:      counts,
		Store:       store,
		Logger:      logger.With("component", "ratelimit"),
		Clock:       time.Now,
		degradedLog: rate.Sometimes{Interval: time.Minute},
	}
}

func (l *Limiter) now() time.Time {
	if l.Clock == nil {
		return time.Now()
	}
	return l.Clock()
}

// windowStart aligns now to the start of its window, floor(now / window) * window, in epoch milliseconds.
func windowStart(now gatekeeper.Instant, window time.Duration) gatekeeper.Instant {
	w := window.Milliseconds()
	ms := int64(now)
	start := ms - ms%w
	if ms < 0 && ms%w != 0 {
		start -= w
	}
	return gatekeeper.Instant(start)
}

// CheckAndRecord counts one action by subject in actionClass and reports whether it stays within maxCount for the current window.
//
// Counter cache errors are never returned; durable store errors are returned wrapping gatekeeper.ErrStoreUnavailable.
func (l *Limiter) CheckAndRecord(ctx context.Context, subject gatekeeper.Subject, actionClass string, window time.Duration, maxCount int) (Result, error) {
	if window.Milliseconds() <= 0 || maxCount < 0 {
		return Result{}, fmt.Errorf("%w: window=%s max=%d", ErrInvalidPolicy, window, maxCount)
	}

	now := gatekeeper.InstantOf(l.now())
	start := windowStart(now, window)
	end := start.Add(window)

	count, err := l.Counts.IncrementWindow(ctx, actionClass, subject.Key(), start, window)
	if err != nil {
		fastPathFallbacks.Inc()
		l.degradedLog.Do(func() {
			l.Logger.Warn("counter cache unavailable, rate limiting against durable store", "err", err)
		})
		count, err = l.Store.IncrementWindow(ctx, bucket(actionClass, subject), start, end)
		if err != nil {
			decisionCount.WithLabelValues(actionClass, "error").Inc()
			return Result{}, fmt.Errorf("rate limit %s for %s: %w", actionClass, subject, err)
		}
	}

	res := Result{
		Allowed:     count <= maxCount,
		Count:       count,
		WindowStart: start,
	}
	if res.Allowed {
		decisionCount.WithLabelValues(actionClass, "allowed").Inc()
		return res, nil
	}
	res.RetryAfter = end.Sub(now)
	decisionCount.WithLabelValues(actionClass, "denied").Inc()
	l.Logger.Debug("rate limited", "subject", subject.Key(), "class", actionClass, "count", count, "retryAfter", res.RetryAfter)
	return res, nil
}

// Check applies a configured Policy.
func (l *Limiter) Check(ctx context.Context, subject gatekeeper.Subject, actionClass string, p Policy) (Result, error) {
	return l.CheckAndRecord(ctx, subject, actionClass, p.Window, p.Max)
}

// PurgeExpired deletes durable windows which have closed, and sweeps in-process counters if that is the configured cache.
func (l *Limiter) PurgeExpired(ctx context.Context) (int64, error) {
	now := gatekeeper.InstantOf(l.now())
	if mem, ok := l.Counts.(*countstore.MemCountStore); ok {
		mem.Sweep()
	}
	n, err := l.Store.PurgeExpiredWindows(ctx, now)
	if err != nil {
		return 0, err
	}
	windowsPurged.Add(float64(n))
	return n, nil
}

func bucket(actionClass string, subject gatekeeper.Subject) string {
	return actionClass + "/" + subject.Key()
}
