package countstore

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/splshield/splguard/gatekeeper"
)

type memCounter struct {
	count   int
	expires time.Time
}

// In-process counters, for single-instance deployments and tests. Increments are atomic per key.
type MemCountStore struct {
	Counts *xsync.MapOf[string, memCounter]
	// for tests; defaults to time.Now
	Clock func() time.Time
}

var _ CountStore = (*MemCountStore)(nil)

func NewMemCountStore() *MemCountStore {
	return &MemCountStore{
		Counts: xsync.NewMapOf[string, memCounter](),
		Clock:  time.Now,
	}
}

func (s *MemCountStore) IncrementWindow(ctx context.Context, name, val string, windowStart gatekeeper.Instant, ttl time.Duration) (int, error) {
	now := s.Clock()
	k := windowBucket(name, val, windowStart)
	v, _ := s.Counts.Compute(k, func(old memCounter, loaded bool) (memCounter, bool) {
		if !loaded || !now.Before(old.expires) {
			return memCounter{count: 1, expires: now.Add(ttl)}, false
		}
		old.count++
		return old, false
	})
	return v.count, nil
}

// Sweep drops expired counters. The rate limiter's janitor calls this alongside the durable purge.
func (s *MemCountStore) Sweep() int {
	now := s.Clock()
	dropped := 0
	s.Counts.Range(func(k string, v memCounter) bool {
		if !now.Before(v.expires) {
			s.Counts.Delete(k)
			dropped++
		}
		return true
	})
	return dropped
}

func (s *MemCountStore) Ping(ctx context.Context) error {
	return nil
}
