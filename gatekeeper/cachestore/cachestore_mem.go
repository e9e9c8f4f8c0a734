package cachestore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type memEntry struct {
	val     string
	expires time.Time
}

// In-process store. The LRU's own TTL is an upper bound on retention; per-key expiry is checked on read.
type MemCacheStore struct {
	Data  *expirable.LRU[string, memEntry]
	Clock func() time.Time
}

var _ CacheStore = (*MemCacheStore)(nil)

func NewMemCacheStore(capacity int, maxTTL time.Duration) *MemCacheStore {
	return &MemCacheStore{
		Data:  expirable.NewLRU[string, memEntry](capacity, nil, maxTTL),
		Clock: time.Now,
	}
}

func (s *MemCacheStore) Get(ctx context.Context, name, key string) (string, error) {
	v, ok := s.Data.Get(name + "/" + key)
	if !ok {
		return "", nil
	}
	if !s.Clock().Before(v.expires) {
		s.Data.Remove(name + "/" + key)
		return "", nil
	}
	return v.val, nil
}

func (s *MemCacheStore) Set(ctx context.Context, name, key string, val string, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Purge(ctx, name, key)
	}
	s.Data.Add(name+"/"+key, memEntry{val: val, expires: s.Clock().Add(ttl)})
	return nil
}

func (s *MemCacheStore) Purge(ctx context.Context, name, key string) error {
	s.Data.Remove(name + "/" + key)
	return nil
}

func (s *MemCacheStore) Ping(ctx context.Context) error {
	return nil
}
