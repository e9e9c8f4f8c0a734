package cachestore

import (
	"context"
	"errors"
	"time"
)

var ErrUnavailable = errors.New("cache store unavailable")

type CacheStore interface {
	// Returns "" (and no error) on a miss.
	Get(ctx context.Context, name, key string) (string, error)
	Set(ctx context.Context, name, key string, val string, ttl time.Duration) error
	Purge(ctx context.Context, name, key string) error
	Ping(ctx context.Context) error
}

// NoopCacheStore is the "absent" implementation: every read misses and every write reports ErrUnavailable.
type NoopCacheStore struct{}

var _ CacheStore = NoopCacheStore{}

func (NoopCacheStore) Get(ctx context.Context, name, key string) (string, error) {
	return "", nil
}

func (NoopCacheStore) Set(ctx context.Context, name, key string, val string, ttl time.Duration) error {
	return ErrUnavailable
}

func (NoopCacheStore) Purge(ctx context.Context, name, key string) error {
	return nil
}

func (NoopCacheStore) Ping(ctx context.Context) error {
	return ErrUnavailable
}
