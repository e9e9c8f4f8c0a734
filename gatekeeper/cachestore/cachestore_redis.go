package cachestore

import (
	"context"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

type RedisCacheStore struct {
	Client *redis.Client
	Data   *cache.Cache
}

var _ CacheStore = (*RedisCacheStore)(nil)

// localTTL bounds how long a value may be served from the in-process tier after redis has expired it. Callers must re-check any deadline they store.
func NewRedisCacheStore(redisURL string, localTTL time.Duration) (*RedisCacheStore, error) {
	ctx := context.Background()
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(ctx).Result()
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return NewRedisCacheStoreFromClient(rdb, localTTL), nil
}

// NewRedisCacheStoreFromClient wraps an existing client. The caller keeps ownership of rdb.
func NewRedisCacheStoreFromClient(rdb *redis.Client, localTTL time.Duration) *RedisCacheStore {
	data := cache.New(&cache.Options{
		Redis:      rdb,
		LocalCache: cache.NewTinyLFU(10_000, localTTL),
	})
	return &RedisCacheStore{
		Client: rdb,
		Data:   data,
	}
}

func redisCacheKey(name, key string) string {
	return "cache/" + name + "/" + key
}

func (s RedisCacheStore) Get(ctx context.Context, name, key string) (string, error) {
	var val string
	err := s.Data.Get(ctx, redisCacheKey(name, key), &val)
	if err == cache.ErrCacheMiss {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (s RedisCacheStore) Set(ctx context.Context, name, key string, val string, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Purge(ctx, name, key)
	}
	return s.Data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   redisCacheKey(name, key),
		Value: val,
		TTL:   ttl,
	})
}

func (s RedisCacheStore) Purge(ctx context.Context, name, key string) error {
	err := s.Data.Delete(ctx, redisCacheKey(name, key))
	if err == cache.ErrCacheMiss {
		return nil
	}
	return err
}

func (s RedisCacheStore) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}
