package countstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/splshield/splguard/gatekeeper"
)

var redisWindowPrefix string = "window/"

type RedisCountStore struct {
	Client *redis.Client
}

var _ CountStore = (*RedisCountStore)(nil)

func NewRedisCountStore(redisURL string) (*RedisCountStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return NewRedisCountStoreFromClient(rdb), nil
}

// NewRedisCountStoreFromClient wraps an existing client. The caller keeps ownership of rdb.
func NewRedisCountStoreFromClient(rdb *redis.Client) *RedisCountStore {
	return &RedisCountStore{
		Client: rdb,
	}
}

func (s *RedisCountStore) IncrementWindow(ctx context.Context, name, val string, windowStart gatekeeper.Instant, ttl time.Duration) (int, error) {
	key := redisWindowPrefix + windowBucket(name, val, windowStart)

	// increment and set expiry in a single MULTI, so a counter can never be left without a TTL
	multi := s.Client.TxPipeline()
	incr := multi.Incr(ctx, key)
	multi.PExpire(ctx, key, ttl)
	if _, err := multi.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return int(incr.Val()), nil
}

func (s *RedisCountStore) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}
