package countstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/splshield/splguard/gatekeeper"
)

func TestMemCountStoreBasics(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cs := NewMemCountStore()
	cs.Clock = func() time.Time { return now }
	w0 := gatekeeper.InstantOf(now)

	for i := 1; i <= 3; i++ {
		c, err := cs.IncrementWindow(ctx, "message", "1:2", w0, time.Minute)
		assert.NoError(err)
		assert.Equal(i, c)
	}

	// other subjects and windows are independent
	c, err := cs.IncrementWindow(ctx, "message", "1:3", w0, time.Minute)
	assert.NoError(err)
	assert.Equal(1, c)
	c, err = cs.IncrementWindow(ctx, "message", "1:2", w0.Add(time.Minute), time.Minute)
	assert.NoError(err)
	assert.Equal(1, c)

	// expiry resets the counter
	now = now.Add(2 * time.Minute)
	c, err = cs.IncrementWindow(ctx, "message", "1:2", w0, time.Minute)
	assert.NoError(err)
	assert.Equal(1, c)

	now = now.Add(2 * time.Minute)
	assert.Equal(3, cs.Sweep())
	assert.Equal(0, cs.Counts.Size())
}

func TestMemCountStoreConcurrent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs := NewMemCountStore()
	w0 := gatekeeper.Now()

	var wg sync.WaitGroup
	fnInc := func(val string, times int) {
		defer wg.Done()
		for i := 0; i < times; i++ {
			_, err := cs.IncrementWindow(ctx, "message", val, w0, time.Hour)
			assert.NoError(err)
			time.Sleep(time.Nanosecond)
		}
	}
	wg.Add(4)
	go fnInc("1:1", 10)
	go fnInc("1:1", 10)
	go fnInc("1:2", 6)
	go fnInc("1:2", 6)
	wg.Wait()

	c, err := cs.IncrementWindow(ctx, "message", "1:1", w0, time.Hour)
	assert.NoError(err)
	assert.Equal(21, c)
	c, err = cs.IncrementWindow(ctx, "message", "1:2", w0, time.Hour)
	assert.NoError(err)
	assert.Equal(13, c)
}

func TestNoopCountStore(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	var cs CountStore = NoopCountStore{}
	_, err := cs.IncrementWindow(ctx, "message", "1:1", gatekeeper.Now(), time.Minute)
	assert.ErrorIs(err, ErrUnavailable)
	assert.ErrorIs(cs.Ping(ctx), ErrUnavailable)
}

func TestRedisCountStoreSharedClient(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer rdb.Close()

	cs := NewRedisCountStoreFromClient(rdb)
	assert.Same(t, rdb, cs.Client)

	_, err := cs.IncrementWindow(context.Background(), "test", "1:1", gatekeeper.Now(), time.Second)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRedisCountStoreBasics(t *testing.T) {
	t.Skip("live test, need redis running locally")
	assert := assert.New(t)
	ctx := context.Background()

	cs, err := NewRedisCountStore("redis://localhost:6379/0")
	if err != nil {
		t.Fatal(err)
	}

	w0 := gatekeeper.Now()
	c, err := cs.IncrementWindow(ctx, "test", "1:1", w0, time.Second)
	assert.NoError(err)
	assert.Equal(1, c)
	c, err = cs.IncrementWindow(ctx, "test", "1:1", w0, time.Second)
	assert.NoError(err)
	assert.Equal(2, c)

	ttl, err := cs.Client.PTTL(ctx, redisWindowPrefix+windowBucket("test", "1:1", w0)).Result()
	assert.NoError(err)
	assert.True(ttl > 0 && ttl <= time.Second)
}
