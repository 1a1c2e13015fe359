package generation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"clinic-assistant/internal/domain"
)

func TestCacheKey(t *testing.T) {
	msgs := []domain.ChatMessage{{Role: "user", Content: "a"}, {Role: "assistant", Content: "b"}}
	require.Equal(t, CacheKey("t", msgs), CacheKey("t", msgs))
	require.NotEqual(t, CacheKey("t", msgs), CacheKey("u", msgs))
	require.NotEqual(t, CacheKey("t", msgs), CacheKey("t", msgs[:1]))
}

func TestMemoryCache_CapacityEvictsStaleThenOldest(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache(WithCapacity(2), WithTTL(time.Minute), WithCacheClock(func() time.Time { return now }))
	ctx := context.Background()

	c.Set(ctx, "a", "1")
	now = now.Add(10 * time.Second)
	c.Set(ctx, "b", "2")
	now = now.Add(10 * time.Second)
	c.Set(ctx, "c", "3")
	require.Equal(t, 2, c.Len())
	_, ok := c.Get(ctx, "a")
	require.False(t, ok)

	now = now.Add(55 * time.Second)
	c.Set(ctx, "d", "4")
	require.Equal(t, 2, c.Len())
	v, ok := c.Get(ctx, "c")
	require.True(t, ok)
	require.Equal(t, "3", v)
}

func TestMemoryCache_Sweep(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache(WithTTL(time.Minute), WithCacheClock(func() time.Time { return now }))
	c.Set(context.Background(), "a", "1")
	c.Set(context.Background(), "b", "2")
	now = now.Add(time.Minute)
	require.Equal(t, 2, c.Sweep())
	require.Zero(t, c.Len())
}

type fakeRedis struct {
	store  map[string]string
	getErr error
	setErr error
	ttl    time.Duration
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.store[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.store[key] = value.(string)
	f.ttl = expiration
	return redis.NewStatusResult("OK", nil)
}

func TestRedisCache(t *testing.T) {
	fr := &fakeRedis{store: map[string]string{}}
	c, err := NewRedisCache(fr, 0, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, ok := c.Get(ctx, "k")
	require.False(t, ok)

	c.Set(ctx, "k", "v")
	require.Equal(t, "v", fr.store[redisKeyPrefix+"k"])
	require.Equal(t, DefaultCacheTTL, fr.ttl)

	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, "v", v)

	fr.getErr = errors.New("conn reset")
	_, ok = c.Get(ctx, "k")
	require.False(t, ok)

	fr.setErr = errors.New("readonly")
	c.Set(ctx, "k2", "v2")
	_, exists := fr.store[redisKeyPrefix+"k2"]
	require.False(t, exists)
}

func TestNewRedisCache_NilClient(t *testing.T) {
	_, err := NewRedisCache(nil, time.Minute, nil)
	require.Error(t, err)
}
