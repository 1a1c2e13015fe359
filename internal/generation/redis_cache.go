package generation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "genreply:"

// redisAPI is the subset of *redis.Client used by RedisCache.
type redisAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisCache shares generated replies between engine instances. Entries
// expire server-side.
type RedisCache struct {
	rdb    redisAPI
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisCache(rdb redisAPI, ttl time.Duration, logger *slog.Logger) (*RedisCache, error) {
	if rdb == nil {
		return nil, errors.New("generation: redis client must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{rdb: rdb, ttl: ttl, logger: logger}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.rdb.Get(ctx, redisKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		c.logger.Warn("reply cache read failed", "key", key, "err", err)
		return "", false
	}
	return val, true
}

func (c *RedisCache) Set(ctx context.Context, key, value string) {
	if err := c.rdb.Set(ctx, redisKeyPrefix+key, value, c.ttl).Err(); err != nil {
		c.logger.Warn("reply cache write failed", "key", key, "err", err)
	}
}
