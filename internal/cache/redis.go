package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultQueryTimeout = 500 * time.Millisecond
	keyPrefix           = "llm-relay:appkey:"
)

// RedisCache is a KeyCache shared by every replica through Redis. Redis
// enforces expiry with the native key TTL.
//
// App keys are stored as SHA-256 digests so raw client credentials never
// reach Redis.
//
// Redis failures degrade to a cache miss on Get; Set returns
// the error for the caller to log.
type RedisCache struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisCache wraps an existing client. The caller owns its lifecycle.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, queryTimeout: defaultQueryTimeout}
}

func (c *RedisCache) Get(ctx context.Context, appKey string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, redisKey(appKey)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "key_cache_get_error", slog.String("error", err.Error()))
		}
		return "", false
	}
	return val, true
}

// Set stores upstreamKey with a Redis TTL. A non-positive ttl stores nothing.
func (c *RedisCache) Set(ctx context.Context, appKey, upstreamKey string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, redisKey(appKey), upstreamKey, ttl).Err(); err != nil {
		return fmt.Errorf("cache: SET: %w", err)
	}
	return nil
}

func redisKey(appKey string) string {
	sum := sha256.Sum256([]byte(appKey))
	return keyPrefix + hex.EncodeToString(sum[:])
}
