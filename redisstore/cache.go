package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/medimate/medimate-go"
)

const scanBatch = 100

// Cache implements medimate.Cache on redis. Entries expire natively; the
// cache interface has no error returns, so redis failures are logged and
// treated as misses.
type Cache struct {
	rdb    redis.UniversalClient
	prefix string
	logger medimate.Logger
}

// NewCache returns a cache storing entries under prefix+"cache:".
func NewCache(rdb redis.UniversalClient, prefix string, logger medimate.Logger) *Cache {
	if rdb == nil {
		panic("redis client cannot be nil in NewCache")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = medimate.NopLogger{}
	}
	return &Cache{rdb: rdb, prefix: prefix + "cache:", logger: logger}
}

// Get implements medimate.Cache.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	val, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.Error("Failed to read cached response", "key", key, "error", err.Error())
		return nil, false
	}
	return json.RawMessage(val), true
}

// Set implements medimate.Cache.
func (c *Cache) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := c.rdb.Set(ctx, c.prefix+key, []byte(value), ttl).Err(); err != nil {
		c.logger.Error("Failed to cache response", "key", key, "error", err.Error())
	}
}

// Invalidate implements medimate.Cache.
func (c *Cache) Invalidate(ctx context.Context, match func(key string) bool) int {
	var doomed []string
	c.scan(ctx, func(full string) {
		if match(strings.TrimPrefix(full, c.prefix)) {
			doomed = append(doomed, full)
		}
	})
	return c.del(ctx, doomed)
}

// Clear implements medimate.Cache.
func (c *Cache) Clear(ctx context.Context) {
	var all []string
	c.scan(ctx, func(full string) {
		all = append(all, full)
	})
	c.del(ctx, all)
}

// Len implements medimate.Cache. It scans the whole prefix, so it is meant
// for tests and diagnostics rather than the request path.
func (c *Cache) Len() int {
	n := 0
	c.scan(context.Background(), func(string) { n++ })
	return n
}

func (c *Cache) scan(ctx context.Context, fn func(key string)) {
	iter := c.rdb.Scan(ctx, 0, c.prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		fn(iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.Error("Failed to scan cached responses", "error", err.Error())
	}
}

func (c *Cache) del(ctx context.Context, keys []string) int {
	if len(keys) == 0 {
		return 0
	}
	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		c.logger.Error("Failed to delete cached responses", "count", len(keys), "error", err.Error())
		return 0
	}
	return int(n)
}
