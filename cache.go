package medimate

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// DefaultCacheTTL is how long a cached read stays valid.
const DefaultCacheTTL = 5 * time.Minute

// Cache stores envelope data of read requests keyed by request signature.
// Implementations must never return an entry older than its TTL.
type Cache interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool)
	Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration)
	// Invalidate removes every entry whose key satisfies match and returns
	// how many were removed.
	Invalidate(ctx context.Context, match func(key string) bool) int
	Clear(ctx context.Context)
	Len() int
}

// CacheEntry is a cached read result.
type CacheEntry struct {
	Value    json.RawMessage
	StoredAt time.Time
	TTL      time.Duration
}

// Expired reports whether the entry is no longer valid at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.Sub(e.StoredAt) >= e.TTL
}

const defaultCacheShards = 16

// InMemoryCache is a sharded in-process Cache. Expired entries are evicted
// lazily on read and swept from a shard whenever that shard is written.
type InMemoryCache struct {
	shards    []*cacheShard
	numShards int
	now       func() time.Time
}

type cacheShard struct {
	mu    sync.RWMutex
	store map[string]*CacheEntry
}

// NewInMemoryCache returns an empty in-memory cache.
func NewInMemoryCache() *InMemoryCache {
	shards := make([]*cacheShard, defaultCacheShards)
	for i := range shards {
		shards[i] = &cacheShard{
			store: make(map[string]*CacheEntry),
		}
	}
	return &InMemoryCache{
		shards:    shards,
		numShards: defaultCacheShards,
		now:       time.Now,
	}
}

func (c *InMemoryCache) getShard(key string) *cacheShard {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(key))
	return c.shards[hash.Sum32()%uint32(c.numShards)]
}

// Get returns the value stored under key if it has not expired.
func (c *InMemoryCache) Get(_ context.Context, key string) (json.RawMessage, bool) {
	shard := c.getShard(key)
	now := c.now()

	shard.mu.RLock()
	entry, exists := shard.store[key]
	shard.mu.RUnlock()

	if !exists {
		return nil, false
	}

	if entry.Expired(now) {
		shard.mu.Lock()
		if current, ok := shard.store[key]; ok && current.Expired(now) {
			delete(shard.store, key)
		}
		shard.mu.Unlock()
		return nil, false
	}

	return entry.Value, true
}

// Set stores value under key for ttl and sweeps expired entries of the shard.
func (c *InMemoryCache) Set(_ context.Context, key string, value json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	shard := c.getShard(key)
	now := c.now()

	shard.mu.Lock()
	defer shard.mu.Unlock()

	shard.store[key] = &CacheEntry{
		Value:    value,
		StoredAt: now,
		TTL:      ttl,
	}
	for k, entry := range shard.store {
		if entry.Expired(now) {
			delete(shard.store, k)
		}
	}
}

// Invalidate removes every entry whose key satisfies match.
func (c *InMemoryCache) Invalidate(_ context.Context, match func(key string) bool) int {
	removed := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		for key := range shard.store {
			if match(key) {
				delete(shard.store, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Clear removes all entries.
func (c *InMemoryCache) Clear(_ context.Context) {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.store = make(map[string]*CacheEntry)
		shard.mu.Unlock()
	}
}

// Len returns the number of stored entries, expired ones not yet evicted
// included.
func (c *InMemoryCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.store)
		shard.mu.RUnlock()
	}
	return total
}

// MatchEndpoint returns an Invalidate predicate that selects signatures whose
// path contains endpoint.
func MatchEndpoint(endpoint string) func(string) bool {
	return func(key string) bool {
		return strings.Contains(SignaturePath(key), endpoint)
	}
}

// Context keys for per-request overrides.
type contextKey string

const (
	cacheControlKey contextKey = "medimate_cache_control"
	noRetryKey      contextKey = "medimate_no_retry"
	noDedupKey      contextKey = "medimate_no_dedup"
)

// WithContextCacheDisabled makes a read skip the cache for both lookup and
// storage, forcing a network round trip.
func WithContextCacheDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheControlKey, false)
}

// WithContextNoRetry limits a call to a single attempt.
func WithContextNoRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRetryKey, true)
}

// WithContextNoDedup makes a read execute on its own instead of joining an
// identical in-flight read.
func WithContextNoDedup(ctx context.Context) context.Context {
	return context.WithValue(ctx, noDedupKey, true)
}

func cacheDisabled(ctx context.Context) bool {
	enabled, ok := ctx.Value(cacheControlKey).(bool)
	return ok && !enabled
}

func retryDisabled(ctx context.Context) bool {
	v, _ := ctx.Value(noRetryKey).(bool)
	return v
}

func dedupDisabled(ctx context.Context) bool {
	v, _ := ctx.Value(noDedupKey).(bool)
	return v
}
