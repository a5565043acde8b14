// Package cache implements the KeyValueCache external collaborator
// contract from SPEC_FULL.md §6/§11: atomic increment/TTL for rate-limit
// buckets and a distributed per-session lock for MemoryPipeline
// serialization, grounded on internal/orchestrator/dedupe.go's
// RedisDedupeStore (Get/Set+TTL) and internal/workspaces/redis_cache.go's
// AcquireCommitLock (SetNX-with-TTL).
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/manifold-run/gatewaycore/internal/gatewayconfig"
)

// Cache is the KeyValueCache contract. RateLimiter guards its Get/Set
// read-modify-write of token-bucket state with AcquireLock/ReleaseLock.
type Cache interface {
	// Incr atomically increments key by delta, setting ttl if the key was
	// just created, and returns the post-increment value.
	Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// AcquireLock is a SetNX-with-TTL mutual-exclusion primitive.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// Build selects a backend by cfg.Backend, falling back to an in-process
// cache in "inprocess" mode or when Redis is unreachable — mirroring §4.2's
// "on cache failure, fall back to an in-process bucket (open-circuit rather
// than deny)" requirement at the cache layer itself.
func Build(ctx context.Context, cfg gatewayconfig.CacheConfig) Cache {
	if cfg.Backend == "redis" && cfg.Addr != "" {
		if rc, err := NewRedisCache(ctx, cfg); err == nil {
			return rc
		}
	}
	return NewInProcessCache()
}

// RedisCache is a Redis-backed Cache.
type RedisCache struct {
	client redis.UniversalClient
}

func NewRedisCache(ctx context.Context, cfg gatewayconfig.CacheConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(cctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, "1", ttl).Result()
}

func (c *RedisCache) ReleaseLock(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// InProcessCache is the open-circuit fallback: a mutex-guarded map. It
// satisfies Cache's contract within a single process only — across
// instances it provides no coordination, which is acceptable per §4.2's
// "open-circuit rather than deny" degrade policy.
type InProcessCache struct {
	mu      sync.Mutex
	values  map[string]string
	expires map[string]time.Time
}

func NewInProcessCache() *InProcessCache {
	return &InProcessCache{values: map[string]string{}, expires: map[string]time.Time{}}
}

func (c *InProcessCache) expired(key string) bool {
	exp, ok := c.expires[key]
	return ok && time.Now().After(exp)
}

func (c *InProcessCache) Incr(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired(key) {
		delete(c.values, key)
		delete(c.expires, key)
	}
	cur := parseInt(c.values[key])
	cur += delta
	c.values[key] = itoa(cur)
	if _, ok := c.expires[key]; !ok {
		c.expires[key] = time.Now().Add(ttl)
	}
	return cur, nil
}

func (c *InProcessCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired(key) {
		delete(c.values, key)
		delete(c.expires, key)
		return "", false, nil
	}
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *InProcessCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	if ttl > 0 {
		c.expires[key] = time.Now().Add(ttl)
	} else {
		delete(c.expires, key)
	}
	return nil
}

func (c *InProcessCache) AcquireLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired(key) {
		delete(c.values, key)
		delete(c.expires, key)
	}
	if _, ok := c.values[key]; ok {
		return false, nil
	}
	c.values[key] = "1"
	c.expires[key] = time.Now().Add(ttl)
	return true, nil
}

func (c *InProcessCache) ReleaseLock(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	delete(c.expires, key)
	return nil
}

func parseInt(s string) int64 {
	var n int64
	neg := false
	for i, r := range s {
		if i == 0 && r == '-' {
			neg = true
			continue
		}
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int64(r-'0')
	}
	if neg {
		return -n
	}
	return n
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
