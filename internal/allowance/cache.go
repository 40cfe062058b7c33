package allowance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wrapbridge/engine/internal/types"
)

// Cache stores allowance reads for a short TTL
type Cache interface {
	Get(ctx context.Context, key string) (types.AllowanceRecord, bool, error)
	Set(ctx context.Context, key string, rec types.AllowanceRecord, ttl time.Duration) error
}

type cacheEntry struct {
	rec     types.AllowanceRecord
	expires time.Time
}

// MemoryCache is a process-local Cache
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]cacheEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) (types.AllowanceRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return types.AllowanceRecord{}, false, nil
	}
	if !c.now().Before(entry.expires) {
		delete(c.entries, key)
		return types.AllowanceRecord{}, false, nil
	}
	return entry.rec, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, rec types.AllowanceRecord, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{rec: rec, expires: c.now().Add(ttl)}
	return nil
}

// RedisCache shares allowance reads between bridge instances
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client, prefix: "bridge:allowance:"}
}

func (c *RedisCache) Get(ctx context.Context, key string) (types.AllowanceRecord, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.AllowanceRecord{}, false, nil
	}
	if err != nil {
		return types.AllowanceRecord{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var rec types.AllowanceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return types.AllowanceRecord{}, false, fmt.Errorf("decode cached allowance: %w", err)
	}
	return rec, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, rec types.AllowanceRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode allowance: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}
