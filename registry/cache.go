package registry

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCacheMiss is returned by Cache.Get when the key is not present.
// Implementations map their backend's miss signal onto it.
var ErrCacheMiss = errors.New("registry: cache miss")

// Cache is the read-through cache used in front of the durable store.
// Values are serialized entries; keys are (module, tenant) derived.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type memoryCacheItem struct {
	value     string
	expiresAt time.Time
}

// MemoryCache is an in-process Cache with per-key TTL. It serves
// single-instance deployments and tests; multi-instance hosts use RedisCache.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memoryCacheItem
	now   func() time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items: make(map[string]memoryCacheItem),
		now:   time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, error) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return "", ErrCacheMiss
	}
	if !item.expiresAt.IsZero() && c.now().After(item.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return "", ErrCacheMiss
	}
	return item.value, nil
}

func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	item := memoryCacheItem{value: value}
	if ttl > 0 {
		item.expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	c.items[key] = item
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}
