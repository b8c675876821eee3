package registry

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache is a process-local Cache. It is only correct for a single
// gateway instance and is what the tests run against.
type MemoryCache struct {
	mu    sync.Mutex
	items *gocache.Cache
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items: gocache.New(gocache.NoExpiration, time.Minute),
	}
}

func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}

func (c *MemoryCache) SetIfAbsent(_ context.Context, namespace, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.items.Add(cacheKey(namespace, key), value, expiration(ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

func (c *MemoryCache) Set(_ context.Context, namespace, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items.Set(cacheKey(namespace, key), value, expiration(ttl))
	return nil
}

func (c *MemoryCache) Get(_ context.Context, namespace, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lookup(cacheKey(namespace, key))
}

func (c *MemoryCache) GetAndDelete(_ context.Context, namespace, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey(namespace, key)
	value, ok, _ := c.lookup(k)
	c.items.Delete(k)
	return value, ok, nil
}

func (c *MemoryCache) CompareAndDelete(_ context.Context, namespace, key, expected string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey(namespace, key)
	value, ok, _ := c.lookup(k)
	if !ok || value != expected {
		return false, nil
	}
	c.items.Delete(k)
	return true, nil
}

func (c *MemoryCache) Delete(_ context.Context, namespace, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items.Delete(cacheKey(namespace, key))
	return nil
}

func (c *MemoryCache) Exists(_ context.Context, namespace, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items.Get(cacheKey(namespace, key))
	return ok, nil
}

func (c *MemoryCache) Expire(_ context.Context, namespace, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey(namespace, key)
	value, ok, _ := c.lookup(k)
	if !ok {
		return false, nil
	}
	c.items.Set(k, value, expiration(ttl))
	return true, nil
}

// Close flushes all entries.
func (c *MemoryCache) Close() error {
	c.items.Flush()
	return nil
}

func (c *MemoryCache) lookup(k string) (string, bool, error) {
	raw, ok := c.items.Get(k)
	if !ok {
		return "", false, nil
	}
	value, _ := raw.(string)
	return value, true, nil
}
