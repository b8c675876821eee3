package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// compareAndDelete removes KEYS[1] only if it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCache implements Cache on top of Redis so that every gateway
// instance sees the same connections and pending calls.
type RedisCache struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisCache wraps an existing client. keyPrefix is prepended to every key.
func NewRedisCache(client redis.UniversalClient, keyPrefix string) *RedisCache {
	return &RedisCache{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// DialRedisCache connects to addr and verifies the connection with a PING.
func DialRedisCache(ctx context.Context, addr, password string, db int, keyPrefix string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrCacheUnavailable, addr, err)
	}
	return NewRedisCache(client, keyPrefix), nil
}

func (c *RedisCache) key(namespace, key string) string {
	if c.keyPrefix == "" {
		return cacheKey(namespace, key)
	}
	return c.keyPrefix + ":" + cacheKey(namespace, key)
}

func (c *RedisCache) SetIfAbsent(ctx context.Context, namespace, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.key(namespace, key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (c *RedisCache) Set(ctx context.Context, namespace, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(namespace, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, c.key(namespace, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return value, true, nil
}

func (c *RedisCache) GetAndDelete(ctx context.Context, namespace, key string) (string, bool, error) {
	value, err := c.client.GetDel(ctx, c.key(namespace, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis getdel: %w", err)
	}
	return value, true, nil
}

func (c *RedisCache) CompareAndDelete(ctx context.Context, namespace, key, expected string) (bool, error) {
	deleted, err := compareAndDelete.Run(ctx, c.client, []string{c.key(namespace, key)}, expected).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis compare and delete: %w", err)
	}
	return deleted > 0, nil
}

func (c *RedisCache) Delete(ctx context.Context, namespace, key string) error {
	if err := c.client.Del(ctx, c.key(namespace, key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (c *RedisCache) Exists(ctx context.Context, namespace, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(namespace, key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (c *RedisCache) Expire(ctx context.Context, namespace, key string, ttl time.Duration) (bool, error) {
	k := c.key(namespace, key)
	var (
		ok  bool
		err error
	)
	if ttl <= 0 {
		ok, err = c.client.Persist(ctx, k).Result()
		if err == nil && !ok {
			// PERSIST reports false for keys without a ttl too.
			ok, err = c.Exists(ctx, namespace, key)
		}
	} else {
		ok, err = c.client.PExpire(ctx, k, ttl).Result()
	}
	if err != nil {
		return false, fmt.Errorf("redis expire: %w", err)
	}
	return ok, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
