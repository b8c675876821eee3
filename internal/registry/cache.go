package registry

import (
	"context"
	"errors"
	"time"
)

// ErrCacheUnavailable is returned when the backing store cannot be reached.
var ErrCacheUnavailable = errors.New("cache unavailable")

// Cache is the shared key-value store every gateway instance talks to.
// Keys live inside a namespace. A ttl of zero means the entry never expires.
//
// SetIfAbsent, GetAndDelete and CompareAndDelete must be atomic across
// processes: the single-flight call guard and the single-session rule
// both depend on it.
type Cache interface {
	// SetIfAbsent stores value only when no live entry exists and reports whether it did.
	SetIfAbsent(ctx context.Context, namespace, key, value string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, namespace, key, value string, ttl time.Duration) error
	// Get returns the value and whether a live entry was found.
	Get(ctx context.Context, namespace, key string) (string, bool, error)
	// GetAndDelete removes the entry and returns what it held.
	GetAndDelete(ctx context.Context, namespace, key string) (string, bool, error)
	// CompareAndDelete removes the entry only while it still holds expected.
	CompareAndDelete(ctx context.Context, namespace, key, expected string) (bool, error)
	Delete(ctx context.Context, namespace, key string) error
	Exists(ctx context.Context, namespace, key string) (bool, error)
	// Expire resets the ttl of a live entry. It reports false when the entry is gone.
	Expire(ctx context.Context, namespace, key string, ttl time.Duration) (bool, error)
	Close() error
}

func cacheKey(namespace, key string) string {
	return namespace + ":" + key
}
