package docnumber

import (
	"context"
	"time"
)

// CachedSetting is a cached lookup result. Missing settings are cached too
// so a deployment without overrides does not query storage on every call.
type CachedSetting struct {
	Value string `json:"value"`
	Found bool   `json:"found"`
}

// SettingCache caches setting lookups.
//
// The cache operates in tiers:
// - L1: local in-memory cache per process
// - L2: optional Redis cache shared by all instances
// - storage is the source of truth
//
// Cache keys are the setting keys.
type SettingCache interface {
	// Get returns nil, nil on a cache miss.
	Get(ctx context.Context, key string) (*CachedSetting, error)

	// Set stores an entry. If ttl is 0 the implementation default is used.
	Set(ctx context.Context, key string, value CachedSetting, ttl time.Duration) error

	// Delete removes an entry
	Delete(ctx context.Context, key string) error

	// InvalidateAll removes every entry
	InvalidateAll(ctx context.Context) error

	// Close releases any resources held by the cache.
	Close() error
}

// InvalidationAction is the kind of a setting invalidation message
type InvalidationAction string

const (
	// InvalidationActionUpdated indicates a setting was written
	InvalidationActionUpdated InvalidationAction = "updated"
	// InvalidationActionInvalidateAll indicates every cached setting is stale
	InvalidationActionInvalidateAll InvalidationAction = "invalidate_all"
)

// InvalidationMessage notifies other instances that cached settings are stale
type InvalidationMessage struct {
	Action    InvalidationAction `json:"action"`
	Key       string             `json:"key,omitempty"`
	Source    string             `json:"source,omitempty"`
	Timestamp int64              `json:"timestamp"`
}

// SettingInvalidator broadcasts setting invalidations between instances
type SettingInvalidator interface {
	// Publish sends an invalidation to all subscribers.
	Publish(ctx context.Context, msg InvalidationMessage) error

	// Subscribe blocks, invoking callback for every received message,
	// until ctx is cancelled or the invalidator is closed.
	Subscribe(ctx context.Context, callback func(msg InvalidationMessage)) error

	// Close releases any resources held by the invalidator.
	Close() error
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Entries   int64   `json:"entries"`
	HitRatio  float64 `json:"hit_ratio"`
}

// CacheConfig holds configuration for the setting cache
type CacheConfig struct {
	// L1TTL is the TTL for the local in-memory cache
	L1TTL time.Duration
	// L2TTL is the TTL for the shared Redis cache
	L2TTL time.Duration
	// KeyPrefix namespaces setting entries in Redis
	KeyPrefix string
	// PubSubChannel is the Redis channel for invalidation messages
	PubSubChannel string
}

// DefaultCacheConfig returns the default cache configuration
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		L1TTL:         30 * time.Second,
		L2TTL:         5 * time.Minute,
		KeyPrefix:     "docnumber:setting:",
		PubSubChannel: "docnumber:settings:updates",
	}
}
