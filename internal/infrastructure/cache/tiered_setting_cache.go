package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/erp/docnumber/internal/domain/docnumber"
	"go.uber.org/zap"
)

// TieredSettingCache implements a two-tier caching strategy
// L1: Local in-memory cache (fast, but local to instance)
// L2: Redis cache (slower, but shared across instances)
// Reads go L1 then L2 and refill L1 on an L2 hit.
type TieredSettingCache struct {
	l1     *InMemorySettingCache
	l2     docnumber.SettingCache
	config docnumber.CacheConfig
	logger *zap.Logger

	l2Hits   int64
	l2Misses int64
	l2Errors int64
}

// TieredSettingCacheOption is a functional option for configuring the cache
type TieredSettingCacheOption func(*TieredSettingCache)

// WithTieredConfig sets the cache configuration
func WithTieredConfig(config docnumber.CacheConfig) TieredSettingCacheOption {
	return func(c *TieredSettingCache) {
		c.config = config
	}
}

// WithTieredLogger sets the logger for the cache
func WithTieredLogger(logger *zap.Logger) TieredSettingCacheOption {
	return func(c *TieredSettingCache) {
		c.logger = logger
	}
}

// NewTieredSettingCache creates a new tiered setting cache
func NewTieredSettingCache(l1 *InMemorySettingCache, l2 docnumber.SettingCache, opts ...TieredSettingCacheOption) *TieredSettingCache {
	c := &TieredSettingCache{
		l1:     l1,
		l2:     l2,
		config: docnumber.DefaultCacheConfig(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get retrieves a setting (L1 -> L2). An unreachable L2 counts as a miss so
// the caller falls through to storage.
func (c *TieredSettingCache) Get(ctx context.Context, key string) (*docnumber.CachedSetting, error) {
	if v, _ := c.l1.Get(ctx, key); v != nil {
		return v, nil
	}

	v, err := c.l2.Get(ctx, key)
	if err != nil {
		atomic.AddInt64(&c.l2Errors, 1)
		c.logger.Warn("L2 cache error", zap.String("key", key), zap.Error(err))
		return nil, nil
	}
	if v == nil {
		atomic.AddInt64(&c.l2Misses, 1)
		return nil, nil
	}

	atomic.AddInt64(&c.l2Hits, 1)
	_ = c.l1.Set(ctx, key, *v, c.config.L1TTL)
	return v, nil
}

// Set stores a setting in both tiers
func (c *TieredSettingCache) Set(ctx context.Context, key string, value docnumber.CachedSetting, ttl time.Duration) error {
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		atomic.AddInt64(&c.l2Errors, 1)
		c.logger.Warn("Failed to set L2 cache", zap.String("key", key), zap.Error(err))
	}
	return c.l1.Set(ctx, key, value, c.config.L1TTL)
}

// Delete removes a setting from both tiers
func (c *TieredSettingCache) Delete(ctx context.Context, key string) error {
	_ = c.l1.Delete(ctx, key)
	return c.l2.Delete(ctx, key)
}

// InvalidateAll clears both tiers
func (c *TieredSettingCache) InvalidateAll(ctx context.Context) error {
	_ = c.l1.InvalidateAll(ctx)
	return c.l2.InvalidateAll(ctx)
}

// InvalidateLocal clears only L1. Used when another instance already cleared L2.
func (c *TieredSettingCache) InvalidateLocal(ctx context.Context, key string) error {
	if key == "" {
		return c.l1.InvalidateAll(ctx)
	}
	return c.l1.Delete(ctx, key)
}

// Close releases both tiers
func (c *TieredSettingCache) Close() error {
	_ = c.l1.Close()
	return c.l2.Close()
}

// Stats returns L1 statistics with L2 hits counted as hits
func (c *TieredSettingCache) Stats() docnumber.CacheStats {
	stats := c.l1.Stats()
	l2Hits := atomic.LoadInt64(&c.l2Hits)
	stats.Hits += l2Hits
	stats.Misses -= l2Hits
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRatio = float64(stats.Hits) / float64(total)
	}
	return stats
}

// L2Errors returns how many L2 operations failed
func (c *TieredSettingCache) L2Errors() int64 {
	return atomic.LoadInt64(&c.l2Errors)
}

// Ensure TieredSettingCache implements SettingCache
var _ docnumber.SettingCache = (*TieredSettingCache)(nil)
