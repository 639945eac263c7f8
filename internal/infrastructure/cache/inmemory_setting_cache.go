package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erp/docnumber/internal/domain/docnumber"
	"go.uber.org/zap"
)

const (
	defaultCleanupInterval = 30 * time.Second
)

// InMemorySettingCache implements SettingCache using in-memory storage.
// It is the L1 tier in front of Redis, and the whole cache when Redis is off.
type InMemorySettingCache struct {
	entries         sync.Map // map[string]*cacheEntry
	config          docnumber.CacheConfig
	logger          *zap.Logger
	cleanupInterval time.Duration
	now             func() time.Time
	stopCh          chan struct{}
	stopped         int32

	hits      int64
	misses    int64
	evictions int64
}

// cacheEntry wraps a cached value with expiration time
type cacheEntry struct {
	value     docnumber.CachedSetting
	expiresAt time.Time
}

// InMemorySettingCacheOption is a functional option for configuring the cache
type InMemorySettingCacheOption func(*InMemorySettingCache)

// WithInMemoryConfig sets the cache configuration
func WithInMemoryConfig(config docnumber.CacheConfig) InMemorySettingCacheOption {
	return func(c *InMemorySettingCache) {
		c.config = config
	}
}

// WithInMemoryLogger sets the logger for the cache
func WithInMemoryLogger(logger *zap.Logger) InMemorySettingCacheOption {
	return func(c *InMemorySettingCache) {
		c.logger = logger
	}
}

// WithCleanupInterval sets how often expired entries are swept
func WithCleanupInterval(d time.Duration) InMemorySettingCacheOption {
	return func(c *InMemorySettingCache) {
		c.cleanupInterval = d
	}
}

// WithClock overrides the clock used for expiry
func WithClock(now func() time.Time) InMemorySettingCacheOption {
	return func(c *InMemorySettingCache) {
		c.now = now
	}
}

// NewInMemorySettingCache creates a new in-memory setting cache and starts
// its cleanup goroutine. Call Close to stop it.
func NewInMemorySettingCache(opts ...InMemorySettingCacheOption) *InMemorySettingCache {
	c := &InMemorySettingCache{
		config:          docnumber.DefaultCacheConfig(),
		logger:          zap.NewNop(),
		cleanupInterval: defaultCleanupInterval,
		now:             time.Now,
		stopCh:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	go c.cleanupExpired()

	return c
}

// Get retrieves a setting from cache
func (c *InMemorySettingCache) Get(ctx context.Context, key string) (*docnumber.CachedSetting, error) {
	if value, ok := c.entries.Load(key); ok {
		entry := value.(*cacheEntry)
		if c.now().Before(entry.expiresAt) {
			atomic.AddInt64(&c.hits, 1)
			v := entry.value
			return &v, nil
		}
		if c.entries.CompareAndDelete(key, value) {
			atomic.AddInt64(&c.evictions, 1)
		}
	}

	atomic.AddInt64(&c.misses, 1)
	c.logger.Debug("L1 cache miss for setting", zap.String("key", key))
	return nil, nil
}

// Set stores a setting in cache
func (c *InMemorySettingCache) Set(ctx context.Context, key string, value docnumber.CachedSetting, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.config.L1TTL
	}
	c.entries.Store(key, &cacheEntry{
		value:     value,
		expiresAt: c.now().Add(ttl),
	})
	return nil
}

// Delete removes a setting from cache
func (c *InMemorySettingCache) Delete(ctx context.Context, key string) error {
	c.entries.Delete(key)
	c.logger.Debug("Deleted setting from L1 cache", zap.String("key", key))
	return nil
}

// InvalidateAll removes all cached settings
func (c *InMemorySettingCache) InvalidateAll(ctx context.Context) error {
	c.entries.Range(func(key, _ any) bool {
		c.entries.Delete(key)
		return true
	})
	c.logger.Info("Invalidated all L1 setting cache")
	return nil
}

// Close stops the cleanup goroutine
func (c *InMemorySettingCache) Close() error {
	if atomic.CompareAndSwapInt32(&c.stopped, 0, 1) {
		close(c.stopCh)
	}
	return nil
}

// Stats returns cache statistics
func (c *InMemorySettingCache) Stats() docnumber.CacheStats {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	stats := docnumber.CacheStats{
		Hits:      hits,
		Misses:    misses,
		Evictions: atomic.LoadInt64(&c.evictions),
		Entries:   int64(c.Count()),
	}
	if total := hits + misses; total > 0 {
		stats.HitRatio = float64(hits) / float64(total)
	}
	return stats
}

// ResetStats resets the cache statistics
func (c *InMemorySettingCache) ResetStats() {
	atomic.StoreInt64(&c.hits, 0)
	atomic.StoreInt64(&c.misses, 0)
	atomic.StoreInt64(&c.evictions, 0)
}

// Count returns the number of entries in the cache, expired ones included
func (c *InMemorySettingCache) Count() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// cleanupExpired periodically removes expired entries from the cache
func (c *InMemorySettingCache) cleanupExpired() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.logger.Error("Panic in cache cleanup",
							zap.Any("panic", r))
					}
				}()
				c.doCleanup()
			}()
		}
	}
}

// doCleanup removes expired entries
func (c *InMemorySettingCache) doCleanup() {
	now := c.now()
	removed := 0
	c.entries.Range(func(key, value any) bool {
		if !now.Before(value.(*cacheEntry).expiresAt) && c.entries.CompareAndDelete(key, value) {
			removed++
		}
		return true
	})

	if removed > 0 {
		atomic.AddInt64(&c.evictions, int64(removed))
		c.logger.Debug("Cleaned up expired L1 cache entries",
			zap.Int("removed", removed))
	}
}

// Ensure InMemorySettingCache implements SettingCache
var _ docnumber.SettingCache = (*InMemorySettingCache)(nil)
