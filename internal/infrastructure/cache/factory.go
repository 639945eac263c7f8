package cache

import (
	"fmt"

	"github.com/erp/docnumber/internal/domain/docnumber"
	"github.com/erp/docnumber/internal/infrastructure/config"
	"go.uber.org/zap"
)

// SettingCacheFactory creates the setting cache and invalidator based on configuration
type SettingCacheFactory struct {
	redisConfig           config.RedisConfig
	cacheConfig           docnumber.CacheConfig
	logger                *zap.Logger
	allowInMemoryFallback bool
}

// SettingCacheFactoryOption is a functional option for configuring the factory
type SettingCacheFactoryOption func(*SettingCacheFactory)

// WithLogger sets the logger for the factory and the caches it builds
func WithLogger(logger *zap.Logger) SettingCacheFactoryOption {
	return func(f *SettingCacheFactory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether to fall back to an in-memory cache when Redis is unavailable.
// Default is true.
func WithInMemoryFallback(allow bool) SettingCacheFactoryOption {
	return func(f *SettingCacheFactory) {
		f.allowInMemoryFallback = allow
	}
}

// WithFactoryCacheConfig sets TTLs, key prefix and channel
func WithFactoryCacheConfig(cfg docnumber.CacheConfig) SettingCacheFactoryOption {
	return func(f *SettingCacheFactory) {
		f.cacheConfig = cfg
	}
}

// NewSettingCacheFactory creates a new factory
func NewSettingCacheFactory(cfg config.RedisConfig, opts ...SettingCacheFactoryOption) *SettingCacheFactory {
	f := &SettingCacheFactory{
		redisConfig:           cfg,
		cacheConfig:           docnumber.DefaultCacheConfig(),
		logger:                zap.NewNop(),
		allowInMemoryFallback: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CacheConfigFrom derives the cache configuration from the allocator settings
func CacheConfigFrom(cfg config.DocNumberConfig) docnumber.CacheConfig {
	cc := docnumber.DefaultCacheConfig()
	if cfg.SettingCacheTTL > 0 {
		cc.L1TTL = cfg.SettingCacheTTL
	}
	if cfg.InvalidationChannel != "" {
		cc.PubSubChannel = cfg.InvalidationChannel
	}
	return cc
}

// CreateInMemoryCache creates a process-local cache.
// Instances do not see each other's setting changes until the TTL expires.
func (f *SettingCacheFactory) CreateInMemoryCache() *InMemorySettingCache {
	return NewInMemorySettingCache(
		WithInMemoryConfig(f.cacheConfig),
		WithInMemoryLogger(f.logger),
	)
}

// CreateRedisCache creates a tiered L1/L2 cache and a Pub/Sub invalidator sharing one Redis client
func (f *SettingCacheFactory) CreateRedisCache() (*TieredSettingCache, *RedisSettingInvalidator, error) {
	l2, err := NewRedisSettingCache(RedisConfig{
		Host:     f.redisConfig.Host,
		Port:     f.redisConfig.Port,
		Password: f.redisConfig.Password,
		DB:       f.redisConfig.DB,
	}, WithCacheConfig(f.cacheConfig), WithCacheLogger(f.logger))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Redis setting cache: %w", err)
	}

	invalidator := NewRedisSettingInvalidatorWithClient(l2.GetClient(),
		WithInvalidatorChannel(f.cacheConfig.PubSubChannel),
		WithInvalidatorLogger(f.logger))

	tiered := NewTieredSettingCache(f.CreateInMemoryCache(), l2,
		WithTieredConfig(f.cacheConfig),
		WithTieredLogger(f.logger))
	return tiered, invalidator, nil
}

// Create returns the cache and, when Redis is in use, its invalidator.
// With Redis disabled or unreachable it falls back to an in-memory cache and a nil
// invalidator, unless fallback is disallowed.
func (f *SettingCacheFactory) Create(redisEnabled bool) (docnumber.SettingCache, docnumber.SettingInvalidator, error) {
	if !redisEnabled {
		f.logger.Info("using in-memory setting cache")
		return f.CreateInMemoryCache(), nil, nil
	}

	tiered, invalidator, err := f.CreateRedisCache()
	if err == nil {
		f.logger.Info("using Redis setting cache",
			zap.String("channel", f.cacheConfig.PubSubChannel))
		return tiered, invalidator, nil
	}

	if !f.allowInMemoryFallback {
		return nil, nil, fmt.Errorf("Redis required for setting cache but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to in-memory setting cache. "+
		"Setting changes reach other instances only after the cache TTL.",
		zap.Error(err),
	)
	return f.CreateInMemoryCache(), nil, nil
}
