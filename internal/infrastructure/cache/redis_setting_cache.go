package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/erp/docnumber/internal/domain/docnumber"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultScanBatchSize = 100
	defaultPingTimeout   = 5 * time.Second
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// newRedisClient opens a client and checks that the server answers
func newRedisClient(cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisSettingCache implements SettingCache using Redis. It is the L2 tier
// shared by every instance.
type RedisSettingCache struct {
	client     *redis.Client
	ownsClient bool
	config     docnumber.CacheConfig
	logger     *zap.Logger
}

// RedisSettingCacheOption is a functional option for configuring the cache
type RedisSettingCacheOption func(*RedisSettingCache)

// WithCacheConfig sets the cache configuration
func WithCacheConfig(config docnumber.CacheConfig) RedisSettingCacheOption {
	return func(c *RedisSettingCache) {
		c.config = config
	}
}

// WithCacheLogger sets the logger for the cache
func WithCacheLogger(logger *zap.Logger) RedisSettingCacheOption {
	return func(c *RedisSettingCache) {
		c.logger = logger
	}
}

// NewRedisSettingCache connects to Redis and creates a setting cache owning the client
func NewRedisSettingCache(cfg RedisConfig, opts ...RedisSettingCacheOption) (*RedisSettingCache, error) {
	client, err := newRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	c := NewRedisSettingCacheWithClient(client, opts...)
	c.ownsClient = true
	return c, nil
}

// NewRedisSettingCacheWithClient creates a cache with an existing Redis client.
// The caller retains ownership of the client.
func NewRedisSettingCacheWithClient(client *redis.Client, opts ...RedisSettingCacheOption) *RedisSettingCache {
	c := &RedisSettingCache{
		client: client,
		config: docnumber.DefaultCacheConfig(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisSettingCache) cacheKey(key string) string {
	return c.config.KeyPrefix + key
}

// Get retrieves a setting from Redis
func (c *RedisSettingCache) Get(ctx context.Context, key string) (*docnumber.CachedSetting, error) {
	cacheKey := c.cacheKey(key)

	data, err := c.client.Get(ctx, cacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting from cache: %w", err)
	}

	value, err := decodeCachedSetting(data)
	if err != nil {
		c.logger.Warn("Dropping corrupted cached setting",
			zap.String("key", key),
			zap.Error(err))
		_ = c.client.Del(ctx, cacheKey)
		return nil, nil
	}
	return value, nil
}

// Set stores a setting in Redis
func (c *RedisSettingCache) Set(ctx context.Context, key string, value docnumber.CachedSetting, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.config.L2TTL
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal setting: %w", err)
	}
	if err := c.client.Set(ctx, c.cacheKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set setting in cache: %w", err)
	}
	return nil
}

// Delete removes a setting from Redis
func (c *RedisSettingCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.cacheKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete setting from cache: %w", err)
	}
	return nil
}

// InvalidateAll removes every cached setting. SCAN avoids blocking Redis the way KEYS would.
func (c *RedisSettingCache) InvalidateAll(ctx context.Context) error {
	var cursor uint64
	var deleted int64

	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.config.KeyPrefix+"*", defaultScanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("failed to scan cache keys: %w", err)
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return fmt.Errorf("failed to delete cache keys: %w", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	c.logger.Info("Invalidated all setting cache", zap.Int64("deleted_count", deleted))
	return nil
}

// Close closes the client if the cache owns it
func (c *RedisSettingCache) Close() error {
	if c.ownsClient {
		return c.client.Close()
	}
	return nil
}

// GetClient returns the underlying Redis client
func (c *RedisSettingCache) GetClient() *redis.Client {
	return c.client
}

func decodeCachedSetting(data []byte) (*docnumber.CachedSetting, error) {
	var v docnumber.CachedSetting
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal setting: %w", err)
	}
	return &v, nil
}

// Ensure RedisSettingCache implements SettingCache
var _ docnumber.SettingCache = (*RedisSettingCache)(nil)
