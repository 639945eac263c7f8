package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/erp/docnumber/internal/domain/docnumber"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable clock for expiry tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestInMemorySettingCache_GetSet(t *testing.T) {
	cache := NewInMemorySettingCache()
	defer cache.Close()
	ctx := context.Background()

	v, err := cache.Get(ctx, "document_prefix_sales_order")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, cache.Set(ctx, "document_prefix_sales_order", docnumber.CachedSetting{Value: "SO", Found: true}, time.Minute))

	v, err = cache.Get(ctx, "document_prefix_sales_order")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "SO", v.Value)
	assert.True(t, v.Found)
}

func TestInMemorySettingCache_CachesMissingSettings(t *testing.T) {
	cache := NewInMemorySettingCache()
	defer cache.Close()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "document_prefix_refund", docnumber.CachedSetting{Found: false}, time.Minute))

	v, err := cache.Get(ctx, "document_prefix_refund")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.False(t, v.Found)
}

func TestInMemorySettingCache_Expiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)}
	cache := NewInMemorySettingCache(WithClock(clock.Now))
	defer cache.Close()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "k", docnumber.CachedSetting{Value: "v", Found: true}, 10*time.Second))

	clock.Advance(9 * time.Second)
	v, _ := cache.Get(ctx, "k")
	assert.NotNil(t, v)

	clock.Advance(time.Second)
	v, _ = cache.Get(ctx, "k")
	assert.Nil(t, v)

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, int64(0), stats.Entries)
	assert.InDelta(t, 0.5, stats.HitRatio, 0.0001)
}

func TestInMemorySettingCache_DefaultTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)}
	cfg := docnumber.DefaultCacheConfig()
	cfg.L1TTL = time.Second
	cache := NewInMemorySettingCache(WithInMemoryConfig(cfg), WithClock(clock.Now))
	defer cache.Close()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "k", docnumber.CachedSetting{Value: "v", Found: true}, 0))
	clock.Advance(2 * time.Second)

	v, _ := cache.Get(ctx, "k")
	assert.Nil(t, v)
}

func TestInMemorySettingCache_DeleteAndInvalidateAll(t *testing.T) {
	cache := NewInMemorySettingCache()
	defer cache.Close()
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, cache.Set(ctx, k, docnumber.CachedSetting{Value: k, Found: true}, time.Minute))
	}
	assert.Equal(t, 3, cache.Count())

	require.NoError(t, cache.Delete(ctx, "a"))
	v, _ := cache.Get(ctx, "a")
	assert.Nil(t, v)
	assert.Equal(t, 2, cache.Count())

	require.NoError(t, cache.InvalidateAll(ctx))
	assert.Equal(t, 0, cache.Count())
}

func TestInMemorySettingCache_Cleanup(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)}
	cache := NewInMemorySettingCache(WithClock(clock.Now), WithCleanupInterval(time.Hour))
	defer cache.Close()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "short", docnumber.CachedSetting{Found: true}, time.Second))
	require.NoError(t, cache.Set(ctx, "long", docnumber.CachedSetting{Found: true}, time.Hour))
	clock.Advance(time.Minute)

	cache.doCleanup()

	assert.Equal(t, 1, cache.Count())
	assert.Equal(t, int64(1), cache.Stats().Evictions)
}

func TestInMemorySettingCache_CloseIsIdempotent(t *testing.T) {
	cache := NewInMemorySettingCache()
	assert.NoError(t, cache.Close())
	assert.NoError(t, cache.Close())
}

func TestInMemorySettingCache_ConcurrentAccess(t *testing.T) {
	cache := NewInMemorySettingCache()
	defer cache.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "k"
			if i%2 == 0 {
				_ = cache.Set(ctx, key, docnumber.CachedSetting{Value: "v", Found: true}, time.Minute)
			} else {
				_, _ = cache.Get(ctx, key)
			}
		}(i)
	}
	wg.Wait()

	v, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "v", v.Value)
}
