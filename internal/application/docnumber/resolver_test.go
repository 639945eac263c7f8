package docnumber

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/erp/docnumber/internal/domain/docnumber"
	"github.com/erp/docnumber/internal/domain/shared"
	"github.com/erp/docnumber/internal/infrastructure/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSettingsResolver_Resolve(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		typeKey  string
		settings map[string]string
		want     docnumber.FormatConfig
	}{
		{
			name:    "catalogue key without settings uses defaults",
			typeKey: docnumber.TypeSalesOrder,
			want:    docnumber.FormatConfig{Prefix: "SO", DateFormat: docnumber.DateFormatYYMMDD, SequenceDigits: 3},
		},
		{
			name:    "catalogue key with configured prefix and format",
			typeKey: docnumber.TypePurchaseOrder,
			settings: map[string]string{
				"document_prefix_purchase_order":  "CG",
				"document_number_date_format":     "YYYYMMDD",
				"document_number_sequence_digits": "5",
			},
			want: docnumber.FormatConfig{Prefix: "CG", DateFormat: docnumber.DateFormatYYYYMMDD, SequenceDigits: 5},
		},
		{
			name:     "legacy prefix maps to the type setting",
			typeKey:  "QT",
			settings: map[string]string{"document_prefix_quotation": "BJ"},
			want:     docnumber.FormatConfig{Prefix: "BJ", DateFormat: docnumber.DateFormatYYMMDD, SequenceDigits: 3},
		},
		{
			name:    "legacy prefix without setting is kept as is",
			typeKey: "QT",
			want:    docnumber.FormatConfig{Prefix: "QT", DateFormat: docnumber.DateFormatYYMMDD, SequenceDigits: 3},
		},
		{
			name:    "unknown input is the literal prefix",
			typeKey: "ZZ",
			want:    docnumber.FormatConfig{Prefix: "ZZ", DateFormat: docnumber.DateFormatYYMMDD, SequenceDigits: 3},
		},
		{
			name:    "blank prefix setting falls back",
			typeKey: docnumber.TypeSalesOrder,
			settings: map[string]string{
				"document_prefix_sales_order": "  ",
			},
			want: docnumber.FormatConfig{Prefix: "SO", DateFormat: docnumber.DateFormatYYMMDD, SequenceDigits: 3},
		},
		{
			name:    "invalid format settings fall back",
			typeKey: docnumber.TypeSalesOrder,
			settings: map[string]string{
				"document_number_date_format":     "DDMMYY",
				"document_number_sequence_digits": "12",
			},
			want: docnumber.FormatConfig{Prefix: "SO", DateFormat: docnumber.DateFormatYYMMDD, SequenceDigits: 3},
		},
		{
			name:    "non numeric digits fall back",
			typeKey: docnumber.TypeSalesOrder,
			settings: map[string]string{
				"document_number_sequence_digits": "three",
			},
			want: docnumber.FormatConfig{Prefix: "SO", DateFormat: docnumber.DateFormatYYMMDD, SequenceDigits: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockSettingRepository)
			for k, v := range tt.settings {
				repo.On("Get", mock.Anything, k).Return(setting(k, v), nil)
			}
			repo.expectMissing()

			r := NewSettingsResolver(repo)
			assert.Equal(t, tt.want, r.Resolve(ctx, tt.typeKey))
		})
	}
}

func TestSettingsResolver_ClampWarns(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	repo := new(MockSettingRepository)
	repo.On("Get", mock.Anything, docnumber.SettingSequenceDigitsKey).
		Return(setting(docnumber.SettingSequenceDigitsKey, "0"), nil)
	repo.expectMissing()

	r := NewSettingsResolver(repo, WithResolverLogger(zap.New(core)))
	cfg := r.Resolve(context.Background(), docnumber.TypeSalesOrder)

	assert.Equal(t, 3, cfg.SequenceDigits)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Invalid sequence digits setting, clamped to default", logs.All()[0].Message)
}

func TestSettingsResolver_DefaultFormatOption(t *testing.T) {
	repo := new(MockSettingRepository)
	repo.expectMissing()

	r := NewSettingsResolver(repo, WithDefaultFormat("YYMM", 4))
	cfg := r.Resolve(context.Background(), docnumber.TypeSalesOrder)
	assert.Equal(t, docnumber.DateFormatYYMM, cfg.DateFormat)
	assert.Equal(t, 4, cfg.SequenceDigits)

	r = NewSettingsResolver(repo, WithDefaultFormat("bogus", 99))
	cfg = r.Resolve(context.Background(), docnumber.TypeSalesOrder)
	assert.Equal(t, docnumber.DateFormatYYMMDD, cfg.DateFormat)
	assert.Equal(t, 3, cfg.SequenceDigits)
}

func TestSettingsResolver_RepositoryErrorUsesDefaults(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	metrics, reader := newTestAllocatorMetrics(t)
	repo := new(MockSettingRepository)
	repo.On("Get", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))
	l1 := cache.NewInMemorySettingCache()
	t.Cleanup(func() { _ = l1.Close() })

	r := NewSettingsResolver(repo,
		WithResolverLogger(zap.New(core)),
		WithResolverCache(l1, time.Minute),
		WithResolverMetrics(metrics))
	cfg := r.Resolve(context.Background(), docnumber.TypeSalesOrder)

	assert.Equal(t, docnumber.DefaultFormatConfig("SO"), cfg)
	assert.Equal(t, 3, logs.FilterMessage("Setting lookup failed, using default").Len())
	assert.Equal(t, int64(3), counterTotal(t, reader, "docnumber_setting_lookups_total"))
	// failures are not cached
	assert.Zero(t, l1.Count())
}

func TestSettingsResolver_CachesLookups(t *testing.T) {
	ctx := context.Background()
	repo := new(MockSettingRepository)
	repo.On("Get", mock.Anything, "document_prefix_sales_order").Return(setting("document_prefix_sales_order", "XS"), nil)
	repo.expectMissing()
	l1 := cache.NewInMemorySettingCache()
	t.Cleanup(func() { _ = l1.Close() })

	r := NewSettingsResolver(repo, WithResolverCache(l1, time.Minute))
	for i := 0; i < 3; i++ {
		assert.Equal(t, "XS", r.Resolve(ctx, docnumber.TypeSalesOrder).Prefix)
	}

	// one lookup per key; missing settings are cached too
	repo.AssertNumberOfCalls(t, "Get", 3)
	assert.Equal(t, 3, l1.Count())
}

func TestSettingsResolver_InvalidateReloads(t *testing.T) {
	ctx := context.Background()
	repo := new(MockSettingRepository)
	repo.On("Get", mock.Anything, "document_prefix_sales_order").Return(setting("document_prefix_sales_order", "XS"), nil).Once()
	repo.On("Get", mock.Anything, "document_prefix_sales_order").Return(setting("document_prefix_sales_order", "DD"), nil)
	repo.expectMissing()
	l1 := cache.NewInMemorySettingCache()
	t.Cleanup(func() { _ = l1.Close() })

	r := NewSettingsResolver(repo, WithResolverCache(l1, time.Minute))
	assert.Equal(t, "XS", r.Resolve(ctx, docnumber.TypeSalesOrder).Prefix)
	assert.Equal(t, "XS", r.Resolve(ctx, docnumber.TypeSalesOrder).Prefix)

	require.NoError(t, r.Invalidate(ctx, "document_prefix_sales_order"))
	assert.Equal(t, "DD", r.Resolve(ctx, docnumber.TypeSalesOrder).Prefix)

	require.NoError(t, r.InvalidateAll(ctx))
	assert.Zero(t, l1.Count())
}

func TestSettingsResolver_SetSetting(t *testing.T) {
	ctx := context.Background()
	repo := new(MockSettingRepository)
	repo.On("Get", mock.Anything, "document_prefix_sales_order").Return(nil, shared.ErrNotFound).Once()
	repo.On("Upsert", mock.Anything, mock.MatchedBy(func(s *docnumber.Setting) bool {
		return s.Key == "document_prefix_sales_order" && s.Value == "XS" && s.Active &&
			s.ConfigType == docnumber.SettingConfigTypeBusiness
	})).Return(nil)
	repo.On("Get", mock.Anything, "document_prefix_sales_order").Return(setting("document_prefix_sales_order", "XS"), nil)
	repo.expectMissing()

	invalidator := new(MockSettingInvalidator)
	invalidator.On("Publish", mock.Anything, mock.MatchedBy(func(msg docnumber.InvalidationMessage) bool {
		return msg.Action == docnumber.InvalidationActionUpdated &&
			msg.Key == "document_prefix_sales_order" &&
			msg.Source == "instance-a" &&
			msg.Timestamp > 0
	})).Return(nil)

	l1 := cache.NewInMemorySettingCache()
	t.Cleanup(func() { _ = l1.Close() })
	r := NewSettingsResolver(repo,
		WithResolverCache(l1, time.Minute),
		WithInvalidator(invalidator),
		WithInstanceID("instance-a"))

	assert.Equal(t, "SO", r.Resolve(ctx, docnumber.TypeSalesOrder).Prefix)
	require.NoError(t, r.SetSetting(ctx, "document_prefix_sales_order", "XS"))
	assert.Equal(t, "XS", r.Resolve(ctx, docnumber.TypeSalesOrder).Prefix)

	repo.AssertExpectations(t)
	invalidator.AssertExpectations(t)
}

func TestSettingsResolver_SetSettingPublishFailureIsNotFatal(t *testing.T) {
	repo := new(MockSettingRepository)
	repo.On("Upsert", mock.Anything, mock.Anything).Return(nil)
	invalidator := new(MockSettingInvalidator)
	invalidator.On("Publish", mock.Anything, mock.Anything).Return(errors.New("redis: connection refused"))

	r := NewSettingsResolver(repo, WithInvalidator(invalidator))
	assert.NoError(t, r.SetSetting(context.Background(), docnumber.SettingDateFormatKey, "YYMM"))
}

func TestSettingsResolver_SetSettingValidation(t *testing.T) {
	repo := new(MockSettingRepository)
	r := NewSettingsResolver(repo)
	ctx := context.Background()

	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"empty key", " ", "x"},
		{"unknown date format", docnumber.SettingDateFormatKey, "DDMMYYYY"},
		{"non numeric digits", docnumber.SettingSequenceDigitsKey, "abc"},
		{"digits out of range", docnumber.SettingSequenceDigitsKey, "10"},
		{"empty prefix", "document_prefix_sales_order", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.SetSetting(ctx, tt.key, tt.value)
			assert.ErrorIs(t, err, shared.ErrInvalidInput)
		})
	}
	repo.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

func TestSettingsResolver_SetSettingRepositoryError(t *testing.T) {
	repo := new(MockSettingRepository)
	repo.On("Upsert", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	invalidator := new(MockSettingInvalidator)

	r := NewSettingsResolver(repo, WithInvalidator(invalidator))
	assert.EqualError(t, r.SetSetting(context.Background(), docnumber.SettingSequenceDigitsKey, "4"), "disk full")
	invalidator.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestSettingsResolver_SeedDefaults(t *testing.T) {
	ctx := context.Background()
	total := len(docnumber.AllDocumentTypes()) + 2

	repo := new(MockSettingRepository)
	repo.On("CreateIfAbsent", mock.Anything, mock.MatchedBy(func(s *docnumber.Setting) bool {
		return s.Key == "document_prefix_sales_order"
	})).Return(false, nil)
	repo.On("CreateIfAbsent", mock.Anything, mock.MatchedBy(func(s *docnumber.Setting) bool {
		return s.Key == docnumber.SettingSequenceDigitsKey && s.Value == "4"
	})).Return(true, nil)
	repo.On("CreateIfAbsent", mock.Anything, mock.Anything).Return(true, nil)

	invalidator := new(MockSettingInvalidator)
	invalidator.On("Publish", mock.Anything, mock.MatchedBy(func(msg docnumber.InvalidationMessage) bool {
		return msg.Action == docnumber.InvalidationActionInvalidateAll
	})).Return(nil).Once()

	r := NewSettingsResolver(repo, WithInvalidator(invalidator), WithDefaultFormat("YYMMDD", 4))
	created, err := r.SeedDefaults(ctx)
	require.NoError(t, err)

	assert.Equal(t, total-1, created)
	repo.AssertNumberOfCalls(t, "CreateIfAbsent", total)
	invalidator.AssertExpectations(t)
}

func TestSettingsResolver_SeedDefaultsNothingNew(t *testing.T) {
	repo := new(MockSettingRepository)
	repo.On("CreateIfAbsent", mock.Anything, mock.Anything).Return(false, nil)
	invalidator := new(MockSettingInvalidator)

	r := NewSettingsResolver(repo, WithInvalidator(invalidator))
	created, err := r.SeedDefaults(context.Background())
	require.NoError(t, err)
	assert.Zero(t, created)
	invalidator.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestSettingsResolver_SeedDefaultsStopsOnError(t *testing.T) {
	repo := new(MockSettingRepository)
	repo.On("CreateIfAbsent", mock.Anything, mock.Anything).Return(true, nil).Twice()
	repo.On("CreateIfAbsent", mock.Anything, mock.Anything).Return(false, errors.New("connection reset"))

	r := NewSettingsResolver(repo)
	created, err := r.SeedDefaults(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 2, created)
}

func TestSettingsResolver_HandleInvalidation(t *testing.T) {
	ctx := context.Background()

	t.Run("ignores own messages", func(t *testing.T) {
		l1 := cache.NewInMemorySettingCache()
		t.Cleanup(func() { _ = l1.Close() })
		require.NoError(t, l1.Set(ctx, "k", docnumber.CachedSetting{Value: "v", Found: true}, time.Minute))

		r := NewSettingsResolver(new(MockSettingRepository), WithResolverCache(l1, time.Minute), WithInstanceID("me"))
		r.HandleInvalidation(ctx, docnumber.InvalidationMessage{Action: docnumber.InvalidationActionUpdated, Key: "k", Source: "me"})
		assert.Equal(t, 1, l1.Count())
	})

	t.Run("drops the updated key", func(t *testing.T) {
		l1 := cache.NewInMemorySettingCache()
		t.Cleanup(func() { _ = l1.Close() })
		require.NoError(t, l1.Set(ctx, "k", docnumber.CachedSetting{Value: "v", Found: true}, time.Minute))
		require.NoError(t, l1.Set(ctx, "other", docnumber.CachedSetting{}, time.Minute))

		r := NewSettingsResolver(new(MockSettingRepository), WithResolverCache(l1, time.Minute), WithInstanceID("me"))
		r.HandleInvalidation(ctx, docnumber.InvalidationMessage{Action: docnumber.InvalidationActionUpdated, Key: "k", Source: "peer"})

		v, err := l1.Get(ctx, "k")
		require.NoError(t, err)
		assert.Nil(t, v)
		assert.Equal(t, 1, l1.Count())
	})

	t.Run("invalidate all clears local tier only", func(t *testing.T) {
		l1 := cache.NewInMemorySettingCache()
		l2 := cache.NewInMemorySettingCache()
		tiered := cache.NewTieredSettingCache(l1, l2)
		t.Cleanup(func() { _ = tiered.Close() })
		require.NoError(t, tiered.Set(ctx, "k", docnumber.CachedSetting{Value: "v", Found: true}, time.Minute))

		r := NewSettingsResolver(new(MockSettingRepository), WithResolverCache(tiered, time.Minute), WithInstanceID("me"))
		r.HandleInvalidation(ctx, docnumber.InvalidationMessage{Action: docnumber.InvalidationActionInvalidateAll, Source: "peer"})

		assert.Zero(t, l1.Count())
		assert.Equal(t, 1, l2.Count())
	})
}

func TestSettingsResolver_StartInvalidationSubscription(t *testing.T) {
	ctx := context.Background()

	t.Run("no invalidator", func(t *testing.T) {
		l1 := cache.NewInMemorySettingCache()
		t.Cleanup(func() { _ = l1.Close() })
		r := NewSettingsResolver(new(MockSettingRepository), WithResolverCache(l1, 0))
		assert.NoError(t, r.StartInvalidationSubscription(ctx))
	})

	t.Run("delivers messages to the cache", func(t *testing.T) {
		l1 := cache.NewInMemorySettingCache()
		t.Cleanup(func() { _ = l1.Close() })
		require.NoError(t, l1.Set(ctx, "document_prefix_sales_order", docnumber.CachedSetting{Value: "SO", Found: true}, time.Minute))

		invalidator := new(MockSettingInvalidator)
		invalidator.On("Subscribe", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				callback := args.Get(1).(func(msg docnumber.InvalidationMessage))
				callback(docnumber.InvalidationMessage{
					Action: docnumber.InvalidationActionUpdated,
					Key:    "document_prefix_sales_order",
					Source: "peer",
				})
			}).
			Return(nil)

		r := NewSettingsResolver(new(MockSettingRepository),
			WithResolverCache(l1, time.Minute),
			WithInvalidator(invalidator))
		require.NoError(t, r.StartInvalidationSubscription(ctx))
		assert.Zero(t, l1.Count())
	})
}
