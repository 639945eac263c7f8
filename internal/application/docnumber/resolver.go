package docnumber

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/erp/docnumber/internal/domain/docnumber"
	"github.com/erp/docnumber/internal/domain/shared"
	"github.com/erp/docnumber/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// localInvalidator is implemented by tiered caches whose shared tier was
// already cleared by the instance that published the change.
type localInvalidator interface {
	InvalidateLocal(ctx context.Context, key string) error
}

// SettingsResolver resolves the format of a document type from system
// settings. It follows a read-through pattern: cache first, then the
// repository, with misses cached as well. Lookup failures never surface;
// every setting falls back to its default.
type SettingsResolver struct {
	repo        docnumber.SettingRepository
	cache       docnumber.SettingCache
	invalidator docnumber.SettingInvalidator
	logger      *zap.Logger
	metrics     *telemetry.AllocatorMetrics
	ttl         time.Duration
	instanceID  string
	defaults    docnumber.FormatConfig
	now         func() time.Time
}

// ResolverOption is a functional option for configuring the resolver
type ResolverOption func(*SettingsResolver)

// WithResolverLogger sets the logger
func WithResolverLogger(logger *zap.Logger) ResolverOption {
	return func(r *SettingsResolver) {
		r.logger = logger
	}
}

// WithResolverCache sets the setting cache
func WithResolverCache(cache docnumber.SettingCache, ttl time.Duration) ResolverOption {
	return func(r *SettingsResolver) {
		r.cache = cache
		r.ttl = ttl
	}
}

// WithInvalidator sets the broadcaster used to notify other instances of setting changes
func WithInvalidator(invalidator docnumber.SettingInvalidator) ResolverOption {
	return func(r *SettingsResolver) {
		r.invalidator = invalidator
	}
}

// WithResolverMetrics sets the metrics recorder
func WithResolverMetrics(m *telemetry.AllocatorMetrics) ResolverOption {
	return func(r *SettingsResolver) {
		r.metrics = m
	}
}

// WithInstanceID sets the source tag of published invalidations.
// Messages carrying the same tag are ignored on receipt.
func WithInstanceID(id string) ResolverOption {
	return func(r *SettingsResolver) {
		r.instanceID = id
	}
}

// WithDefaultFormat overrides the date format and sequence width used when
// no valid setting exists. Invalid values are ignored.
func WithDefaultFormat(dateFormat string, digits int) ResolverOption {
	return func(r *SettingsResolver) {
		if f, ok := docnumber.ParseDateFormat(dateFormat); ok {
			r.defaults.DateFormat = f
		}
		if n, ok := docnumber.NormalizeSequenceDigits(digits); ok {
			r.defaults.SequenceDigits = n
		}
	}
}

// NewSettingsResolver creates a resolver reading from repo
func NewSettingsResolver(repo docnumber.SettingRepository, opts ...ResolverOption) *SettingsResolver {
	r := &SettingsResolver{
		repo:       repo,
		logger:     zap.NewNop(),
		instanceID: uuid.NewString(),
		defaults:   docnumber.DefaultFormatConfig(""),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ docnumber.ConfigResolver = (*SettingsResolver)(nil)

// Resolve maps a logical type key or a legacy raw prefix to its format.
//
// A catalogue key uses its prefix setting, falling back to the catalogue
// default. A legacy prefix uses the setting of the type it maps to, falling
// back to the legacy prefix itself. Any other input is used as the literal
// prefix.
func (r *SettingsResolver) Resolve(ctx context.Context, typeKey string) docnumber.FormatConfig {
	cfg := docnumber.FormatConfig{
		Prefix:         r.resolvePrefix(ctx, typeKey),
		DateFormat:     r.resolveDateFormat(ctx),
		SequenceDigits: r.resolveSequenceDigits(ctx),
	}
	return cfg
}

func (r *SettingsResolver) resolvePrefix(ctx context.Context, typeKey string) string {
	docType, ok := docnumber.LookupDocumentType(typeKey)
	fallback := docType.DefaultPrefix
	if !ok {
		docType, ok = docnumber.LookupLegacyPrefix(typeKey)
		if !ok {
			return typeKey
		}
		fallback = typeKey
	}

	value, found := r.lookup(ctx, docType.SettingKey())
	value = strings.TrimSpace(value)
	if !found || value == "" {
		return fallback
	}
	return value
}

func (r *SettingsResolver) resolveDateFormat(ctx context.Context) docnumber.DateFormat {
	value, found := r.lookup(ctx, docnumber.SettingDateFormatKey)
	if !found {
		return r.defaults.DateFormat
	}
	f, ok := docnumber.ParseDateFormat(strings.TrimSpace(value))
	if !ok {
		r.logger.Warn("Invalid date format setting, using default",
			zap.String("key", docnumber.SettingDateFormatKey),
			zap.String("value", value),
			zap.String("default", r.defaults.DateFormat.String()))
		return r.defaults.DateFormat
	}
	return f
}

func (r *SettingsResolver) resolveSequenceDigits(ctx context.Context) int {
	value, found := r.lookup(ctx, docnumber.SettingSequenceDigitsKey)
	if !found {
		return r.defaults.SequenceDigits
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err == nil {
		if digits, ok := docnumber.NormalizeSequenceDigits(n); ok {
			return digits
		}
	}
	r.logger.Warn("Invalid sequence digits setting, clamped to default",
		zap.String("key", docnumber.SettingSequenceDigitsKey),
		zap.String("value", value),
		zap.Int("default", r.defaults.SequenceDigits))
	return r.defaults.SequenceDigits
}

// lookup reads a setting through the cache. Repository errors are logged
// and reported as not found without being cached.
func (r *SettingsResolver) lookup(ctx context.Context, key string) (string, bool) {
	if r.cache != nil {
		cached, err := r.cache.Get(ctx, key)
		if err != nil {
			r.logger.Warn("Setting cache read failed", zap.String("key", key), zap.Error(err))
		} else if cached != nil {
			r.metrics.RecordSettingLookup(ctx, "hit")
			return cached.Value, cached.Found
		}
	}

	setting, err := r.repo.Get(ctx, key)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		r.metrics.RecordSettingLookup(ctx, "miss")
		r.store(ctx, key, docnumber.CachedSetting{})
		return "", false
	case err != nil:
		r.metrics.RecordSettingLookup(ctx, "error")
		r.logger.Warn("Setting lookup failed, using default",
			zap.String("key", key),
			zap.Error(err))
		return "", false
	}

	r.metrics.RecordSettingLookup(ctx, "miss")
	r.store(ctx, key, docnumber.CachedSetting{Value: setting.Value, Found: true})
	return setting.Value, true
}

func (r *SettingsResolver) store(ctx context.Context, key string, value docnumber.CachedSetting) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Set(ctx, key, value, r.ttl); err != nil {
		r.logger.Warn("Failed to cache setting", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate drops the cached value of one setting key
func (r *SettingsResolver) Invalidate(ctx context.Context, key string) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Delete(ctx, key)
}

// InvalidateAll drops every cached setting
func (r *SettingsResolver) InvalidateAll(ctx context.Context) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.InvalidateAll(ctx)
}

// SetSetting writes a setting value, drops it from the cache and notifies
// other instances. Concurrent writers race; the last write wins.
func (r *SettingsResolver) SetSetting(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return shared.ErrInvalidInput.WithMessage("setting key is required")
	}
	if err := validateSetting(key, value); err != nil {
		return err
	}

	setting := &docnumber.Setting{
		Key:        key,
		Value:      value,
		ConfigType: docnumber.SettingConfigTypeBusiness,
		Active:     true,
		UpdatedAt:  r.now(),
	}
	if err := r.repo.Upsert(ctx, setting); err != nil {
		return err
	}

	if err := r.Invalidate(ctx, key); err != nil {
		r.logger.Warn("Failed to invalidate cached setting", zap.String("key", key), zap.Error(err))
	}
	r.publish(ctx, docnumber.InvalidationMessage{
		Action: docnumber.InvalidationActionUpdated,
		Key:    key,
	})

	r.logger.Info("Setting updated", zap.String("key", key), zap.String("value", value))
	return nil
}

// validateSetting rejects values the resolver would otherwise replace by defaults
func validateSetting(key, value string) error {
	switch key {
	case docnumber.SettingDateFormatKey:
		if _, ok := docnumber.ParseDateFormat(strings.TrimSpace(value)); !ok {
			return shared.ErrInvalidInput.WithMessage("date format must be one of YYYYMMDD, YYMMDD, YYMM")
		}
	case docnumber.SettingSequenceDigitsKey:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return shared.ErrInvalidInput.WithMessage("sequence digits must be an integer").Wrap(err)
		}
		if _, ok := docnumber.NormalizeSequenceDigits(n); !ok {
			return shared.ErrInvalidInput.WithMessage("sequence digits must be between 1 and 9")
		}
	default:
		if strings.HasPrefix(key, docnumber.SettingPrefixKeyPrefix) && strings.TrimSpace(value) == "" {
			return shared.ErrInvalidInput.WithMessage("document prefix must not be empty")
		}
	}
	return nil
}

// SeedDefaults inserts the default prefix of every document type together
// with the date format and sequence width, leaving existing values untouched.
// It returns the number of settings created.
func (r *SettingsResolver) SeedDefaults(ctx context.Context) (int, error) {
	settings := make([]docnumber.Setting, 0, len(docnumber.AllDocumentTypes())+2)
	for _, t := range docnumber.AllDocumentTypes() {
		settings = append(settings, docnumber.Setting{
			Key:         t.SettingKey(),
			Value:       t.DefaultPrefix,
			ConfigType:  docnumber.SettingConfigTypeBusiness,
			Description: t.Description + " number prefix",
			Active:      true,
		})
	}
	settings = append(settings,
		docnumber.Setting{
			Key:         docnumber.SettingDateFormatKey,
			Value:       r.defaults.DateFormat.String(),
			ConfigType:  docnumber.SettingConfigTypeBusiness,
			Description: "Date part of document numbers (YYYYMMDD, YYMMDD or YYMM)",
			Active:      true,
		},
		docnumber.Setting{
			Key:         docnumber.SettingSequenceDigitsKey,
			Value:       strconv.Itoa(r.defaults.SequenceDigits),
			ConfigType:  docnumber.SettingConfigTypeBusiness,
			Description: "Zero-padded width of the document number sequence",
			Active:      true,
		},
	)

	created := 0
	for i := range settings {
		s := &settings[i]
		s.UpdatedAt = r.now()
		ok, err := r.repo.CreateIfAbsent(ctx, s)
		if err != nil {
			return created, err
		}
		if ok {
			created++
			r.logger.Debug("Seeded setting", zap.String("key", s.Key), zap.String("value", s.Value))
		}
	}

	if created > 0 {
		if err := r.InvalidateAll(ctx); err != nil {
			r.logger.Warn("Failed to invalidate setting cache", zap.Error(err))
		}
		r.publish(ctx, docnumber.InvalidationMessage{Action: docnumber.InvalidationActionInvalidateAll})
	}
	r.logger.Info("Seeded document number settings", zap.Int("created", created), zap.Int("total", len(settings)))
	return created, nil
}

func (r *SettingsResolver) publish(ctx context.Context, msg docnumber.InvalidationMessage) {
	if r.invalidator == nil {
		return
	}
	msg.Source = r.instanceID
	msg.Timestamp = r.now().UnixMilli()
	if err := r.invalidator.Publish(ctx, msg); err != nil {
		r.logger.Warn("Failed to publish setting invalidation",
			zap.String("action", string(msg.Action)),
			zap.String("key", msg.Key),
			zap.Error(err))
	}
}

// StartInvalidationSubscription applies invalidations published by other
// instances until ctx is cancelled. It blocks; run it in a goroutine.
// Without an invalidator it returns immediately.
func (r *SettingsResolver) StartInvalidationSubscription(ctx context.Context) error {
	if r.invalidator == nil || r.cache == nil {
		return nil
	}
	r.logger.Info("Subscribing to setting invalidations", zap.String("instance_id", r.instanceID))
	return r.invalidator.Subscribe(ctx, func(msg docnumber.InvalidationMessage) {
		r.HandleInvalidation(ctx, msg)
	})
}

// HandleInvalidation applies one received invalidation message to the local cache
func (r *SettingsResolver) HandleInvalidation(ctx context.Context, msg docnumber.InvalidationMessage) {
	if r.cache == nil || msg.Source == r.instanceID {
		return
	}

	key := msg.Key
	if msg.Action == docnumber.InvalidationActionInvalidateAll {
		key = ""
	}

	var err error
	if local, ok := r.cache.(localInvalidator); ok {
		err = local.InvalidateLocal(ctx, key)
	} else if key == "" {
		err = r.cache.InvalidateAll(ctx)
	} else {
		err = r.cache.Delete(ctx, key)
	}
	if err != nil {
		r.logger.Warn("Failed to apply setting invalidation",
			zap.String("action", string(msg.Action)),
			zap.String("key", msg.Key),
			zap.Error(err))
		return
	}
	r.logger.Debug("Applied setting invalidation",
		zap.String("action", string(msg.Action)),
		zap.String("key", msg.Key),
		zap.String("source", msg.Source))
}
