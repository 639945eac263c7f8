package docnumber

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/docnumber/internal/domain/docnumber"
	"github.com/erp/docnumber/internal/domain/shared"
	"github.com/erp/docnumber/internal/infrastructure/logger"
	"github.com/erp/docnumber/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// defaultGapReportLimit bounds the gap list of a report
const defaultGapReportLimit = 1000

// SequenceReport describes the state of one counter against the active documents
type SequenceReport struct {
	Prefix     string   `json:"prefix"`
	DateBucket string   `json:"date_bucket"`
	Counter    uint64   `json:"counter"`
	Exists     bool     `json:"exists"`
	Active     []uint64 `json:"active"`
	MaxActive  uint64   `json:"max_active"`
	Gaps       []uint64 `json:"gaps"`
	// ReusableGaps are the gaps the next allocation may take (at or above the counter)
	ReusableGaps []uint64 `json:"reusable_gaps"`
	Malformed    []string `json:"malformed,omitempty"`
	// NextNumber is what the next allocation would return
	NextNumber string `json:"next_number"`
}

// Behind reports whether active documents carry sequences above the counter
func (r SequenceReport) Behind() bool {
	return r.MaxActive > r.Counter
}

// CounterChange is the result of a counter repair
type CounterChange struct {
	Prefix     string `json:"prefix"`
	DateBucket string `json:"date_bucket"`
	Previous   uint64 `json:"previous"`
	Current    uint64 `json:"current"`
}

// Changed reports whether the counter was modified
func (c CounterChange) Changed() bool {
	return c.Previous != c.Current
}

// MaintenanceService inspects and repairs sequence counters. Every mutation
// runs under the same row lock as allocation.
type MaintenanceService struct {
	store    docnumber.SequenceStore
	txm      docnumber.TxManager
	resolver docnumber.ConfigResolver
	logger   *zap.Logger
	location *time.Location
	now      func() time.Time
	gapLimit int
	gapReuse bool
}

// MaintenanceOption is a functional option for configuring the maintenance service
type MaintenanceOption func(*MaintenanceService)

// WithMaintenanceLogger sets the logger
func WithMaintenanceLogger(logger *zap.Logger) MaintenanceOption {
	return func(s *MaintenanceService) {
		s.logger = logger
	}
}

// WithMaintenanceLocation sets the time zone used to derive date buckets
func WithMaintenanceLocation(loc *time.Location) MaintenanceOption {
	return func(s *MaintenanceService) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithMaintenanceClock sets the clock used when no date is given
func WithMaintenanceClock(now func() time.Time) MaintenanceOption {
	return func(s *MaintenanceService) {
		s.now = now
	}
}

// WithMaintenanceGapReuse tells reports whether allocations reuse gaps.
// It must match the allocator's WithGapReuse; enabled by default.
func WithMaintenanceGapReuse(enabled bool) MaintenanceOption {
	return func(s *MaintenanceService) {
		s.gapReuse = enabled
	}
}

// WithGapReportLimit bounds how many gaps a report lists; zero lists all
func WithGapReportLimit(n int) MaintenanceOption {
	return func(s *MaintenanceService) {
		s.gapLimit = n
	}
}

// NewMaintenanceService creates a maintenance service
func NewMaintenanceService(store docnumber.SequenceStore, txm docnumber.TxManager, resolver docnumber.ConfigResolver, opts ...MaintenanceOption) *MaintenanceService {
	s := &MaintenanceService{
		store:    store,
		txm:      txm,
		resolver: resolver,
		logger:   zap.NewNop(),
		location: time.Local,
		now:      time.Now,
		gapLimit: defaultGapReportLimit,
		gapReuse: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MaintenanceService) key(ctx context.Context, typeKey string, date time.Time) (docnumber.FormatConfig, docnumber.SequenceKey) {
	cfg := s.resolver.Resolve(ctx, typeKey).Normalized()
	if date.IsZero() {
		date = s.now().In(s.location)
	}
	return cfg, docnumber.SequenceKey{Prefix: cfg.Prefix, DateBucket: cfg.Bucket(date)}
}

// Inspect reports the counter of typeKey for date together with the gaps in
// the active numbers. It takes no lock and never writes.
func (s *MaintenanceService) Inspect(ctx context.Context, typeKey string, date time.Time, lister docnumber.ActiveNumberLister) (*SequenceReport, error) {
	if typeKey == "" {
		return nil, shared.ErrInvalidInput.WithMessage("document type is required")
	}
	ctx, span := telemetry.StartServiceSpan(ctx, "docnumber", "inspect",
		telemetry.WithAttribute(telemetry.SpanAttrDocumentType, typeKey))
	defer span.End()

	cfg, key := s.key(ctx, typeKey, date)
	report := &SequenceReport{Prefix: key.Prefix, DateBucket: key.DateBucket}

	record, err := s.store.Find(ctx, key)
	switch {
	case errors.Is(err, shared.ErrNotFound):
	case err != nil:
		telemetry.RecordError(span, err)
		return nil, err
	default:
		report.Exists = true
		report.Counter = record.Current
	}

	if lister != nil {
		numbers, err := lister.ListActiveNumbers(ctx, key.NumberPrefix())
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("list active numbers of %s: %w", key, err)
		}
		report.Active, report.Malformed = docnumber.ExtractSequences(numbers, key.NumberPrefix())
		if n := len(report.Active); n > 0 {
			report.MaxActive = report.Active[n-1]
		}
		report.Gaps = docnumber.MissingSequences(report.Active, s.gapLimit)
		for _, g := range report.Gaps {
			if s.gapReuse && g >= report.Counter {
				report.ReusableGaps = append(report.ReusableGaps, g)
			}
		}
	}

	// mirrors Allocator.nextSequence
	next := report.Counter + 1
	if lister != nil && s.gapReuse {
		if gap, ok := docnumber.FindReusableNumber(report.Counter, report.Active); ok {
			next = gap
		} else {
			next = docnumber.NextAfter(report.Counter, report.Active)
		}
	}
	report.NextNumber = cfg.Render(key.DateBucket, next)

	telemetry.SetAttributes(span,
		telemetry.SpanAttrPrefix, key.Prefix,
		telemetry.SpanAttrDateBucket, key.DateBucket,
		telemetry.SpanAttrActiveCount, len(report.Active))
	telemetry.SetOK(span)
	return report, nil
}

// Resync raises the counter to the highest active sequence so that fresh
// allocations never collide with imported or manually numbered documents.
// The counter is never lowered.
func (s *MaintenanceService) Resync(ctx context.Context, typeKey string, date time.Time, lister docnumber.ActiveNumberLister) (*CounterChange, error) {
	if typeKey == "" {
		return nil, shared.ErrInvalidInput.WithMessage("document type is required")
	}
	if lister == nil {
		return nil, shared.ErrInvalidInput.WithMessage("resync requires an active number source")
	}
	ctx, span := telemetry.StartServiceSpan(ctx, "docnumber", "resync",
		telemetry.WithAttribute(telemetry.SpanAttrDocumentType, typeKey))
	defer span.End()

	_, key := s.key(ctx, typeKey, date)
	change := &CounterChange{Prefix: key.Prefix, DateBucket: key.DateBucket}

	err := s.txm.RunInTransaction(ctx, func(txCtx context.Context) error {
		record, err := s.store.GetOrCreateForUpdate(txCtx, key)
		if err != nil {
			return err
		}
		change.Previous = record.Current
		change.Current = record.Current

		numbers, err := lister.ListActiveNumbers(txCtx, key.NumberPrefix())
		if err != nil {
			return fmt.Errorf("list active numbers of %s: %w", key, err)
		}
		active, malformed := docnumber.ExtractSequences(numbers, key.NumberPrefix())
		for _, n := range malformed {
			s.log(ctx).Warn("Skipping malformed active document number", zap.String("number", n))
		}
		if len(active) == 0 || active[len(active)-1] <= record.Current {
			return nil
		}

		if err := s.store.Commit(txCtx, record, active[len(active)-1]); err != nil {
			return err
		}
		change.Current = record.Current
		return nil
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	if change.Changed() {
		s.log(ctx).Info("Sequence counter resynced",
			zap.String("prefix", key.Prefix),
			zap.String("date_bucket", key.DateBucket),
			zap.Uint64("previous", change.Previous),
			zap.Uint64("current", change.Current))
	}
	telemetry.SetOK(span)
	return change, nil
}

// SetCounter overwrites the counter of typeKey for date. The next increment
// allocation returns value+1. Lowering the counter below issued numbers can
// produce duplicates; callers are expected to know what they are doing.
func (s *MaintenanceService) SetCounter(ctx context.Context, typeKey string, date time.Time, value uint64) (*CounterChange, error) {
	if typeKey == "" {
		return nil, shared.ErrInvalidInput.WithMessage("document type is required")
	}
	if value > docnumber.MaxSequence {
		return nil, shared.ErrInvalidInput.WithMessage(
			fmt.Sprintf("counter %d exceeds %d", value, docnumber.MaxSequence))
	}
	ctx, span := telemetry.StartServiceSpan(ctx, "docnumber", "set_counter",
		telemetry.WithAttribute(telemetry.SpanAttrDocumentType, typeKey))
	defer span.End()

	_, key := s.key(ctx, typeKey, date)
	change := &CounterChange{Prefix: key.Prefix, DateBucket: key.DateBucket, Current: value}

	err := s.txm.RunInTransaction(ctx, func(txCtx context.Context) error {
		record, err := s.store.GetOrCreateForUpdate(txCtx, key)
		if err != nil {
			return err
		}
		change.Previous = record.Current
		return s.store.Commit(txCtx, record, value)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	s.log(ctx).Info("Sequence counter set",
		zap.String("prefix", key.Prefix),
		zap.String("date_bucket", key.DateBucket),
		zap.Uint64("previous", change.Previous),
		zap.Uint64("current", change.Current))
	telemetry.SetOK(span)
	return change, nil
}

// ListCounters returns every counter of typeKey across date buckets, newest first
func (s *MaintenanceService) ListCounters(ctx context.Context, typeKey string) ([]docnumber.SequenceRecord, error) {
	cfg := s.resolver.Resolve(ctx, typeKey)
	return s.store.ListByPrefix(ctx, cfg.Prefix)
}

func (s *MaintenanceService) log(ctx context.Context) *zap.Logger {
	return logger.L(ctx, s.logger)
}
