// Package docnumber allocates human-readable document numbers and manages
// their counters and format settings.
package docnumber

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/docnumber/internal/domain/docnumber"
	"github.com/erp/docnumber/internal/domain/shared"
	"github.com/erp/docnumber/internal/infrastructure/logger"
	"github.com/erp/docnumber/internal/infrastructure/telemetry"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Allocation is the outcome of one successful allocation
type Allocation struct {
	Number     string
	Prefix     string
	DateBucket string
	Sequence   uint64
	// Reused is true when the sequence filled a gap left by a deleted document
	Reused bool
}

// Allocator issues document numbers of the form prefix + date bucket +
// zero-padded sequence. Calls for the same prefix and bucket are serialized
// by the sequence row lock; different keys never block each other.
type Allocator struct {
	store    docnumber.SequenceStore
	txm      docnumber.TxManager
	resolver docnumber.ConfigResolver
	logger   *zap.Logger
	metrics  *telemetry.AllocatorMetrics
	location *time.Location
	now      func() time.Time
	gapReuse bool
}

// AllocatorOption is a functional option for configuring the allocator
type AllocatorOption func(*Allocator)

// WithAllocatorLogger sets the logger; entries carry the trace and operation ids of ctx
func WithAllocatorLogger(logger *zap.Logger) AllocatorOption {
	return func(a *Allocator) {
		a.logger = logger
	}
}

// WithAllocatorMetrics sets the metrics recorder
func WithAllocatorMetrics(m *telemetry.AllocatorMetrics) AllocatorOption {
	return func(a *Allocator) {
		a.metrics = m
	}
}

// WithLocation sets the time zone used to derive date buckets
func WithLocation(loc *time.Location) AllocatorOption {
	return func(a *Allocator) {
		if loc != nil {
			a.location = loc
		}
	}
}

// WithClock sets the clock used when no date is given
func WithClock(now func() time.Time) AllocatorOption {
	return func(a *Allocator) {
		a.now = now
	}
}

// WithGapReuse enables or disables reuse of numbers freed by soft deletion.
// Enabled by default; it only takes effect for calls given an ActiveNumberLister.
func WithGapReuse(enabled bool) AllocatorOption {
	return func(a *Allocator) {
		a.gapReuse = enabled
	}
}

// NewAllocator creates an allocator
func NewAllocator(store docnumber.SequenceStore, txm docnumber.TxManager, resolver docnumber.ConfigResolver, opts ...AllocatorOption) *Allocator {
	a := &Allocator{
		store:    store,
		txm:      txm,
		resolver: resolver,
		logger:   zap.NewNop(),
		location: time.Local,
		now:      time.Now,
		gapReuse: true,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AllocateOption configures a single allocation
type AllocateOption func(*allocateOptions)

type allocateOptions struct {
	lister docnumber.ActiveNumberLister
}

// WithActiveNumbers enables gap reuse for this call using lister to find
// the numbers of non-deleted documents
func WithActiveNumbers(lister docnumber.ActiveNumberLister) AllocateOption {
	return func(o *allocateOptions) {
		o.lister = lister
	}
}

// Allocate returns the next number of typeKey for date. A zero date means
// today in the allocator's time zone. typeKey is a catalogue key such as
// "sales_order" or a legacy raw prefix such as "SO".
//
// When ctx carries a transaction the allocation joins it, so a rollback of
// the caller also releases the number.
func (a *Allocator) Allocate(ctx context.Context, typeKey string, date time.Time, opts ...AllocateOption) (string, error) {
	res, err := a.AllocateDetailed(ctx, typeKey, date, opts...)
	if err != nil {
		return "", err
	}
	return res.Number, nil
}

// AllocateDetailed is Allocate returning the decomposed result
func (a *Allocator) AllocateDetailed(ctx context.Context, typeKey string, date time.Time, opts ...AllocateOption) (*Allocation, error) {
	if typeKey == "" {
		return nil, shared.ErrInvalidInput.WithMessage("document type is required")
	}
	var o allocateOptions
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	ctx, span := telemetry.StartServiceSpan(ctx, "docnumber", "allocate",
		telemetry.WithAttribute(telemetry.SpanAttrDocumentType, typeKey))
	defer span.End()

	cfg := a.resolver.Resolve(ctx, typeKey).Normalized()
	key := docnumber.SequenceKey{
		Prefix:     cfg.Prefix,
		DateBucket: cfg.Bucket(a.dateOrToday(date)),
	}
	log := a.log(ctx).With(
		zap.String("document_type", typeKey),
		zap.String("prefix", key.Prefix),
		zap.String("date_bucket", key.DateBucket))
	telemetry.SetAttributes(span,
		telemetry.SpanAttrPrefix, key.Prefix,
		telemetry.SpanAttrDateBucket, key.DateBucket)

	var res *Allocation
	err := a.txm.RunInTransaction(ctx, func(txCtx context.Context) error {
		record, err := a.store.GetOrCreateForUpdate(txCtx, key)
		if err != nil {
			return err
		}

		next, reused := a.nextSequence(txCtx, log, record, o.lister)
		if next > docnumber.MaxSequence {
			return shared.ErrInvalidState.WithMessage(
				fmt.Sprintf("sequence of %s exhausted at %d", key, record.Current))
		}
		if err := a.store.Commit(txCtx, record, next); err != nil {
			return err
		}

		res = &Allocation{
			Number:     cfg.Render(key.DateBucket, next),
			Prefix:     key.Prefix,
			DateBucket: key.DateBucket,
			Sequence:   next,
			Reused:     reused,
		}
		return nil
	})
	if err != nil {
		a.metrics.RecordError(ctx, key.Prefix, err, time.Since(start))
		telemetry.RecordError(span, err)
		log.Warn("Document number allocation failed",
			zap.Bool("retryable", shared.IsRetryable(err)),
			zap.Error(err))
		return nil, err
	}

	outcome := telemetry.OutcomeIncrement
	if res.Reused {
		outcome = telemetry.OutcomeGapReuse
	}
	a.metrics.RecordAllocation(ctx, key.Prefix, outcome, res.Sequence, time.Since(start))
	telemetry.SetAttributes(span,
		telemetry.SpanAttrSequence, res.Sequence,
		telemetry.SpanAttrNumber, res.Number,
		telemetry.SpanAttrReused, res.Reused)
	telemetry.SetOK(span)

	log.Debug("Document number allocated",
		zap.String("number", res.Number),
		zap.Uint64("sequence", res.Sequence),
		zap.Bool("reused", res.Reused))
	return res, nil
}

// nextSequence picks the value to commit for a locked record. A lister
// failure or malformed active number never fails the allocation; the
// allocation then behaves as if the capability were absent or the number
// did not exist.
func (a *Allocator) nextSequence(ctx context.Context, log *zap.Logger, record *docnumber.SequenceRecord, lister docnumber.ActiveNumberLister) (uint64, bool) {
	if lister == nil || !a.gapReuse {
		return record.Current + 1, false
	}

	active, ok := a.activeSequences(ctx, log, record.Key, lister)
	if !ok {
		return record.Current + 1, false
	}
	if gap, found := docnumber.FindReusableNumber(record.Current, active); found {
		return gap, true
	}
	return docnumber.NextAfter(record.Current, active), false
}

// activeNumbersSavepoint isolates the lister query so that its failure leaves
// the locked transaction able to commit the plain increment
const activeNumbersSavepoint = "docnumber_active_numbers"

func (a *Allocator) activeSequences(ctx context.Context, log *zap.Logger, key docnumber.SequenceKey, lister docnumber.ActiveNumberLister) ([]uint64, bool) {
	var numbers []string
	err := a.txm.RunInSavepoint(ctx, activeNumbersSavepoint, func(ctx context.Context) error {
		var err error
		numbers, err = lister.ListActiveNumbers(ctx, key.NumberPrefix())
		return err
	})
	if err != nil {
		log.Warn("Listing active document numbers failed, gap reuse skipped", zap.Error(err))
		return nil, false
	}

	active, malformed := docnumber.ExtractSequences(numbers, key.NumberPrefix())
	telemetry.AddEvent(trace.SpanFromContext(ctx), "active_numbers_listed",
		telemetry.SpanAttrActiveCount, len(active))
	if len(malformed) > 0 {
		a.metrics.RecordMalformed(ctx, key.Prefix, len(malformed))
		for _, n := range malformed {
			log.Warn("Skipping malformed active document number", zap.String("number", n))
		}
	}
	return active, true
}

// Parse decomposes a number of typeKey using the currently configured format
func (a *Allocator) Parse(ctx context.Context, typeKey, number string) (docnumber.ParsedNumber, bool) {
	cfg := a.resolver.Resolve(ctx, typeKey).Normalized()
	return docnumber.Parse(number, cfg.Prefix, docnumber.WithDateFormat(cfg.DateFormat))
}

// Validate reports whether number looks like a number of typeKey under any supported format
func (a *Allocator) Validate(ctx context.Context, typeKey, number string) bool {
	cfg := a.resolver.Resolve(ctx, typeKey)
	return docnumber.Validate(number, cfg.Prefix)
}

func (a *Allocator) dateOrToday(date time.Time) time.Time {
	if date.IsZero() {
		return a.now().In(a.location)
	}
	return date
}

func (a *Allocator) log(ctx context.Context) *zap.Logger {
	return logger.L(ctx, a.logger)
}
