package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/erp/docnumber/internal/domain/shared"
	"go.opentelemetry.io/otel/metric"
)

// ErrMeterNil is returned when a metrics constructor receives no meter
var ErrMeterNil = errors.New("telemetry: meter is nil")

// AllocationOutcome tells how an allocated sequence was chosen
type AllocationOutcome string

const (
	// OutcomeIncrement means the counter advanced by one
	OutcomeIncrement AllocationOutcome = "increment"
	// OutcomeGapReuse means a hole left by a deleted document was handed out again
	OutcomeGapReuse AllocationOutcome = "gap_reuse"
)

// AllocatorMetrics records document number allocation activity.
// A nil *AllocatorMetrics is valid and records nothing.
type AllocatorMetrics struct {
	allocationsTotal   *Counter   // docnumber_allocations_total
	errorsTotal        *Counter   // docnumber_allocation_errors_total
	malformedTotal     *Counter   // docnumber_malformed_numbers_total
	allocationDuration *Histogram // docnumber_allocation_duration_seconds
	lastSequence       *Gauge     // docnumber_sequence_last
	settingLookups     *Counter   // docnumber_setting_lookups_total
}

// NewAllocatorMetrics creates the allocator instruments on meter
func NewAllocatorMetrics(meter metric.Meter) (*AllocatorMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}

	allocationsTotal, err := NewCounter(meter,
		"docnumber_allocations_total",
		"Document numbers allocated by prefix and outcome",
		"{number}",
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := NewCounter(meter,
		"docnumber_allocation_errors_total",
		"Failed allocations by prefix and error code",
		"{error}",
	)
	if err != nil {
		return nil, err
	}

	malformedTotal, err := NewCounter(meter,
		"docnumber_malformed_numbers_total",
		"Active document numbers skipped during gap scanning because they could not be parsed",
		"{number}",
	)
	if err != nil {
		return nil, err
	}

	allocationDuration, err := NewHistogram(meter, HistogramOpts{
		Name:        "docnumber_allocation_duration_seconds",
		Description: "Allocation latency including the sequence row lock wait",
		Unit:        "s",
		Boundaries:  AllocationDurationBuckets,
	})
	if err != nil {
		return nil, err
	}

	lastSequence, err := NewGauge(meter,
		"docnumber_sequence_last",
		"Last sequence handed out per prefix",
		"{number}",
	)
	if err != nil {
		return nil, err
	}

	settingLookups, err := NewCounter(meter,
		"docnumber_setting_lookups_total",
		"Format setting lookups by cache result",
		"{lookup}",
	)
	if err != nil {
		return nil, err
	}

	return &AllocatorMetrics{
		allocationsTotal:   allocationsTotal,
		errorsTotal:        errorsTotal,
		malformedTotal:     malformedTotal,
		allocationDuration: allocationDuration,
		lastSequence:       lastSequence,
		settingLookups:     settingLookups,
	}, nil
}

// RecordAllocation records a successful allocation
func (m *AllocatorMetrics) RecordAllocation(ctx context.Context, prefix string, outcome AllocationOutcome, sequence uint64, d time.Duration) {
	if m == nil {
		return
	}
	m.allocationsTotal.Inc(ctx, AttrPrefix.String(prefix), AttrOutcome.String(string(outcome)))
	m.allocationDuration.RecordDuration(ctx, d, AttrPrefix.String(prefix))
	m.lastSequence.Record(ctx, int64(sequence), AttrPrefix.String(prefix))
}

// RecordError records a failed allocation. Errors without a domain code count as "INTERNAL".
func (m *AllocatorMetrics) RecordError(ctx context.Context, prefix string, err error, d time.Duration) {
	if m == nil || err == nil {
		return
	}
	code := shared.ErrorCode(err)
	if code == "" {
		code = "INTERNAL"
	}
	m.errorsTotal.Inc(ctx, AttrPrefix.String(prefix), AttrErrorCode.String(code))
	m.allocationDuration.RecordDuration(ctx, d, AttrPrefix.String(prefix))
}

// RecordMalformed counts active numbers that were skipped during gap scanning
func (m *AllocatorMetrics) RecordMalformed(ctx context.Context, prefix string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.malformedTotal.Add(ctx, int64(n), AttrPrefix.String(prefix))
}

// RecordSettingLookup counts a format setting lookup; result is "hit", "miss" or "error"
func (m *AllocatorMetrics) RecordSettingLookup(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.settingLookups.Inc(ctx, AttrCacheResult.String(result))
}
