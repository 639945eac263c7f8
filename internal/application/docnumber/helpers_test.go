package docnumber

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/erp/docnumber/internal/domain/docnumber"
	"github.com/erp/docnumber/internal/domain/shared"
	"github.com/erp/docnumber/internal/infrastructure/telemetry"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// fixedResolver resolves every key to the default format with the key as prefix,
// unless an explicit entry exists
type fixedResolver map[string]docnumber.FormatConfig

func (r fixedResolver) Resolve(_ context.Context, typeKey string) docnumber.FormatConfig {
	if cfg, ok := r[typeKey]; ok {
		return cfg
	}
	return docnumber.DefaultFormatConfig(typeKey)
}

// sliceLister serves a mutable list of active numbers
type sliceLister struct {
	mu      sync.Mutex
	numbers []string
	err     error
	calls   int
}

func newSliceLister(numbers ...string) *sliceLister {
	return &sliceLister{numbers: numbers}
}

func (l *sliceLister) ListActiveNumbers(_ context.Context, _ string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return append([]string(nil), l.numbers...), nil
}

func (l *sliceLister) add(number string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.numbers = append(l.numbers, number)
}

// MockSettingRepository is a mock implementation of SettingRepository
type MockSettingRepository struct {
	mock.Mock
}

func (m *MockSettingRepository) Get(ctx context.Context, key string) (*docnumber.Setting, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*docnumber.Setting), args.Error(1)
}

func (m *MockSettingRepository) Upsert(ctx context.Context, setting *docnumber.Setting) error {
	args := m.Called(ctx, setting)
	return args.Error(0)
}

func (m *MockSettingRepository) CreateIfAbsent(ctx context.Context, setting *docnumber.Setting) (bool, error) {
	args := m.Called(ctx, setting)
	return args.Bool(0), args.Error(1)
}

func (m *MockSettingRepository) List(ctx context.Context, keyPrefix string) ([]docnumber.Setting, error) {
	args := m.Called(ctx, keyPrefix)
	return args.Get(0).([]docnumber.Setting), args.Error(1)
}

// expectMissing makes every unmatched Get report not found
func (m *MockSettingRepository) expectMissing() {
	m.On("Get", mock.Anything, mock.Anything).Return(nil, shared.ErrNotFound)
}

// MockSettingInvalidator is a mock implementation of SettingInvalidator
type MockSettingInvalidator struct {
	mock.Mock
}

func (m *MockSettingInvalidator) Publish(ctx context.Context, msg docnumber.InvalidationMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockSettingInvalidator) Subscribe(ctx context.Context, callback func(msg docnumber.InvalidationMessage)) error {
	args := m.Called(ctx, callback)
	return args.Error(0)
}

func (m *MockSettingInvalidator) Close() error {
	args := m.Called()
	return args.Error(0)
}

func setting(key, value string) *docnumber.Setting {
	return &docnumber.Setting{Key: key, Value: value, Active: true}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 30, 0, 0, time.UTC)
}

func newTestAllocatorMetrics(t *testing.T) (*telemetry.AllocatorMetrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := telemetry.NewAllocatorMetrics(mp.Meter("docnumber-test"))
	require.NoError(t, err)
	return m, reader
}

// counterTotal sums every data point of an int64 counter
func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}
