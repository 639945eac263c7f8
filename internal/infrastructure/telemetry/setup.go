package telemetry

import (
	"context"
	"errors"

	"github.com/erp/docnumber/internal/infrastructure/config"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Providers bundles the signal providers of one process.
type Providers struct {
	Meter     *MeterProvider
	Tracer    *TracerProvider
	Logs      *LoggerProvider
	Allocator *AllocatorMetrics
	DB        *DBMetrics

	logger *zap.Logger
}

// Setup creates the meter, tracer and logger providers from cfg.
// Every provider is a no-op when telemetry is disabled, and Allocator is then nil.
func Setup(ctx context.Context, cfg config.TelemetryConfig, logger *zap.Logger) (*Providers, error) {
	p := &Providers{logger: logger}

	var err error
	p.Meter, err = NewMeterProvider(ctx, MetricsConfig{
		Enabled:           cfg.Enabled,
		CollectorEndpoint: cfg.CollectorEndpoint,
		ExportInterval:    cfg.ExportInterval,
		ServiceName:       cfg.ServiceName,
		Insecure:          cfg.Insecure,
	}, logger)
	if err != nil {
		return nil, err
	}

	p.Tracer, err = NewTracerProvider(ctx, Config{
		Enabled:           cfg.Enabled,
		CollectorEndpoint: cfg.CollectorEndpoint,
		SamplingRatio:     cfg.SamplingRatio,
		ServiceName:       cfg.ServiceName,
		Insecure:          cfg.Insecure,
	}, logger)
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}

	p.Logs, err = NewLoggerProvider(ctx, LogsConfig{
		Enabled:           cfg.Enabled && cfg.ExportLogs,
		CollectorEndpoint: cfg.CollectorEndpoint,
		ServiceName:       cfg.ServiceName,
		Insecure:          cfg.Insecure,
	}, logger)
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}

	if p.Meter.IsEnabled() {
		p.Allocator, err = NewAllocatorMetrics(p.Meter.Meter(TracerName))
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, err
		}
	}

	return p, nil
}

// InstrumentDB registers query metrics and, when traceSQL is set, statement spans on db.
func (p *Providers) InstrumentDB(ctx context.Context, db *gorm.DB, dbCfg config.DatabaseConfig, traceSQL bool) error {
	metrics, err := RegisterDBMetrics(ctx, db, p.Meter, DBMetricsConfig{
		SlowQueryThreshold: dbCfg.SlowQueryThresh,
	}, p.logger)
	if err != nil {
		return err
	}
	p.DB = metrics

	return RegisterDBTracing(db, DBTracingConfig{
		Enabled:         traceSQL && p.Tracer.IsEnabled(),
		SlowQueryThresh: dbCfg.SlowQueryThresh,
	}, p.logger)
}

// Shutdown stops every provider, flushing pending data. It is safe on a partially built Providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	if p.DB != nil {
		p.DB.Stop()
	}
	if p.Logs != nil {
		errs = append(errs, p.Logs.Shutdown(ctx))
	}
	if p.Tracer != nil {
		errs = append(errs, p.Tracer.Shutdown(ctx))
	}
	if p.Meter != nil {
		errs = append(errs, p.Meter.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
