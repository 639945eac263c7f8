package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DBMetricsConfig holds configuration for database metrics collection.
type DBMetricsConfig struct {
	// SlowQueryThreshold defines the threshold for slow query detection (default: 200ms).
	SlowQueryThreshold time.Duration
	// PoolStatsInterval defines how often to collect connection pool stats (default: 15s).
	PoolStatsInterval time.Duration
}

// DBMetrics holds the database instruments: connection pool gauges and per-query counters.
type DBMetrics struct {
	poolConnections    *Gauge     // db_pool_connections{db.pool.state}
	poolConnectionsMax *Gauge     // db_pool_connections_max
	queryTotal         *Counter   // db_query_total{db.operation}
	queryErrors        *Counter   // db_query_errors_total{db.operation,db.table}
	queryDuration      *Histogram // db_query_duration_seconds{db.operation}
	slowQueryTotal     *Counter   // db_slow_query_total{db.table}

	config   DBMetricsConfig
	logger   *zap.Logger
	sqlDB    *sql.DB
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDBMetrics creates the database instruments on meter.
func NewDBMetrics(meter metric.Meter, cfg DBMetricsConfig, logger *zap.Logger) (*DBMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SlowQueryThreshold == 0 {
		cfg.SlowQueryThreshold = 200 * time.Millisecond
	}
	if cfg.PoolStatsInterval == 0 {
		cfg.PoolStatsInterval = 15 * time.Second
	}

	m := &DBMetrics{config: cfg, logger: logger, stopCh: make(chan struct{})}

	var err error
	if m.poolConnections, err = NewGauge(meter, "db_pool_connections",
		"Number of connections in the pool by state", "{connection}"); err != nil {
		return nil, err
	}
	if m.poolConnectionsMax, err = NewGauge(meter, "db_pool_connections_max",
		"Maximum number of open connections allowed", "{connection}"); err != nil {
		return nil, err
	}
	if m.queryTotal, err = NewCounter(meter, "db_query_total",
		"Total number of database queries by operation type", "{query}"); err != nil {
		return nil, err
	}
	if m.queryErrors, err = NewCounter(meter, "db_query_errors_total",
		"Database queries that returned an error other than record not found", "{query}"); err != nil {
		return nil, err
	}
	if m.queryDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "db_query_duration_seconds",
		Description: "Database query latency distribution in seconds",
		Unit:        "s",
		Boundaries:  DBDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if m.slowQueryTotal, err = NewCounter(meter, "db_slow_query_total",
		"Queries slower than the configured threshold", "{query}"); err != nil {
		return nil, err
	}

	return m, nil
}

// StartPoolStatsCollection periodically records the pool statistics of sqlDB
// until ctx is cancelled or Stop is called.
func (m *DBMetrics) StartPoolStatsCollection(ctx context.Context, sqlDB *sql.DB) {
	m.sqlDB = sqlDB

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.config.PoolStatsInterval)
		defer ticker.Stop()

		m.collectPoolStats(ctx)
		for {
			select {
			case <-ticker.C:
				m.collectPoolStats(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	m.logger.Debug("Started database connection pool stats collection",
		zap.Duration("interval", m.config.PoolStatsInterval),
	)
}

func (m *DBMetrics) collectPoolStats(ctx context.Context) {
	stats := m.sqlDB.Stats()
	m.poolConnectionsMax.Record(ctx, int64(stats.MaxOpenConnections))
	m.poolConnections.Record(ctx, int64(stats.Idle), AttrDBState.String("idle"))
	m.poolConnections.Record(ctx, int64(stats.InUse), AttrDBState.String("in_use"))
	m.poolConnections.Record(ctx, int64(stats.OpenConnections), AttrDBState.String("open"))
}

// Stop stops the pool stats collection goroutine. Safe to call multiple times.
func (m *DBMetrics) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
	})
}

// RecordQuery records metrics for one database statement.
func (m *DBMetrics) RecordQuery(ctx context.Context, operation, table string, duration time.Duration, err error) {
	operation = strings.ToUpper(operation)
	if operation == "" {
		operation = "UNKNOWN"
	}
	if table == "" {
		table = "unknown"
	}

	m.queryTotal.Inc(ctx, AttrDBOperation.String(operation))
	m.queryDuration.RecordDuration(ctx, duration, AttrDBOperation.String(operation))

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		m.queryErrors.Inc(ctx, AttrDBOperation.String(operation), AttrDBTable.String(table))
	}
	if duration > m.config.SlowQueryThreshold {
		m.slowQueryTotal.Inc(ctx, AttrDBTable.String(table))
	}
}

// =============================================================================
// GORM Plugin for Query Metrics
// =============================================================================

const dbMetricsStartKey = "db_metrics:start"

// DBMetricsPlugin is a GORM plugin that records every statement into DBMetrics.
type DBMetricsPlugin struct {
	metrics *DBMetrics
}

// NewDBMetricsPlugin creates a new GORM plugin for database metrics.
func NewDBMetricsPlugin(metrics *DBMetrics) *DBMetricsPlugin {
	return &DBMetricsPlugin{metrics: metrics}
}

// Name returns the plugin name.
func (p *DBMetricsPlugin) Name() string {
	return "db_metrics"
}

// Initialize registers the GORM callbacks for metrics collection.
func (p *DBMetricsPlugin) Initialize(db *gorm.DB) error {
	return registerStatementHooks(db, "db_metrics", "",
		func(tx *gorm.DB) {
			tx.InstanceSet(dbMetricsStartKey, time.Now())
		},
		func(tx *gorm.DB, operation string) {
			var elapsed time.Duration
			if v, ok := tx.InstanceGet(dbMetricsStartKey); ok {
				if start, ok := v.(time.Time); ok {
					elapsed = time.Since(start)
				}
			}
			ctx := tx.Statement.Context
			if ctx == nil {
				ctx = context.Background()
			}
			p.metrics.RecordQuery(ctx, operation, tx.Statement.Table, elapsed, tx.Error)
		},
	)
}

// RegisterDBMetrics creates the database instruments, registers the GORM plugin
// and starts pool stats collection. The caller stops the returned DBMetrics on shutdown.
// It returns nil, nil when the meter provider is disabled.
func RegisterDBMetrics(ctx context.Context, db *gorm.DB, mp *MeterProvider, cfg DBMetricsConfig, logger *zap.Logger) (*DBMetrics, error) {
	if mp == nil || !mp.IsEnabled() {
		logger.Debug("MeterProvider not available, skipping database metrics")
		return nil, nil
	}

	metrics, err := NewDBMetrics(mp.Meter("db.client"), cfg, logger)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := db.Use(NewDBMetricsPlugin(metrics)); err != nil {
		return nil, err
	}
	metrics.StartPoolStatsCollection(ctx, sqlDB)

	logger.Info("Database metrics registered",
		zap.Duration("slow_query_threshold", metrics.config.SlowQueryThreshold),
		zap.Duration("pool_stats_interval", metrics.config.PoolStatsInterval),
	)
	return metrics, nil
}

// =============================================================================
// Statement hooks shared by the metrics and tracing plugins
// =============================================================================

type gormRegister interface {
	Register(name string, fn func(*gorm.DB)) error
}

// registerStatementHooks installs before and after around every GORM processor.
// after receives the SQL operation; Row and Raw statements are classified from their SQL.
// When afterTracing is set, after hooks run before the named plugin's after hooks
// (otelgorm ends its span there).
func registerStatementHooks(db *gorm.DB, name, afterTracing string, before func(*gorm.DB), after func(*gorm.DB, string)) error {
	cb := db.Callback()

	fixed := func(op string) func(*gorm.DB) {
		return func(tx *gorm.DB) { after(tx, op) }
	}
	detected := func(tx *gorm.DB) {
		after(tx, detectOperationType(tx.Statement.SQL.String()))
	}
	ahead := func(suffix string) string {
		if afterTracing == "" {
			return ""
		}
		return afterTracing + suffix
	}

	hooks := []struct {
		register gormRegister
		fn       func(*gorm.DB)
		name     string
	}{
		{cb.Create().Before("gorm:create"), before, "before_create"},
		{cb.Create().After("gorm:create").Before(ahead("create")), fixed("INSERT"), "after_create"},
		{cb.Query().Before("gorm:query"), before, "before_query"},
		{cb.Query().After("gorm:query").Before(ahead("select")), fixed("SELECT"), "after_query"},
		{cb.Update().Before("gorm:update"), before, "before_update"},
		{cb.Update().After("gorm:update").Before(ahead("update")), fixed("UPDATE"), "after_update"},
		{cb.Delete().Before("gorm:delete"), before, "before_delete"},
		{cb.Delete().After("gorm:delete").Before(ahead("delete")), fixed("DELETE"), "after_delete"},
		{cb.Row().Before("gorm:row"), before, "before_row"},
		{cb.Row().After("gorm:row").Before(ahead("row")), detected, "after_row"},
		{cb.Raw().Before("gorm:raw"), before, "before_raw"},
		{cb.Raw().After("gorm:raw").Before(ahead("raw")), detected, "after_raw"},
	}

	for _, h := range hooks {
		if err := h.register.Register(name+":"+h.name, h.fn); err != nil {
			return err
		}
	}
	return nil
}

// detectOperationType classifies a raw SQL statement by its leading keyword.
func detectOperationType(sql string) string {
	sql = strings.TrimSpace(strings.ToUpper(sql))

	switch {
	case strings.HasPrefix(sql, "SELECT"):
		return "SELECT"
	case strings.HasPrefix(sql, "INSERT"):
		return "INSERT"
	case strings.HasPrefix(sql, "UPDATE"):
		return "UPDATE"
	case strings.HasPrefix(sql, "DELETE"):
		return "DELETE"
	case strings.HasPrefix(sql, "SET"):
		return "SET"
	default:
		return "OTHER"
	}
}
