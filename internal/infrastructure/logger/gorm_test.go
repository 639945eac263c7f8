package logger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func newObservedGormLogger(level gormlogger.LogLevel, opts ...GormLoggerOption) (*GormLogger, *observer.ObservedLogs) {
	core, recorded := observer.New(zapcore.DebugLevel)
	return NewGormLogger(zap.New(core), level, opts...), recorded
}

func sqlFn(sql string) func() (string, int64) {
	return func() (string, int64) { return sql, 1 }
}

func TestGormLogger_LogMode(t *testing.T) {
	gl, _ := newObservedGormLogger(gormlogger.Info)
	changed, ok := gl.LogMode(gormlogger.Warn).(*GormLogger)
	require.True(t, ok)

	assert.Equal(t, gormlogger.Info, gl.logLevel)
	assert.Equal(t, gormlogger.Warn, changed.logLevel)
}

func TestGormLogger_Trace(t *testing.T) {
	t.Run("silent logs nothing", func(t *testing.T) {
		gl, recorded := newObservedGormLogger(gormlogger.Silent)
		gl.Trace(context.Background(), time.Now(), sqlFn("SELECT 1"), errors.New("boom"))
		assert.Empty(t, recorded.All())
	})

	t.Run("error is logged at error level", func(t *testing.T) {
		gl, recorded := newObservedGormLogger(gormlogger.Warn)
		gl.Trace(context.Background(), time.Now(), sqlFn("SELECT 1"), errors.New("boom"))

		require.Len(t, recorded.All(), 1)
		assert.Equal(t, zapcore.ErrorLevel, recorded.All()[0].Level)
	})

	t.Run("record not found is ignored", func(t *testing.T) {
		gl, recorded := newObservedGormLogger(gormlogger.Warn)
		gl.Trace(context.Background(), time.Now(), sqlFn("SELECT 1"), gormlogger.ErrRecordNotFound)
		assert.Empty(t, recorded.All())
	})

	t.Run("lock timeout is logged at warn level", func(t *testing.T) {
		gl, recorded := newObservedGormLogger(gormlogger.Warn)
		err := fmt.Errorf("lock: %w", &pgconn.PgError{Code: "55P03", Message: "canceling statement due to lock timeout"})
		gl.Trace(context.Background(), time.Now(), sqlFn("SELECT ... FOR UPDATE"), err)

		require.Len(t, recorded.All(), 1)
		assert.Equal(t, zapcore.WarnLevel, recorded.All()[0].Level)
		assert.Equal(t, "SQL lock wait timeout", recorded.All()[0].Message)
	})

	t.Run("slow query is logged at warn level", func(t *testing.T) {
		gl, recorded := newObservedGormLogger(gormlogger.Warn, WithSlowThreshold(time.Millisecond))
		gl.Trace(context.Background(), time.Now().Add(-time.Second), sqlFn("SELECT 1"), nil)

		require.Len(t, recorded.All(), 1)
		assert.Equal(t, "SLOW SQL", recorded.All()[0].Message)
	})

	t.Run("info level logs queries at debug", func(t *testing.T) {
		gl, recorded := newObservedGormLogger(gormlogger.Info, WithSlowThreshold(0))
		ctx := context.WithValue(context.Background(), OperationIDKey, "so-9")
		gl.Trace(ctx, time.Now(), sqlFn("SELECT 1"), nil)

		require.Len(t, recorded.All(), 1)
		entry := recorded.All()[0]
		assert.Equal(t, zapcore.DebugLevel, entry.Level)
		assert.Equal(t, "so-9", entry.ContextMap()["operation_id"])
	})
}

func TestMapGormLogLevel(t *testing.T) {
	assert.Equal(t, gormlogger.Silent, MapGormLogLevel("silent"))
	assert.Equal(t, gormlogger.Info, MapGormLogLevel("debug"))
	assert.Equal(t, gormlogger.Warn, MapGormLogLevel("unknown"))
}
