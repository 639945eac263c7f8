package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	l := zap.NewExample()
	ctx := WithContext(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
}

func TestWithOperationID(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	ctx, enriched := WithOperationID(context.Background(), zap.New(core), "order-42")

	assert.Equal(t, "order-42", GetOperationID(ctx))
	enriched.Info("hello")

	require.Len(t, recorded.All(), 1)
	assert.Equal(t, "order-42", recorded.All()[0].ContextMap()["operation_id"])
}

func TestL(t *testing.T) {
	t.Run("adds operation id to explicit logger", func(t *testing.T) {
		core, recorded := observer.New(zapcore.InfoLevel)
		ctx := context.WithValue(context.Background(), OperationIDKey, "po-7")

		L(ctx, zap.New(core)).Info("allocated")

		entry := recorded.All()[0]
		assert.Equal(t, "po-7", entry.ContextMap()["operation_id"])
	})

	t.Run("adds trace ids", func(t *testing.T) {
		core, recorded := observer.New(zapcore.InfoLevel)
		traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
		spanID, _ := trace.SpanIDFromHex("0102030405060708")
		sc := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: trace.FlagsSampled,
		})
		ctx := trace.ContextWithSpanContext(context.Background(), sc)

		L(ctx, zap.New(core)).Info("allocated")

		fields := recorded.All()[0].ContextMap()
		assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", fields["trace_id"])
		assert.Equal(t, "0102030405060708", fields["span_id"])
	})

	t.Run("falls back to context logger", func(t *testing.T) {
		core, recorded := observer.New(zapcore.InfoLevel)
		ctx, _ := WithOperationID(context.Background(), zap.New(core), "so-1")

		L(ctx, nil).Info("allocated")

		entry := recorded.All()[0]
		assert.Equal(t, "so-1", entry.ContextMap()["operation_id"])
		assert.Len(t, entry.Context, 1)
	})
}
