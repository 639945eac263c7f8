package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type contextKey string

const (
	// LoggerKey is the context key for the logger
	LoggerKey contextKey = "logger"
	// OperationIDKey is the context key of the caller supplied operation id
	OperationIDKey contextKey = "operation_id"
)

// WithContext returns a new context with the logger attached
func WithContext(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the logger from context, returns a no-op logger if not found
func FromContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*zap.Logger); ok {
		return logger
	}
	return zap.NewNop()
}

// WithOperationID tags the context and its logger with the id of the business
// operation (e.g. the order being created) an allocation happens for.
func WithOperationID(ctx context.Context, logger *zap.Logger, operationID string) (context.Context, *zap.Logger) {
	ctx = context.WithValue(ctx, OperationIDKey, operationID)
	enriched := logger.With(zap.String("operation_id", operationID))
	return WithContext(ctx, enriched), enriched
}

// GetOperationID retrieves the operation id from context
func GetOperationID(ctx context.Context) string {
	if id, ok := ctx.Value(OperationIDKey).(string); ok {
		return id
	}
	return ""
}

// L returns base enriched with the trace and operation ids found in ctx.
// A nil base falls back to the logger carried by ctx, which already has the
// operation id.
func L(ctx context.Context, base *zap.Logger) *zap.Logger {
	l := base
	if l == nil {
		l = FromContext(ctx)
	} else if id := GetOperationID(ctx); id != "" {
		l = l.With(zap.String("operation_id", id))
	}

	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		l = l.With(
			zap.String("trace_id", spanCtx.TraceID().String()),
			zap.String("span_id", spanCtx.SpanID().String()),
		)
	}
	return l
}
