package logging

import (
	"context"

	"go.uber.org/zap"
)

type contextKey struct{}

// ContextWithFields attaches zap fields to the context. Fields accumulate
// across calls; later fields append after earlier ones.
func ContextWithFields(ctx context.Context, fields ...zap.Field) context.Context {
	existing := ContextFields(ctx)
	merged := make([]zap.Field, 0, len(existing)+len(fields))
	merged = append(merged, existing...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, contextKey{}, merged)
}

// ContextFields returns the zap fields attached to the context, if any.
func ContextFields(ctx context.Context) []zap.Field {
	fields, _ := ctx.Value(contextKey{}).([]zap.Field)
	return fields
}

// FromContext returns logger with any context-attached fields applied.
func FromContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
