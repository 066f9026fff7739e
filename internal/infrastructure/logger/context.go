package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type contextKey string

// Correlation ids carried on request and run contexts
const (
	RequestIDKey contextKey = "request_id"
	RunIDKey     contextKey = "run_id"
)

// WithRequestID tags ctx with the HTTP request id. Provider adapters forward
// it upstream and Enrich adds it to log entries.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithRunID tags ctx with a reconciliation run id and returns l carrying it
func WithRunID(ctx context.Context, l *zap.Logger, runID string) (context.Context, *zap.Logger) {
	return context.WithValue(ctx, RunIDKey, runID), l.With(zap.String("run_id", runID))
}

// GetRequestID returns the request id on ctx, or ""
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// GetRunID returns the run id on ctx, or ""
func GetRunID(ctx context.Context) string {
	id, _ := ctx.Value(RunIDKey).(string)
	return id
}

// Enrich adds the correlation fields found on ctx to l: request id, run id,
// and the trace and span ids of the active span.
func Enrich(ctx context.Context, l *zap.Logger) *zap.Logger {
	if l == nil {
		l = zap.NewNop()
	}
	fields := make([]zap.Field, 0, 4)
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		fields = append(fields,
			zap.String("trace_id", spanCtx.TraceID().String()),
			zap.String("span_id", spanCtx.SpanID().String()),
		)
	}
	if id := GetRequestID(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if id := GetRunID(ctx); id != "" {
		fields = append(fields, zap.String("run_id", id))
	}
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}
