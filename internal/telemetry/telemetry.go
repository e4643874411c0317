// Package telemetry provides the ambient logging, metrics, and tracing
// surface every other core package depends on. Implementations delegate to
// goa.design/clue/log for structured logging and to OpenTelemetry for metrics
// and tracing, but callers only ever see the small interfaces below.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the core. The interface
// is intentionally small so tests can supply lightweight stubs instead of a
// real Clue-backed logger.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)

	// With returns a Logger that prepends the given key-value pairs to every
	// subsequent call. Threads use this to scope a logger with thread_id,
	// parent_thread_id, and depth for the life of the thread.
	With(keyvals ...any) Logger
}

// Metrics exposes counter, timer, and gauge helpers for runtime instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so core code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}
