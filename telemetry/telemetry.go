// Package telemetry integrates runtime events with Clue tracing and metrics.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime. Implementations
// typically delegate to Clue but the interface is intentionally small so tests can
// provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for runtime instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code can remain agnostic of the
// underlying OpenTelemetry provider. Uses OTEL option types for type safety.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span. Uses OTEL option types for type safety.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// jobContextKey is the context key under which WithJobContext stores JobContext.
type jobContextKey struct{}

// JobContext carries the job coordinates a Logger call should be tagged
// with: workflowId, the dimensional thread it's executing on, and the
// execIndex of the step in progress. Callers attach it with WithJobContext
// so every log line emitted under that context is attributable to a
// specific replay position without every call site threading
// workflowId/dimension/execIndex through keyvals by hand; Engine.Run does
// not attach one itself.
type JobContext struct {
	WorkflowID string
	Dimension  string
	ExecIndex  int
}

// WithJobContext attaches jc to ctx for loggers to pick up.
func WithJobContext(ctx context.Context, jc JobContext) context.Context {
	return context.WithValue(ctx, jobContextKey{}, jc)
}

// JobContextFrom retrieves the JobContext attached by WithJobContext, if any.
func JobContextFrom(ctx context.Context) (JobContext, bool) {
	jc, ok := ctx.Value(jobContextKey{}).(JobContext)
	return jc, ok
}

// jobContextFields renders jc as logger keyvals, for implementations that
// want to prepend job coordinates ahead of a call's own keyvals.
func jobContextFields(ctx context.Context) []any {
	jc, ok := JobContextFrom(ctx)
	if !ok {
		return nil
	}
	return []any{"workflowId", jc.WorkflowID, "dimension", jc.Dimension, "execIndex", jc.ExecIndex}
}
