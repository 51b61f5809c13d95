package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// NoopLogger discards log messages by default. Its zero value
	// (NoopLogger{}) is a true no-op, suitable for production entry points
	// that wire no telemetry backend. NewRecordingLogger returns a variant that
	// additionally captures every call, keyed by JobContext when present, so
	// tests exercising engine/scheduler/activity suspension paths can assert
	// which workflow/dimension/execIndex logged what without standing up
	// Clue/OTEL.
	NoopLogger struct {
		mu      *sync.Mutex
		entries *[]LogEntry
	}

	// NoopMetrics is a no-op implementation of Metrics that discards all metrics.
	NoopMetrics struct{}

	// NoopTracer is a no-op implementation of Tracer that creates no-op spans.
	NoopTracer struct{}

	// noopSpan is a no-op implementation of Span.
	noopSpan struct{}
)

// LogEntry is one captured call against a recording NoopLogger.
type LogEntry struct {
	Level      string
	Msg        string
	Keyvals    []any
	JobContext JobContext
}

// NewNoopLogger constructs a Logger that discards all log messages.
// Use this for testing or when logging is not required.
func NewNoopLogger() Logger {
	return NoopLogger{}
}

// NewRecordingLogger returns a NoopLogger that captures every call for later
// inspection via Entries, instead of discarding it. Useful in tests that
// need to assert a suspension point (sleep armed, signal delivered, child
// workflow started) actually logged, without asserting on log text directly.
func NewRecordingLogger() NoopLogger {
	return NoopLogger{mu: &sync.Mutex{}, entries: &[]LogEntry{}}
}

// Entries returns a snapshot of every call captured so far. Returns nil for
// a non-recording (zero-value) NoopLogger.
func (n NoopLogger) Entries() []LogEntry {
	if n.entries == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]LogEntry, len(*n.entries))
	copy(out, *n.entries)
	return out
}

func (n NoopLogger) record(ctx context.Context, level, msg string, keyvals []any) {
	if n.entries == nil {
		return
	}
	jc, _ := JobContextFrom(ctx)
	n.mu.Lock()
	defer n.mu.Unlock()
	*n.entries = append(*n.entries, LogEntry{Level: level, Msg: msg, Keyvals: keyvals, JobContext: jc})
}

// NewNoopMetrics constructs a Metrics recorder that discards all metrics.
// Use this for testing or when metrics are not required.
func NewNoopMetrics() Metrics {
	return NoopMetrics{}
}

// NewNoopTracer constructs a Tracer that creates no-op spans.
// Use this for testing or when tracing is not required.
func NewNoopTracer() Tracer {
	return NoopTracer{}
}

// Debug captures (if recording) or discards the log message.
func (n NoopLogger) Debug(ctx context.Context, msg string, keyvals ...any) { n.record(ctx, "debug", msg, keyvals) }

// Info captures (if recording) or discards the log message.
func (n NoopLogger) Info(ctx context.Context, msg string, keyvals ...any) { n.record(ctx, "info", msg, keyvals) }

// Warn captures (if recording) or discards the log message.
func (n NoopLogger) Warn(ctx context.Context, msg string, keyvals ...any) { n.record(ctx, "warn", msg, keyvals) }

// Error captures (if recording) or discards the log message.
func (n NoopLogger) Error(ctx context.Context, msg string, keyvals ...any) { n.record(ctx, "error", msg, keyvals) }

// IncCounter discards the counter metric.
func (NoopMetrics) IncCounter(string, float64, ...string) {}

// RecordTimer discards the timer metric.
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}

// RecordGauge discards the gauge metric.
func (NoopMetrics) RecordGauge(string, float64, ...string) {}

// Start returns a no-op span without modifying the context.
func (NoopTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

// Span returns a no-op span.
func (NoopTracer) Span(context.Context) Span {
	return noopSpan{}
}

// End is a no-op.
func (noopSpan) End(...trace.SpanEndOption) {}

// AddEvent is a no-op.
func (noopSpan) AddEvent(string, ...any) {}

// SetStatus is a no-op.
func (noopSpan) SetStatus(codes.Code, string) {}

// RecordError is a no-op.
func (noopSpan) RecordError(error, ...trace.EventOption) {}
