// Package telemetry defines the logging, metrics and tracing seams used by the
// tracing client and the collector. Production code uses the Clue and
// OpenTelemetry backed implementations; tests use the no-op ones or their own
// stubs.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging. Key/value pairs follow msg.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter and histogram helpers. Tags are flattened
	// key/value pairs.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer abstracts OpenTelemetry span creation so traced calls also show
	// up in the host's distributed traces.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span represents an in-flight OpenTelemetry span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric names emitted by the tracing client and the collector.
const (
	MetricSpansRecorded         = "goatrace.spans.recorded"
	MetricBatchesUploaded       = "goatrace.batches.uploaded"
	MetricBatchesDropped        = "goatrace.batches.dropped"
	MetricSerializationWarnings = "goatrace.serialization.warnings"
	MetricUploadDuration        = "goatrace.upload.duration"
	MetricEventsIngested        = "goatrace.collector.events.ingested"
	MetricEventsRejected        = "goatrace.collector.events.rejected"
	MetricRequestsUnauthorized  = "goatrace.collector.requests.unauthorized"
	MetricRequestsThrottled     = "goatrace.collector.requests.throttled"
)
