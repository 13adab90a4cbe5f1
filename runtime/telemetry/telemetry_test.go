package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

func TestNoopImplementations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	logger := NewNoopLogger()
	logger.Debug(ctx, "debug", "k", "v")
	logger.Info(ctx, "info", "k", "v")
	logger.Warn(ctx, "warn", "k", "v")
	logger.Error(ctx, "error", "err", errors.New("x"))

	metrics := NewNoopMetrics()
	metrics.IncCounter(MetricSpansRecorded, 1, "project", "demo")
	metrics.RecordTimer(MetricUploadDuration, time.Millisecond)
	metrics.RecordGauge("queue", 3)

	tracer := NewNoopTracer()
	newCtx, span := tracer.Start(ctx, "op")
	require.Equal(t, ctx, newCtx)
	span.AddEvent("evt", "k", 1)
	span.SetStatus(codes.Error, "failed")
	span.RecordError(errors.New("boom"))
	span.End()
	require.NotNil(t, tracer.Span(ctx))
}

func TestClueImplementationsDoNotPanic(t *testing.T) {
	t.Parallel()

	ctx := log.Context(context.Background(), log.WithFormat(log.FormatJSON))
	logger := NewClueLogger()
	require.NotPanics(t, func() {
		logger.Debug(ctx, "debug", "k", "v")
		logger.Info(ctx, "info", "k", "v", "odd")
		logger.Warn(ctx, "warn", 42, "skipped")
		logger.Error(ctx, "error", "err", errors.New("boom"))
	})

	metrics := NewClueMetrics()
	require.NotPanics(t, func() {
		metrics.IncCounter(MetricBatchesUploaded, 1, "project", "demo")
		metrics.IncCounter(MetricBatchesUploaded, 2, "project", "demo")
		metrics.RecordTimer(MetricUploadDuration, 5*time.Millisecond)
		metrics.RecordGauge("pending", 7)
	})

	tracer := NewClueTracer()
	spanCtx, span := tracer.Start(ctx, "op")
	require.NotNil(t, spanCtx)
	span.AddEvent("evt", "n", 1, "ok", true, "other", struct{}{})
	span.End()
}

func TestKeyValueConversion(t *testing.T) {
	t.Parallel()

	fs := kvSliceToClue([]any{"a", 1, 2, "skipped", "err", errors.New("boom"), "tail"})
	require.Len(t, fs, 3)
	require.Equal(t, log.KV{K: "a", V: 1}, fs[0])
	require.Equal(t, log.KV{K: "err", V: "boom"}, fs[1])
	require.Equal(t, log.KV{K: "tail", V: nil}, fs[2])

	attrs := tagsToAttrs([]string{"project", "demo", "dangling"})
	require.Equal(t, []attribute.KeyValue{
		attribute.String("project", "demo"),
		attribute.String("dangling", ""),
	}, attrs)

	eventAttrs := kvSliceToAttrs([]any{"s", "x", "i", 3, "f", 1.5, "b", true, "n", nil})
	require.Equal(t, []attribute.KeyValue{
		attribute.String("s", "x"),
		attribute.Int("i", 3),
		attribute.Float64("f", 1.5),
		attribute.Bool("b", true),
		attribute.String("n", ""),
	}, eventAttrs)
}

func TestDetachKeepsObservabilityState(t *testing.T) {
	t.Parallel()

	member, err := baggage.NewMember("tenant", "acme")
	require.NoError(t, err)
	bag, err := baggage.New(member)
	require.NoError(t, err)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})

	parent, cancel := context.WithCancel(context.Background())
	parent = baggage.ContextWithBaggage(parent, bag)
	parent = trace.ContextWithSpanContext(parent, sc)
	cancel()

	detached := Detach(parent)
	require.NoError(t, detached.Err())
	require.Equal(t, "acme", baggage.FromContext(detached).Member("tenant").Value())
	require.Equal(t, sc, trace.SpanContextFromContext(detached))
	require.NotNil(t, Detach(nil)) //nolint:staticcheck // nil context is handled
}
