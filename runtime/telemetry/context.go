package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// Detach returns a context that never expires but still carries the Clue
// logger, OTEL baggage and span context of ctx. Background loops started on
// behalf of a caller use it so their logs keep the caller's format and fields
// after the caller's context is done.
func Detach(ctx context.Context) context.Context {
	out := context.Background()
	if ctx == nil {
		return out
	}
	out = log.WithContext(out, ctx)
	if bag := baggage.FromContext(ctx); bag.Len() > 0 {
		out = baggage.ContextWithBaggage(out, bag)
	}
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		out = trace.ContextWithSpanContext(out, spanCtx)
	}
	return out
}
