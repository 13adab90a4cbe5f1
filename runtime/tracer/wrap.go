package tracer

import (
	"context"

	"goa.design/goa-trace/runtime/event"
	"goa.design/goa-trace/runtime/value"
)

type (
	// SpanOption configures the spans produced by Wrap, Call, Run and
	// StartSpan. Maps are captured when the option is applied, i.e. once at
	// wrap time for Wrap.
	SpanOption func(*spanOptions)

	spanOptions struct {
		eventType event.EventType
		config    map[string]any
		metadata  map[string]any
		inputs    map[string]any
	}

	// capturedOptions holds the options converted once for all invocations.
	capturedOptions struct {
		eventType event.EventType
		config    *value.Fields
		metadata  *value.Fields
		inputs    *value.Fields
	}
)

// WithConfig attaches static configuration (model name, temperature...) to
// every span.
func WithConfig(m map[string]any) SpanOption {
	return func(o *spanOptions) { o.config = mergeAny(o.config, m) }
}

// WithMetadata attaches static metadata to every span.
func WithMetadata(m map[string]any) SpanOption {
	return func(o *spanOptions) { o.metadata = mergeAny(o.metadata, m) }
}

// WithEventType sets the span type. Defaults to event.EventTypeChain.
func WithEventType(t event.EventType) SpanOption {
	return func(o *spanOptions) { o.eventType = t }
}

// WithInputs records explicit inputs, typically for Call and Run whose
// closures take no argument.
func WithInputs(m map[string]any) SpanOption {
	return func(o *spanOptions) { o.inputs = mergeAny(o.inputs, m) }
}

func newSpanOptions(opts []SpanOption) *capturedOptions {
	o := spanOptions{eventType: event.EventTypeChain}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if !o.eventType.Valid() || o.eventType == event.EventTypeSession {
		o.eventType = event.EventTypeChain
	}
	conv := func(m map[string]any) *value.Fields {
		f, _ := value.FromMap(m)
		return f
	}
	return &capturedOptions{
		eventType: o.eventType,
		config:    conv(o.config),
		metadata:  conv(o.metadata),
		inputs:    conv(o.inputs),
	}
}

// Wrap returns fn instrumented so that every invocation under a context
// carrying an active session records a span named name. The input is recorded
// as the span inputs (objects as-is, other values under "input") and the
// result as its outputs (objects as-is, other values under "result").
//
// The wrapped function returns exactly what fn returns. Errors are recorded
// and returned unchanged; panics are recorded and re-raised with the original
// value. Without an active session fn runs untraced.
func Wrap[In, Out any](name string, fn func(context.Context, In) (Out, error), opts ...SpanOption) func(context.Context, In) (Out, error) {
	so := newSpanOptions(opts)
	return func(ctx context.Context, in In) (Out, error) {
		return invoke(ctx, name, any(in), so, func(ctx context.Context) (Out, error) {
			return fn(ctx, in)
		})
	}
}

// Call runs fn in a span named name and returns its result unchanged.
func Call[Out any](ctx context.Context, name string, fn func(context.Context) (Out, error), opts ...SpanOption) (Out, error) {
	return invoke(ctx, name, nil, newSpanOptions(opts), fn)
}

// Run runs fn in a span named name and returns its error unchanged.
func Run(ctx context.Context, name string, fn func(context.Context) error, opts ...SpanOption) error {
	_, err := invoke(ctx, name, nil, newSpanOptions(opts), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func invoke[Out any](ctx context.Context, name string, in any, so *capturedOptions, fn func(context.Context) (Out, error)) (out Out, err error) {
	spanCtx, span := start(ctx, name, in, so)
	if span == nil {
		return fn(ctx)
	}
	defer func() {
		if r := recover(); r != nil {
			span.finish(nil, panicError{value: r})
			panic(r)
		}
	}()
	out, err = fn(spanCtx)
	if err != nil {
		span.finish(nil, err)
	} else {
		span.finish(out, nil)
	}
	return out, err
}
