package tracer

import (
	"context"

	"goa.design/goa-trace/runtime/event"
	"goa.design/goa-trace/runtime/value"
)

type (
	// EnrichOption selects the maps merged by an enrichment call.
	EnrichOption func(*enrichment)

	enrichment struct {
		metadata       map[string]any
		config         map[string]any
		feedback       map[string]any
		metrics        map[string]any
		userProperties map[string]any
	}

	// captured is an enrichment whose values have been converted to Fields.
	captured struct {
		metadata       *value.Fields
		config         *value.Fields
		feedback       *value.Fields
		metrics        *value.Fields
		userProperties *value.Fields
	}
)

// SetMetadata merges m into the target's metadata.
func SetMetadata(m map[string]any) EnrichOption {
	return func(e *enrichment) { e.metadata = mergeAny(e.metadata, m) }
}

// SetConfig merges m into a span's config. Sessions ignore it.
func SetConfig(m map[string]any) EnrichOption {
	return func(e *enrichment) { e.config = mergeAny(e.config, m) }
}

// SetFeedback merges m into the target's feedback (e.g. user ratings).
func SetFeedback(m map[string]any) EnrichOption {
	return func(e *enrichment) { e.feedback = mergeAny(e.feedback, m) }
}

// SetMetrics merges m into the target's metrics (e.g. evaluator scores).
func SetMetrics(m map[string]any) EnrichOption {
	return func(e *enrichment) { e.metrics = mergeAny(e.metrics, m) }
}

// SetUserProperties merges m into a session's user properties. Spans ignore
// it.
func SetUserProperties(m map[string]any) EnrichOption {
	return func(e *enrichment) { e.userProperties = mergeAny(e.userProperties, m) }
}

// EnrichCurrentSpan enriches the span carried by ctx. It is a no-op when ctx
// carries no span.
func EnrichCurrentSpan(ctx context.Context, opts ...EnrichOption) {
	if s := SpanFromContext(ctx); s != nil {
		s.Enrich(opts...)
	}
}

// EnrichCurrentSession enriches the session carried by ctx. It is a no-op
// when ctx carries no session.
func EnrichCurrentSession(ctx context.Context, opts ...EnrichOption) {
	if s := SessionFromContext(ctx); s != nil {
		s.Enrich(opts...)
	}
}

func mergeAny(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// capture converts the enrichment maps. Warnings are reported through warn.
func (e *enrichment) capture(warn func(error)) captured {
	conv := func(m map[string]any) *value.Fields {
		if m == nil {
			return nil
		}
		f, err := value.FromMap(m)
		if err != nil {
			warn(err)
		}
		return f
	}
	return captured{
		metadata:       conv(e.metadata),
		config:         conv(e.config),
		feedback:       conv(e.feedback),
		metrics:        conv(e.metrics),
		userProperties: conv(e.userProperties),
	}
}

func newEnrichment(opts []EnrichOption) *enrichment {
	e := &enrichment{}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// applySpan merges c into a span envelope.
func (c captured) applySpan(ev *event.Event) {
	ev.Metadata = mergeFields(ev.Metadata, c.metadata)
	ev.Config = mergeFields(ev.Config, c.config)
	ev.Feedback = mergeFields(ev.Feedback, c.feedback)
	ev.Metrics = mergeFields(ev.Metrics, c.metrics)
}

func mergeFields(dst, src *value.Fields) *value.Fields {
	if src == nil {
		return dst
	}
	if dst == nil {
		dst = value.NewFields()
	}
	dst.Merge(src)
	return dst
}
