package tracer

import (
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"goa.design/goa-trace/runtime/event"
	"goa.design/goa-trace/runtime/telemetry"
	"goa.design/goa-trace/runtime/value"
)

// Span records one traced call. A span belongs to exactly one session, fixed
// at creation; it keeps the session id rather than the session itself.
//
// Spans are created by Wrap, Call, Run and StartSpan. Their maps may be
// enriched while the call runs and, best-effort, after it returns until the
// span has been handed to the collector.
type Span struct {
	tracer    *Tracer
	id        string
	parentID  string
	sessionID string
	name      string
	eventType event.EventType
	start     time.Time
	otel      telemetry.Span

	mu       sync.Mutex
	inputs   *value.Fields
	outputs  *value.Fields
	config   *value.Fields
	metadata *value.Fields
	feedback *value.Fields
	metrics  *value.Fields
	status   event.Status
	errMsg   string
	end      time.Time
	ended    bool
}

// panicError records a recovered panic value as a span error.
type panicError struct {
	value any
}

func (p panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// ID returns the span id.
func (s *Span) ID() string { return s.id }

// ParentID returns the id of the enclosing span in the same session, or "".
func (s *Span) ParentID() string { return s.parentID }

// SessionID returns the id of the owning session.
func (s *Span) SessionID() string { return s.sessionID }

// Name returns the span name.
func (s *Span) Name() string { return s.name }

// Ended reports whether the traced call has returned.
func (s *Span) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Enrich merges metadata, config, feedback and metrics into the span. After
// the span has ended the enrichment is applied to its pending envelope if it
// has not been uploaded yet, and dropped otherwise.
func (s *Span) Enrich(opts ...EnrichOption) {
	if s == nil {
		return
	}
	c := newEnrichment(opts).capture(s.tracer.serializationWarning)
	s.mu.Lock()
	if !s.ended {
		s.metadata = mergeFields(s.metadata, c.metadata)
		s.config = mergeFields(s.config, c.config)
		s.feedback = mergeFields(s.feedback, c.feedback)
		s.metrics = mergeFields(s.metrics, c.metrics)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.tracer.enrichPending(s.id, c)
}

// End finishes a span started with StartSpan. outputs is captured like the
// return value of a wrapped call; a non-nil err marks the span as failed.
// Calling End more than once, or on a nil span, has no effect.
func (s *Span) End(outputs any, err error) {
	if s == nil {
		return
	}
	s.finish(outputs, err)
}

func (s *Span) finish(out any, err error) {
	end := s.tracer.now()
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.end = end
	if err != nil {
		s.status = event.StatusError
		s.errMsg = err.Error()
		s.outputs = value.NewFields()
	} else {
		s.status = event.StatusOK
		s.outputs = s.tracer.captureAs(out, outputKey)
	}
	// The envelope is enqueued before the span is observable as ended so
	// that Enrich on an ended span always finds it pending.
	s.tracer.uploader.Append(s.eventLocked())
	s.mu.Unlock()

	if err != nil {
		s.otel.RecordError(err)
		s.otel.SetStatus(codes.Error, err.Error())
	} else {
		s.otel.SetStatus(codes.Ok, "")
	}
	s.otel.End()
	s.tracer.retire(s)
}

// eventLocked snapshots the span as an envelope. s.mu must be held.
func (s *Span) eventLocked() *event.Event {
	d := s.end.Sub(s.start)
	if d < 0 {
		d = 0
	}
	return &event.Event{
		EventID:   s.id,
		ParentID:  s.parentID,
		SessionID: s.sessionID,
		Project:   s.tracer.cfg.Project,
		Source:    s.tracer.cfg.Source,
		EventName: s.name,
		EventType: s.eventType,
		StartTime: event.Millis(s.start),
		EndTime:   event.Millis(s.end),
		Duration:  event.DurationMillis(d),
		Inputs:    s.inputs.Clone(),
		Outputs:   s.outputs.Clone(),
		Config:    s.config.Clone(),
		Metadata:  s.metadata.Clone(),
		Feedback:  s.feedback.Clone(),
		Metrics:   s.metrics.Clone(),
		Status:    s.status,
		Error:     s.errMsg,
	}
}

// Duration returns the elapsed time of an ended span, or the time elapsed so
// far. It is never negative.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	end := s.end
	ended := s.ended
	s.mu.Unlock()
	if !ended {
		end = s.tracer.now()
	}
	if d := end.Sub(s.start); d > 0 {
		return d
	}
	return 0
}
