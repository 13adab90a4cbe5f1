package tracer

import (
	"context"
	"sync"
	"time"

	"goa.design/goa-trace/runtime/event"
	"goa.design/goa-trace/runtime/value"
)

type (
	// Session is one logical run (a chat exchange, an evaluation datapoint...)
	// and the correlation anchor of every span recorded under it.
	//
	// The session row is uploaded as an event of type "session" whose id is
	// the session id. Opening, enriching and closing the session each enqueue
	// a new version of that row; pending versions are coalesced.
	Session struct {
		tracer     *Tracer
		id         string
		project    string
		source     string
		name       string
		start      time.Time
		ownsTracer bool

		mu             sync.Mutex
		active         bool
		end            time.Time
		inputs         *value.Fields
		metadata       *value.Fields
		feedback       *value.Fields
		metrics        *value.Fields
		userProperties *value.Fields
	}

	// SessionOption configures StartSession.
	SessionOption func(*sessionOptions)

	sessionOptions struct {
		id       string
		metadata map[string]any
		inputs   map[string]any
	}
)

// WithSessionID uses id instead of a generated one, for example an id
// assigned by the collector or shared with another process.
func WithSessionID(id string) SessionOption {
	return func(o *sessionOptions) { o.id = id }
}

// WithSessionMetadata sets the initial session metadata.
func WithSessionMetadata(m map[string]any) SessionOption {
	return func(o *sessionOptions) { o.metadata = mergeAny(o.metadata, m) }
}

// WithSessionInputs records the inputs of the run (e.g. the user query).
func WithSessionInputs(m map[string]any) SessionOption {
	return func(o *sessionOptions) { o.inputs = mergeAny(o.inputs, m) }
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Project returns the project label.
func (s *Session) Project() string { return s.project }

// Source returns the environment label.
func (s *Session) Source() string { return s.source }

// Name returns the session display name.
func (s *Session) Name() string { return s.name }

// Tracer returns the tracer recording the session.
func (s *Session) Tracer() *Tracer { return s.tracer }

// Active reports whether the session still records spans.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Metadata returns a copy of the session metadata.
func (s *Session) Metadata() *value.Fields {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata.Clone()
}

// Feedback returns a copy of the session feedback.
func (s *Session) Feedback() *value.Fields {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedback.Clone()
}

// Metrics returns a copy of the session metrics.
func (s *Session) Metrics() *value.Fields {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics.Clone()
}

// Enrich merges metadata, feedback, metrics and user properties into the
// session (last write wins per key) and enqueues the updated session row. It
// may be called any number of times, before or after spans are uploaded.
// Enriching a closed session is a no-op.
func (s *Session) Enrich(opts ...EnrichOption) {
	c := newEnrichment(opts).capture(s.tracer.serializationWarning)
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		s.tracer.logger.Debug(s.tracer.ctx, "enrichment of closed session ignored", "session_id", s.id)
		return
	}
	s.metadata = mergeFields(s.metadata, c.metadata)
	s.feedback = mergeFields(s.feedback, c.feedback)
	s.metrics = mergeFields(s.metrics, c.metrics)
	s.userProperties = mergeFields(s.userProperties, c.userProperties)
	ev := s.eventLocked()
	s.mu.Unlock()
	s.tracer.uploader.Append(ev)
}

// Close marks the session inactive, enqueues the final session row and
// flushes the upload buffer. Sessions returned by Open also shut their tracer
// down. Close is idempotent and only returns ctx errors.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.end = s.tracer.now()
	ev := s.eventLocked()
	s.mu.Unlock()

	s.tracer.forgetSession(s.id)
	s.tracer.uploader.Append(ev)
	if s.ownsTracer {
		return s.tracer.Shutdown(ctx)
	}
	return s.tracer.Flush(ctx)
}

// eventLocked snapshots the session row. s.mu must be held.
func (s *Session) eventLocked() *event.Event {
	ev := &event.Event{
		EventID:   s.id,
		SessionID: s.id,
		Project:   s.project,
		Source:    s.source,
		EventName: s.name,
		EventType: event.EventTypeSession,
		StartTime: event.Millis(s.start),
		Inputs:    s.inputs.Clone(),
		Outputs:   value.NewFields(),
		Config:    value.NewFields(),
		Metadata:  s.metadata.Clone(),
		Feedback:  s.feedback.Clone(),
		Metrics:   s.metrics.Clone(),
	}
	if s.userProperties != nil {
		ev.UserProperties = s.userProperties.Clone()
	}
	if !s.active {
		d := s.end.Sub(s.start)
		if d < 0 {
			d = 0
		}
		ev.EndTime = event.Millis(s.end)
		ev.Duration = event.DurationMillis(d)
		ev.Status = event.StatusOK
	}
	return ev
}
