// Package collector implements a reference ingestion service for traced
// sessions. It accepts the batches uploaded by runtime/tracer, merges every
// event into a store.Store and optionally republishes them to a live stream.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/goa-trace/collector/store"
	"goa.design/goa-trace/runtime/event"
	"goa.design/goa-trace/runtime/telemetry"
)

type (
	// Publisher receives the events of a session after they are stored.
	Publisher interface {
		Publish(ctx context.Context, sessionID string, events []*event.Event) error
	}

	// Service ingests events. The HTTP transport is built by Handler.
	Service struct {
		store     store.Store
		publisher Publisher
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		schema    *jsonschema.Schema
		keys      map[string]struct{}
		limits    *limiters
		maxBody   int64
		clock     func() time.Time
		newID     func() string
	}

	// Option configures a Service.
	Option func(*Service)

	// ValidationError reports an envelope rejected by the collector.
	ValidationError struct {
		// Index is the position of the event in its batch.
		Index int
		Err   error
	}
)

const defaultMaxBody = 10 << 20

// ErrEmptyBatch is returned when a batch carries no event.
var ErrEmptyBatch = errors.New("batch has no events")

// WithAPIKeys restricts ingestion to requests carrying one of keys as a bearer
// token. Without keys the collector accepts unauthenticated requests.
func WithAPIKeys(keys ...string) Option {
	return func(s *Service) {
		for _, k := range keys {
			if k != "" {
				s.keys[k] = struct{}{}
			}
		}
	}
}

// WithRateLimit limits each API key to rps requests per second with the given
// burst. A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Service) { s.limits = newLimiters(rps, burst) }
}

// WithPublisher republishes stored events.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithLogger sets the logger. Defaults to the Clue logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics recorder. Defaults to no-op.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithMaxBodyBytes bounds the size of request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Service) { s.maxBody = n }
}

// WithClock overrides the clock used to timestamp sessions started without a
// start time.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.clock = now }
}

// WithIDGenerator overrides the generator of session ids.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event %d: %v", e.Index, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// New returns a Service persisting events to st.
func New(st store.Store, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	schema, err := compileEventSchema()
	if err != nil {
		return nil, err
	}
	s := &Service{
		store:   st,
		logger:  telemetry.NewClueLogger(),
		metrics: telemetry.NewNoopMetrics(),
		schema:  schema,
		keys:    make(map[string]struct{}),
		limits:  newLimiters(0, 0),
		maxBody: defaultMaxBody,
		clock:   time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Store returns the backing store.
func (s *Service) Store() store.Store { return s.store }

// StartSession stores a new session row and returns its id. Missing ids,
// type and start time are filled in.
func (s *Service) StartSession(ctx context.Context, ev *event.Event) (string, error) {
	if ev == nil {
		ev = &event.Event{}
	}
	ev = ev.Clone()
	if ev.SessionID == "" {
		ev.SessionID = ev.EventID
	}
	if ev.SessionID == "" {
		ev.SessionID = s.newID()
	}
	ev.EventID = ev.SessionID
	ev.EventType = event.EventTypeSession
	if ev.StartTime == 0 {
		ev.StartTime = event.Millis(s.clock())
	}
	if err := ev.Validate(); err != nil {
		return "", &ValidationError{Err: err}
	}
	if err := s.Ingest(ctx, []*event.Event{ev}); err != nil {
		return "", err
	}
	return ev.SessionID, nil
}

// Ingest validates and stores events, then publishes them per session.
// Publish failures are logged and never fail ingestion.
func (s *Service) Ingest(ctx context.Context, events []*event.Event) error {
	if len(events) == 0 {
		return ErrEmptyBatch
	}
	for i, e := range events {
		if e == nil {
			s.metrics.IncCounter(telemetry.MetricEventsRejected, 1)
			return &ValidationError{Index: i, Err: event.ErrMissingID}
		}
		if err := e.Validate(); err != nil {
			s.metrics.IncCounter(telemetry.MetricEventsRejected, 1)
			return &ValidationError{Index: i, Err: err}
		}
	}
	if err := s.store.Upsert(ctx, events); err != nil {
		return fmt.Errorf("store events: %w", err)
	}
	s.metrics.IncCounter(telemetry.MetricEventsIngested, float64(len(events)))
	s.publish(ctx, events)
	return nil
}

// Session returns the session row and its spans.
func (s *Service) Session(ctx context.Context, sessionID string) (event.SessionView, error) {
	return s.store.LoadSession(ctx, sessionID)
}

func (s *Service) publish(ctx context.Context, events []*event.Event) {
	if s.publisher == nil {
		return
	}
	var order []string
	bySession := make(map[string][]*event.Event)
	for _, e := range events {
		if _, ok := bySession[e.SessionID]; !ok {
			order = append(order, e.SessionID)
		}
		bySession[e.SessionID] = append(bySession[e.SessionID], e)
	}
	for _, id := range order {
		if err := s.publisher.Publish(ctx, id, bySession[id]); err != nil {
			s.logger.Warn(ctx, "publish events failed", "session_id", id, "events", len(bySession[id]), "err", err)
		}
	}
}
