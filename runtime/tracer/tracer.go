// Package tracer records traced calls as spans grouped into sessions and
// ships them to a collector.
//
// A Tracer owns the upload buffer shared by all of its sessions. Sessions and
// the innermost active span travel in context.Context, so nested calls are
// linked to their caller and concurrent sessions never observe each other's
// spans:
//
//	ctx, sess, err := tracer.Open(ctx, cfg)
//	if err != nil {
//		return err // *tracer.ConfigError
//	}
//	defer sess.Close(ctx)
//
//	double := tracer.Wrap("double", func(ctx context.Context, x int) (int, error) {
//		return x * 2, nil
//	})
//	y, err := double(ctx, 21)
//
// Tracing never changes the result of a wrapped call: upload failures are
// retried then dropped, and values that cannot be serialized are stringified.
package tracer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/goa-trace/runtime/batch"
	"goa.design/goa-trace/runtime/httpclient"
	"goa.design/goa-trace/runtime/telemetry"
	"goa.design/goa-trace/runtime/value"
)

type (
	// Tracer records spans and sessions and uploads them in batches. It is
	// safe for concurrent use by any number of sessions.
	Tracer struct {
		cfg      Config
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		otel     telemetry.Tracer
		uploader *batch.Uploader
		client   *httpclient.Client
		clock    func() time.Time
		newID    func() string
		ctx      context.Context

		mu       sync.Mutex
		sessions map[string]*Session
		spans    map[string]*Span
		shutdown bool
	}

	// Option configures a Tracer.
	Option func(*options)

	options struct {
		logger  telemetry.Logger
		metrics telemetry.Metrics
		otel    telemetry.Tracer
		sender  batch.Sender
		onDrop  batch.DropHandler
		clock   func() time.Time
		newID   func() string
		ctx     context.Context
	}
)

// WithLogger sets the logger. Defaults to the Clue logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics recorder. Defaults to a no-op recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithOTEL mirrors every traced call as an OpenTelemetry span created by t.
func WithOTEL(t telemetry.Tracer) Option {
	return func(o *options) { o.otel = t }
}

// WithSender replaces the HTTP transport, e.g. with an in-process collector.
func WithSender(s batch.Sender) Option {
	return func(o *options) { o.sender = s }
}

// WithDropHandler is notified of every batch dropped after retries.
func WithDropHandler(h batch.DropHandler) Option {
	return func(o *options) { o.onDrop = h }
}

// WithClock overrides the wall clock used for span timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithIDGenerator overrides the generator of span and session ids.
func WithIDGenerator(gen func() string) Option {
	return func(o *options) { o.newID = gen }
}

// WithLogContext sets the context whose Clue logger and trace state are used
// by background uploads.
func WithLogContext(ctx context.Context) Option {
	return func(o *options) { o.ctx = ctx }
}

// New validates cfg and returns a Tracer with its upload loop running. It
// returns a *ConfigError when the API key or project is missing. Call
// Shutdown to flush and release the tracer.
func New(cfg Config, opts ...Option) (*Tracer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()

	o := options{
		logger:  telemetry.NewClueLogger(),
		metrics: telemetry.NewNoopMetrics(),
		otel:    telemetry.NewNoopTracer(),
		clock:   time.Now,
		newID:   uuid.NewString,
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = telemetry.NewNoopLogger()
	}
	if o.metrics == nil {
		o.metrics = telemetry.NewNoopMetrics()
	}
	if o.otel == nil {
		o.otel = telemetry.NewNoopTracer()
	}

	t := &Tracer{
		cfg:      cfg,
		logger:   o.logger,
		metrics:  o.metrics,
		otel:     o.otel,
		clock:    o.clock,
		newID:    o.newID,
		ctx:      telemetry.Detach(o.ctx),
		sessions: make(map[string]*Session),
		spans:    make(map[string]*Span),
	}

	send := o.sender
	if send == nil {
		client, err := httpclient.New(cfg.ServerURL,
			httpclient.WithBearerToken(cfg.APIKey),
			httpclient.WithTimeout(cfg.HTTPTimeout),
		)
		if err != nil {
			return nil, &ConfigError{Field: "server_url", Reason: err.Error()}
		}
		t.client = client
		send = client.Send
	}
	t.uploader = batch.New(send,
		batch.WithBatchSize(cfg.EffectiveBatchSize()),
		batch.WithInterval(cfg.FlushInterval),
		batch.WithRetry(cfg.Retry),
		batch.WithLogger(o.logger),
		batch.WithMetrics(o.metrics),
		batch.WithDropHandler(o.onDrop),
		batch.WithContext(t.ctx),
	)
	return t, nil
}

// Open creates a tracer from cfg and opens a session named cfg.SessionName.
// The session owns the tracer: closing it flushes and shuts the tracer down.
// The returned context carries the session.
func Open(ctx context.Context, cfg Config, opts ...Option) (context.Context, *Session, error) {
	opts = append([]Option{WithLogContext(ctx)}, opts...)
	t, err := New(cfg, opts...)
	if err != nil {
		return ctx, nil, err
	}
	ctx, s := t.StartSession(ctx, t.cfg.SessionName)
	s.ownsTracer = true
	return ctx, s, nil
}

// Config returns the effective configuration.
func (t *Tracer) Config() Config { return t.cfg }

// Client returns the collector HTTP client, or nil when a custom sender is
// used.
func (t *Tracer) Client() *httpclient.Client { return t.client }

// StartSession opens a new session sharing the tracer's upload buffer and
// returns a context carrying it. An empty name defaults to the configured
// session name. Sessions started after Shutdown are inactive and record
// nothing.
func (t *Tracer) StartSession(ctx context.Context, name string, opts ...SessionOption) (context.Context, *Session) {
	var so sessionOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&so)
		}
	}
	if name == "" {
		name = t.cfg.SessionName
	}
	id := so.id
	if id == "" {
		id = t.newID()
	}
	s := &Session{
		tracer:  t,
		id:      id,
		project: t.cfg.Project,
		source:  t.cfg.Source,
		name:    name,
		start:   t.now(),
		active:  true,
	}
	s.metadata = t.captureFields(so.metadata)
	s.inputs = t.captureFields(so.inputs)

	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		s.active = false
		t.logger.Warn(t.ctx, "session started after shutdown is not recorded", "session_id", id)
		return ContextWithSession(ctx, s), s
	}
	t.sessions[id] = s
	t.mu.Unlock()

	s.mu.Lock()
	ev := s.eventLocked()
	s.mu.Unlock()
	t.uploader.Append(ev)
	return ContextWithSession(ctx, s), s
}

// Session returns the active session with the given id, or nil.
func (t *Tracer) Session(id string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[id]
}

// EnrichSession enriches the active session with the given id, or the session
// carried by ctx when id is empty. Unknown and closed sessions are ignored.
func (t *Tracer) EnrichSession(ctx context.Context, sessionID string, opts ...EnrichOption) {
	var s *Session
	if sessionID == "" {
		s = SessionFromContext(ctx)
	} else {
		s = t.Session(sessionID)
	}
	if s == nil || s.tracer != t {
		t.logger.Debug(ctx, "enrichment of unknown session ignored", "session_id", sessionID)
		return
	}
	s.Enrich(opts...)
}

// EnrichSpan enriches the span with the given id, or the span carried by ctx
// when id is empty. In-flight spans are updated directly; ended spans are
// updated while still waiting in the upload buffer. Otherwise the call is
// ignored.
func (t *Tracer) EnrichSpan(ctx context.Context, spanID string, opts ...EnrichOption) {
	if spanID == "" {
		if s := SpanFromContext(ctx); s != nil && s.tracer == t {
			s.Enrich(opts...)
			return
		}
		t.logger.Debug(ctx, "enrichment without span ignored")
		return
	}
	t.mu.Lock()
	s := t.spans[spanID]
	t.mu.Unlock()
	if s != nil {
		s.Enrich(opts...)
		return
	}
	t.enrichPending(spanID, newEnrichment(opts).capture(t.serializationWarning))
}

// Flush blocks until every event recorded before the call has been uploaded
// or dropped, or ctx is done. It only returns ctx errors.
func (t *Tracer) Flush(ctx context.Context) error {
	return t.uploader.Flush(ctx)
}

// Shutdown closes the remaining sessions, uploads everything pending and stops
// the upload loop. It is idempotent.
func (t *Tracer) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.shutdown = true
	open := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		open = append(open, s)
	}
	t.mu.Unlock()

	for _, s := range open {
		s.mu.Lock()
		if !s.active {
			s.mu.Unlock()
			continue
		}
		s.active = false
		s.end = t.now()
		ev := s.eventLocked()
		s.mu.Unlock()
		t.forgetSession(s.id)
		t.uploader.Append(ev)
	}
	return t.uploader.Close(ctx)
}

// State reports the state of the upload loop.
func (t *Tracer) State() batch.State { return t.uploader.State() }

// StartSpan starts a span named name in the session carried by ctx and returns
// a context carrying the span. The span must be ended with End. When ctx
// carries no active session the returned span is nil and ctx is returned
// unchanged; End and Enrich on a nil *Span are no-ops.
func StartSpan(ctx context.Context, name string, inputs any, opts ...SpanOption) (context.Context, *Span) {
	return start(ctx, name, inputs, newSpanOptions(opts))
}

func start(ctx context.Context, name string, inputs any, so *capturedOptions) (context.Context, *Span) {
	sess := SessionFromContext(ctx)
	if sess == nil || !sess.Active() {
		return ctx, nil
	}
	t := sess.tracer

	var parentID string
	if parent := SpanFromContext(ctx); parent != nil && parent.sessionID == sess.id {
		parentID = parent.id
	}
	otelCtx, otelSpan := t.otel.Start(ctx, name)

	s := &Span{
		tracer:    t,
		id:        t.newID(),
		parentID:  parentID,
		sessionID: sess.id,
		name:      name,
		eventType: so.eventType,
		start:     t.now(),
		otel:      otelSpan,
		inputs:    so.inputs.Clone(),
		config:    so.config.Clone(),
		metadata:  so.metadata.Clone(),
	}
	if inputs != nil {
		s.inputs.Merge(t.captureAs(inputs, inputKey))
	}

	t.mu.Lock()
	t.spans[s.id] = s
	t.mu.Unlock()
	return contextWithSpan(otelCtx, s), s
}

// retire removes an ended span from the in-flight registry.
func (t *Tracer) retire(s *Span) {
	t.mu.Lock()
	delete(t.spans, s.id)
	t.mu.Unlock()
	t.metrics.IncCounter(telemetry.MetricSpansRecorded, 1, "event_type", string(s.eventType))
}

func (t *Tracer) enrichPending(spanID string, c captured) {
	if t.uploader.Update(spanID, c.applySpan) {
		return
	}
	t.logger.Debug(t.ctx, "enrichment of unknown or uploaded span ignored", "span_id", spanID)
}

func (t *Tracer) forgetSession(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

func (t *Tracer) now() time.Time {
	if t.clock == nil {
		return time.Now()
	}
	return t.clock()
}

const (
	inputKey  = "input"
	outputKey = "result"
)

// captureAs converts v into Fields: objects are used as-is, other values are
// stored under key.
func (t *Tracer) captureAs(v any, key string) *value.Fields {
	c, err := value.Capture(v)
	if err != nil {
		t.serializationWarning(err)
	}
	if f := c.Fields(); f != nil {
		return f.Clone()
	}
	f := value.NewFields()
	f.Set(key, c)
	return f
}

func (t *Tracer) captureFields(m map[string]any) *value.Fields {
	f, err := value.FromMap(m)
	if err != nil {
		t.serializationWarning(err)
	}
	return f
}

func (t *Tracer) serializationWarning(err error) {
	var warn *value.SerializationWarning
	typ := ""
	if errors.As(err, &warn) {
		typ = warn.Type
	}
	t.metrics.IncCounter(telemetry.MetricSerializationWarnings, 1)
	t.logger.Debug(t.ctx, "value stringified", "type", typ, "err", err)
}
