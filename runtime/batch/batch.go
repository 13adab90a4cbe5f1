// Package batch buffers recorded events and uploads them to the collector in
// batches.
//
// An Uploader accepts events from any number of goroutines without blocking
// on I/O. A single loop goroutine hands batches to the Sender when the number
// of pending events reaches the batch size, when the flush interval elapses,
// or when Flush is called. Failed uploads are retried with bounded
// exponential backoff; batches that still fail are dropped and reported.
package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/goa-trace/runtime/event"
	"goa.design/goa-trace/runtime/retry"
	"goa.design/goa-trace/runtime/telemetry"
)

type (
	// Sender uploads one batch. Implementations must not retain events after
	// returning.
	Sender func(ctx context.Context, events []*event.Event) error

	// State is the observable state of the upload loop.
	State int

	// Dropped describes a batch abandoned after retries were exhausted or a
	// permanent failure occurred.
	Dropped struct {
		// Events is the abandoned batch.
		Events []*event.Event
		// Err is the last upload error.
		Err error
	}

	// DropHandler is notified of every dropped batch. It runs on the upload
	// loop and must not block.
	DropHandler func(ctx context.Context, d Dropped)

	// Option configures an Uploader.
	Option func(*Uploader)

	// Uploader is the batching state machine. It is safe for concurrent use.
	Uploader struct {
		send     Sender
		size     int
		interval time.Duration
		retry    retry.Config
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		onDrop   DropHandler
		ctx      context.Context
		cancel   context.CancelFunc

		mu        sync.Mutex
		pending   []*entry
		index     map[string]*entry
		seq       uint64
		doneSeq   uint64
		uploading bool
		closed    bool
		waiters   []waiter

		wake    chan struct{}
		flushCh chan struct{}
		stop    chan struct{}
		stopped chan struct{}
	}

	entry struct {
		ev  *event.Event
		seq uint64
	}

	waiter struct {
		target uint64
		done   chan struct{}
	}
)

const (
	// StateIdle means nothing is pending and no upload is in progress.
	StateIdle State = iota
	// StateAccumulating means events are pending and no upload is in progress.
	StateAccumulating
	// StateFlushing means a batch is being uploaded.
	StateFlushing
)

const (
	// DefaultBatchSize is the default size trigger.
	DefaultBatchSize = 100
	// DefaultInterval is the default timer trigger period.
	DefaultInterval = time.Second
)

// ErrClosed is reported to the logger when events are appended after Close.
var ErrClosed = errors.New("batch: uploader closed")

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// WithBatchSize sets the number of pending events that triggers an upload.
// Values below 1 are ignored.
func WithBatchSize(n int) Option {
	return func(u *Uploader) {
		if n > 0 {
			u.size = n
		}
	}
}

// WithInterval sets the timer trigger period. A non-positive interval
// disables the timer; uploads then happen on size triggers and flushes only.
func WithInterval(d time.Duration) Option {
	return func(u *Uploader) { u.interval = d }
}

// WithRetry sets the retry policy applied to each batch.
func WithRetry(cfg retry.Config) Option {
	return func(u *Uploader) { u.retry = cfg }
}

// WithLogger sets the logger used for upload diagnostics.
func WithLogger(l telemetry.Logger) Option {
	return func(u *Uploader) {
		if l != nil {
			u.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(u *Uploader) {
		if m != nil {
			u.metrics = m
		}
	}
}

// WithDropHandler registers a callback invoked for each dropped batch.
func WithDropHandler(h DropHandler) Option {
	return func(u *Uploader) { u.onDrop = h }
}

// WithContext sets the context used by the upload loop for logging and for
// calling the Sender. Cancellation of ctx is ignored; use Close to stop the
// loop.
func WithContext(ctx context.Context) Option {
	return func(u *Uploader) {
		if ctx != nil {
			u.ctx = ctx
		}
	}
}

// New returns an Uploader that delivers batches to send and starts its loop.
// Callers must call Close to release the loop goroutine.
func New(send Sender, opts ...Option) *Uploader {
	u := &Uploader{
		send:     send,
		size:     DefaultBatchSize,
		interval: DefaultInterval,
		retry:    retry.DefaultConfig(),
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		ctx:      context.Background(),
		index:    make(map[string]*entry),
		wake:     make(chan struct{}, 1),
		flushCh:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(u)
		}
	}
	u.ctx, u.cancel = context.WithCancel(telemetry.Detach(u.ctx))
	retryLogger := u.logger
	userHook := u.retry.OnRetry
	u.retry.OnRetry = func(attempt int, err error, wait time.Duration) {
		retryLogger.Warn(u.ctx, "batch upload failed, retrying", "attempt", attempt, "backoff", wait.String(), "err", err)
		if userHook != nil {
			userHook(attempt, err, wait)
		}
	}
	go u.loop()
	return u
}

// Append enqueues e. If an event with the same key is still pending it is
// replaced in place, keeping its position. Append never blocks on I/O; it
// wakes the loop once the batch size is reached. Events appended after Close
// are dropped with a warning.
func (u *Uploader) Append(e *event.Event) {
	if e == nil {
		return
	}
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		u.logger.Warn(u.ctx, "event dropped", "event_id", e.EventID, "err", ErrClosed)
		return
	}
	key := e.Key()
	if existing, ok := u.index[key]; ok && key != "" {
		existing.ev = e
		u.mu.Unlock()
		return
	}
	u.seq++
	en := &entry{ev: e, seq: u.seq}
	u.pending = append(u.pending, en)
	if key != "" {
		u.index[key] = en
	}
	full := len(u.pending) >= u.size
	u.mu.Unlock()
	if full {
		signal(u.wake)
	}
}

// Update applies fn to the pending event with the given key. It returns false
// when no such event is pending, in particular when it has already been handed
// to the Sender.
func (u *Uploader) Update(key string, fn func(*event.Event)) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	en, ok := u.index[key]
	if !ok {
		return false
	}
	fn(en.ev)
	return true
}

// Pending returns the number of events not yet handed to the Sender.
func (u *Uploader) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.pending)
}

// State reports the current loop state.
func (u *Uploader) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch {
	case u.uploading:
		return StateFlushing
	case len(u.pending) > 0:
		return StateAccumulating
	default:
		return StateIdle
	}
}

// Flush blocks until every event appended before the call has been uploaded
// or dropped, or until ctx is done. It only returns ctx errors.
func (u *Uploader) Flush(ctx context.Context) error {
	u.mu.Lock()
	if u.doneSeq >= u.seq {
		u.mu.Unlock()
		return nil
	}
	w := waiter{target: u.seq, done: make(chan struct{})}
	u.waiters = append(u.waiters, w)
	u.mu.Unlock()

	signal(u.flushCh)
	select {
	case <-w.done:
		return nil
	case <-u.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close uploads everything pending and stops the loop. If ctx ends first the
// in-flight upload is abandoned and ctx.Err() is returned. Close is
// idempotent.
func (u *Uploader) Close(ctx context.Context) error {
	u.mu.Lock()
	if !u.closed {
		u.closed = true
		close(u.stop)
	}
	u.mu.Unlock()

	select {
	case <-u.stopped:
		return nil
	case <-ctx.Done():
		u.cancel()
		return ctx.Err()
	}
}

func (u *Uploader) loop() {
	defer close(u.stopped)
	defer u.cancel()

	var tick <-chan time.Time
	if u.interval > 0 {
		ticker := time.NewTicker(u.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-u.wake:
			u.drain(false)
		case <-u.flushCh:
			u.drain(true)
		case <-tick:
			u.drain(true)
		case <-u.stop:
			u.drain(true)
			u.releaseAll()
			return
		}
	}
}

// drain uploads pending events in chunks of the batch size. When all is false
// it only uploads full chunks (size trigger). When all is true it uploads
// every event appended before the call, including a final partial chunk.
func (u *Uploader) drain(all bool) {
	u.mu.Lock()
	limit := u.seq
	u.mu.Unlock()

	for {
		if u.ctx.Err() != nil {
			return
		}
		chunk, last, ok := u.take(all, limit)
		if !ok {
			return
		}
		u.upload(chunk)

		u.mu.Lock()
		u.uploading = false
		u.doneSeq = last
		u.releaseLocked()
		u.mu.Unlock()
	}
}

// take detaches the next chunk from the pending buffer.
func (u *Uploader) take(all bool, limit uint64) ([]*event.Event, uint64, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	n := len(u.pending)
	if all {
		n = 0
		for n < len(u.pending) && u.pending[n].seq <= limit {
			n++
		}
		if n == 0 {
			return nil, 0, false
		}
	} else if n < u.size {
		return nil, 0, false
	}
	if n > u.size {
		n = u.size
	}

	chunk := make([]*event.Event, n)
	for i, en := range u.pending[:n] {
		chunk[i] = en.ev
		if key := en.ev.Key(); key != "" && u.index[key] == en {
			delete(u.index, key)
		}
	}
	last := u.pending[n-1].seq
	rest := make([]*entry, len(u.pending)-n)
	copy(rest, u.pending[n:])
	u.pending = rest
	u.uploading = true
	return chunk, last, true
}

func (u *Uploader) upload(chunk []*event.Event) {
	start := time.Now()
	err := retry.Do(u.ctx, u.retry, func(ctx context.Context) error {
		return u.send(ctx, chunk)
	})
	u.metrics.RecordTimer(telemetry.MetricUploadDuration, time.Since(start))
	if err == nil {
		u.metrics.IncCounter(telemetry.MetricBatchesUploaded, 1)
		u.logger.Debug(u.ctx, "batch uploaded", "events", len(chunk))
		return
	}
	u.metrics.IncCounter(telemetry.MetricBatchesDropped, 1)
	u.logger.Error(u.ctx, "batch dropped", "events", len(chunk), "err", err)
	if u.onDrop != nil {
		u.onDrop(u.ctx, Dropped{Events: chunk, Err: err})
	}
}

func (u *Uploader) releaseLocked() {
	kept := u.waiters[:0]
	for _, w := range u.waiters {
		if w.target <= u.doneSeq {
			close(w.done)
			continue
		}
		kept = append(kept, w)
	}
	u.waiters = kept
}

func (u *Uploader) releaseAll() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, w := range u.waiters {
		close(w.done)
	}
	u.waiters = nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
