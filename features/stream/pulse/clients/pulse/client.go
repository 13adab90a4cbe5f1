// Package pulse wraps goa.design/pulse streams for the collector live feed.
// Callers build a Redis client, pass it to New and receive an interface that
// exposes only what the event sink and subscriber need, which keeps both
// testable with fakes.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

const clientName = "stream-pulse"

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis backs the streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the number of entries kept per session stream.
		// Zero uses the Pulse default.
		StreamMaxLen int
		// OperationTimeout bounds individual Add calls. Zero means no timeout.
		OperationTimeout time.Duration
		// CloseRedis makes Close close the Redis connection.
		CloseRedis bool
	}

	// Client opens session streams. It reports the Redis connection health.
	Client interface {
		health.Pinger

		// Stream returns a handle to the named stream, creating it if needed.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// Close releases the client.
		Close(ctx context.Context) error
	}

	// Stream publishes to and reads from one Pulse stream.
	Stream interface {
		// Add appends payload under the given event name and returns the
		// entry id assigned by Redis.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink opens a consumer group on the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and its entries.
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer group reading a stream.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(context.Context, *streaming.Event) error
		Close(context.Context)
	}

	client struct {
		redis      *redis.Client
		maxLen     int
		timeout    time.Duration
		closeRedis bool
	}

	stream struct {
		s       *streaming.Stream
		timeout time.Duration
	}

	consumer struct {
		*streaming.Sink
	}
)

// New returns a Client backed by opts.Redis.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:      opts.Redis,
		maxLen:     opts.StreamMaxLen,
		timeout:    opts.OperationTimeout,
		closeRedis: opts.CloseRedis,
	}, nil
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	all := make([]streamopts.Stream, 0, len(opts)+1)
	if c.maxLen > 0 {
		all = append(all, streamopts.WithStreamMaxLen(c.maxLen))
	}
	all = append(all, opts...)
	s, err := streaming.NewStream(name, c.redis, all...)
	if err != nil {
		return nil, fmt.Errorf("open pulse stream %q: %w", name, err)
	}
	return &stream{s: s, timeout: c.timeout}, nil
}

func (c *client) Close(context.Context) error {
	if !c.closeRedis {
		return nil
	}
	return c.redis.Close()
}

func (s *stream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	id, err := s.s.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (s *stream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := s.s.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return consumer{Sink: sink}, nil
}

func (s *stream) Destroy(ctx context.Context) error {
	return s.s.Destroy(ctx)
}

// Close adapts the Pulse sink Close to the Sink interface.
func (c consumer) Close(ctx context.Context) {
	c.Sink.Close(ctx)
}
