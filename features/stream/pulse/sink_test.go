package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/goa-trace/features/stream/pulse/clients/pulse"
	"goa.design/goa-trace/runtime/event"
	"goa.design/goa-trace/runtime/value"
)

type (
	fakeClient struct {
		mu      sync.Mutex
		streams map[string]*fakeStream
		openErr error
		closed  bool
	}

	entry struct {
		name    string
		payload []byte
	}

	fakeStream struct {
		mu      sync.Mutex
		entries []entry
		addErr  error
		sink    *fakeSink
	}

	fakeSink struct {
		ch     chan *streaming.Event
		mu     sync.Mutex
		acked  []string
		ackErr error
		closed bool
	}
)

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Name() string               { return "fake" }
func (c *fakeClient) Ping(context.Context) error { return nil }

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return nil, c.openErr
	}
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) stream(name string) *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[name]
}

func (s *fakeStream) Add(_ context.Context, name string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return "", s.addErr
	}
	s.entries = append(s.entries, entry{name: name, payload: payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
	if s.sink == nil {
		return nil, errors.New("no sink")
	}
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, ev *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ackErr != nil {
		return s.ackErr
	}
	s.acked = append(s.acked, ev.ID)
	return nil
}

func (s *fakeSink) Close(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func TestPublishWritesOneEntryPerEvent(t *testing.T) {
	t.Parallel()

	cli := newFakeClient()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sink, err := NewSink(Options{Client: cli, Clock: func() time.Time { return at }})
	require.NoError(t, err)

	out := value.NewFields()
	out.Set("result", value.Int(42))
	events := []*event.Event{
		{EventID: "s1", SessionID: "s1", EventType: event.EventTypeSession, EventName: "chat"},
		{EventID: "e1", SessionID: "s1", EventType: event.EventTypeTool, Outputs: out},
	}
	require.NoError(t, sink.Publish(context.Background(), "s1", events))

	str := cli.stream("session/s1")
	require.NotNil(t, str)
	require.Len(t, str.entries, 2)
	require.Equal(t, "session", str.entries[0].name)
	require.Equal(t, "tool", str.entries[1].name)

	var env envelope
	require.NoError(t, json.Unmarshal(str.entries[1].payload, &env))
	require.Equal(t, "e1", env.EventID)
	require.Equal(t, "s1", env.SessionID)
	require.True(t, env.Timestamp.Equal(at))
	res, ok := env.Event.Outputs.Get("result")
	require.True(t, ok)
	n, _ := res.AsInt64()
	require.EqualValues(t, 42, n)

	require.NoError(t, sink.Close(context.Background()))
	require.True(t, cli.closed)
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	_, err := NewSink(Options{})
	require.Error(t, err)

	cli := newFakeClient()
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	require.Error(t, sink.Publish(context.Background(), "", nil))

	cli.openErr = errors.New("redis down")
	require.ErrorIs(t, sink.Publish(context.Background(), "s", []*event.Event{{EventID: "e", SessionID: "s"}}), cli.openErr)

	cli.openErr = nil
	str, _ := cli.Stream("session/s")
	str.(*fakeStream).addErr = errors.New("add failed")
	require.EqualError(t, sink.Publish(context.Background(), "s", []*event.Event{{EventID: "e", SessionID: "s"}}), "add failed")

	custom, err := NewSink(Options{
		Client:          cli,
		StreamID:        func(id string) (string, error) { return "custom/" + id, nil },
		MarshalEnvelope: func(envelope) ([]byte, error) { return nil, errors.New("boom") },
	})
	require.NoError(t, err)
	err = custom.Publish(context.Background(), "s", []*event.Event{{EventID: "e", SessionID: "s"}})
	require.ErrorContains(t, err, "marshal event e")
}
