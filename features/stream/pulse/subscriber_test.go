package pulse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"goa.design/goa-trace/runtime/event"
)

func TestFollowEmitsPublishedEvents(t *testing.T) {
	t.Parallel()

	cli := newFakeClient()
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	require.NoError(t, sink.Publish(context.Background(), "s1", []*event.Event{
		{EventID: "e1", SessionID: "s1", EventType: event.EventTypeChain, EventName: "step"},
	}))

	str := cli.stream("session/s1")
	fs := &fakeSink{ch: make(chan *streaming.Event, 1)}
	str.sink = fs

	sub, err := NewSubscriber(SubscriberOptions{Client: cli, Buffer: 2})
	require.NoError(t, err)
	events, errs, cancel, err := sub.Follow(context.Background(), "s1")
	require.NoError(t, err)
	defer cancel()

	fs.ch <- &streaming.Event{ID: "1-0", Payload: str.entries[0].payload}
	close(fs.ch)

	ev := <-events
	require.Equal(t, "e1", ev.EventID)
	require.Equal(t, "step", ev.EventName)
	_, open := <-events
	require.False(t, open)
	require.NoError(t, <-errs)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Equal(t, []string{"1-0"}, fs.acked)
}

func TestFollowDecodeError(t *testing.T) {
	t.Parallel()

	cli := newFakeClient()
	str, _ := cli.Stream("session/s1")
	fs := &fakeSink{ch: make(chan *streaming.Event, 1)}
	str.(*fakeStream).sink = fs

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)
	events, errs, cancel, err := sub.Follow(context.Background(), "s1")
	require.NoError(t, err)
	defer cancel()

	fs.ch <- &streaming.Event{ID: "1-0", Payload: []byte(`{"type":"chain"}`)}

	require.EqualError(t, <-errs, "pulse decode payload: envelope has no event")
	_, open := <-events
	require.False(t, open)
}

func TestFollowCancelClosesSink(t *testing.T) {
	t.Parallel()

	cli := newFakeClient()
	str, _ := cli.Stream("session/s1")
	fs := &fakeSink{ch: make(chan *streaming.Event)}
	str.(*fakeStream).sink = fs

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)
	events, _, cancel, err := sub.Follow(context.Background(), "s1")
	require.NoError(t, err)
	cancel()
	for range events {
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.True(t, fs.closed)

	_, err = NewSubscriber(SubscriberOptions{})
	require.Error(t, err)
	_, _, _, err = sub.Follow(context.Background(), "")
	require.Error(t, err)
}
