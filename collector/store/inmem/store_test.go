package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/goa-trace/collector/store"
	"goa.design/goa-trace/runtime/event"
	"goa.design/goa-trace/runtime/value"
)

func TestStoreUpsertAndLoad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	require.Equal(t, "collector-inmem", s.Name())
	require.NoError(t, s.Ping(ctx))

	meta := value.NewFields()
	meta.Set("k", value.String("v"))
	require.NoError(t, s.Upsert(ctx, []*event.Event{
		{EventID: "s1", SessionID: "s1", EventType: event.EventTypeSession, EventName: "chat", StartTime: 1},
		{EventID: "b", SessionID: "s1", EventType: event.EventTypeTool, StartTime: 30},
		{EventID: "a", SessionID: "s1", EventType: event.EventTypeChain, StartTime: 10},
		{EventID: "x", SessionID: "s2", EventType: event.EventTypeChain, StartTime: 5},
	}))
	require.NoError(t, s.Upsert(ctx, []*event.Event{
		{EventID: "s1", SessionID: "s1", EventType: event.EventTypeSession, Metadata: meta, Status: event.StatusOK, EndTime: 50},
	}))
	require.Equal(t, 4, s.Len())

	view, err := s.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, view.Session)
	require.Equal(t, "chat", view.Session.EventName)
	require.Equal(t, event.StatusOK, view.Session.Status)
	require.True(t, view.Session.Metadata.Equal(meta))
	require.Len(t, view.Events, 2)
	require.Equal(t, "a", view.Events[0].EventID)
	require.Equal(t, "b", view.Events[1].EventID)

	// Returned events are copies.
	view.Session.Metadata.Set("k", value.String("changed"))
	again, err := s.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, again.Session.Metadata.Equal(meta))
}

func TestStoreErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	_, err := s.LoadSession(ctx, "missing")
	require.ErrorIs(t, err, store.ErrSessionNotFound)
	_, err = s.LoadSession(ctx, "")
	require.Error(t, err)
	require.Error(t, s.Upsert(ctx, []*event.Event{{EventID: "e"}}))
	require.Equal(t, 0, s.Len())
}

func TestStoreSpansWithoutSessionRow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	require.NoError(t, s.Upsert(ctx, []*event.Event{{EventID: "e", SessionID: "s", EventType: event.EventTypeModel}}))
	view, err := s.LoadSession(ctx, "s")
	require.NoError(t, err)
	require.Nil(t, view.Session)
	require.Len(t, view.Events, 1)
}
