// Package mongo provides the MongoDB implementation of the collector event
// store.
package mongo

import (
	"context"
	"errors"

	"goa.design/goa-trace/collector/store"
	clientsmongo "goa.design/goa-trace/features/store/mongo/clients/mongo"
	"goa.design/goa-trace/runtime/event"
)

// Store implements store.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ store.Store = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return "collector-mongo" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

// Upsert merges events into their stored versions.
func (s *Store) Upsert(ctx context.Context, events []*event.Event) error {
	return s.client.UpsertEvents(ctx, events)
}

// LoadSession returns the session row and its spans ordered by start time.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (event.SessionView, error) {
	events, err := s.client.ListSessionEvents(ctx, sessionID)
	if err != nil {
		return event.SessionView{}, err
	}
	if len(events) == 0 {
		return event.SessionView{}, store.ErrSessionNotFound
	}
	view := event.SessionView{Events: make([]*event.Event, 0, len(events))}
	for _, e := range events {
		if e.IsSession() && e.EventID == sessionID {
			view.Session = e
			continue
		}
		view.Events = append(view.Events, e)
	}
	return view, nil
}
