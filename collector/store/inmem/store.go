// Package inmem provides an in-memory implementation of store.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation (for example features/store/mongo).
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"

	"goa.design/goa-trace/collector/store"
	"goa.design/goa-trace/runtime/event"
)

type (
	// Store is an in-memory implementation of store.Store.
	// It is safe for concurrent use.
	Store struct {
		mu       sync.RWMutex
		events   map[string]*event.Event
		sessions map[string][]string
	}
)

const storeName = "collector-inmem"

// New returns an empty Store.
func New() *Store {
	return &Store{
		events:   make(map[string]*event.Event),
		sessions: make(map[string][]string),
	}
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(context.Context) error { return nil }

// Upsert implements store.Store.
func (s *Store) Upsert(_ context.Context, events []*event.Event) error {
	for _, e := range events {
		if e == nil || e.EventID == "" || e.SessionID == "" {
			return errors.New("event id and session id are required")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		existing, ok := s.events[e.EventID]
		if !ok {
			s.sessions[e.SessionID] = append(s.sessions[e.SessionID], e.EventID)
		}
		s.events[e.EventID] = store.Merge(existing, e)
	}
	return nil
}

// LoadSession implements store.Store.
func (s *Store) LoadSession(_ context.Context, sessionID string) (event.SessionView, error) {
	if sessionID == "" {
		return event.SessionView{}, errors.New("session id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, ok := s.sessions[sessionID]
	if !ok {
		return event.SessionView{}, store.ErrSessionNotFound
	}
	var view event.SessionView
	for _, id := range ids {
		e := s.events[id]
		if e.IsSession() && e.EventID == sessionID {
			view.Session = e.Clone()
			continue
		}
		view.Events = append(view.Events, e.Clone())
	}
	sort.SliceStable(view.Events, func(i, j int) bool {
		return view.Events[i].StartTime < view.Events[j].StartTime
	})
	return view, nil
}

// Len returns the number of stored events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
