// Package pulse publishes the events ingested by the collector to
// goa.design/pulse streams so that dashboards and tests can follow a session
// live. Services build a Redis client, pass it to the Pulse client and hand
// the resulting Sink to the collector as its Publisher.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/goa-trace/features/stream/pulse/clients/pulse"
	"goa.design/goa-trace/runtime/event"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamID derives the target stream from a session id. Defaults to
		// `session/<session_id>`.
		StreamID func(sessionID string) (string, error)
		// MarshalEnvelope overrides the envelope serialization.
		MarshalEnvelope func(envelope) ([]byte, error)
		// Clock stamps envelopes. Defaults to time.Now.
		Clock func() time.Time
	}

	// Sink publishes stored events, one stream entry per event. It is safe
	// for concurrent use.
	Sink struct {
		client   pulse.Client
		streamID func(string) (string, error)
		marshal  func(envelope) ([]byte, error)
		clock    func() time.Time
	}

	// envelope is the JSON payload of a stream entry.
	envelope struct {
		// Type is the event type (model, tool, chain or session).
		Type string `json:"type"`
		// SessionID links the entry to its session.
		SessionID string `json:"session_id"`
		// EventID identifies the event version that was stored.
		EventID string `json:"event_id"`
		// Timestamp records when the entry was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Event is the envelope as received by the collector.
		Event *event.Event `json:"event"`
	}
)

// NewSink constructs a Pulse-backed sink. opts.Client is required.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Sink{
		client:   opts.Client,
		streamID: DefaultStreamID,
		marshal:  defaultMarshal,
		clock:    time.Now,
	}
	if opts.StreamID != nil {
		s.streamID = opts.StreamID
	}
	if opts.MarshalEnvelope != nil {
		s.marshal = opts.MarshalEnvelope
	}
	if opts.Clock != nil {
		s.clock = opts.Clock
	}
	return s, nil
}

// Publish appends events to the stream of sessionID. It stops at the first
// failure.
func (s *Sink) Publish(ctx context.Context, sessionID string, events []*event.Event) error {
	streamID, err := s.streamID(sessionID)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	for _, e := range events {
		env := envelope{
			Type:      string(e.EventType),
			SessionID: sessionID,
			EventID:   e.EventID,
			Timestamp: s.clock().UTC(),
			Event:     e,
		}
		payload, err := s.marshal(env)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.EventID, err)
		}
		if _, err := handle.Add(ctx, env.Type, payload); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// DefaultStreamID names the stream of a session `session/<session_id>`.
func DefaultStreamID(sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("stream event missing session id")
	}
	return "session/" + sessionID, nil
}

func defaultMarshal(env envelope) ([]byte, error) {
	return json.Marshal(env)
}
