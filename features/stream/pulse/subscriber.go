package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/goa-trace/features/stream/pulse/clients/pulse"
	"goa.design/goa-trace/runtime/event"
)

type (
	// Decoder converts a stream entry payload into an event.
	Decoder func([]byte) (*event.Event, error)

	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the consumer group. Defaults to "goa_trace_follow".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder defaults to the JSON envelope decoder.
		Decoder Decoder
		// StreamID derives the stream from a session id. Defaults to
		// DefaultStreamID.
		StreamID func(sessionID string) (string, error)
	}

	// Subscriber follows the live events of a session.
	Subscriber struct {
		client   clientspulse.Client
		buffer   int
		name     string
		decode   Decoder
		streamID func(string) (string, error)
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Subscriber{
		client:   opts.Client,
		buffer:   opts.Buffer,
		name:     opts.SinkName,
		decode:   opts.Decoder,
		streamID: opts.StreamID,
	}
	if s.name == "" {
		s.name = "goa_trace_follow"
	}
	if s.buffer <= 0 {
		s.buffer = 64
	}
	if s.decode == nil {
		s.decode = decodeEnvelope
	}
	if s.streamID == nil {
		s.streamID = DefaultStreamID
	}
	return s, nil
}

// Follow opens a consumer group on the stream of sessionID and returns the
// decoded events. The events channel closes when ctx is canceled, the stream
// sink closes or an error is reported on errs. cancel stops consumption and
// closes the consumer group.
//
//	events, errs, cancel, err := sub.Follow(ctx, sessionID)
//	defer cancel()
//	for ev := range events {
//		// ...
//	}
func (s *Subscriber) Follow(ctx context.Context, sessionID string, opts ...streamopts.Sink) (<-chan *event.Event, <-chan error, context.CancelFunc, error) {
	streamID, err := s.streamID(sessionID)
	if err != nil {
		return nil, nil, nil, err
	}
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan *event.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	return events, errs, func() {
		cancel()
		sink.Close(context.Background())
	}, nil
}

func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- *event.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			ev, err := s.decode(entry.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, entry); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}

func decodeEnvelope(payload []byte) (*event.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	if env.Event == nil {
		return nil, errors.New("envelope has no event")
	}
	return env.Event, nil
}
