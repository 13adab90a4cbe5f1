// Package store defines the persistence contract of the collector and the
// upsert rules shared by its implementations.
package store

import (
	"context"
	"errors"

	"goa.design/clue/health"

	"goa.design/goa-trace/runtime/event"
)

// ErrSessionNotFound is returned by LoadSession when no event of the session
// has been stored.
var ErrSessionNotFound = errors.New("session not found")

// Store persists uploaded events.
//
// Upsert applies Merge semantics per event_id: a stored event is never
// replaced wholesale, so re-uploads and enrichment versions of the same
// span or session compose.
type Store interface {
	health.Pinger

	// Upsert merges every event into its stored version, creating it when
	// absent. Events are applied in order.
	Upsert(ctx context.Context, events []*event.Event) error
	// LoadSession returns the session row and its spans ordered by start
	// time. Session may be nil when only spans were received.
	LoadSession(ctx context.Context, sessionID string) (event.SessionView, error)
}

// Merge applies src onto dst and returns the merged event. dst may be nil, in
// which case a copy of src is returned. dst is not modified.
//
// The identity fields (event_id, session_id, parent_id, project, source,
// event_name, event_type, start_time) are set once. The maps (inputs, config,
// metadata, feedback, metrics, user_properties) are merged last write wins per
// key. outputs, end_time, duration, status and error overwrite the stored
// values when src sets them.
func Merge(dst, src *event.Event) *event.Event {
	if dst == nil {
		return src.Clone()
	}
	out := dst.Clone()
	if src == nil {
		return out
	}
	out.Inputs.Merge(src.Inputs)
	out.Config.Merge(src.Config)
	out.Metadata.Merge(src.Metadata)
	out.Feedback.Merge(src.Feedback)
	out.Metrics.Merge(src.Metrics)
	if src.UserProperties.Len() > 0 {
		if out.UserProperties == nil {
			out.UserProperties = src.UserProperties.Clone()
		} else {
			out.UserProperties.Merge(src.UserProperties)
		}
	}
	if src.Outputs.Len() > 0 {
		out.Outputs = src.Outputs.Clone()
	}
	if src.EndTime > 0 {
		out.EndTime = src.EndTime
		out.Duration = src.Duration
	}
	if src.Status != "" {
		out.Status = src.Status
	}
	if src.Error != "" {
		out.Error = src.Error
	}
	return out
}
