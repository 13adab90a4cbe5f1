// Package event defines the wire envelope exchanged between the tracing client
// and the collector. Spans and sessions are both encoded as an Event; a session
// row is the event of type EventTypeSession whose EventID equals its SessionID.
package event

import (
	"errors"
	"time"

	"goa.design/goa-trace/runtime/value"
)

type (
	// EventType classifies a recorded event.
	EventType string

	// Status is the terminal status of a span.
	Status string

	// Event is the JSON envelope uploaded for every span and session.
	Event struct {
		// EventID uniquely identifies the event. For session rows it equals
		// SessionID.
		EventID string `json:"event_id"`
		// ParentID is the enclosing span, empty for root spans and sessions.
		ParentID string `json:"parent_id,omitempty"`
		// SessionID is the session the event belongs to.
		SessionID string `json:"session_id"`
		// Project groups sessions on the collector.
		Project string `json:"project"`
		// Source is the deployment environment label (e.g. "dev").
		Source string `json:"source"`
		// EventName is the span or session name.
		EventName string `json:"event_name"`
		// EventType is one of model, tool, chain or session.
		EventType EventType `json:"event_type"`
		// StartTime is the start instant in unix milliseconds.
		StartTime int64 `json:"start_time"`
		// EndTime is the end instant in unix milliseconds, zero while open.
		EndTime int64 `json:"end_time"`
		// Duration is the elapsed time in milliseconds.
		Duration float64 `json:"duration"`
		// Inputs are the captured call inputs.
		Inputs *value.Fields `json:"inputs"`
		// Outputs are the captured call outputs.
		Outputs *value.Fields `json:"outputs"`
		// Config is the static configuration attached at wrap time.
		Config *value.Fields `json:"config"`
		// Metadata holds free-form annotations.
		Metadata *value.Fields `json:"metadata"`
		// Feedback holds user feedback attached by enrichment.
		Feedback *value.Fields `json:"feedback"`
		// Metrics holds numeric or categorical scores.
		Metrics *value.Fields `json:"metrics"`
		// UserProperties describes the end user of a session.
		UserProperties *value.Fields `json:"user_properties,omitempty"`
		// Status is ok or error.
		Status Status `json:"status"`
		// Error is the failure message when Status is error.
		Error string `json:"error,omitempty"`
	}

	// BatchRequest is the body of POST /events/batch.
	BatchRequest struct {
		Events []*Event `json:"events"`
	}

	// BatchResponse is the collector answer to a batch upload.
	BatchResponse struct {
		Success  bool     `json:"success"`
		EventIDs []string `json:"event_ids"`
	}

	// SingleRequest is the body of POST /events.
	SingleRequest struct {
		Event *Event `json:"event"`
	}

	// SingleResponse is the collector answer to a single event upload.
	SingleResponse struct {
		Success bool   `json:"success"`
		EventID string `json:"event_id"`
	}

	// SessionStartRequest is the body of POST /session/start.
	SessionStartRequest struct {
		Session *Event `json:"session"`
	}

	// SessionStartResponse carries the id of the started session.
	SessionStartResponse struct {
		SessionID string `json:"session_id"`
	}

	// SessionView is the body of GET /sessions/{session_id}.
	SessionView struct {
		Session *Event   `json:"session"`
		Events  []*Event `json:"events"`
	}
)

const (
	// EventTypeModel marks a model invocation.
	EventTypeModel EventType = "model"
	// EventTypeTool marks a tool invocation.
	EventTypeTool EventType = "tool"
	// EventTypeChain marks a composite step. It is the default for spans.
	EventTypeChain EventType = "chain"
	// EventTypeSession marks a session row.
	EventTypeSession EventType = "session"
)

const (
	// StatusOK marks a call that returned normally.
	StatusOK Status = "ok"
	// StatusError marks a call that failed or panicked.
	StatusError Status = "error"
)

var (
	// ErrMissingID indicates an event without event_id or session_id.
	ErrMissingID = errors.New("event: missing event_id or session_id")
	// ErrInvalidType indicates an unknown event_type.
	ErrInvalidType = errors.New("event: invalid event_type")
	// ErrInvalidStatus indicates an unknown status.
	ErrInvalidStatus = errors.New("event: invalid status")
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeModel, EventTypeTool, EventTypeChain, EventTypeSession:
		return true
	}
	return false
}

// Valid reports whether s is a known status. The empty status is accepted for
// events that are still open.
func (s Status) Valid() bool {
	switch s {
	case StatusOK, StatusError, "":
		return true
	}
	return false
}

// Key returns the identity used to coalesce and upsert events.
func (e *Event) Key() string { return e.EventID }

// IsSession reports whether e is a session row.
func (e *Event) IsSession() bool { return e.EventType == EventTypeSession }

// Validate checks the structural invariants of the envelope.
func (e *Event) Validate() error {
	if e.EventID == "" || e.SessionID == "" {
		return ErrMissingID
	}
	if !e.EventType.Valid() {
		return ErrInvalidType
	}
	if !e.Status.Valid() {
		return ErrInvalidStatus
	}
	return nil
}

// Clone returns a deep copy of e. Field maps that are nil are replaced by
// empty maps so the copy always encodes every object field.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	out.Inputs = e.Inputs.Clone()
	out.Outputs = e.Outputs.Clone()
	out.Config = e.Config.Clone()
	out.Metadata = e.Metadata.Clone()
	out.Feedback = e.Feedback.Clone()
	out.Metrics = e.Metrics.Clone()
	if e.UserProperties != nil {
		out.UserProperties = e.UserProperties.Clone()
	}
	return &out
}

// Millis converts t to unix milliseconds.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// DurationMillis converts d to fractional milliseconds.
func DurationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
