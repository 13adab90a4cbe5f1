package collector

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"goa.design/goa-trace/collector/store"
	"goa.design/goa-trace/runtime/event"
	"goa.design/goa-trace/runtime/telemetry"
)

type errorBody struct {
	Message string `json:"message"`
}

// Handler returns the HTTP transport of the service:
//
//	POST /session/start         {session}  -> {session_id}
//	POST /events/batch          {events}   -> {success, event_ids}
//	POST /events                {event}    -> {success, event_id}
//	GET  /sessions/{session_id}            -> {session, events}
//	GET  /livez                            -> store health
//
// Requests are logged with the Clue logger carried by logCtx.
func (s *Service) Handler(logCtx context.Context) http.Handler {
	mux := goahttp.NewMuxer()
	s.Mount(mux)
	return log.HTTP(logCtx)(mux)
}

// Mount registers the routes served by Handler on mux.
func (s *Service) Mount(mux goahttp.Muxer) {
	mux.Handle(http.MethodPost, "/session/start", s.authorized(s.handleStartSession))
	mux.Handle(http.MethodPost, "/events/batch", s.authorized(s.handleBatch))
	mux.Handle(http.MethodPost, "/events", s.authorized(s.handleEvent))
	mux.Handle(http.MethodGet, "/sessions/{session_id}", s.authorized(func(w http.ResponseWriter, r *http.Request) {
		s.handleSession(w, r, mux.Vars(r)["session_id"])
	}))
	checker := health.NewChecker(s.store)
	mux.Handle(http.MethodGet, "/livez", health.Handler(checker).ServeHTTP)
}

// authorized enforces bearer authentication and the per-key rate limit.
func (s *Service) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Without configured keys every request shares one bucket so that
		// rotating tokens neither escapes the limit nor grows the bucket map.
		var key string
		if len(s.keys) > 0 {
			key = bearerToken(r)
			if !s.validKey(key) {
				s.metrics.IncCounter(telemetry.MetricRequestsUnauthorized, 1)
				writeError(w, http.StatusUnauthorized, "invalid or missing api key")
				return
			}
		}
		if !s.limits.allow(key) {
			s.metrics.IncCounter(telemetry.MetricRequestsThrottled, 1)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Service) validKey(key string) bool {
	if key == "" {
		return false
	}
	for k := range s.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func (s *Service) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req event.SessionStartRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.StartSession(r.Context(), req.Session)
	if err != nil {
		s.writeIngestError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, event.SessionStartResponse{SessionID: id})
}

func (s *Service) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Events []json.RawMessage `json:"events"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	events, ok := s.decodeEvents(w, req.Events)
	if !ok {
		return
	}
	if err := s.Ingest(r.Context(), events); err != nil {
		s.writeIngestError(r.Context(), w, err)
		return
	}
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.EventID
	}
	writeJSON(w, http.StatusOK, event.BatchResponse{Success: true, EventIDs: ids})
}

func (s *Service) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Event json.RawMessage `json:"event"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Event) == 0 {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}
	events, ok := s.decodeEvents(w, []json.RawMessage{req.Event})
	if !ok {
		return
	}
	if err := s.Ingest(r.Context(), events); err != nil {
		s.writeIngestError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, event.SingleResponse{Success: true, EventID: events[0].EventID})
}

func (s *Service) handleSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	view, err := s.Session(r.Context(), sessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error(r.Context(), "load session failed", "session_id", sessionID, "err", err)
		writeError(w, http.StatusInternalServerError, "load session failed")
		return
	}
	if view.Events == nil {
		view.Events = []*event.Event{}
	}
	writeJSON(w, http.StatusOK, view)
}

// decode reads a JSON body into v, answering 400 on failure.
func (s *Service) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// decodeEvents validates every raw envelope against the event schema before
// decoding it.
func (s *Service) decodeEvents(w http.ResponseWriter, raws []json.RawMessage) ([]*event.Event, bool) {
	events := make([]*event.Event, 0, len(raws))
	for i, raw := range raws {
		if err := s.validateRaw(raw); err != nil {
			s.metrics.IncCounter(telemetry.MetricEventsRejected, 1)
			writeError(w, http.StatusBadRequest, (&ValidationError{Index: i, Err: err}).Error())
			return nil, false
		}
		var e event.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			writeError(w, http.StatusBadRequest, (&ValidationError{Index: i, Err: err}).Error())
			return nil, false
		}
		events = append(events, &e)
	}
	return events, true
}

func (s *Service) writeIngestError(ctx context.Context, w http.ResponseWriter, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, ErrEmptyBatch):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(ctx, "ingest failed", "err", err)
		writeError(w, http.StatusInternalServerError, "ingest failed")
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Message: msg})
}
