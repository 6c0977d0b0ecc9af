package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"clawbridge/internal/bus"
	"clawbridge/internal/domain"
)

const defaultEventLimit = 50

func (s *Server) handleChat(rw http.ResponseWriter, r *http.Request) {
	var req domain.ChatRequest
	// An empty body is an empty message, not a bad request.
	if err := decodeJSON(rw, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	reply, outcome, err := s.relay.Ask(r.Context(), req)
	if err != nil {
		if r.Context().Err() != nil {
			// Client disconnected, nobody to answer.
			return
		}
		// The UI only ever sees a conversational answer.
		s.logger.Error("chat failed", "err", err)
		persona := s.relay.Persona()
		reply = persona.Say(persona.TimeoutText)
		outcome = domain.OutcomeTimeout
	}
	rw.Header().Set("X-Relay-Outcome", string(outcome))
	writeJSON(rw, http.StatusOK, reply)
}

func (s *Server) handleMessages(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, s.queue.Snapshot())
}

func (s *Server) handleRespond(rw http.ResponseWriter, r *http.Request) {
	var reply domain.Reply
	if err := decodeJSON(rw, r, &reply); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if reply.RequestID == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "requestId is required"})
		return
	}

	err := s.relay.Respond(reply)
	switch {
	case err == nil:
		writeJSON(rw, http.StatusOK, map[string]bool{"success": true})
	case errors.Is(err, domain.ErrRequestNotFound):
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "Request not found or timed out"})
	default:
		s.logger.Error("respond failed", "request_id", reply.RequestID, "err", err)
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

type healthResponse struct {
	Status    string  `json:"status"`
	TunnelURL *string `json:"tunnelUrl"`
	HasTunnel bool    `json:"hasTunnel"`
	Delivery  string  `json:"delivery"`
	Pending   int     `json:"pending"`
}

// handleHealth reads state only; it never blocks on the relay.
func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Delivery: s.relay.DeliveryName(),
		Pending:  s.relay.Pending(),
	}
	if s.tunnel != nil {
		if url := s.tunnel.URL(); url != "" {
			resp.TunnelURL = &url
			resp.HasTunnel = true
		}
	}
	writeJSON(rw, http.StatusOK, resp)
}

type eventsResponse struct {
	Held   int         `json:"held"`
	Events []bus.Event `json:"events"`
}

// handleEvents returns the newest recorded lifecycle events. Query:
// type (default "*"), since (duration, e.g. "5m") and limit.
func (s *Server) handleEvents(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	eventType := q.Get("type")
	if eventType == "" {
		eventType = "*"
	}
	var since time.Time
	if v := q.Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid since"})
			return
		}
		since = time.Now().Add(-d)
	}
	limit := defaultEventLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	events := s.events.Replay(eventType, since)
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	if events == nil {
		events = []bus.Event{}
	}
	writeJSON(rw, http.StatusOK, eventsResponse{Held: s.events.HistoryLen(), Events: events})
}

func decodeJSON(rw http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(rw, r.Body, maxBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
