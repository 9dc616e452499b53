package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/concierge-sh/concierge/pkg/audit"
	"github.com/concierge-sh/concierge/pkg/bus"
	"github.com/concierge-sh/concierge/pkg/dispatch"
	"github.com/concierge-sh/concierge/pkg/logger"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// dispatchRequest is the submission contract: source and type are
// required, payload must be an object when present.
type dispatchRequest struct {
	Source        string          `json:"source"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Priority      *int            `json:"priority,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// POST /api/dispatch and POST /api/relay/dispatch — accept a raw
// occurrence and return {id} synchronously, before handler execution.
// The relay route carries the same contract; it exists so producer
// processes not co-located with the router have a stable name to target,
// guarded by the shared-secret auth like everything else.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	if req.Source == "" || req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "source and type are required"})
		return
	}

	// Payload must be a JSON object (or absent), never a scalar or array.
	payload := map[string]interface{}{}
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload must be an object"})
			return
		}
	}

	var opts []dispatch.Option
	if req.CorrelationID != "" {
		opts = append(opts, dispatch.WithCorrelationID(req.CorrelationID))
	}

	id, err := s.dispatcher.Dispatch(r.Context(), dispatch.Raw{
		Source:   req.Source,
		Type:     req.Type,
		Payload:  payload,
		Priority: req.Priority,
	}, opts...)
	if err != nil {
		if errors.Is(err, dispatch.ErrQueueFull) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "queue full, retry later"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// POST /api/result — a worker pushes the final textual result for an
// event id. The gateway forwards it to listening clients over WebSocket
// and records a response audit entry.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}

	var req struct {
		ID     string `json:"id"`
		Text   string `json:"text"`
		UserID string `json:"user_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id is required"})
		return
	}

	if err := s.sink.Append(audit.Entry{
		Type:   audit.TypeResponse,
		UserID: req.UserID,
		Payload: map[string]interface{}{
			"event_id": req.ID,
			"text":     req.Text,
		},
	}); err != nil {
		logger.ErrorCF("api", "Audit append failed for result", map[string]interface{}{
			"event_id": req.ID,
			"error":    err.Error(),
		})
	}

	s.signals.Publish(bus.Signal{
		Name: bus.SignalResultDelivered,
		Data: map[string]interface{}{
			"event_id": req.ID,
			"text":     req.Text,
		},
	})

	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

// GET /api/audit — all entries, newest first.
// DELETE /api/audit?user=<id> — bulk-clear scoped to a user.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		entries, err := s.sink.List()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if entries == nil {
			entries = []audit.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)

	case http.MethodDelete:
		if err := s.sink.Clear(r.URL.Query().Get("user")); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET or DELETE required"})
	}
}

// GET /api/killswitch — current state.
// PUT /api/killswitch — {"engaged": bool} toggles handler execution
// everywhere without restarting any process.
func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{"engaged": s.gate.Engaged()})

	case http.MethodPut:
		var req struct {
			Engaged bool `json:"engaged"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}

		var err error
		if req.Engaged {
			err = s.gate.Engage()
		} else {
			err = s.gate.Release()
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}

		logger.WarnCF("api", "Kill switch toggled", map[string]interface{}{
			"engaged": req.Engaged,
		})
		writeJSON(w, http.StatusOK, map[string]interface{}{"engaged": req.Engaged})

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET or PUT required"})
	}
}

// POST /api/reload/{scope} — mark a scope's configuration dirty. The
// process owning that scope's adapter observes the flag on its next poll
// and reloads without restarting.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}

	scope := strings.TrimPrefix(r.URL.Path, "/api/reload/")
	if scope == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reload scope required"})
		return
	}

	if err := s.store.SetFlag(scope); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	logger.InfoCF("api", "Reload flag set", map[string]interface{}{"scope": scope})
	writeJSON(w, http.StatusAccepted, map[string]string{"scope": scope})
}

// GET /api/schedule/status — trigger summary.
func (s *Server) handleScheduleStatus(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}
