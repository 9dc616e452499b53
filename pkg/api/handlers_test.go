package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/concierge-sh/concierge/pkg/audit"
	"github.com/concierge-sh/concierge/pkg/bus"
	"github.com/concierge-sh/concierge/pkg/config"
	"github.com/concierge-sh/concierge/pkg/coord"
	"github.com/concierge-sh/concierge/pkg/dispatch"
)

func newTestServer(t *testing.T) (*Server, *coord.MemoryStore, *bus.SignalBus) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Gateway.APIKey = "test-key"

	store := coord.NewMemoryStore()
	gate := coord.NewGate(store)
	signals := bus.New()

	sink, err := audit.OpenSQLiteSink(filepath.Join(t.TempDir(), "audit.db"), signals)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sink.Close() })

	queue := dispatch.NewLocalQueue(cfg.Dispatch.MaxPending)
	dispatcher := dispatch.NewDispatcher(
		dispatch.NewNormalizer(cfg.Dispatch.DefaultIdentity),
		dispatch.NewDeduplicator(cfg.Dispatch.DedupWindow),
		queue,
	)

	return NewServer(cfg, dispatcher, gate, store, sink, signals, nil), store, signals
}

// TestHandleDispatchValidation verifies the submission boundary: missing
// fields and non-object payloads are rejected, valid dispatches return an
// id with 202 before any handler runs.
func TestHandleDispatchValidation(t *testing.T) {
	s, _, _ := newTestServer(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{
			name:       "missing source",
			body:       `{"type":"message.sent","payload":{}}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing type",
			body:       `{"source":"api","payload":{}}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "scalar payload",
			body:       `{"source":"api","type":"message.sent","payload":"hi"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "array payload",
			body:       `{"source":"api","type":"message.sent","payload":[1,2]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "valid",
			body:       `{"source":"api","type":"message.sent","payload":{"text":"hi"}}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "valid without payload",
			body:       `{"source":"api","type":"internal"}`,
			wantStatus: http.StatusAccepted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/dispatch", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			s.handleDispatch(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus == http.StatusAccepted {
				var resp map[string]string
				json.NewDecoder(rec.Body).Decode(&resp)
				if resp["id"] == "" {
					t.Error("expected id in response")
				}
			}
		})
	}
}

// TestHandleDispatchCorrelationID verifies the caller's correlation id is
// reused as the returned event id.
func TestHandleDispatchCorrelationID(t *testing.T) {
	s, _, _ := newTestServer(t)

	body := `{"source":"api","type":"message.sent","payload":{"text":"hi"},"correlation_id":"corr-7"}`
	req := httptest.NewRequest(http.MethodPost, "/api/dispatch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleDispatch(rec, req)

	var resp map[string]string
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["id"] != "corr-7" {
		t.Errorf("id = %q, want corr-7", resp["id"])
	}
}

// TestHandleKillSwitch verifies the toggle round-trips through the store.
func TestHandleKillSwitch(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.handleKillSwitch(rec, httptest.NewRequest(http.MethodGet, "/api/killswitch", nil))
	var state map[string]bool
	json.NewDecoder(rec.Body).Decode(&state)
	if state["engaged"] {
		t.Error("default should be disengaged")
	}

	rec = httptest.NewRecorder()
	s.handleKillSwitch(rec, httptest.NewRequest(http.MethodPut, "/api/killswitch", strings.NewReader(`{"engaged":true}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	if !s.gate.Engaged() {
		t.Error("gate should be engaged after PUT")
	}
}

// TestHandleReload verifies the endpoint sets the scope's flag.
func TestHandleReload(t *testing.T) {
	s, store, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/reload/slack", nil)
	rec := httptest.NewRecorder()
	s.handleReload(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	set, _ := store.TakeFlag("slack")
	if !set {
		t.Error("expected slack flag set")
	}
}

// TestHandleResult verifies a relayed result lands in the audit sink and
// publishes the delivery signal.
func TestHandleResult(t *testing.T) {
	s, _, signals := newTestServer(t)
	tap := signals.Subscribe("test")

	body := `{"id":"ev-1","text":"done","user_id":"alice"}`
	req := httptest.NewRequest(http.MethodPost, "/api/result", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleResult(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	entries, err := s.sink.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Type != audit.TypeResponse {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Payload["event_id"] != "ev-1" || entries[0].UserID != "alice" {
		t.Errorf("entry = %+v", entries[0])
	}

	// Two signals: audit.updated from the append, result.delivered from
	// the relay.
	seen := map[string]bool{}
	deadline := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case sig := <-tap:
			seen[sig.Name] = true
		case <-deadline:
			t.Fatalf("signals seen: %v", seen)
		}
	}
	if !seen[bus.SignalResultDelivered] || !seen[bus.SignalAuditUpdated] {
		t.Errorf("signals = %v", seen)
	}
}

// TestAuthMiddleware verifies the shared-secret guard: health stays
// public, everything else needs the token in one of the accepted spots.
func TestAuthMiddleware(t *testing.T) {
	handler := authMiddleware("secret", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		path       string
		decorate   func(*http.Request)
		wantStatus int
	}{
		{
			name:       "health is public",
			path:       "/api/health",
			decorate:   func(r *http.Request) {},
			wantStatus: http.StatusOK,
		},
		{
			name:       "no token rejected",
			path:       "/api/dispatch",
			decorate:   func(r *http.Request) {},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "bearer token accepted",
			path:       "/api/dispatch",
			decorate:   func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret") },
			wantStatus: http.StatusOK,
		},
		{
			name:       "api key header accepted",
			path:       "/api/dispatch",
			decorate:   func(r *http.Request) { r.Header.Set("X-API-Key", "secret") },
			wantStatus: http.StatusOK,
		},
		{
			name:       "query token accepted",
			path:       "/api/ws?token=secret",
			decorate:   func(r *http.Request) {},
			wantStatus: http.StatusOK,
		},
		{
			name:       "wrong token rejected",
			path:       "/api/dispatch",
			decorate:   func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") },
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			tt.decorate(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
