// Concierge gateway API server — dispatch submission, cross-process
// relays, coordination controls and the audit view, plus WebSocket for
// live results.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/concierge-sh/concierge/pkg/audit"
	"github.com/concierge-sh/concierge/pkg/bus"
	"github.com/concierge-sh/concierge/pkg/config"
	"github.com/concierge-sh/concierge/pkg/coord"
	"github.com/concierge-sh/concierge/pkg/dispatch"
	"github.com/concierge-sh/concierge/pkg/logger"
	"github.com/concierge-sh/concierge/pkg/schedule"
)

// Server is the HTTP API server for the concierge gateway process.
type Server struct {
	config     *config.Config
	dispatcher *dispatch.Dispatcher
	gate       *coord.Gate
	store      coord.Store
	sink       *audit.SQLiteSink
	signals    *bus.SignalBus
	scheduler  *schedule.Service
	wsHub      *WSHub
	bridge     *SignalBridge
	startTime  time.Time
	server     *http.Server
}

// NewServer creates a new API server instance.
func NewServer(
	cfg *config.Config,
	dispatcher *dispatch.Dispatcher,
	gate *coord.Gate,
	store coord.Store,
	sink *audit.SQLiteSink,
	signals *bus.SignalBus,
	scheduler *schedule.Service,
) *Server {
	// Secure-by-default: auto-generate an API key if none is configured.
	// Random key per session, printed once at startup; set gateway.api_key
	// or CONCIERGE_API_KEY for a persistent key.
	if cfg.Gateway.APIKey == "" {
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err == nil {
			cfg.Gateway.APIKey = hex.EncodeToString(raw)
			logger.WarnCF("api", "No API key configured, generated session key", map[string]interface{}{
				"api_key": cfg.Gateway.APIKey,
			})
		}
	}

	s := &Server{
		config:     cfg,
		dispatcher: dispatcher,
		gate:       gate,
		store:      store,
		sink:       sink,
		signals:    signals,
		scheduler:  scheduler,
		startTime:  time.Now(),
	}
	s.wsHub = NewWSHub(s)
	s.bridge = NewSignalBridge(signals, s.wsHub)
	return s
}

// Start begins listening on the configured host:port.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)

	// Dispatch submission + cross-process relay
	mux.HandleFunc("/api/dispatch", s.handleDispatch)
	mux.HandleFunc("/api/relay/dispatch", s.handleDispatch)

	// Result relay (worker → gateway → clients)
	mux.HandleFunc("/api/result", s.handleResult)

	// Audit retrieval and bulk clear
	mux.HandleFunc("/api/audit", s.handleAudit)

	// Coordination controls
	mux.HandleFunc("/api/killswitch", s.handleKillSwitch)
	mux.HandleFunc("/api/reload/", s.handleReload)

	mux.HandleFunc("/api/schedule/status", s.handleScheduleStatus)

	// WebSocket for live results and refresh signals
	mux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)

	addr := fmt.Sprintf("%s:%d", s.config.Gateway.Host, s.config.Gateway.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      corsMiddleware(authMiddleware(s.config.Gateway.APIKey, mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.InfoCF("api", "Gateway API server starting", map[string]interface{}{
		"addr": addr,
	})

	go s.wsHub.Run(ctx)
	go s.bridge.Run(ctx)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("api", "Server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// --- Middleware ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "http://localhost")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isAllowedOrigin checks if the origin is a trusted localhost address.
func isAllowedOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
