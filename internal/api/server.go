// Package api provides the HTTP server every butler runs: a health check,
// the Prometheus /metrics endpoint, the MCP tool endpoint at /mcp, and —
// on the Switchboard only — /api/heartbeat. Grounded on the teacher's
// internal/api/server.go chi router and middleware stack; every
// model-serving and engagement route is dropped since this domain has
// neither concept.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/butlerfleet/butlers/internal/domain"
	"github.com/butlerfleet/butlers/internal/infra/metrics"
)

// LivenessRegistry is the subset of *liveness.Registry the heartbeat
// handler needs.
type LivenessRegistry interface {
	Heartbeat(name string, now time.Time) (domain.EligibilityState, error)
}

// Server is a butler's HTTP API server.
type Server struct {
	metricsEnabled bool
	mcpHandler     http.Handler      // MCP Streamable HTTP transport (nil until set)
	liveness       LivenessRegistry  // non-nil only on the Switchboard
}

// NewServer creates a new API server.
func NewServer() *Server {
	return &Server{}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetMCPHandler sets the MCP Streamable HTTP transport handler.
func (s *Server) SetMCPHandler(h http.Handler) { s.mcpHandler = h }

// SetLivenessRegistry enables /api/heartbeat, backed by reg. Only the
// Switchboard calls this (spec §4.9).
func (s *Server) SetLivenessRegistry(reg LivenessRegistry) { s.liveness = reg }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	if s.mcpHandler != nil {
		r.Handle("/mcp", s.mcpHandler)
	}

	if s.liveness != nil {
		r.Post("/api/heartbeat", s.handleHeartbeat)
	}

	return r
}

type heartbeatRequest struct {
	ButlerName string `json:"butler_name"`
}

type heartbeatResponse struct {
	EligibilityState domain.EligibilityState `json:"eligibility_state"`
}

// handleHeartbeat implements /api/heartbeat (spec §4.9): an unregistered
// butler gets 404, otherwise its last_seen_at is refreshed and its current
// eligibility state is echoed back.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ButlerName == "" {
		writeError(w, http.StatusBadRequest, "butler_name is required")
		return
	}

	state, err := s.liveness.Heartbeat(body.ButlerName, time.Now().UTC())
	if err != nil {
		if err == domain.ErrButlerNotRegistered {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	metrics.HeartbeatsReceived.Inc()
	writeJSON(w, http.StatusOK, heartbeatResponse{EligibilityState: state})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
		},
	})
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
