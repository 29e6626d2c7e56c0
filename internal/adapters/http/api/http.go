// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/okian/jamur/internal/domain/ratelimit"
	"github.com/okian/jamur/internal/domain/species"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	// CheckRate records an attempt and reports whether it may proceed.
	CheckRate(ctx context.Context, clientID string) ratelimit.Decision

	// CaptchaEnabled reports whether a challenge token is required.
	CaptchaEnabled() bool
	// VerifyCaptcha checks a challenge token for the client address.
	VerifyCaptcha(ctx context.Context, token, clientIP string) bool

	// Identify classifies an uploaded image.
	Identify(ctx context.Context, img species.Image) (species.Result, error)

	// MaxUploadBytes is the largest accepted image.
	MaxUploadBytes() int64
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler    *HealthHandler
	statsHandler     *StatsHandler
	identifyHandler  *IdentifyHandler
	dashboardHandler *dashboardHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider) *Server {
	return &Server{
		healthHandler:    NewHealthHandler(),
		statsHandler:     NewStatsHandler(statsProvider),
		identifyHandler:  NewIdentifyHandler(deps),
		dashboardHandler: newDashboardHandler(),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	identify := MetricsMiddleware(s.identifyHandler.HandleIdentify, "identify")

	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("/dashboard", s.dashboardHandler.HandleDashboard)
	mux.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("/identify", identify)
	mux.HandleFunc("/api/identify", identify)
}

// identifyResponse is the success body of POST /identify.
type identifyResponse = species.Result

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	if msg == "" {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}
