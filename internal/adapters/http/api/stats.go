package api

import (
	"net/http"
)

// StatsProvider reports the limiter and upstream configuration in effect.
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// StatsHandler serves GET /stats.
type StatsHandler struct {
	statsProvider StatsProvider
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(statsProvider StatsProvider) *StatsHandler {
	return &StatsHandler{statsProvider: statsProvider}
}

// HandleStats writes the provider's stats plus the identifier the limiter
// would charge this request to, which helps check proxy header setup.
func (h *StatsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if !readOnly(w, r) {
		return
	}

	stats := make(map[string]interface{})
	if h.statsProvider != nil {
		for k, v := range h.statsProvider.GetStats() {
			stats[k] = v
		}
	}
	stats["clientId"] = ClientIP(r)

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, stats)
}
