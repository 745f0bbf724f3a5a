package handlers

import (
	"net/http"
	"time"

	"github.com/marinops/fleetsync/internal/metrics"
	"github.com/marinops/fleetsync/internal/realtime"
)

// StatsHandler reports engine counters and realtime hub state.
type StatsHandler struct {
	metrics *metrics.Metrics
	hub     *realtime.Hub
	started time.Time
}

// NewStatsHandler creates a StatsHandler.
func NewStatsHandler(m *metrics.Metrics, hub *realtime.Hub) *StatsHandler {
	return &StatsHandler{
		metrics: m,
		hub:     hub,
		started: time.Now(),
	}
}

// GetStats handles GET /api/stats.
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"counters":          h.metrics.Snapshot(),
		"connected_clients": h.hub.ClientCount(),
		"uptime_seconds":    int64(time.Since(h.started).Seconds()),
	})
}

// Health handles GET /api/health.
func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
