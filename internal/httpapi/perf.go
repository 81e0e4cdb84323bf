package httpapi

import (
	"net/http"

	"github.com/antoniostano/recall/internal/observability"
)

// handlePerfLatency serves the rolling per-stage turn latencies and the failure
// indicators counted alongside them.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, observability.TurnStageSnapshot{Stages: []observability.TurnStageStats{}})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}

// handlePerfLatencyReset empties the window, e.g. before a benchmark run.
func (s *Server) handlePerfLatencyReset(w http.ResponseWriter, _ *http.Request) {
	s.metrics.ResetTurnStages()
	w.WriteHeader(http.StatusNoContent)
}
