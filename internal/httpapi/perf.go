package httpapi

import "net/http"

func (s *Server) handlePerfAutosave(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotSaveLatency())
}

func (s *Server) handleResetPerfAutosave(w http.ResponseWriter, _ *http.Request) {
	s.metrics.ResetSaveLatency()
	respondJSON(w, http.StatusOK, map[string]any{"reset": true})
}
