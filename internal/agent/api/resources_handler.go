package api

import (
	"net/http"
	"time"
)

// handleResources handles resource information requests
func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     s.resources.Status(),
		"updated_at": s.resources.LastUpdate().Format(time.RFC3339),
	})
}
