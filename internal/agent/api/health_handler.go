package api

import (
	"net/http"
	"time"
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.discovery != nil {
		response["registered"] = s.discovery.Registered()
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleNodeInfo handles node information requests
func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	nodeInfo := map[string]interface{}{
		"node_id":    s.config.NodeID,
		"node_name":  s.config.NodeName,
		"address":    s.config.Address,
		"port":       s.config.Port,
		"log_dir":    s.logs.Dir(),
		"started_at": s.startedAt.Format(time.RFC3339),
	}

	s.writeJSON(w, http.StatusOK, nodeInfo)
}
