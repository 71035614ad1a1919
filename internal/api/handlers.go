package api

import (
	"net/http"
	"time"
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Events  int    `json:"events"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Store.ListEvents(r.Context())
	if err != nil {
		s.logger.Error("health check failed", "error", err)
		sendJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:  "unhealthy",
			Version: s.deps.Version,
			Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		})
		return
	}

	sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.deps.Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Events:  len(events),
	})
}
