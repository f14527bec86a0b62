package api

import (
	"net/http"
	"time"
)

// HealthHandler responds with a simple status check.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "health"
	const method = "GET"

	s.observe(endpoint, method, http.StatusOK, start)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": s.Config.ServiceName,
	})
}
