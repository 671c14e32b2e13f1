package handlers

import (
	"net/http"
	"time"
)

var startTime = time.Now()

// HealthCheck reports liveness: GET /health.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(startTime).Seconds()),
		"queue_depth":    h.queue.Depth(),
	})
}
