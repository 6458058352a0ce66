package http

import (
	"net/http"
	"time"

	"github.com/go-chi/render"

	"quantlab/internal/infrastructure"
	"quantlab/internal/operations"
)

// HealthHandler answers liveness and readiness probes.
type HealthHandler struct {
	service   *operations.Service
	startedAt time.Time
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(service *operations.Service) *HealthHandler {
	return &HealthHandler{
		service:   service,
		startedAt: time.Now(),
	}
}

// HealthCheck handles GET /healthz.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]interface{}{
		"status":         "healthy",
		"version":        infrastructure.ServiceVersion,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"timestamp":      time.Now().UTC(),
	})
}

// ReadinessCheck handles GET /readyz. The registry is in-memory, so the
// process is ready as soon as it serves; the running count is exposed
// for drain tooling.
func (h *HealthHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	running := len(h.service.List(operations.StatusRunning))
	render.JSON(w, r, map[string]interface{}{
		"status":  "ready",
		"running": running,
	})
}
