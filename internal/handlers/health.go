package handlers

import (
	"context"
	"net/http"
	"time"
)

// Pinger is a dependency whose reachability is reported by the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse represents the health check response structure.
type HealthResponse struct {
	Status  string            `json:"status"`
	Message string            `json:"message"`
	Checks  map[string]string `json:"checks"`
}

// HealthHandler reports process and dependency health.
type HealthHandler struct {
	store Pinger
	cache Pinger
}

// NewHealthHandler creates a health handler. The store is required for the
// service to be healthy; an unreachable cache only degrades it.
func NewHealthHandler(store, cache Pinger) *HealthHandler {
	return &HealthHandler{store: store, cache: cache}
}

// HealthCheck handles GET /health
// Returns the server's health status for monitoring and load balancer checks.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:  "ok",
		Message: "chat server is running",
		Checks:  map[string]string{"store": "ok", "cache": "ok"},
	}
	status := http.StatusOK
	if err := h.cache.Ping(ctx); err != nil {
		response.Status = "degraded"
		response.Checks["cache"] = err.Error()
	}
	if err := h.store.Ping(ctx); err != nil {
		response.Status = "unavailable"
		response.Checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}
