package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/Mailria/mailria/internal/domain/session"
	"github.com/Mailria/mailria/internal/domain/storage"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// HealthChecker verifies component health.
type HealthChecker struct {
	storage *storage.SafeStorage
	manager *session.Manager
	version string
}

// NewHealthChecker creates a HealthChecker with optional components.
// Pass nil for components that aren't available.
func NewHealthChecker(kv *storage.SafeStorage, manager *session.Manager, version string) *HealthChecker {
	return &HealthChecker{
		storage: kv,
		manager: manager,
		version: version,
	}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	// A memory fallback still works; sessions just do not survive a restart.
	if h.storage != nil {
		if h.storage.Durable() {
			checks["storage"] = "ok: durable"
		} else {
			checks["storage"] = "degraded: memory fallback"
		}
	} else {
		checks["storage"] = "not configured"
	}

	if h.manager != nil {
		if h.manager.HasHydrated() {
			checks["session"] = "ok"
		} else {
			checks["session"] = "hydrating"
			healthy = false
		}
	} else {
		checks["session"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
