package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// HealthChecker provides health check functionality over named
// dependency probes (storage backend, registry cache).
type HealthChecker struct {
	checks   map[string]CheckFunc
	optional map[string]bool
}

// NewHealthChecker creates a new health checker
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks:   make(map[string]CheckFunc),
		optional: make(map[string]bool),
	}
}

// AddCheck registers a required dependency probe. If it fails, the
// service reports unhealthy.
func (h *HealthChecker) AddCheck(name string, fn CheckFunc) {
	h.checks[name] = fn
}

// AddOptionalCheck registers a probe whose failure only degrades the
// service (the cache, for example).
func (h *HealthChecker) AddOptionalCheck(name string, fn CheckFunc) {
	h.checks[name] = fn
	h.optional[name] = true
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Liveness returns a simple liveness probe (always returns 200 if server is running)
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now(),
	})
}

// Readiness returns a readiness probe (checks all dependencies)
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")

	// 503 if unhealthy, 200 if healthy or degraded
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(status)
}

// Check runs every registered probe
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Dependencies: make(map[string]DependencyStatus),
	}

	for name, fn := range h.checks {
		start := time.Now()
		dep := DependencyStatus{
			Status:    StatusHealthy,
			Timestamp: time.Now(),
		}
		if err := fn(ctx); err != nil {
			dep.Message = err.Error()
			if h.optional[name] {
				dep.Status = StatusDegraded
				if status.Status == StatusHealthy {
					status.Status = StatusDegraded
				}
			} else {
				dep.Status = StatusUnhealthy
				status.Status = StatusUnhealthy
			}
		}
		dep.Latency = time.Since(start)
		status.Dependencies[name] = dep
	}

	return status
}

// RegisterHealthRoutes registers health check endpoints
func RegisterHealthRoutes(mux *http.ServeMux, checker *HealthChecker) {
	mux.HandleFunc("/health", checker.Readiness)
	mux.HandleFunc("/health/live", checker.Liveness)
	mux.HandleFunc("/health/ready", checker.Readiness)
}
