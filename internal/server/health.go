package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Health status constants for health check responses.
const (
	healthStatusOK           = "ok"
	healthStatusNotReady     = "not ready"
	healthStatusShuttingDown = "shutting down"
	healthStatusFailing      = "failing"
)

// healthCheckTimeout bounds each dependency check.
const healthCheckTimeout = 2 * time.Second

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// HealthChecker provides health check endpoints for Kubernetes probes.
type HealthChecker struct {
	// ready indicates whether the server is ready to receive traffic
	ready atomic.Bool
	// serverContext provides the shutdown state
	serverContext *ServerContext
	startTime     time.Time

	mu     sync.RWMutex
	checks map[string]CheckFunc
	// sessions reports live MCP sessions on the detailed endpoint
	sessions func() int
}

// NewHealthChecker creates a new HealthChecker. The server starts ready.
func NewHealthChecker(sc *ServerContext) *HealthChecker {
	h := &HealthChecker{
		serverContext: sc,
		startTime:     time.Now(),
		checks:        make(map[string]CheckFunc),
	}
	h.ready.Store(true)
	return h
}

// AddCheck registers a named dependency check run by /readyz and
// /healthz/detailed.
func (h *HealthChecker) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// SetSessionCounter reports the live session count on /healthz/detailed.
func (h *HealthChecker) SetSessionCounter(count func() int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions = count
}

// SetReady sets the readiness state of the server. It is flipped to false
// at the start of graceful shutdown.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether the server is ready to receive traffic.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// isServerShuttingDown returns false if serverContext is nil.
func (h *HealthChecker) isServerShuttingDown() bool {
	return h.serverContext != nil && h.serverContext.IsShutdown()
}

// HealthResponse represents the JSON response for health endpoints.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// DetailedHealthResponse provides comprehensive health information.
type DetailedHealthResponse struct {
	Status   string            `json:"status"`
	Uptime   string            `json:"uptime"`
	Checks   map[string]string `json:"checks,omitempty"`
	Sessions *int              `json:"sessions,omitempty"`
}

// runChecks evaluates the readiness flag, the shutdown state and every
// registered dependency.
func (h *HealthChecker) runChecks(ctx context.Context) (map[string]string, bool) {
	checks := make(map[string]string)
	allOk := true

	if !h.ready.Load() {
		checks["ready"] = healthStatusNotReady
		allOk = false
	} else {
		checks["ready"] = healthStatusOK
	}

	if h.isServerShuttingDown() {
		checks["shutdown"] = healthStatusShuttingDown
		allOk = false
	} else {
		checks["shutdown"] = healthStatusOK
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	funcs := make(map[string]CheckFunc, len(h.checks))
	for name, fn := range h.checks {
		names = append(names, name)
		funcs[name] = fn
	}
	h.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := funcs[name](checkCtx)
		cancel()
		if err != nil {
			checks[name] = healthStatusFailing
			allOk = false
		} else {
			checks[name] = healthStatusOK
		}
	}

	return checks, allOk
}

// LivenessHandler returns an HTTP handler for the /healthz endpoint.
// Liveness only says the process is running.
func (h *HealthChecker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(HealthResponse{Status: healthStatusOK})
	})
}

// ReadinessHandler returns an HTTP handler for the /readyz endpoint.
func (h *HealthChecker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		checks, allOk := h.runChecks(r.Context())
		response := HealthResponse{Checks: checks}
		if allOk {
			response.Status = healthStatusOK
			w.WriteHeader(http.StatusOK)
		} else {
			response.Status = healthStatusNotReady
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_ = json.NewEncoder(w).Encode(response)
	})
}

// DetailedHealthHandler returns an HTTP handler for /healthz/detailed.
func (h *HealthChecker) DetailedHealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		checks, allOk := h.runChecks(r.Context())
		response := DetailedHealthResponse{
			Status: healthStatusOK,
			Uptime: time.Since(h.startTime).Truncate(time.Second).String(),
			Checks: checks,
		}

		h.mu.RLock()
		if h.sessions != nil {
			n := h.sessions()
			response.Sessions = &n
		}
		h.mu.RUnlock()

		switch {
		case h.isServerShuttingDown():
			response.Status = healthStatusShuttingDown
			w.WriteHeader(http.StatusServiceUnavailable)
		case !allOk:
			response.Status = healthStatusNotReady
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(response)
	})
}

// RegisterHealthEndpoints registers health check endpoints on the given mux.
func (h *HealthChecker) RegisterHealthEndpoints(mux *http.ServeMux) {
	mux.Handle("/healthz", h.LivenessHandler())
	mux.Handle("/readyz", h.ReadinessHandler())
	mux.Handle("/healthz/detailed", h.DetailedHealthHandler())
}
