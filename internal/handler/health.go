package handler

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"

	"ranksync/pkg/response"
)

// Check probes one dependency for readiness.
type Check func(ctx context.Context) error

// Handler serves health, readiness and status endpoints.
type Handler struct {
	service   string
	version   string
	checks    map[string]Check
	startTime time.Time
}

// New creates a health handler. checks are run by Ready and Status.
func New(service, version string, checks map[string]Check) *Handler {
	return &Handler{
		service:   service,
		version:   version,
		checks:    checks,
		startTime: time.Now(),
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	response.OK(w, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   h.version,
	})
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
	Checks    []Result  `json:"checks"`
}

// Result is the outcome of one readiness check.
type Result struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (h *Handler) runChecks(ctx context.Context) ([]Result, bool) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]Result, 0, len(names))
	ok := true
	for _, name := range names {
		res := Result{Name: name, Status: "ok"}
		if err := h.checks[name](ctx); err != nil {
			res.Status = "error"
			res.Error = err.Error()
			ok = false
		}
		results = append(results, res)
	}
	return results, ok
}

// Ready handles GET /api/v1/ready
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	results, ok := h.runChecks(r.Context())

	resp := ReadyResponse{
		Ready:     ok,
		Timestamp: time.Now().UTC(),
		Checks:    results,
	}
	if !ok {
		response.JSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	response.OK(w, resp)
}

// StatusResponse is the single-call status summary for monitoring bots.
type StatusResponse struct {
	Service       string            `json:"service"`
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	PingMS        int64             `json:"ping_ms"`
	MemoryMB      float64           `json:"memory_mb"`
	Checks        map[string]string `json:"checks"`
}

// Status handles GET /api/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	requestStart := time.Now()
	results, ok := h.runChecks(r.Context())

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	memoryMB := float64(memStats.Alloc) / 1024 / 1024

	checks := make(map[string]string, len(results))
	for _, res := range results {
		checks[res.Name] = res.Status
	}

	status := "ok"
	if !ok {
		status = "degraded"
	}

	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	response.OK(w, StatusResponse{
		Service:       h.service,
		Status:        status,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		PingMS:        time.Since(requestStart).Milliseconds(),
		MemoryMB:      float64(int(memoryMB*100)) / 100,
		Checks:        checks,
	})
}
