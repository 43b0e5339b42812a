// Package server exposes the worker's operational HTTP surface: health,
// Prometheus metrics, a JSON metrics snapshot, and poller status.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/graphmesh/event-worker/internal/health"
	"github.com/graphmesh/event-worker/internal/worker"
)

// StateReporter reports the poller lifecycle state.
type StateReporter interface {
	State() worker.PollerState
}

// NewRouter builds the operational router.
func NewRouter(monitor *health.Monitor, poller StateReporter, registry *prometheus.Registry, workerID string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	startedAt := time.Now()

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		result := monitor.HealthCheck()
		status := http.StatusOK
		if result.Status == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, result)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Get("/metrics/json", func(w http.ResponseWriter, req *http.Request) {
		result := monitor.HealthCheck()
		writeJSON(w, http.StatusOK, map[string]any{
			"counters": result.Counters,
			"gauges":   result.Gauges,
			"latency":  result.Latency,
		})
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"worker_id":      workerID,
			"state":          poller.State().String(),
			"status":         monitor.Status(),
			"uptime_seconds": int64(time.Since(startedAt).Seconds()),
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
