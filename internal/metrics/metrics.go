// Package metrics provides Prometheus instrumentation for the backtest
// service.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atmx/backtest-engine/internal/entity"
)

var (
	// RunsTotal counts finished runs, partitioned by strategy and status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_runs_total",
		Help: "Total number of backtest runs",
	}, []string{"strategy", "status"})

	// RunLatency tracks wall-clock run duration.
	RunLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backtest_run_latency_seconds",
		Help:    "Backtest run latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 4, 9),
	}, []string{"strategy"})

	// TrajectoriesTotal counts trajectories simulated.
	TrajectoriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_trajectories_total",
		Help: "Total number of simulated trajectories",
	}, []string{"strategy"})

	// TicksTotal counts completed engine ticks.
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backtest_ticks_total",
		Help: "Total number of completed engine ticks",
	})

	// ActionsTotal counts executed entity actions.
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_actions_total",
		Help: "Total number of executed entity actions",
	}, []string{"entity", "action"})

	// ObservationsWritten counts records stored in observation storage.
	ObservationsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backtest_observations_written_total",
		Help: "Observation records written to storage",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backtest_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backtest_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
	}, []string{"method", "path"})
)

// ActionHook counts executed actions. It matches engine.WithActionHook.
func ActionHook(name string, action entity.Action) {
	ActionsTotal.WithLabelValues(name, string(action.Name)).Inc()
}

// ObserveRun records one finished run.
func ObserveRun(strategy, status string, trajectories, ticks int, elapsed time.Duration) {
	RunsTotal.WithLabelValues(strategy, status).Inc()
	RunLatency.WithLabelValues(strategy).Observe(elapsed.Seconds())
	TrajectoriesTotal.WithLabelValues(strategy).Add(float64(trajectories))
	TicksTotal.Add(float64(ticks))
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	return h.Hijack()
}
