// Package observability wires the Prometheus registry, the HTTP metrics
// middleware and the service's domain counters.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	syncsTotal      *prometheus.CounterVec
	syncDuration    *prometheus.HistogramVec
	refreshesTotal  *prometheus.CounterVec
}

// NewMetrics initializes the registry and the base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "accounting_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "accounting_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	syncs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "accounting_initial_syncs_total",
		Help: "Initial sync runs by accounting system and outcome status.",
	}, []string{"system", "status"})
	syncDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "accounting_initial_sync_duration_seconds",
		Help:    "Initial sync duration per accounting system.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"system"})
	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "accounting_token_refreshes_total",
		Help: "Token refresh attempts by accounting system and result.",
	}, []string{"system", "result"})
	registry.MustRegister(requests, duration, syncs, syncDuration, refreshes)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		syncsTotal:      syncs,
		syncDuration:    syncDuration,
		refreshesTotal:  refreshes,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// RecordSync counts one initial sync run.
func (m *Metrics) RecordSync(system, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.syncsTotal.WithLabelValues(system, status).Inc()
	m.syncDuration.WithLabelValues(system).Observe(elapsed.Seconds())
}

// RecordTokenRefresh counts one token refresh attempt.
func (m *Metrics) RecordTokenRefresh(system, result string) {
	if m == nil {
		return
	}
	m.refreshesTotal.WithLabelValues(system, result).Inc()
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
