package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics (registry API)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Lifecycle metrics
	LifecycleTransitionsTotal *prometheus.CounterVec
	ActivePlugins             prometheus.Gauge
	InstalledPlugins          prometheus.Gauge

	// Hook metrics
	HookInvocationsTotal *prometheus.CounterVec
	HookDeclinesTotal    *prometheus.CounterVec
	HandlerDuration      *prometheus.HistogramVec

	// Sandbox metrics
	SandboxErrorsTotal *prometheus.CounterVec

	// Registry metrics
	RegistryDownloadsTotal *prometheus.CounterVec
	RegistryPublishesTotal *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gantry_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		LifecycleTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_lifecycle_transitions_total",
				Help: "Total number of plugin lifecycle transitions",
			},
			[]string{"operation", "outcome"},
		),
		ActivePlugins: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gantry_active_plugins",
				Help: "Number of plugins currently active",
			},
		),
		InstalledPlugins: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gantry_installed_plugins",
				Help: "Number of plugins currently installed",
			},
		),

		HookInvocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_hook_invocations_total",
				Help: "Total number of hook invocations",
			},
			[]string{"hook"},
		),
		HookDeclinesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_hook_declines_total",
				Help: "Total number of gating hook declines",
			},
			[]string{"hook", "plugin_id"},
		),
		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gantry_handler_duration_seconds",
				Help:    "Sandboxed handler execution duration in seconds",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
			},
			[]string{"hook", "plugin_id"},
		),

		SandboxErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_sandbox_errors_total",
				Help: "Total number of sandboxed invocation failures",
			},
			[]string{"plugin_id", "kind"},
		),

		RegistryDownloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_registry_downloads_total",
				Help: "Total number of artifact downloads from the registry",
			},
			[]string{"plugin_id"},
		),
		RegistryPublishesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_registry_publishes_total",
				Help: "Total number of artifacts published to the registry",
			},
			[]string{"outcome"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LifecycleTransitionsTotal,
		m.ActivePlugins,
		m.InstalledPlugins,
		m.HookInvocationsTotal,
		m.HookDeclinesTotal,
		m.HandlerDuration,
		m.SandboxErrorsTotal,
		m.RegistryDownloadsTotal,
		m.RegistryPublishesTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
