// Package observability provides logging, metrics, and tracing.
//
// It integrates with Prometheus and OpenTelemetry so the dispatch engine,
// selector, and HTTP surface can be monitored in production.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	DispatchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_attempts_total",
			Help: "Total number of dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)
	UpstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Upstream call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"endpoint"},
	)
	KeyDeactivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "key_deactivations_total",
			Help: "Total number of key deactivations by cause",
		},
		[]string{"cause"},
	)
	KeyReactivationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "key_reactivations_total",
			Help: "Total number of keys re-activated by the validator",
		},
	)
	ActiveRingSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_ring_size",
			Help: "Number of keys in the current active rotation ring",
		},
	)
	RequestLogsPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "request_logs_pruned_total",
			Help: "Total number of request log rows pruned by retention",
		},
	)
)

// Dispatch attempt outcome labels.
const (
	OutcomeSuccess        = "success"
	OutcomeKeyFault       = "key_fault"
	OutcomeTransportError = "transport_error"
	OutcomeUpstreamError  = "upstream_error"
	OutcomeNoKeys         = "no_keys"
)

// InitMetrics registers all metrics; call once per process.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DispatchAttemptsTotal,
		UpstreamRequestDuration,
		KeyDeactivationsTotal,
		KeyReactivationsTotal,
		ActiveRingSize,
		RequestLogsPrunedTotal,
	)
}

// HTTPMetricsMiddleware records request count and latency per route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
