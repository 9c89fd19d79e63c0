// Package metrics provides Prometheus instrumentation for HTTP services.
//
// Request counters and latency histograms are registered on the default
// Prometheus registry and exposed through Handler. Per-path labels are
// restricted to a fixed route set so that scanners probing random URLs
// cannot inflate series cardinality.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPMetrics instruments an HTTP handler chain with a request counter
// labeled by method, path and status, and a latency histogram labeled by
// method and path.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	routes   map[string]struct{}
}

// NewHTTPMetrics creates and registers the HTTP metric vectors for a service.
// Metric names are namespaced by the service name. routes lists the URL paths
// allowed as label values; any other path is collapsed into ":other".
func NewHTTPMetrics(service string, routes ...string) *HTTPMetrics {
	ns := metricNamespace(service)
	m := &HTTPMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: ns, Subsystem: "http", Name: "requests_total", Help: "Total HTTP requests by method, path and status."},
			[]string{"method", "path", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: ns, Subsystem: "http", Name: "request_duration_seconds", Help: "HTTP request latency by method and path.", Buckets: prometheus.DefBuckets},
			[]string{"method", "path"},
		),
		routes: make(map[string]struct{}, len(routes)),
	}
	for _, r := range routes {
		m.routes[r] = struct{}{}
	}
	_ = prometheus.Register(m.requests)
	_ = prometheus.Register(m.duration)
	return m
}

// statusRecorder wraps ResponseWriter to capture the final status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

// WriteHeader captures the status and forwards the call.
func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Middleware wraps next and records one counter increment and one latency
// sample per request. Handlers that never call WriteHeader count as 200.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)
		path := m.normalizePath(r.URL.Path)
		m.requests.WithLabelValues(r.Method, path, strconv.Itoa(sr.status)).Inc()
		m.duration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the Prometheus text exposition for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *HTTPMetrics) normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if _, ok := m.routes[path]; ok {
		return path
	}
	return ":other"
}

func metricNamespace(service string) string {
	ns := strings.ToLower(service)
	ns = strings.ReplaceAll(ns, "-", "_")
	return strings.ReplaceAll(ns, " ", "_")
}
