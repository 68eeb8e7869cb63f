package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so several engines can coexist in one process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	applyDuration   *prometheus.HistogramVec
	decisions       *prometheus.CounterVec
	roundsResolved  *prometheus.CounterVec
	httpInFlight    prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	webhookAttempts *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recordflow_transitions_total",
			Help: "Transitions attempted, by entity kind, action and result.",
		}, []string{"kind", "action", "result"}),
		applyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recordflow_apply_duration_seconds",
			Help:    "Latency of apply calls including storage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recordflow_approval_decisions_total",
			Help: "Approval decisions recorded, by mode and result.",
		}, []string{"mode", "result"}),
		roundsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recordflow_approval_rounds_resolved_total",
			Help: "Approval rounds resolved, by outcome.",
		}, []string{"outcome"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		webhookAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recordflow_webhook_deliveries_total",
			Help: "Webhook delivery attempts, by hook and result.",
		}, []string{"hook", "result"}),
	}
	m.Registry.MustRegister(
		m.transitions, m.applyDuration, m.decisions, m.roundsResolved,
		m.httpInFlight, m.httpRequests, m.httpDuration, m.webhookAttempts,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) ObserveTransition(kind, action, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind, action, result).Inc()
	m.applyDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveDecision(mode, result string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) ObserveRoundResolved(outcome string) {
	if m == nil {
		return
	}
	m.roundsResolved.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveWebhook(hook string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.webhookAttempts.WithLabelValues(hook, result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Instrument records request count, latency and in-flight gauge.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		m.httpDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(r.Method, path, status).Inc()
	})
}

var idCollections = map[string]bool{
	"entities": true,
	"rounds":   true,
	"batches":  true,
}

// CanonicalPath collapses identifiers so label cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		if idCollections[parts[i-1]] && parts[i] != "" {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
