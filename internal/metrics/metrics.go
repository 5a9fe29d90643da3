package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveExecutions tracks currently registered executions
	ActiveExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_executions",
			Help: "Number of registered executions",
		},
	)

	// ExecutionsEnded counts executions by terminal status
	ExecutionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_executions_ended_total",
			Help: "Total executions ended, by terminal status",
		},
		[]string{"status"},
	)

	// EventsAppended counts events appended to execution buffers
	EventsAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_events_appended_total",
			Help: "Total events appended to execution buffers",
		},
	)

	// StreamSessions tracks currently attached stream sessions
	StreamSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_stream_sessions",
			Help: "Number of attached stream sessions",
		},
	)

	// FramesSent counts stream frames delivered, by frame type
	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_frames_sent_total",
			Help: "Total stream frames sent, by frame type",
		},
		[]string{"type"},
	)

	// WindowHandoffs counts sessions closed by window expiry
	WindowHandoffs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_window_handoffs_total",
			Help: "Total stream sessions closed by window expiry",
		},
	)

	// Evictions counts registry evictions
	Evictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_executions_evicted_total",
			Help: "Total executions evicted from the registry",
		},
		[]string{"complete"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath collapses id-bearing paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/metrics", "/api/executions":
		return path
	}
	switch {
	case strings.HasPrefix(path, "/api/executions/") && strings.HasSuffix(path, "/stream"):
		return "/api/executions/{id}/stream"
	case strings.HasPrefix(path, "/api/executions/") && strings.HasSuffix(path, "/cancel"):
		return "/api/executions/{id}/cancel"
	case strings.HasPrefix(path, "/api/conversations/"):
		return "/api/conversations/{id}/messages"
	default:
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordExecutionStart increments the active execution gauge
func RecordExecutionStart() {
	ActiveExecutions.Inc()
}

// RecordExecutionEnd records an execution's terminal status
func RecordExecutionEnd(status string) {
	ExecutionsEnded.WithLabelValues(status).Inc()
}

// RecordExecutionEvict records a registry eviction
func RecordExecutionEvict(complete bool) {
	ActiveExecutions.Dec()
	Evictions.WithLabelValues(strconv.FormatBool(complete)).Inc()
}

// RecordEventAppended records one buffered event
func RecordEventAppended() {
	EventsAppended.Inc()
}

// RecordStreamAttach increments the attached session gauge
func RecordStreamAttach() {
	StreamSessions.Inc()
}

// RecordStreamDetach decrements the attached session gauge
func RecordStreamDetach() {
	StreamSessions.Dec()
}

// RecordFrameSent records one delivered stream frame
func RecordFrameSent(frameType string) {
	FramesSent.WithLabelValues(frameType).Inc()
}

// RecordWindowHandoff records a window-expiry handoff
func RecordWindowHandoff() {
	WindowHandoffs.Inc()
}
