// Package metrics provides Prometheus instrumentation for the fund ledger.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsSubmitted counts accepted job submissions.
	JobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fidc_jobs_submitted_total",
		Help: "Total number of jobs accepted for processing",
	})

	// JobAttempts counts batch attempts by outcome ("completed", "failed",
	// "skipped").
	JobAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fidc_job_attempts_total",
		Help: "Job batch attempts by outcome",
	}, []string{"outcome"})

	// JobAborts counts failed attempts by cause ("price", "domain", "other").
	JobAborts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fidc_job_aborts_total",
		Help: "Failed job attempts by cause",
	}, []string{"cause"})

	// JobRetries counts attempts re-enqueued after a failure.
	JobRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fidc_job_retries_total",
		Help: "Job attempts scheduled for retry",
	})

	// JobsAbandoned counts jobs left FAILED after exhausting retries.
	JobsAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fidc_jobs_abandoned_total",
		Help: "Jobs that exhausted their retry budget",
	})

	// JobLatency tracks batch processing latency per attempt.
	JobLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fidc_job_latency_seconds",
		Help:    "Batch processing latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// OperationsProcessed counts operations applied to a fund, by type.
	OperationsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fidc_operations_processed_total",
		Help: "Operations applied to fund balances",
	}, []string{"operation_type"})

	// QuotesTotal counts price oracle calls by result.
	QuotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fidc_price_quotes_total",
		Help: "Price oracle requests by result",
	}, []string{"result"})

	// QueueDepth tracks tasks waiting in the work queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fidc_queue_depth",
		Help: "Tasks waiting in the work queue",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fidc_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// ExportsTotal counts CSV exports by result.
	ExportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fidc_exports_total",
		Help: "Operation exports by result",
	}, []string{"result"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fidc_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fidc_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

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

		// Route pattern keeps job ids out of the label set.
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
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
