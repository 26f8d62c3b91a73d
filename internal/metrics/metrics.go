// Package metrics provides Prometheus instrumentation for the buyback engine.
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
	// BatchesTotal counts settlement batches by processing type and outcome.
	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buyback_batches_total",
		Help: "Total settlement batches recorded",
	}, []string{"type", "outcome"})

	// BatchLatency tracks end-to-end batch processing time.
	BatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "buyback_batch_latency_seconds",
		Help:    "Settlement batch processing latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// OrderResults counts per-order results inside batches.
	OrderResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buyback_order_results_total",
		Help: "Per-order settlement results",
	}, []string{"result"})

	// SharesSettled tracks cumulative settled quantity per share.
	SharesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buyback_shares_settled_total",
		Help: "Cumulative shares bought back",
	}, []string{"share_id", "type"})

	// ValueSettled tracks cumulative amount paid per currency.
	ValueSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buyback_value_settled_total",
		Help: "Cumulative amount paid out of buyback funds",
	}, []string{"currency", "type"})

	// GuardDenials counts market protection denials by reason.
	GuardDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buyback_guard_denials_total",
		Help: "Settlements denied by market protection",
	}, []string{"reason"})

	// ClaimConflicts counts orders skipped because another batch held them.
	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buyback_claim_conflicts_total",
		Help: "Orders skipped due to a concurrent claim",
	})

	// StaleClaimsReleased counts claims reaped by the scheduler.
	StaleClaimsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buyback_stale_claims_released_total",
		Help: "Processing claims released after timeout",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buyback_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buyback_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "buyback_http_request_duration_seconds",
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

		// Route pattern keeps order and batch IDs out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
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

// Hijack lets the WebSocket upgrade take over the wrapped connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
