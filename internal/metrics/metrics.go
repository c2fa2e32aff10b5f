// Package metrics provides Prometheus instrumentation for the portfolio engine.
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

// OutcomeOK labels operations that committed.
const OutcomeOK = "OK"

var (
	// OperationsTotal counts engine operations by type and outcome. The
	// outcome is OutcomeOK or the reported error kind.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_operations_total",
		Help: "Total engine operations by type and outcome",
	}, []string{"type", "outcome"})

	// OperationLatency tracks end-to-end operation latency, price lookup
	// and retries included.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// ConflictRetries counts atomic units retried after a store conflict.
	ConflictRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_store_conflict_retries_total",
		Help: "Atomic units retried after a serialization conflict",
	}, []string{"type"})

	// OracleLatency tracks price lookups as seen by the engine.
	OracleLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "portfolio_oracle_latency_seconds",
		Help:    "Price oracle lookup latency in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// OracleFailures counts failed price lookups by reported kind.
	OracleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_oracle_failures_total",
		Help: "Failed price oracle lookups",
	}, []string{"kind"})

	// ExposureLimitRejections counts buys rejected by the exposure limiter.
	ExposureLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_exposure_limit_rejections_total",
		Help: "Buys rejected by the exposure limiter",
	})

	// TradeVolume tracks cumulative traded quantity per symbol.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_trade_volume_total",
		Help: "Cumulative traded quantity",
	}, []string{"symbol", "type"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_http_request_duration_seconds",
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

		// Account ids are in the URL; label by route pattern instead.
		path := "unmatched"
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

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
