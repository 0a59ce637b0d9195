// Package metrics provides Prometheus instrumentation for the dividend engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// InvestmentsTotal counts executed investments.
	InvestmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cointent_investments_total",
		Help: "Total number of investments executed",
	})

	// DividendCoinsTotal counts coins paid out as dividends.
	DividendCoinsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cointent_dividend_coins_total",
		Help: "Total coins distributed as dividends",
	})

	// CoefficientUpdates counts coefficient writes, partitioned by reason.
	CoefficientUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cointent_coefficient_updates_total",
		Help: "Total coefficient updates",
	}, []string{"reason"})

	// ScoringFailures counts per-user scoring errors that were skipped.
	ScoringFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cointent_scoring_failures_total",
		Help: "Scoring attempts that failed and were skipped",
	})

	// ScoringDuration tracks how long a single user re-score takes.
	ScoringDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cointent_scoring_duration_seconds",
		Help:    "Coefficient scoring latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ShareCacheHits / ShareCacheMisses track derived-value cache efficiency.
	ShareCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cointent_share_cache_hits_total",
		Help: "Effective-share cache hits",
	})
	ShareCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cointent_share_cache_misses_total",
		Help: "Effective-share cache misses",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cointent_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cointent_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cointent_http_request_duration_seconds",
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

		// Use the raw path for the label; route cardinality is small.
		path := r.URL.Path
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
