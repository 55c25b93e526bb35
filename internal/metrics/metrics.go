// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts executed trades, partitioned by outcome side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_trades_total",
		Help: "Total number of trades executed",
	}, []string{"outcome"})

	// TradeVolume tracks cumulative stake spent on trades per side.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_trade_volume_total",
		Help: "Cumulative trade volume in account currency",
	}, []string{"outcome"})

	// TradeLatency tracks trade execution latency by side.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pmx_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// MarketsCreated counts markets created.
	MarketsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pmx_markets_created_total",
		Help: "Total number of markets created",
	})

	// OpenMarkets tracks the number of unresolved markets.
	OpenMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pmx_open_markets",
		Help: "Number of currently unresolved markets",
	})

	// ResolutionsTotal counts market resolutions by winning outcome.
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_resolutions_total",
		Help: "Total number of markets resolved",
	}, []string{"outcome"})

	// PayoutTotal tracks cumulative resolution payouts.
	PayoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pmx_payout_total",
		Help: "Cumulative resolution payouts in account currency",
	})

	// InsufficientFundsRejections counts trades rejected for low balance.
	InsufficientFundsRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pmx_insufficient_funds_rejections_total",
		Help: "Trades rejected due to insufficient balance",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pmx_http_request_duration_seconds",
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

		// Label with the route pattern, not the raw path, to keep
		// cardinality bounded (IDs appear as {marketID} etc).
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
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
