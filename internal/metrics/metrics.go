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
	// TradesTotal counts total trades executed, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "berryx_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeLatency tracks end-to-end execution time including retries.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "berryx_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeRejections counts trades refused before commit, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "berryx_trade_rejections_total",
		Help: "Trades rejected before commit",
	}, []string{"reason"})

	// TxRetries counts transactions re-run after a concurrent update conflict.
	TxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "berryx_tx_retries_total",
		Help: "Trade transactions retried after a conflict",
	})

	// PositionsClosed counts full liquidations.
	PositionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "berryx_positions_closed_total",
		Help: "Positions fully closed",
	})

	// VolumeBerries tracks cumulative berries traded per character.
	VolumeBerries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "berryx_volume_berries_total",
		Help: "Cumulative trade volume in berries",
	}, []string{"character", "side"})

	// MarketOpen is 1 while trading is allowed.
	MarketOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "berryx_market_open",
		Help: "Whether the market session is open (1) or closed (0)",
	})

	// PriceGaps counts pools repriced on reopen.
	PriceGaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "berryx_price_gaps_total",
		Help: "Pools repriced by a market reopen",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "berryx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventPublishFailures counts events that could not be delivered.
	EventPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "berryx_event_publish_failures_total",
		Help: "Events that failed to publish after commit",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "berryx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "berryx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// SetMarketOpen updates the session gauge.
func SetMarketOpen(open bool) {
	if open {
		MarketOpen.Set(1)
	} else {
		MarketOpen.Set(0)
	}
}

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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi pattern so IDs in the URL do not
// become label values.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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
