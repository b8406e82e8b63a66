// Package metrics provides Prometheus instrumentation for the trade engine.
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
	// OrdersPlaced counts exchange orders accepted, partitioned by side.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dsw_orders_placed_total",
		Help: "Total number of exchange orders placed",
	}, []string{"side"})

	// TradesMatched counts exchange executions per pair.
	TradesMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dsw_trades_matched_total",
		Help: "Total number of exchange trades matched",
	}, []string{"pair"})

	// MatchedVolume tracks cumulative matched base-asset volume per pair.
	MatchedVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dsw_matched_volume_total",
		Help: "Cumulative matched volume in base asset units",
	}, []string{"pair"})

	// P2PTradesStarted counts trades opened against P2P adverts.
	P2PTradesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dsw_p2p_trades_started_total",
		Help: "Total number of P2P trades started",
	})

	// P2PTransitions counts applied trade lifecycle transitions by target
	// status.
	P2PTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dsw_p2p_transitions_total",
		Help: "Total number of P2P trade status transitions",
	}, []string{"to"})

	// LimitRejections counts orders rejected by the open-notional limiter.
	LimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dsw_limit_rejections_total",
		Help: "Orders rejected by the open-notional limiter",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dsw_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dsw_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dsw_http_request_duration_seconds",
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

		// Use the raw path for the label; route patterns are few enough
		// that cardinality stays bounded.
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
