// Package metrics provides Prometheus instrumentation for the market engine.
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
	// TradesTotal counts executed trades, partitioned by outcome and side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outcome_trades_total",
		Help: "Total number of trades executed",
	}, []string{"outcome", "side"})

	// TradeRejections counts trades refused by the engine, by error kind.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outcome_trade_rejections_total",
		Help: "Trades rejected by the engine",
	}, []string{"kind"})

	// TradeLatency tracks execution time including lock wait.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outcome_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// StakeVolume tracks cumulative stake moved, by outcome.
	StakeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outcome_stake_volume_total",
		Help: "Cumulative stake moved through trades",
	}, []string{"outcome"})

	// CommitConflicts counts optimistic version conflicts seen at commit.
	CommitConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outcome_commit_conflicts_total",
		Help: "Store commits aborted by a version conflict",
	}, []string{"operation"})

	// OpenMarkets tracks markets accepting trades in this process.
	OpenMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outcome_open_markets",
		Help: "Number of markets created open and not yet expired or resolved",
	})

	// Resolutions counts settled markets by resolution.
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outcome_resolutions_total",
		Help: "Markets resolved",
	}, []string{"resolution"})

	// PayoutsTotal tracks stake paid out at settlement, by resolution.
	PayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outcome_payouts_stake_total",
		Help: "Stake paid out at settlement",
	}, []string{"resolution"})

	// Expirations counts markets moved to expired.
	Expirations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outcome_expirations_total",
		Help: "Markets transitioned to expired",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outcome_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outcome_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outcome_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
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

// Hijack lets the WebSocket upgrader take over connections seen by Middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
