// Package metrics provides Prometheus instrumentation for the ledger.
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
	// TradesTotal counts executed buys, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_trades_total",
		Help: "Total number of share purchases executed",
	}, []string{"side"})

	// TradeLatency tracks end-to-end buy execution including the journal.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeRejections counts buys rejected before execution, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_trade_rejections_total",
		Help: "Trades rejected by validation, pricing bounds or funding",
	}, []string{"reason"})

	// TradeVolume tracks cumulative amount spent, in whole units.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_trade_volume_units_total",
		Help: "Cumulative amount spent on shares in whole token units",
	}, []string{"side"})

	// MarketsCreated counts market creations.
	MarketsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_markets_created_total",
		Help: "Total number of markets created",
	})

	// UnresolvedMarkets tracks markets that have not been resolved yet.
	UnresolvedMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_unresolved_markets",
		Help: "Number of markets awaiting resolution",
	})

	// ResolutionsTotal counts resolutions by outcome.
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_resolutions_total",
		Help: "Total number of markets resolved",
	}, []string{"outcome"})

	// ClaimsTotal counts successful claims, split by whether anything was paid.
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_claims_total",
		Help: "Total number of payout claims",
	}, []string{"paid"})

	// NotifyErrors counts failed event deliveries.
	NotifyErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_notify_errors_total",
		Help: "Event deliveries that returned an error",
	}, []string{"type"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi route (e.g. /api/v1/markets/{marketID})
// so that ids and addresses do not blow up label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot be hijacked")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
