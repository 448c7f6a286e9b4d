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

var (
	// TradesTotal counts ledger operations by type (BUY, SELL, DEPOSIT) and
	// outcome (ok, or the error class that rejected it).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_trades_total",
		Help: "Total number of ledger operations by type and outcome",
	}, []string{"type", "outcome"})

	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_trade_latency_seconds",
		Help:    "Ledger operation latency in seconds, quote fetch included",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// TradedShares tracks cumulative traded quantity. Symbols are not a label:
	// any valid ticker can be traded, so the set is unbounded.
	TradedShares = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_traded_shares_total",
		Help: "Cumulative traded quantity in shares",
	}, []string{"type"})

	// CashDeposited tracks the total amount of virtual cash deposited.
	CashDeposited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_cash_deposited_total",
		Help: "Total virtual cash deposited",
	})

	QuoteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_quote_failures_total",
		Help: "Quote lookups that failed",
	})

	// DegradedSnapshots counts portfolio snapshots served with at least one
	// holding valued at cost.
	DegradedSnapshots = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_degraded_snapshots_total",
		Help: "Portfolio snapshots with at least one unpriced holding",
	})

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

		// Label by route pattern so /investments/{holdingID} stays one series.
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

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
