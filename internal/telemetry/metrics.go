// Package telemetry provides Prometheus instrumentation for the engine.
package telemetry

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
	// TransactionsTotal counts processed transactions by outcome.
	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_transactions_total",
		Help: "Total transactions processed, by portfolio and outcome",
	}, []string{"portfolio_id", "status"})

	// TradesTotal counts executed trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_trades_total",
		Help: "Total trades executed",
	}, []string{"side"})

	// OpenPositions tracks the number of open positions per portfolio.
	OpenPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_open_positions",
		Help: "Number of currently open positions",
	}, []string{"portfolio_id"})

	// PortfolioEquity tracks the last snapshotted equity per portfolio.
	PortfolioEquity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_portfolio_equity",
		Help: "Total equity at the most recent snapshot",
	}, []string{"portfolio_id"})

	// SnapshotsTotal counts recorded portfolio snapshots.
	SnapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_snapshots_total",
		Help: "Total portfolio snapshots recorded",
	})

	// PriceUpdatesTotal counts price broadcasts applied to portfolios.
	PriceUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_price_updates_total",
		Help: "Total price update broadcasts",
	})

	// LiquidationsTotal counts close-all sweeps.
	LiquidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_liquidations_total",
		Help: "Total close-all liquidation sweeps",
	})

	// BackupsTotal counts completed ledger backups.
	BackupsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_backups_total",
		Help: "Total completed ledger backups",
	})

	// BackupSizeBytes records the size of the most recent backup archive.
	BackupSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_backup_size_bytes",
		Help: "Size of the most recent backup archive",
	})

	// BackupDuration tracks how long backups take.
	BackupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_backup_duration_seconds",
		Help:    "Backup duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "route"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics. The route label uses the chi
// route pattern, not the raw path, to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration)
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

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
