package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/atlasalgo/portfolio-engine/internal/events"
)

// Metrics are package-level, so tests read deltas and use distinct
// portfolio ids to stay independent.

func newTestCollector(t *testing.T) *events.Bus {
	t.Helper()
	bus := events.NewBus(zerolog.Nop())
	c := NewCollector(bus, zerolog.Nop())
	t.Cleanup(c.Close)
	return bus
}

func TestCollector_TransactionCounters(t *testing.T) {
	bus := newTestCollector(t)

	executedBefore := testutil.ToFloat64(TransactionsTotal.WithLabelValues("pf-m1", "executed"))
	failedBefore := testutil.ToFloat64(TransactionsTotal.WithLabelValues("pf-m1", "failed"))
	buysBefore := testutil.ToFloat64(TradesTotal.WithLabelValues("BUY"))

	bus.PublishData("transactions", &events.TransactionExecutedData{
		PortfolioID:   "pf-m1",
		TransactionID: "tx-1",
		Instrument:    "BTCUSDT",
		Side:          "BUY",
		Quantity:      "1",
		Price:         "100",
		CashAfter:     "900",
	})
	bus.PublishData("transactions", &events.TransactionFailedData{
		PortfolioID:   "pf-m1",
		TransactionID: "tx-2",
		Instrument:    "BTCUSDT",
		Reason:        "insufficient funds",
	})

	assert.Equal(t, executedBefore+1, testutil.ToFloat64(TransactionsTotal.WithLabelValues("pf-m1", "executed")))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(TransactionsTotal.WithLabelValues("pf-m1", "failed")))
	assert.Equal(t, buysBefore+1, testutil.ToFloat64(TradesTotal.WithLabelValues("BUY")))
}

func TestCollector_OpenPositionsGauge(t *testing.T) {
	bus := newTestCollector(t)

	opened := &events.PositionOpenedData{PortfolioID: "pf-m2", PositionID: "pos-1", Instrument: "BTCUSDT", Side: "LONG"}
	bus.PublishData("positions", opened)
	bus.PublishData("positions", &events.PositionOpenedData{PortfolioID: "pf-m2", PositionID: "pos-2", Instrument: "ETHUSDT", Side: "LONG"})
	assert.Equal(t, 2.0, testutil.ToFloat64(OpenPositions.WithLabelValues("pf-m2")))

	bus.PublishData("positions", &events.PositionClosedData{PortfolioID: "pf-m2", PositionID: "pos-1", Instrument: "BTCUSDT"})
	assert.Equal(t, 1.0, testutil.ToFloat64(OpenPositions.WithLabelValues("pf-m2")))

	// Liquidated positions close in bulk without individual close events
	bus.PublishData("positions", &events.PositionsLiquidatedData{PortfolioID: "pf-m2", Closed: 1})
	assert.Equal(t, 0.0, testutil.ToFloat64(OpenPositions.WithLabelValues("pf-m2")))
}

func TestCollector_SnapshotEquityGauge(t *testing.T) {
	bus := newTestCollector(t)

	snapshotsBefore := testutil.ToFloat64(SnapshotsTotal)

	bus.PublishData("metrics", &events.SnapshotRecordedData{PortfolioID: "pf-m3", TotalEquity: "120000.5", Return: "20"})

	assert.Equal(t, snapshotsBefore+1, testutil.ToFloat64(SnapshotsTotal))
	assert.Equal(t, 120000.5, testutil.ToFloat64(PortfolioEquity.WithLabelValues("pf-m3")))

	// Unparseable equity still counts the snapshot but leaves the gauge
	bus.PublishData("metrics", &events.SnapshotRecordedData{PortfolioID: "pf-m3", TotalEquity: "garbage"})
	assert.Equal(t, snapshotsBefore+2, testutil.ToFloat64(SnapshotsTotal))
	assert.Equal(t, 120000.5, testutil.ToFloat64(PortfolioEquity.WithLabelValues("pf-m3")))
}

func TestCollector_BackupMetrics(t *testing.T) {
	bus := newTestCollector(t)

	backupsBefore := testutil.ToFloat64(BackupsTotal)

	bus.PublishData("reliability", &events.BackupCompletedData{Archive: "ledger.tar.gz", SizeBytes: 2048, Duration: 1.5})

	assert.Equal(t, backupsBefore+1, testutil.ToFloat64(BackupsTotal))
	assert.Equal(t, 2048.0, testutil.ToFloat64(BackupSizeBytes))
}

func TestCollector_CloseDetaches(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	c := NewCollector(bus, zerolog.Nop())

	before := testutil.ToFloat64(TransactionsTotal.WithLabelValues("pf-m4", "executed"))

	c.Close()
	bus.PublishData("transactions", &events.TransactionExecutedData{PortfolioID: "pf-m4", Side: "BUY"})

	assert.Equal(t, before, testutil.ToFloat64(TransactionsTotal.WithLabelValues("pf-m4", "executed")))
}

func TestMiddleware_RecordsRouteMetrics(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/portfolios/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/portfolios/{id}", "204"))

	req := httptest.NewRequest(http.MethodGet, "/api/portfolios/abc", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/portfolios/{id}", "204")))
}
