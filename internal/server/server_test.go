package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/atlasalgo/portfolio-engine/internal/config"
	"github.com/atlasalgo/portfolio-engine/internal/database"
	"github.com/atlasalgo/portfolio-engine/internal/events"
	"github.com/atlasalgo/portfolio-engine/internal/modules/portfolio"
	"github.com/atlasalgo/portfolio-engine/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:  t.TempDir(),
		Host:     "127.0.0.1",
		Port:     0,
		LogLevel: "disabled",
		Transactions: config.TransactionLimits{
			MinAmount:         decimal.NewFromInt(1),
			MaxAmount:         decimal.NewFromInt(10000000),
			MaxCommissionRate: decimal.RequireFromString("0.05"),
		},
		Positions: config.PositionLimits{
			MaxOpenPositions: 50,
			MinPositionValue: decimal.NewFromInt(10),
			MaxPositionValue: decimal.NewFromInt(1000000),
			PriceJumpRatio:   decimal.RequireFromString("0.5"),
			CloseTolerance:   decimal.RequireFromString("0.00000001"),
		},
		Metrics: config.MetricsConfig{
			MaxSnapshots:   1000,
			CacheTTL:       time.Minute,
			RiskFreeRate:   0.02,
			PeriodsPerYear: 252,
		},
	}
}

func newTestServer(t *testing.T) (*Server, *events.Bus) {
	t.Helper()

	cfg := testConfig(t)

	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := storage.NewLedgerStore(db, zerolog.Nop())
	require.NoError(t, err)

	bus := events.NewBus(zerolog.Nop())
	service := portfolio.NewService(cfg, store, bus, zerolog.Nop())

	srv := New(Config{
		Log:      zerolog.Nop(),
		Config:   cfg,
		Service:  service,
		LedgerDB: db,
		EventBus: bus,
	})
	return srv, bus
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func createPortfolio(t *testing.T, srv *Server, initialCash string) string {
	t.Helper()

	rec := doJSON(t, srv.router, http.MethodPost, "/api/portfolios", map[string]interface{}{
		"owner_id":     7,
		"name":         "alpha",
		"exchange":     "BINANCE",
		"initial_cash": initialCash,
	})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	id, ok := decodeBody(t, rec)["id"].(string)
	require.True(t, ok)
	return id
}

func processFill(t *testing.T, srv *Server, portfolioID string, fill map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return doJSON(t, srv.router, http.MethodPost, "/api/portfolios/"+portfolioID+"/transactions", fill)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.router, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "portfolio-engine", body["service"])
	assert.NotEmpty(t, body["version"])
}

func TestPortfolioLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	id := createPortfolio(t, srv, "150000")

	rec := processFill(t, srv, id, map[string]interface{}{
		"side":       "BUY",
		"instrument": "BTCUSDT",
		"price":      "40000",
		"quantity":   "1",
		"commission": "0",
	})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	result := decodeBody(t, rec)
	tx := result["transaction"].(map[string]interface{})
	assert.Equal(t, "BUY", tx["side"])
	assert.Equal(t, "BTCUSDT", tx["instrument"])
	assert.NotEmpty(t, tx["position_id"])

	rec = doJSON(t, srv.router, http.MethodGet, "/api/portfolios/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "110000", decodeBody(t, rec)["cash"])

	rec = processFill(t, srv, id, map[string]interface{}{
		"side":       "SELL",
		"instrument": "BTCUSDT",
		"price":      "42000",
		"quantity":   "1",
		"commission": "0",
	})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	rec = doJSON(t, srv.router, http.MethodGet, "/api/portfolios/"+id, nil)
	assert.Equal(t, "152000", decodeBody(t, rec)["cash"])

	rec = doJSON(t, srv.router, http.MethodGet, "/api/portfolios/"+id+"/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody(t, rec)
	assert.EqualValues(t, 2, history["count"])
	assert.Len(t, history["transactions"], 2)

	rec = doJSON(t, srv.router, http.MethodGet, "/api/portfolios/"+id+"/positions?include=closed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	positions := decodeBody(t, rec)
	assert.Empty(t, positions["open"])
	assert.Len(t, positions["closed"], 1)
	summary := positions["summary"].(map[string]interface{})
	assert.Equal(t, "2000", summary["total_realized_pnl"])

	rec = doJSON(t, srv.router, http.MethodGet, "/api/portfolios/"+id+"/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snapshot := decodeBody(t, rec)
	assert.Equal(t, "152000", snapshot["total_equity"])
	assert.Equal(t, "2000", snapshot["realized_pnl"])

	rec = doJSON(t, srv.router, http.MethodGet, "/api/portfolios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["count"])
}

func TestErrorStatusMapping(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createPortfolio(t, srv, "1000")

	t.Run("unknown portfolio yields 404", func(t *testing.T) {
		rec := doJSON(t, srv.router, http.MethodGet, "/api/portfolios/no-such-id", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, decodeBody(t, rec)["error"], "no-such-id")
	})

	t.Run("invalid creation request yields 400", func(t *testing.T) {
		rec := doJSON(t, srv.router, http.MethodPost, "/api/portfolios", map[string]interface{}{
			"owner_id": -1,
			"name":     "bad",
			"exchange": "BINANCE",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body yields 400", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/portfolios/"+id+"/transactions", strings.NewReader("not json"))
		rec := httptest.NewRecorder()
		srv.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("negative price yields 400 with no state change", func(t *testing.T) {
		rec := processFill(t, srv, id, map[string]interface{}{
			"side":       "BUY",
			"instrument": "BTCUSDT",
			"price":      "-1",
			"quantity":   "1",
			"commission": "0",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = doJSON(t, srv.router, http.MethodGet, "/api/portfolios/"+id, nil)
		assert.Equal(t, "1000", decodeBody(t, rec)["cash"])
	})

	t.Run("insufficient funds yields 422 with no state change", func(t *testing.T) {
		rec := processFill(t, srv, id, map[string]interface{}{
			"side":       "BUY",
			"instrument": "BTCUSDT",
			"price":      "50000",
			"quantity":   "1",
			"commission": "25",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, decodeBody(t, rec)["error"], "insufficient funds")

		rec = doJSON(t, srv.router, http.MethodGet, "/api/portfolios/"+id, nil)
		assert.Equal(t, "1000", decodeBody(t, rec)["cash"])
	})

	t.Run("unrecognized period yields 400", func(t *testing.T) {
		rec := doJSON(t, srv.router, http.MethodGet, "/api/portfolios/"+id+"/metrics/performance?period=BOGUS", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("too little history yields 422", func(t *testing.T) {
		rec := doJSON(t, srv.router, http.MethodGet, "/api/portfolios/"+id+"/metrics/performance", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}

func TestBroadcastPricesEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createPortfolio(t, srv, "150000")

	rec := processFill(t, srv, id, map[string]interface{}{
		"side":       "BUY",
		"instrument": "BTCUSDT",
		"price":      "40000",
		"quantity":   "1",
		"commission": "0",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv.router, http.MethodPost, "/api/prices", map[string]interface{}{
		"prices": map[string]string{"BTCUSDT": "45000"},
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	assert.EqualValues(t, 1, decodeBody(t, rec)["portfolios"])

	rec = doJSON(t, srv.router, http.MethodGet, "/api/portfolios/"+id+"/metrics", nil)
	snapshot := decodeBody(t, rec)
	assert.Equal(t, "5000", snapshot["unrealized_pnl"])
	assert.Equal(t, "155000", snapshot["total_equity"])

	t.Run("empty price map yields 400", func(t *testing.T) {
		rec := doJSON(t, srv.router, http.MethodPost, "/api/prices", map[string]interface{}{
			"prices": map[string]string{},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCloseAllEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createPortfolio(t, srv, "150000")

	rec := processFill(t, srv, id, map[string]interface{}{
		"side":       "BUY",
		"instrument": "BTCUSDT",
		"price":      "40000",
		"quantity":   "2",
		"commission": "0",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv.router, http.MethodPost, "/api/portfolios/"+id+"/close-all", map[string]interface{}{
		"prices": map[string]string{"BTCUSDT": "41000"},
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	assert.EqualValues(t, 1, decodeBody(t, rec)["closed_count"])

	rec = doJSON(t, srv.router, http.MethodGet, "/api/portfolios/"+id, nil)
	assert.Equal(t, "152000", decodeBody(t, rec)["cash"])

	rec = doJSON(t, srv.router, http.MethodGet, "/api/portfolios/"+id+"/positions", nil)
	assert.Empty(t, decodeBody(t, rec)["open"])
}

func TestMetricsExport(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createPortfolio(t, srv, "150000")

	for _, price := range []string{"40000", "42000"} {
		rec := processFill(t, srv, id, map[string]interface{}{
			"side":       "BUY",
			"instrument": "BTCUSDT",
			"price":      price,
			"quantity":   "0.5",
			"commission": "0",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	t.Run("json export", func(t *testing.T) {
		rec := doJSON(t, srv.router, http.MethodGet, "/api/portfolios/"+id+"/metrics/export?period=ALL_TIME", nil)
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

		export := decodeBody(t, rec)
		assert.Equal(t, id, export["portfolio_id"])
		assert.Equal(t, "ALL_TIME", export["period"])
		assert.EqualValues(t, 2, export["snapshot_count"])
	})

	t.Run("msgpack export", func(t *testing.T) {
		rec := doJSON(t, srv.router, http.MethodGet, "/api/portfolios/"+id+"/metrics/export?format=msgpack", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/x-msgpack", rec.Header().Get("Content-Type"))

		var archive map[string]interface{}
		require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &archive))
		assert.EqualValues(t, 1, archive["version"])
		assert.Equal(t, id, archive["portfolio_id"])
		assert.Len(t, archive["snapshots"], 2)
	})
}

func TestSystemEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	t.Run("health", func(t *testing.T) {
		rec := doJSON(t, srv.router, http.MethodGet, "/api/system/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeBody(t, rec)
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, "healthy", body["ledger"])
		assert.NotNil(t, body["cpu_percent"])
		assert.Greater(t, body["goroutines"], float64(0))
	})

	t.Run("stats", func(t *testing.T) {
		rec := doJSON(t, srv.router, http.MethodGet, "/api/system/stats", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeBody(t, rec)
		ledger := body["ledger"].(map[string]interface{})
		assert.Greater(t, ledger["page_count"], float64(0))
		assert.NotNil(t, body["data_dir_bytes"])
	})

	t.Run("backups unavailable when not configured", func(t *testing.T) {
		rec := doJSON(t, srv.router, http.MethodGet, "/api/system/backups", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestEventsStream(t *testing.T) {
	srv, bus := newTestServer(t)

	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events/stream?types=transaction.executed", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	assert.Contains(t, readFrame(t, reader), `"type":"connected"`)

	bus.PublishData("transactions", &events.TransactionExecutedData{
		PortfolioID:   "pf-1",
		TransactionID: "tx-1",
		Instrument:    "BTCUSDT",
		Side:          "BUY",
		Quantity:      "1",
		Price:         "40000",
		CashAfter:     "110000",
	})

	frame := readFrame(t, reader)
	assert.Contains(t, frame, "transaction.executed")
	assert.Contains(t, frame, "BTCUSDT")
}

// readFrame returns the payload of the next data: frame, failing the
// test if none arrives in time.
func readFrame(t *testing.T, reader *bufio.Reader) string {
	t.Helper()

	frames := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				errs <- err
				return
			}
			if strings.HasPrefix(line, "data: ") {
				frames <- strings.TrimSpace(strings.TrimPrefix(line, "data: "))
				return
			}
		}
	}()

	select {
	case frame := <-frames:
		return frame
	case err := <-errs:
		t.Fatalf("reading event frame: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event frame")
	}
	return ""
}

func TestParseTypeFilter(t *testing.T) {
	assert.Nil(t, parseTypeFilter(""))
	assert.Nil(t, parseTypeFilter(" , "))

	filter := parseTypeFilter("transaction.executed, prices.updated")
	require.Len(t, filter, 2)
	assert.True(t, filter[events.TransactionExecuted])
	assert.True(t, filter[events.PricesUpdated])
	assert.False(t, filter[events.BackupCompleted])
}
