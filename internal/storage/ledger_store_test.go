package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasalgo/portfolio-engine/internal/config"
	"github.com/atlasalgo/portfolio-engine/internal/database"
	"github.com/atlasalgo/portfolio-engine/internal/domain"
	"github.com/atlasalgo/portfolio-engine/internal/modules/portfolio"
)

func newTestStore(t *testing.T) *LedgerStore {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewLedgerStore(db, zerolog.Nop())
	require.NoError(t, err)
	return store
}

func testLimits() config.PositionLimits {
	return config.PositionLimits{
		MaxOpenPositions: 50,
		MinPositionValue: decimal.NewFromInt(10),
		MaxPositionValue: decimal.NewFromInt(1000000),
		PriceJumpRatio:   decimal.RequireFromString("0.5"),
		CloseTolerance:   decimal.RequireFromString("0.00000001"),
	}
}

func ledgerTx(t *testing.T, portfolioID string, side domain.Side, price, quantity string) domain.Transaction {
	t.Helper()

	at := time.Date(2026, 3, 10, 14, 30, 0, 123456789, time.UTC)
	txn, err := domain.NewTransaction(
		at,
		side,
		"BTCUSDT",
		decimal.RequireFromString(price),
		decimal.RequireFromString(quantity),
		decimal.RequireFromString("10"),
		portfolioID,
	)
	require.NoError(t, err)
	return txn
}

func TestLedgerStore_TransactionRoundTrip(t *testing.T) {
	store := newTestStore(t)

	saved := ledgerTx(t, "pf-1", domain.SideBuy, "40000.0000000000000001", "0.5")
	saved.PositionID = "pos-abc"
	require.NoError(t, store.SaveTransaction(saved))

	loaded, err := store.LoadTransactions("pf-1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	got := loaded[0]
	assert.Equal(t, saved.ID, got.ID)
	assert.Equal(t, "pf-1", got.PortfolioID)
	assert.Equal(t, "pos-abc", got.PositionID)
	assert.Equal(t, domain.SideBuy, got.Side)
	assert.Equal(t, "BTCUSDT", got.Instrument)
	assert.True(t, saved.Time.Equal(got.Time), "nanosecond timestamp should survive")

	// Decimals round trip exactly through TEXT columns
	assert.Equal(t, "40000.0000000000000001", got.Price.String())
	assert.Equal(t, "0.5", got.Quantity.String())
	assert.Equal(t, "10", got.Commission.String())
}

func TestLedgerStore_EmptyPositionIDStoredAsNull(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveTransaction(ledgerTx(t, "pf-1", domain.SideBuy, "100", "1")))

	loaded, err := store.LoadTransactions("pf-1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Empty(t, loaded[0].PositionID)
}

func TestLedgerStore_LoadFiltersByPortfolio(t *testing.T) {
	store := newTestStore(t)

	first := ledgerTx(t, "pf-1", domain.SideBuy, "100", "1")
	second := ledgerTx(t, "pf-1", domain.SideSell, "110", "1")
	other := ledgerTx(t, "pf-2", domain.SideBuy, "50", "2")

	require.NoError(t, store.SaveTransaction(first))
	require.NoError(t, store.SaveTransaction(second))
	require.NoError(t, store.SaveTransaction(other))

	loaded, err := store.LoadTransactions("pf-1")
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	// Insertion order is preserved
	assert.Equal(t, first.ID, loaded[0].ID)
	assert.Equal(t, second.ID, loaded[1].ID)

	count, err := store.TransactionCount("pf-2")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestLedgerStore_DuplicateTransactionRejected(t *testing.T) {
	store := newTestStore(t)

	txn := ledgerTx(t, "pf-1", domain.SideBuy, "100", "1")
	require.NoError(t, store.SaveTransaction(txn))

	err := store.SaveTransaction(txn)
	require.Error(t, err)

	count, err := store.TransactionCount("pf-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func testSnapshot(day int, equity string) domain.PortfolioSnapshot {
	return domain.PortfolioSnapshot{
		Timestamp:          time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC).AddDate(0, 0, day),
		TotalEquity:        decimal.RequireFromString(equity),
		CashBalance:        decimal.RequireFromString(equity),
		PositionsValue:     decimal.Zero,
		UnrealizedPnL:      decimal.Zero,
		RealizedPnL:        decimal.Zero,
		TotalPnL:           decimal.Zero,
		OpenPositionsCount: 0,
		PortfolioReturn:    decimal.Zero,
	}
}

func TestLedgerStore_SnapshotRoundTrip(t *testing.T) {
	store := newTestStore(t)

	snap := testSnapshot(0, "100000.12345678")
	benchmark := decimal.RequireFromString("1.5")
	snap.BenchmarkReturn = &benchmark
	snap.OpenPositionsCount = 3

	require.NoError(t, store.SaveSnapshot("pf-1", snap))

	loaded, err := store.LoadSnapshots("pf-1", 0)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	got := loaded[0]
	assert.True(t, snap.Timestamp.Equal(got.Timestamp))
	assert.Equal(t, "100000.12345678", got.TotalEquity.String())
	assert.Equal(t, 3, got.OpenPositionsCount)
	require.NotNil(t, got.BenchmarkReturn)
	assert.Equal(t, "1.5", got.BenchmarkReturn.String())
}

func TestLedgerStore_SnapshotWithoutBenchmark(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveSnapshot("pf-1", testSnapshot(0, "100000")))

	loaded, err := store.LoadSnapshots("pf-1", 0)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Nil(t, loaded[0].BenchmarkReturn)
}

func TestLedgerStore_LoadSnapshotsLimitKeepsNewest(t *testing.T) {
	store := newTestStore(t)

	for i, equity := range []string{"100000", "101000", "102000", "103000"} {
		require.NoError(t, store.SaveSnapshot("pf-1", testSnapshot(i, equity)))
	}

	loaded, err := store.LoadSnapshots("pf-1", 2)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "102000", loaded[0].TotalEquity.String())
	assert.Equal(t, "103000", loaded[1].TotalEquity.String())
}

func TestLedgerStore_PortfolioIDs(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveTransaction(ledgerTx(t, "pf-b", domain.SideBuy, "100", "1")))
	require.NoError(t, store.SaveSnapshot("pf-a", testSnapshot(0, "100000")))
	require.NoError(t, store.SaveSnapshot("pf-b", testSnapshot(0, "100000")))

	ids, err := store.PortfolioIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"pf-a", "pf-b"}, ids)
}

func TestLedgerStore_RebuildPositions(t *testing.T) {
	store := newTestStore(t)

	buy1 := ledgerTx(t, "pf-1", domain.SideBuy, "40000", "1")
	buy1.PositionID = "pos-1"
	buy2 := ledgerTx(t, "pf-1", domain.SideBuy, "42000", "1")
	buy2.PositionID = "pos-1"
	sell := ledgerTx(t, "pf-1", domain.SideSell, "45000", "0.5")
	sell.PositionID = "pos-1"

	require.NoError(t, store.SaveTransaction(buy1))
	require.NoError(t, store.SaveTransaction(buy2))
	require.NoError(t, store.SaveTransaction(sell))

	mgr, err := store.RebuildPositions("pf-1", testLimits())
	require.NoError(t, err)

	open := mgr.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, "pos-1", open[0].ID)
	assert.Equal(t, "2", open[0].BuyQuantity.String())
	assert.Equal(t, "41000", open[0].AvgBought.String())
	assert.Equal(t, "0.5", open[0].SellQuantity.String())
}

func TestLedgerStore_ReplayCash(t *testing.T) {
	store := newTestStore(t)

	// Buy 1 @ 40000 + 10 commission, sell 1 @ 42000 - 10 commission
	require.NoError(t, store.SaveTransaction(ledgerTx(t, "pf-1", domain.SideBuy, "40000", "1")))
	require.NoError(t, store.SaveTransaction(ledgerTx(t, "pf-1", domain.SideSell, "42000", "1")))

	cash, err := store.ReplayCash("pf-1", decimal.RequireFromString("150000"))
	require.NoError(t, err)
	assert.Equal(t, "151980", cash.String())
}

// Drives a live engine with the store wired in, then rebuilds state
// from the persisted rows and compares it against the engine's own.
func TestLedgerStore_EngineRoundTrip(t *testing.T) {
	store := newTestStore(t)

	cfg := &config.Config{
		Transactions: config.TransactionLimits{
			MinAmount:         decimal.NewFromInt(1),
			MaxAmount:         decimal.NewFromInt(10000000),
			MaxCommissionRate: decimal.RequireFromString("0.05"),
		},
		Positions: testLimits(),
		Metrics: config.MetricsConfig{
			MaxSnapshots:   1000,
			CacheTTL:       time.Minute,
			RiskFreeRate:   0.02,
			PeriodsPerYear: 252,
		},
	}

	req := portfolio.CreateRequest{
		OwnerID:     1,
		Name:        "round-trip",
		Exchange:    "BINANCE",
		InitialCash: decimal.RequireFromString("150000"),
	}
	p := portfolio.New("pf-rt", req, cfg, store, nil, zerolog.Nop())

	fills := []portfolio.Fill{
		{Side: domain.SideBuy, Instrument: "BTCUSDT", Price: decimal.RequireFromString("40000"), Quantity: decimal.RequireFromString("1"), Commission: decimal.RequireFromString("100")},
		{Side: domain.SideBuy, Instrument: "ETHUSDT", Price: decimal.RequireFromString("2500"), Quantity: decimal.RequireFromString("4"), Commission: decimal.Zero},
		{Side: domain.SideSell, Instrument: "BTCUSDT", Price: decimal.RequireFromString("42000"), Quantity: decimal.RequireFromString("1"), Commission: decimal.RequireFromString("100")},
	}
	for _, f := range fills {
		_, err := p.ProcessFill(f)
		require.NoError(t, err)
	}

	// Cash fold over persisted rows matches the live balance
	cash, err := store.ReplayCash("pf-rt", decimal.RequireFromString("150000"))
	require.NoError(t, err)
	assert.True(t, p.Cash().Equal(cash), "replayed cash %s, live cash %s", cash, p.Cash())

	// Position fold over persisted rows matches the live aggregate
	rebuilt, err := store.RebuildPositions("pf-rt", cfg.Positions)
	require.NoError(t, err)

	liveOpen := p.Positions().OpenPositions()
	rebuiltOpen := rebuilt.OpenPositions()
	require.Len(t, rebuiltOpen, len(liveOpen))
	for i := range liveOpen {
		assert.Equal(t, liveOpen[i].ID, rebuiltOpen[i].ID)
		assert.Equal(t, liveOpen[i].Instrument, rebuiltOpen[i].Instrument)
		assert.True(t, liveOpen[i].NetQuantity().Equal(rebuiltOpen[i].NetQuantity()))
		assert.True(t, liveOpen[i].AvgPrice().Equal(rebuiltOpen[i].AvgPrice()))
	}

	liveClosed := p.Positions().ClosedPositions()
	rebuiltClosed := rebuilt.ClosedPositions()
	require.Len(t, rebuiltClosed, len(liveClosed))
	for i := range liveClosed {
		assert.Equal(t, liveClosed[i].ID, rebuiltClosed[i].ID)
		assert.True(t, liveClosed[i].RealizedPnL().Equal(rebuiltClosed[i].RealizedPnL()))
	}

	// Snapshots were persisted alongside
	snaps, err := store.LoadSnapshots("pf-rt", 0)
	require.NoError(t, err)
	assert.Len(t, snaps, 3)
}
