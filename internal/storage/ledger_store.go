// Package storage persists the transaction audit trail and the
// snapshot series to the ledger database, and rebuilds in-memory
// state from them after a restart.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atlasalgo/portfolio-engine/internal/config"
	"github.com/atlasalgo/portfolio-engine/internal/database"
	"github.com/atlasalgo/portfolio-engine/internal/domain"
	"github.com/atlasalgo/portfolio-engine/internal/modules/positions"
)

// Both tables are append-only. Decimals are stored as TEXT so exact
// values survive the round trip; timestamps are Unix nanoseconds.
const ledgerSchema = `
CREATE TABLE IF NOT EXISTS transactions (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT    NOT NULL UNIQUE,
	portfolio_id TEXT    NOT NULL,
	position_id  TEXT,
	time_ns      INTEGER NOT NULL,
	side         TEXT    NOT NULL,
	instrument   TEXT    NOT NULL,
	price        TEXT    NOT NULL,
	quantity     TEXT    NOT NULL,
	commission   TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_portfolio ON transactions(portfolio_id, seq);

CREATE TABLE IF NOT EXISTS snapshots (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	portfolio_id     TEXT    NOT NULL,
	timestamp_ns     INTEGER NOT NULL,
	total_equity     TEXT    NOT NULL,
	cash_balance     TEXT    NOT NULL,
	positions_value  TEXT    NOT NULL,
	unrealized_pnl   TEXT    NOT NULL,
	realized_pnl     TEXT    NOT NULL,
	total_pnl        TEXT    NOT NULL,
	open_positions   INTEGER NOT NULL,
	portfolio_return TEXT    NOT NULL,
	benchmark_return TEXT
);

CREATE INDEX IF NOT EXISTS idx_snapshots_portfolio ON snapshots(portfolio_id, seq);
`

// LedgerStore handles ledger database operations. It satisfies the
// persistence interfaces of the transaction, metrics and portfolio
// modules.
type LedgerStore struct {
	db  *database.DB
	log zerolog.Logger
}

// NewLedgerStore creates the store and applies the schema.
func NewLedgerStore(db *database.DB, log zerolog.Logger) (*LedgerStore, error) {
	s := &LedgerStore{
		db:  db,
		log: log.With().Str("repo", "ledger").Logger(),
	}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}

	return s, nil
}

func (s *LedgerStore) migrate() error {
	return database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec(ledgerSchema)
		return err
	})
}

// SaveTransaction appends one executed transaction to the audit trail.
func (s *LedgerStore) SaveTransaction(txn domain.Transaction) error {
	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		_, execErr := tx.Exec(`
			INSERT INTO transactions
			(id, portfolio_id, position_id, time_ns, side, instrument, price, quantity, commission)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			txn.ID,
			txn.PortfolioID,
			nullString(txn.PositionID),
			txn.Time.UnixNano(),
			string(txn.Side),
			txn.Instrument,
			txn.Price.String(),
			txn.Quantity.String(),
			txn.Commission.String(),
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to save transaction %s: %w", txn.ID, err)
	}

	s.log.Debug().
		Str("transaction_id", txn.ID).
		Str("portfolio_id", txn.PortfolioID).
		Str("instrument", txn.Instrument).
		Msg("Transaction persisted")

	return nil
}

// SaveSnapshot appends one portfolio snapshot to the series.
func (s *LedgerStore) SaveSnapshot(portfolioID string, snap domain.PortfolioSnapshot) error {
	var benchmark sql.NullString
	if snap.BenchmarkReturn != nil {
		benchmark = sql.NullString{String: snap.BenchmarkReturn.String(), Valid: true}
	}

	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		_, execErr := tx.Exec(`
			INSERT INTO snapshots
			(portfolio_id, timestamp_ns, total_equity, cash_balance, positions_value,
			 unrealized_pnl, realized_pnl, total_pnl, open_positions, portfolio_return, benchmark_return)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			portfolioID,
			snap.Timestamp.UnixNano(),
			snap.TotalEquity.String(),
			snap.CashBalance.String(),
			snap.PositionsValue.String(),
			snap.UnrealizedPnL.String(),
			snap.RealizedPnL.String(),
			snap.TotalPnL.String(),
			snap.OpenPositionsCount,
			snap.PortfolioReturn.String(),
			benchmark,
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", portfolioID, err)
	}

	return nil
}

// LoadTransactions returns a portfolio's transactions in insertion
// order, the order they were executed in.
func (s *LedgerStore) LoadTransactions(portfolioID string) ([]domain.Transaction, error) {
	rows, err := s.db.Query(`
		SELECT id, portfolio_id, position_id, time_ns, side, instrument, price, quantity, commission
		FROM transactions WHERE portfolio_id = ? ORDER BY seq`,
		portfolioID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return txns, nil
}

// LoadSnapshots returns a portfolio's snapshots oldest-first. A
// positive limit keeps only the newest limit entries.
func (s *LedgerStore) LoadSnapshots(portfolioID string, limit int) ([]domain.PortfolioSnapshot, error) {
	rows, err := s.db.Query(`
		SELECT timestamp_ns, total_equity, cash_balance, positions_value,
		       unrealized_pnl, realized_pnl, total_pnl, open_positions, portfolio_return, benchmark_return
		FROM snapshots WHERE portfolio_id = ? ORDER BY seq`,
		portfolioID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []domain.PortfolioSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}

	if limit > 0 && len(snaps) > limit {
		snaps = snaps[len(snaps)-limit:]
	}

	return snaps, nil
}

// TransactionCount returns the number of persisted transactions for a
// portfolio.
func (s *LedgerStore) TransactionCount(portfolioID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM transactions WHERE portfolio_id = ?`, portfolioID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

// PortfolioIDs returns every portfolio id present in the ledger.
func (s *LedgerStore) PortfolioIDs() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT portfolio_id FROM transactions
		UNION
		SELECT portfolio_id FROM snapshots
		ORDER BY portfolio_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolio ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating portfolio ids: %w", err)
	}

	return ids, nil
}

// RebuildPositions replays a portfolio's audit trail through a fresh
// position manager and returns it. Replay runs under the limits in
// force now; rows recorded under looser limits can fail the fold.
func (s *LedgerStore) RebuildPositions(portfolioID string, limits config.PositionLimits) (*positions.Manager, error) {
	txns, err := s.LoadTransactions(portfolioID)
	if err != nil {
		return nil, err
	}

	mgr := positions.NewManager(portfolioID, limits, nil, s.log)
	for _, txn := range txns {
		if _, _, err := mgr.Apply(txn); err != nil {
			return nil, fmt.Errorf("replay transaction %s: %w", txn.ID, err)
		}
	}

	s.log.Info().
		Str("portfolio_id", portfolioID).
		Int("transactions", len(txns)).
		Int("open_positions", mgr.OpenCount()).
		Msg("Positions rebuilt from ledger")

	return mgr, nil
}

// ReplayCash folds a portfolio's audit trail over an initial balance:
// buys subtract their total cost, sells add their net proceeds.
func (s *LedgerStore) ReplayCash(portfolioID string, initialCash decimal.Decimal) (decimal.Decimal, error) {
	txns, err := s.LoadTransactions(portfolioID)
	if err != nil {
		return decimal.Decimal{}, err
	}

	cash := initialCash
	for _, txn := range txns {
		if txn.Side.IsBuy() {
			cash = cash.Sub(txn.TotalCost())
		} else {
			cash = cash.Add(txn.TotalCost())
		}
	}

	return cash, nil
}

func scanTransaction(rows *sql.Rows) (domain.Transaction, error) {
	var txn domain.Transaction
	var positionID sql.NullString
	var timeNs int64
	var side, price, quantity, commission string

	err := rows.Scan(
		&txn.ID,
		&txn.PortfolioID,
		&positionID,
		&timeNs,
		&side,
		&txn.Instrument,
		&price,
		&quantity,
		&commission,
	)
	if err != nil {
		return txn, err
	}

	txn.Time = time.Unix(0, timeNs).UTC()
	txn.Side = domain.Side(side)
	if positionID.Valid {
		txn.PositionID = positionID.String
	}

	if txn.Price, err = parseDecimal("price", price); err != nil {
		return txn, err
	}
	if txn.Quantity, err = parseDecimal("quantity", quantity); err != nil {
		return txn, err
	}
	if txn.Commission, err = parseDecimal("commission", commission); err != nil {
		return txn, err
	}

	return txn, nil
}

func scanSnapshot(rows *sql.Rows) (domain.PortfolioSnapshot, error) {
	var snap domain.PortfolioSnapshot
	var timestampNs int64
	var equity, cash, posValue, unrealized, realized, total, ret string
	var benchmark sql.NullString

	err := rows.Scan(
		&timestampNs,
		&equity,
		&cash,
		&posValue,
		&unrealized,
		&realized,
		&total,
		&snap.OpenPositionsCount,
		&ret,
		&benchmark,
	)
	if err != nil {
		return snap, err
	}

	snap.Timestamp = time.Unix(0, timestampNs).UTC()

	if snap.TotalEquity, err = parseDecimal("total_equity", equity); err != nil {
		return snap, err
	}
	if snap.CashBalance, err = parseDecimal("cash_balance", cash); err != nil {
		return snap, err
	}
	if snap.PositionsValue, err = parseDecimal("positions_value", posValue); err != nil {
		return snap, err
	}
	if snap.UnrealizedPnL, err = parseDecimal("unrealized_pnl", unrealized); err != nil {
		return snap, err
	}
	if snap.RealizedPnL, err = parseDecimal("realized_pnl", realized); err != nil {
		return snap, err
	}
	if snap.TotalPnL, err = parseDecimal("total_pnl", total); err != nil {
		return snap, err
	}
	if snap.PortfolioReturn, err = parseDecimal("portfolio_return", ret); err != nil {
		return snap, err
	}
	if benchmark.Valid {
		b, err := parseDecimal("benchmark_return", benchmark.String)
		if err != nil {
			return snap, err
		}
		snap.BenchmarkReturn = &b
	}

	return snap, nil
}

func parseDecimal(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s %q: %w", field, value, err)
	}
	return d, nil
}

func nullString(val string) sql.NullString {
	if val == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: val, Valid: true}
}
