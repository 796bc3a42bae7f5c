// Package domain holds the shared value objects, records and error types
// of the accounting engine.
package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DecimalPlaces is the scale used when dividing money and quantity
// values. Multiplication and addition are exact; only division rounds.
const DecimalPlaces = 16

// Side represents the trade direction (BUY or SELL)
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// IsValid checks if the trade side is valid
func (s Side) IsValid() bool {
	return s == SideBuy || s == SideSell
}

// IsBuy returns true if this is a BUY trade
func (s Side) IsBuy() bool {
	return s == SideBuy
}

// IsSell returns true if this is a SELL trade
func (s Side) IsSell() bool {
	return s == SideSell
}

// PositionSide returns the position direction opened by this trade side
func (s Side) PositionSide() PositionSide {
	if s == SideSell {
		return PositionShort
	}
	return PositionLong
}

// SideFromString creates a Side from a string (case-insensitive)
func SideFromString(value string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return "", fmt.Errorf("invalid trade side: %q", value)
	}
}

// PositionSide represents the direction of an open position
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// IsValid checks if the position side is valid
func (ps PositionSide) IsValid() bool {
	return ps == PositionLong || ps == PositionShort
}

// instrumentRegex matches exchange-style symbols: BTCUSDT, AAPL, BRK.B, EUR-USD
var instrumentRegex = regexp.MustCompile(`^[A-Z0-9]{1,20}([.\-][A-Z0-9]{1,10})?$`)

// NormalizeInstrument uppercases and trims a symbol and validates its shape
func NormalizeInstrument(symbol string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if normalized == "" {
		return "", &ValidationError{Field: "instrument", Reason: "cannot be empty"}
	}
	if !instrumentRegex.MatchString(normalized) {
		return "", &ValidationError{Field: "instrument", Reason: fmt.Sprintf("malformed symbol %q", normalized)}
	}
	return normalized, nil
}

// TransactionStatus is the state of a transaction in its processing
// lifecycle. EXECUTED, FAILED, CANCELLED and ROLLED_BACK are terminal.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "PENDING"
	StatusValidated  TransactionStatus = "VALIDATED"
	StatusExecuted   TransactionStatus = "EXECUTED"
	StatusFailed     TransactionStatus = "FAILED"
	StatusCancelled  TransactionStatus = "CANCELLED"
	StatusRolledBack TransactionStatus = "ROLLED_BACK" // Reserved; no transition path is wired yet
)

// IsTerminal reports whether no further transition is allowed
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusExecuted, StatusFailed, StatusCancelled, StatusRolledBack:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine permits moving to next
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusValidated || next == StatusFailed || next == StatusCancelled
	case StatusValidated:
		return next == StatusExecuted || next == StatusFailed
	}
	return false
}

// Transaction is the immutable record of one executed trade. Once
// created it is never mutated; the audit history retains it forever.
type Transaction struct {
	ID          string          `json:"id"`
	Time        time.Time       `json:"time"`
	Side        Side            `json:"side"`
	Instrument  string          `json:"instrument"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Commission  decimal.Decimal `json:"commission"`
	PortfolioID string          `json:"portfolio_id"`
	PositionID  string          `json:"position_id,omitempty"`
}

// NewTransaction builds a validated transaction from a fill
// notification and assigns it a unique id.
func NewTransaction(t time.Time, side Side, instrument string, price, quantity, commission decimal.Decimal, portfolioID string) (Transaction, error) {
	tx := Transaction{
		ID:          uuid.New().String(),
		Time:        t,
		Side:        side,
		Instrument:  instrument,
		Price:       price,
		Quantity:    quantity,
		Commission:  commission,
		PortfolioID: portfolioID,
	}

	if err := tx.Validate(); err != nil {
		return Transaction{}, err
	}

	return tx, nil
}

// Validate checks field invariants and normalizes the instrument symbol
func (t *Transaction) Validate() error {
	if !t.Side.IsValid() {
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("unrecognized side %q", string(t.Side))}
	}

	instrument, err := NormalizeInstrument(t.Instrument)
	if err != nil {
		return err
	}
	t.Instrument = instrument

	if !t.Price.IsPositive() {
		return &ValidationError{Field: "price", Reason: "must be positive"}
	}

	if !t.Quantity.IsPositive() {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	if t.Commission.IsNegative() {
		return &ValidationError{Field: "commission", Reason: "cannot be negative"}
	}

	if t.PortfolioID == "" {
		return &ValidationError{Field: "portfolio_id", Reason: "cannot be empty"}
	}

	return nil
}

// Cost is price × quantity, before commission
func (t Transaction) Cost() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// TotalCost is the cash impact magnitude: cost plus commission on a
// buy, cost minus commission on a sell.
func (t Transaction) TotalCost() decimal.Decimal {
	if t.Side.IsSell() {
		return t.Cost().Sub(t.Commission)
	}
	return t.Cost().Add(t.Commission)
}

// PortfolioSnapshot is an immutable capture of total portfolio state at
// one instant, the unit of the metrics time series.
type PortfolioSnapshot struct {
	Timestamp          time.Time        `json:"timestamp"`
	TotalEquity        decimal.Decimal  `json:"total_equity"`
	CashBalance        decimal.Decimal  `json:"cash_balance"`
	PositionsValue     decimal.Decimal  `json:"positions_value"`
	UnrealizedPnL      decimal.Decimal  `json:"unrealized_pnl"`
	RealizedPnL        decimal.Decimal  `json:"realized_pnl"`
	TotalPnL           decimal.Decimal  `json:"total_pnl"`
	OpenPositionsCount int              `json:"open_positions_count"`
	PortfolioReturn    decimal.Decimal  `json:"portfolio_return"` // Percent vs initial equity
	BenchmarkReturn    *decimal.Decimal `json:"benchmark_return,omitempty"`
}

// PriceMap carries a price update feed: instrument symbol → price
type PriceMap map[string]decimal.Decimal

// Warning codes surfaced alongside successful results
const (
	WarnMissingPrice       = "missing_price"
	WarnPriceJump          = "price_jump"
	WarnSkippedLiquidation = "skipped_liquidation"
)

// Warning reports a suspicious-but-safe anomaly to the caller. Warnings
// accompany a successful result; they are never errors.
type Warning struct {
	Code       string `json:"code"`
	Instrument string `json:"instrument,omitempty"`
	Message    string `json:"message"`
}

func (w Warning) String() string {
	if w.Instrument != "" {
		return fmt.Sprintf("%s [%s]: %s", w.Code, w.Instrument, w.Message)
	}
	return fmt.Sprintf("%s: %s", w.Code, w.Message)
}
