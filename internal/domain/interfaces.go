package domain

import "github.com/shopspring/decimal"

// PortfolioReader is the read surface the metrics engine depends on.
// Portfolio implements it; MetricsManager never reaches into portfolio
// internals beyond these queries.
type PortfolioReader interface {
	// PortfolioID returns the owning portfolio's identity
	PortfolioID() string

	// Cash returns the current cash balance
	Cash() decimal.Decimal

	// InitialEquity returns the equity the portfolio started with
	InitialEquity() decimal.Decimal

	// PositionsValue returns the market value of all open positions
	PositionsValue() decimal.Decimal

	// UnrealizedPnL returns the paper profit/loss on open positions
	UnrealizedPnL() decimal.Decimal

	// RealizedPnL returns the locked-in profit/loss, open and closed
	RealizedPnL() decimal.Decimal

	// Equity returns cash plus positions value
	Equity() decimal.Decimal

	// OpenPositionCount returns the number of currently open positions
	OpenPositionCount() int

	// TransactionCount returns the number of executed transactions
	TransactionCount() int
}
