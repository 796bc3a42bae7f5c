package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInsufficientData is returned by analytics that need a minimum
// number of snapshots in the requested window.
var ErrInsufficientData = errors.New("insufficient data")

// ValidationError reports a malformed transaction or request field.
// Always raised before any state mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// InsufficientFundsError reports a buy-side cash shortfall. Carries the
// amounts so callers can display or decide on them.
type InsufficientFundsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %s, available %s", e.Required, e.Available)
}

// PositionLimitError reports a breach of portfolio-level risk limits:
// too many open positions, position value out of bounds, concentration.
type PositionLimitError struct {
	Reason string
}

func (e *PositionLimitError) Error() string {
	return fmt.Sprintf("position limit: %s", e.Reason)
}

// ConsistencyError reports a post-update invariant violation. It
// indicates a prior logic or data defect, not a user-correctable
// condition; callers should treat it as fatal for the portfolio.
type ConsistencyError struct {
	Check  string
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency check %s failed: %s", e.Check, e.Detail)
}

// NotFoundError reports a query for an id that does not exist
type NotFoundError struct {
	Kind string // "portfolio", "position", "transaction"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
