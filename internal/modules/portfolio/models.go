// Package portfolio composes the per-portfolio managers behind a
// single serialized facade and keeps the registry the platform layer
// routes to.
package portfolio

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlasalgo/portfolio-engine/internal/domain"
)

// CreateRequest carries the validated inputs for opening a portfolio
type CreateRequest struct {
	OwnerID     int64           `json:"owner_id"`
	Name        string          `json:"name"`
	Exchange    string          `json:"exchange"`
	InitialCash decimal.Decimal `json:"initial_cash"`
}

// Validate checks the creation invariants
func (r *CreateRequest) Validate() error {
	if r.OwnerID <= 0 {
		return &domain.ValidationError{Field: "owner_id", Reason: "must be positive"}
	}
	if strings.TrimSpace(r.Name) == "" {
		return &domain.ValidationError{Field: "name", Reason: "cannot be empty"}
	}
	if strings.TrimSpace(r.Exchange) == "" {
		return &domain.ValidationError{Field: "exchange", Reason: "cannot be empty"}
	}
	if r.InitialCash.IsNegative() {
		return &domain.ValidationError{Field: "initial_cash", Reason: "cannot be negative"}
	}
	return nil
}

// Fill is a broker fill notification: the engine turns it into an
// immutable Transaction during processing.
type Fill struct {
	Side       domain.Side     `json:"side"`
	Instrument string          `json:"instrument"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Commission decimal.Decimal `json:"commission"`
	Time       time.Time       `json:"time,omitempty"`
}

// Info is the portfolio's identity card for listings
type Info struct {
	ID          string          `json:"id"`
	OwnerID     int64           `json:"owner_id"`
	Name        string          `json:"name"`
	Exchange    string          `json:"exchange"`
	CreatedAt   time.Time       `json:"created_at"`
	InitialCash decimal.Decimal `json:"initial_cash"`
	Cash        decimal.Decimal `json:"cash"`
	Equity      decimal.Decimal `json:"equity"`
}
