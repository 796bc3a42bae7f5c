// Package positions derives and maintains per-instrument accounting
// aggregates from the transaction stream and enforces portfolio-level
// risk limits on the open set.
package positions

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlasalgo/portfolio-engine/internal/domain"
)

// Position is the accounting aggregate for one instrument's lifecycle
// in one portfolio. It folds buy and sell transactions into
// quantity-weighted averages; derived values (net quantity, market
// value, P&L) are computed from that state, never stored.
//
// Once closed a position is immutable and moves to the closed history.
// A new transaction on the same instrument opens a new Position.
type Position struct {
	ID             string              `json:"id"`
	Instrument     string              `json:"instrument"`
	Side           domain.PositionSide `json:"side"`
	EntryTime      time.Time           `json:"entry_time"`
	ExitTime       *time.Time          `json:"exit_time,omitempty"`
	BuyQuantity    decimal.Decimal     `json:"buy_quantity"`
	SellQuantity   decimal.Decimal     `json:"sell_quantity"`
	AvgBought      decimal.Decimal     `json:"avg_bought"`
	AvgSold        decimal.Decimal     `json:"avg_sold"`
	BuyCommission  decimal.Decimal     `json:"buy_commission"`
	SellCommission decimal.Decimal     `json:"sell_commission"`
	CurrentPrice   decimal.Decimal     `json:"current_price"`
	CurrentTime    time.Time           `json:"current_time"`
	IsOpen         bool                `json:"is_open"`
	PortfolioID    string              `json:"portfolio_id"`
}

// Open initializes a position from the first transaction on an
// instrument. A buy opens a long position, a sell opens a short one.
func Open(tx domain.Transaction) (*Position, error) {
	if !tx.Side.IsValid() {
		return nil, &domain.ValidationError{Field: "side", Reason: fmt.Sprintf("unrecognized side %q", string(tx.Side))}
	}

	id := tx.PositionID
	if id == "" {
		id = uuid.New().String()
	}

	p := &Position{
		ID:           id,
		Instrument:   tx.Instrument,
		Side:         tx.Side.PositionSide(),
		EntryTime:    tx.Time,
		CurrentPrice: tx.Price,
		CurrentTime:  tx.Time,
		IsOpen:       true,
		PortfolioID:  tx.PortfolioID,
	}

	if tx.Side.IsBuy() {
		p.BuyQuantity = tx.Quantity
		p.AvgBought = tx.Price
		p.BuyCommission = tx.Commission
	} else {
		p.SellQuantity = tx.Quantity
		p.AvgSold = tx.Price
		p.SellCommission = tx.Commission
	}

	return p, nil
}

// Update folds a transaction into the aggregate using a
// quantity-weighted average price update on the matching side, then
// refreshes the current price and time.
func (p *Position) Update(tx domain.Transaction) error {
	if !tx.Side.IsValid() {
		return &domain.ValidationError{Field: "side", Reason: fmt.Sprintf("unrecognized side %q", string(tx.Side))}
	}

	if tx.Side.IsBuy() {
		p.AvgBought = weightedAverage(p.AvgBought, p.BuyQuantity, tx.Price, tx.Quantity)
		p.BuyQuantity = p.BuyQuantity.Add(tx.Quantity)
		p.BuyCommission = p.BuyCommission.Add(tx.Commission)
	} else {
		p.AvgSold = weightedAverage(p.AvgSold, p.SellQuantity, tx.Price, tx.Quantity)
		p.SellQuantity = p.SellQuantity.Add(tx.Quantity)
		p.SellCommission = p.SellCommission.Add(tx.Commission)
	}

	p.CurrentPrice = tx.Price
	p.CurrentTime = tx.Time

	return nil
}

// Close marks the terminal state at the given price and time.
// Irreversible; the manager moves closed positions to history.
func (p *Position) Close(price decimal.Decimal, t time.Time) {
	if !p.IsOpen {
		return
	}

	p.CurrentPrice = price
	p.CurrentTime = t
	exitAt := t
	p.ExitTime = &exitAt
	p.IsOpen = false
}

// NetQuantity is the absolute open quantity |buys - sells|
func (p *Position) NetQuantity() decimal.Decimal {
	return p.BuyQuantity.Sub(p.SellQuantity).Abs()
}

// signedNetQuantity is buys minus sells; its sign must agree with the
// position side while open.
func (p *Position) signedNetQuantity() decimal.Decimal {
	return p.BuyQuantity.Sub(p.SellQuantity)
}

// AvgPrice is the average price of the opening side
func (p *Position) AvgPrice() decimal.Decimal {
	if p.Side == domain.PositionShort {
		return p.AvgSold
	}
	return p.AvgBought
}

// MarketValue is current price × net quantity
func (p *Position) MarketValue() decimal.Decimal {
	return p.CurrentPrice.Mul(p.NetQuantity())
}

// RealizedPnL is the profit locked in by matched quantity: the smaller
// of the buy and sell totals. Gross P&L is (avg sold − avg bought) ×
// matched quantity; commissions on both sides are attributed in
// proportion to the matched fraction of each side's quantity.
// Commission on the unmatched remainder stays with the open side until
// it is matched.
func (p *Position) RealizedPnL() decimal.Decimal {
	matched := decimal.Min(p.BuyQuantity, p.SellQuantity)
	if !matched.IsPositive() {
		return decimal.Zero
	}

	gross := p.AvgSold.Sub(p.AvgBought).Mul(matched)

	commission := decimal.Zero
	if p.BuyQuantity.IsPositive() {
		commission = commission.Add(p.BuyCommission.Mul(matched.DivRound(p.BuyQuantity, domain.DecimalPlaces)))
	}
	if p.SellQuantity.IsPositive() {
		commission = commission.Add(p.SellCommission.Mul(matched.DivRound(p.SellQuantity, domain.DecimalPlaces)))
	}

	return gross.Sub(commission)
}

// UnrealizedPnL is the paper profit on the open quantity at the
// current price: (current − avg) × net for longs, mirrored for shorts.
func (p *Position) UnrealizedPnL() decimal.Decimal {
	net := p.NetQuantity()
	if net.IsZero() || p.CurrentPrice.IsZero() {
		return decimal.Zero
	}

	diff := p.CurrentPrice.Sub(p.AvgPrice())
	if p.Side == domain.PositionShort {
		diff = diff.Neg()
	}

	return diff.Mul(net)
}

// TotalPnL is realized plus unrealized P&L
func (p *Position) TotalPnL() decimal.Decimal {
	return p.RealizedPnL().Add(p.UnrealizedPnL())
}

// MarkPrice refreshes the current price and time without folding a
// transaction (mark-to-market).
func (p *Position) MarkPrice(price decimal.Decimal, t time.Time) {
	p.CurrentPrice = price
	p.CurrentTime = t
}

// Clone returns an independent copy of the position
func (p *Position) Clone() *Position {
	c := *p
	if p.ExitTime != nil {
		exitAt := *p.ExitTime
		c.ExitTime = &exitAt
	}
	return &c
}

// weightedAverage folds (newPrice, newQty) into an existing average.
// Division is the only rounding point in the aggregate.
func weightedAverage(avg, qty, newPrice, newQty decimal.Decimal) decimal.Decimal {
	totalQty := qty.Add(newQty)
	if !totalQty.IsPositive() {
		return decimal.Zero
	}

	totalValue := avg.Mul(qty).Add(newPrice.Mul(newQty))
	return totalValue.DivRound(totalQty, domain.DecimalPlaces)
}
