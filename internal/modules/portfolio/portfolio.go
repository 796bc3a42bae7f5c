package portfolio

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atlasalgo/portfolio-engine/internal/config"
	"github.com/atlasalgo/portfolio-engine/internal/domain"
	"github.com/atlasalgo/portfolio-engine/internal/events"
	"github.com/atlasalgo/portfolio-engine/internal/modules/metrics"
	"github.com/atlasalgo/portfolio-engine/internal/modules/positions"
	"github.com/atlasalgo/portfolio-engine/internal/modules/transactions"
)

// Portfolio is the composition root for one account: it owns identity,
// composes the transaction, position and metrics managers, and
// serializes every fill so the cash effect and the position effect
// land together or not at all.
//
// The portfolio mutex orders strictly above the manager mutexes.
// Nothing called under it may call back into the portfolio; event
// handlers in particular must not.
type Portfolio struct {
	mu sync.Mutex

	id        string
	ownerID   int64
	name      string
	exchange  string
	createdAt time.Time

	transactions *transactions.Manager
	positions    *positions.Manager
	metrics      *metrics.Manager

	log zerolog.Logger
}

// FillResult reports a processed fill: the recorded transaction, the
// affected position and any warnings raised on the way.
type FillResult struct {
	Transaction domain.Transaction       `json:"transaction"`
	Position    *positions.Position      `json:"position"`
	Warnings    []domain.Warning         `json:"warnings,omitempty"`
	Snapshot    domain.PortfolioSnapshot `json:"snapshot"`
}

// New assembles a portfolio and its managers. store and eventBus may
// be nil.
func New(id string, req CreateRequest, cfg *config.Config, store Store, eventBus *events.Bus, log zerolog.Logger) *Portfolio {
	p := &Portfolio{
		id:        id,
		ownerID:   req.OwnerID,
		name:      req.Name,
		exchange:  req.Exchange,
		createdAt: time.Now(),
		log:       log.With().Str("service", "portfolio").Str("portfolio_id", id).Logger(),
	}

	var txStore transactions.Store
	var snapStore metrics.SnapshotStore
	if store != nil {
		txStore = store
		snapStore = store
	}

	p.transactions = transactions.NewManager(id, req.InitialCash, cfg.Transactions, txStore, eventBus, log)
	p.positions = positions.NewManager(id, cfg.Positions, eventBus, log)
	p.metrics = metrics.NewManager(p, cfg.Metrics, snapStore, eventBus, log)

	return p
}

// ProcessFill runs a fill through the whole pipeline, from transaction
// construction through the cash effect and position fold to a fresh
// portfolio snapshot. Any failure leaves every balance and position
// exactly as it was.
func (p *Portfolio) ProcessFill(fill Fill) (*FillResult, error) {
	at := fill.Time
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := domain.NewTransaction(at, fill.Side, fill.Instrument, fill.Price, fill.Quantity, fill.Commission, p.id)
	if err != nil {
		return nil, err
	}

	result, err := p.applyFill(tx)
	if err != nil {
		return nil, err
	}

	result.Snapshot = p.metrics.RecordSnapshot(time.Time{})
	return result, nil
}

// applyFill holds the portfolio lock across the preflight, the cash
// effect and the position commit.
func (p *Portfolio) applyFill(tx domain.Transaction) (*FillResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	positionID, _, err := p.positions.Preflight(tx)
	if err != nil {
		return nil, err
	}
	tx.PositionID = positionID

	if err := p.transactions.Process(tx); err != nil {
		return nil, err
	}

	// preflight already proved this fold; a failure here is a defect
	pos, warnings, err := p.positions.Apply(tx)
	if err != nil {
		p.log.Error().
			Err(err).
			Str("transaction_id", tx.ID).
			Msg("Position fold failed after cash effect")
		return nil, fmt.Errorf("apply transaction %s to positions: %w", tx.ID, err)
	}

	return &FillResult{Transaction: tx, Position: pos, Warnings: warnings}, nil
}

// MarkToMarket refreshes open position prices from the map
func (p *Portfolio) MarkToMarket(prices domain.PriceMap, at time.Time) []domain.Warning {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions.MarkToMarket(prices, at)
}

// CloseAll liquidates every open position priced in the map and
// records a snapshot of the aftermath.
func (p *Portfolio) CloseAll(prices domain.PriceMap, at time.Time) ([]*positions.Position, []domain.Warning) {
	p.mu.Lock()
	closed, warnings := p.positions.CloseAll(prices, at)
	p.mu.Unlock()

	if len(closed) > 0 {
		p.metrics.RecordSnapshot(time.Time{})
	}
	return closed, warnings
}

// Transactions exposes the transaction manager's query surface
func (p *Portfolio) Transactions() *transactions.Manager {
	return p.transactions
}

// Positions exposes the position manager's query surface
func (p *Portfolio) Positions() *positions.Manager {
	return p.positions
}

// Metrics exposes the metrics manager's query surface
func (p *Portfolio) Metrics() *metrics.Manager {
	return p.metrics
}

// Info returns the identity card with live balances
func (p *Portfolio) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Info{
		ID:          p.id,
		OwnerID:     p.ownerID,
		Name:        p.name,
		Exchange:    p.exchange,
		CreatedAt:   p.createdAt,
		InitialCash: p.transactions.InitialCash(),
		Cash:        p.transactions.Cash(),
		Equity:      p.equity(),
	}
}

// equity sums cash and open position value. Caller must hold the lock.
func (p *Portfolio) equity() decimal.Decimal {
	return p.transactions.Cash().Add(p.positions.TotalMarketValue())
}

// PortfolioID implements domain.PortfolioReader
func (p *Portfolio) PortfolioID() string {
	return p.id
}

// Cash implements domain.PortfolioReader
func (p *Portfolio) Cash() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transactions.Cash()
}

// InitialEquity implements domain.PortfolioReader
func (p *Portfolio) InitialEquity() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transactions.InitialCash()
}

// PositionsValue implements domain.PortfolioReader
func (p *Portfolio) PositionsValue() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions.TotalMarketValue()
}

// UnrealizedPnL implements domain.PortfolioReader
func (p *Portfolio) UnrealizedPnL() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions.TotalUnrealizedPnL()
}

// RealizedPnL implements domain.PortfolioReader
func (p *Portfolio) RealizedPnL() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions.TotalRealizedPnL()
}

// Equity implements domain.PortfolioReader
func (p *Portfolio) Equity() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.equity()
}

// OpenPositionCount implements domain.PortfolioReader
func (p *Portfolio) OpenPositionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions.OpenCount()
}

// TransactionCount implements domain.PortfolioReader
func (p *Portfolio) TransactionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transactions.Count()
}
