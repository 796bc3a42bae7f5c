package positions

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atlasalgo/portfolio-engine/internal/config"
	"github.com/atlasalgo/portfolio-engine/internal/domain"
	"github.com/atlasalgo/portfolio-engine/internal/events"
)

// Manager owns the position set of a single portfolio: one open
// position per instrument plus the closed history. All exported
// operations take the manager mutex; unexported helpers assume the
// caller holds it.
//
// Apply is all-or-nothing: the transaction is folded into a copy of
// the affected position and committed only after every post-update
// check passes. Preflight runs the same fold without committing so a
// caller can sequence the cash effect in between.
type Manager struct {
	mu sync.Mutex

	portfolioID string
	limits      config.PositionLimits

	open   map[string]*Position
	closed []*Position

	eventBus *events.Bus
	log      zerolog.Logger
}

// Summary aggregates the position set for reporting. Values are
// computed from the aggregates on every call, never cached.
type Summary struct {
	OpenCount          int                         `json:"open_count"`
	ClosedCount        int                         `json:"closed_count"`
	TotalMarketValue   decimal.Decimal             `json:"total_market_value"`
	TotalUnrealizedPnL decimal.Decimal             `json:"total_unrealized_pnl"`
	TotalRealizedPnL   decimal.Decimal             `json:"total_realized_pnl"`
	CountBySide        map[domain.PositionSide]int `json:"count_by_side"`
}

// NewManager creates a position manager for one portfolio
func NewManager(portfolioID string, limits config.PositionLimits, eventBus *events.Bus, log zerolog.Logger) *Manager {
	return &Manager{
		portfolioID: portfolioID,
		limits:      limits,
		open:        make(map[string]*Position),
		eventBus:    eventBus,
		log:         log.With().Str("service", "positions").Str("portfolio_id", portfolioID).Logger(),
	}
}

// Preflight runs the full apply path against a copy of the state and
// reports the outcome without committing anything. It returns the ID
// the position would have so the caller can stamp it on the
// transaction before the cash effect is recorded.
func (m *Manager) Preflight(tx domain.Transaction) (string, []domain.Warning, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.fold(tx)
	if err != nil {
		return "", nil, err
	}
	return res.position.ID, res.warnings, nil
}

// Apply folds an executed transaction into the position set. The first
// transaction on an instrument opens a position, subject to the open
// count and value limits; later ones update it. A net quantity within
// the close tolerance of zero closes the position.
func (m *Manager) Apply(tx domain.Transaction) (*Position, []domain.Warning, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.fold(tx)
	if err != nil {
		return nil, nil, err
	}

	m.commit(res)

	return res.position.Clone(), res.warnings, nil
}

// foldResult carries the outcome of folding one transaction
type foldResult struct {
	position *Position
	opened   bool
	closed   bool
	warnings []domain.Warning
}

// fold computes the post-transaction position without mutating the
// set. Caller must hold the lock.
func (m *Manager) fold(tx domain.Transaction) (*foldResult, error) {
	if tx.PortfolioID != m.portfolioID {
		return nil, &domain.ValidationError{Field: "portfolio_id", Reason: fmt.Sprintf("transaction belongs to portfolio %s", tx.PortfolioID)}
	}

	existing, ok := m.open[tx.Instrument]
	if !ok {
		pos, err := m.openNew(tx)
		if err != nil {
			return nil, err
		}
		return &foldResult{position: pos, opened: true}, nil
	}

	res := &foldResult{position: existing.Clone()}

	prevPrice := res.position.CurrentPrice
	if jump := priceJumpRatio(prevPrice, tx.Price); jump != nil && jump.GreaterThan(m.limits.PriceJumpRatio) {
		w := domain.Warning{
			Code:       domain.WarnPriceJump,
			Instrument: tx.Instrument,
			Message:    fmt.Sprintf("price moved %s%% from %s to %s", jump.Mul(decimal.NewFromInt(100)).StringFixed(2), prevPrice, tx.Price),
		}
		res.warnings = append(res.warnings, w)
		m.log.Warn().
			Str("instrument", tx.Instrument).
			Str("previous_price", prevPrice.String()).
			Str("price", tx.Price.String()).
			Msg("Anomalous price jump on position update")
	}

	if err := res.position.Update(tx); err != nil {
		return nil, err
	}

	if res.position.NetQuantity().LessThanOrEqual(m.limits.CloseTolerance) {
		res.position.Close(tx.Price, tx.Time)
		res.closed = true
		return res, nil
	}

	if err := m.checkConsistency(res.position); err != nil {
		return nil, err
	}

	return res, nil
}

// openNew validates the creation limits and builds a fresh position.
// Caller must hold the lock.
func (m *Manager) openNew(tx domain.Transaction) (*Position, error) {
	if len(m.open) >= m.limits.MaxOpenPositions {
		return nil, &domain.PositionLimitError{
			Reason: fmt.Sprintf("portfolio already holds %d open positions (limit %d)", len(m.open), m.limits.MaxOpenPositions),
		}
	}

	value := tx.Cost()
	if value.LessThan(m.limits.MinPositionValue) {
		return nil, &domain.PositionLimitError{
			Reason: fmt.Sprintf("position value %s below minimum %s", value, m.limits.MinPositionValue),
		}
	}
	if value.GreaterThan(m.limits.MaxPositionValue) {
		return nil, &domain.PositionLimitError{
			Reason: fmt.Sprintf("position value %s above maximum %s", value, m.limits.MaxPositionValue),
		}
	}

	return Open(tx)
}

// checkConsistency verifies an open post-update aggregate: the signed
// net quantity must agree with the side and the opening side's average
// price must be positive.
func (m *Manager) checkConsistency(p *Position) error {
	signed := p.signedNetQuantity()
	switch p.Side {
	case domain.PositionLong:
		if signed.IsNegative() {
			return &domain.ConsistencyError{
				Check:  "net_quantity_sign",
				Detail: fmt.Sprintf("long position %s on %s has net quantity %s", p.ID, p.Instrument, signed),
			}
		}
	case domain.PositionShort:
		if signed.IsPositive() {
			return &domain.ConsistencyError{
				Check:  "net_quantity_sign",
				Detail: fmt.Sprintf("short position %s on %s has net quantity %s", p.ID, p.Instrument, signed),
			}
		}
	}

	if !p.AvgPrice().IsPositive() {
		return &domain.ConsistencyError{
			Check:  "avg_price",
			Detail: fmt.Sprintf("position %s on %s has non-positive average price %s", p.ID, p.Instrument, p.AvgPrice()),
		}
	}

	return nil
}

// commit installs a fold result into the set and publishes lifecycle
// events. Caller must hold the lock.
func (m *Manager) commit(res *foldResult) {
	p := res.position

	switch {
	case res.closed:
		delete(m.open, p.Instrument)
		m.closed = append(m.closed, p)
		m.log.Info().
			Str("position_id", p.ID).
			Str("instrument", p.Instrument).
			Str("realized_pnl", p.RealizedPnL().String()).
			Msg("Position closed")
		m.publish(&events.PositionClosedData{
			PortfolioID: m.portfolioID,
			PositionID:  p.ID,
			Instrument:  p.Instrument,
			RealizedPnL: p.RealizedPnL().String(),
		})
	case res.opened:
		m.open[p.Instrument] = p
		m.log.Info().
			Str("position_id", p.ID).
			Str("instrument", p.Instrument).
			Str("side", string(p.Side)).
			Str("quantity", p.NetQuantity().String()).
			Msg("Position opened")
		m.publish(&events.PositionOpenedData{
			PortfolioID: m.portfolioID,
			PositionID:  p.ID,
			Instrument:  p.Instrument,
			Side:        string(p.Side),
			Quantity:    p.NetQuantity().String(),
			AvgPrice:    p.AvgPrice().String(),
		})
	default:
		m.open[p.Instrument] = p
	}
}

// Get returns a copy of the open position for an instrument
func (m *Manager) Get(instrument string) (*Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.open[instrument]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// GetByID returns a copy of a position, open or closed
func (m *Manager) GetByID(id string) (*Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.open {
		if p.ID == id {
			return p.Clone(), true
		}
	}
	for _, p := range m.closed {
		if p.ID == id {
			return p.Clone(), true
		}
	}
	return nil, false
}

// OpenPositions returns copies of all open positions sorted by instrument
func (m *Manager) OpenPositions() []*Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Position, 0, len(m.open))
	for _, p := range m.open {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// ClosedPositions returns copies of the closed history in close order
func (m *Manager) ClosedPositions() []*Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Position, 0, len(m.closed))
	for _, p := range m.closed {
		out = append(out, p.Clone())
	}
	return out
}

// OpenCount returns the number of open positions
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// TotalMarketValue sums current price × net quantity over open positions
func (m *Manager) TotalMarketValue() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalMarketValue()
}

func (m *Manager) totalMarketValue() decimal.Decimal {
	total := decimal.Zero
	for _, p := range m.open {
		total = total.Add(p.MarketValue())
	}
	return total
}

// TotalUnrealizedPnL sums unrealized P&L over open positions
func (m *Manager) TotalUnrealizedPnL() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := decimal.Zero
	for _, p := range m.open {
		total = total.Add(p.UnrealizedPnL())
	}
	return total
}

// TotalRealizedPnL sums realized P&L over open and closed positions
func (m *Manager) TotalRealizedPnL() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := decimal.Zero
	for _, p := range m.open {
		total = total.Add(p.RealizedPnL())
	}
	for _, p := range m.closed {
		total = total.Add(p.RealizedPnL())
	}
	return total
}

// Summarize computes the reporting aggregates in one pass
func (m *Manager) Summarize() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{
		OpenCount:          len(m.open),
		ClosedCount:        len(m.closed),
		TotalMarketValue:   decimal.Zero,
		TotalUnrealizedPnL: decimal.Zero,
		TotalRealizedPnL:   decimal.Zero,
		CountBySide:        make(map[domain.PositionSide]int),
	}

	for _, p := range m.open {
		s.TotalMarketValue = s.TotalMarketValue.Add(p.MarketValue())
		s.TotalUnrealizedPnL = s.TotalUnrealizedPnL.Add(p.UnrealizedPnL())
		s.TotalRealizedPnL = s.TotalRealizedPnL.Add(p.RealizedPnL())
		s.CountBySide[p.Side]++
	}
	for _, p := range m.closed {
		s.TotalRealizedPnL = s.TotalRealizedPnL.Add(p.RealizedPnL())
	}

	return s
}

// Concentration returns each open instrument's share of total market
// value as a percentage. Empty when nothing is open or marked.
func (m *Manager) Concentration() map[string]decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.totalMarketValue()
	out := make(map[string]decimal.Decimal, len(m.open))
	if !total.IsPositive() {
		return out
	}

	hundred := decimal.NewFromInt(100)
	for instrument, p := range m.open {
		out[instrument] = p.MarketValue().DivRound(total, domain.DecimalPlaces).Mul(hundred)
	}
	return out
}

// MarkToMarket refreshes current prices on open positions from the
// price map. Instruments without a price are left untouched and
// reported as warnings.
func (m *Manager) MarkToMarket(prices domain.PriceMap, t time.Time) []domain.Warning {
	m.mu.Lock()
	defer m.mu.Unlock()

	var warnings []domain.Warning
	for instrument, p := range m.open {
		price, ok := prices[instrument]
		if !ok {
			warnings = append(warnings, domain.Warning{
				Code:       domain.WarnMissingPrice,
				Instrument: instrument,
				Message:    "no price supplied for open position",
			})
			continue
		}
		p.MarkPrice(price, t)
	}

	sortWarnings(warnings)
	return warnings
}

// CloseAll liquidates every open position that has a price in the map
// and reports the ones skipped for lack of one. Closing here fixes the
// exit price and time; it does not record a transaction, so realized
// P&L stays at the matched-quantity amount.
func (m *Manager) CloseAll(prices domain.PriceMap, t time.Time) ([]*Position, []domain.Warning) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		closed   []*Position
		warnings []domain.Warning
	)

	for instrument, p := range m.open {
		price, ok := prices[instrument]
		if !ok {
			warnings = append(warnings, domain.Warning{
				Code:       domain.WarnSkippedLiquidation,
				Instrument: instrument,
				Message:    "no price supplied, position left open",
			})
			continue
		}

		p.MarkPrice(price, t)
		p.Close(price, t)
		delete(m.open, instrument)
		m.closed = append(m.closed, p)
		closed = append(closed, p.Clone())
	}

	sort.Slice(closed, func(i, j int) bool { return closed[i].Instrument < closed[j].Instrument })
	sortWarnings(warnings)

	if len(closed) > 0 || len(warnings) > 0 {
		skipped := make([]string, 0, len(warnings))
		for _, w := range warnings {
			skipped = append(skipped, w.Instrument)
		}
		m.log.Info().
			Int("closed", len(closed)).
			Strs("skipped", skipped).
			Msg("Liquidated open positions")
		m.publish(&events.PositionsLiquidatedData{
			PortfolioID: m.portfolioID,
			Closed:      len(closed),
			Skipped:     skipped,
		})
	}

	return closed, warnings
}

func (m *Manager) publish(data events.EventData) {
	if m.eventBus == nil {
		return
	}
	m.eventBus.PublishData("positions", data)
}

func sortWarnings(warnings []domain.Warning) {
	sort.Slice(warnings, func(i, j int) bool { return warnings[i].Instrument < warnings[j].Instrument })
}

// priceJumpRatio returns |new-old|/old, or nil when the previous price
// is not positive.
func priceJumpRatio(oldPrice, newPrice decimal.Decimal) *decimal.Decimal {
	if !oldPrice.IsPositive() {
		return nil
	}
	ratio := newPrice.Sub(oldPrice).Abs().DivRound(oldPrice, domain.DecimalPlaces)
	return &ratio
}
