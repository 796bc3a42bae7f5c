package transactions

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atlasalgo/portfolio-engine/internal/config"
	"github.com/atlasalgo/portfolio-engine/internal/domain"
	"github.com/atlasalgo/portfolio-engine/internal/events"
)

// Store persists executed transactions. The manager treats persistence
// as best-effort: a failed write is logged, never unwound.
type Store interface {
	SaveTransaction(tx domain.Transaction) error
}

// Manager processes transactions for one portfolio. It is the only
// component allowed to change the portfolio's cash balance; every
// change goes through the validate, funds-check, execute pipeline and
// lands in the append-only history.
//
// Processing is all-or-nothing: a transaction that fails any stage
// leaves cash and history untouched and surfaces a typed error.
// Exported operations take the manager mutex; unexported helpers
// assume the caller holds it.
type Manager struct {
	mu sync.Mutex

	portfolioID string
	cash        decimal.Decimal
	initialCash decimal.Decimal
	validator   validator

	history   []domain.Transaction
	contexts  map[string]*TransactionContext
	submitted map[string]domain.Transaction

	store    Store
	eventBus *events.Bus
	log      zerolog.Logger
}

// NewManager creates a transaction manager holding the portfolio's
// starting cash. store and eventBus may be nil.
func NewManager(portfolioID string, initialCash decimal.Decimal, limits config.TransactionLimits, store Store, eventBus *events.Bus, log zerolog.Logger) *Manager {
	return &Manager{
		portfolioID: portfolioID,
		cash:        initialCash,
		initialCash: initialCash,
		validator:   validator{limits: limits},
		contexts:    make(map[string]*TransactionContext),
		submitted:   make(map[string]domain.Transaction),
		store:       store,
		eventBus:    eventBus,
		log:         log.With().Str("service", "transactions").Str("portfolio_id", portfolioID).Logger(),
	}
}

// Process runs a transaction through the full pipeline: structural and
// limit validation, the funds check for buys, the atomic cash effect
// and the audit append.
func (m *Manager) Process(tx domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.execute(tx)
}

// Submit registers a transaction for later processing and returns its
// id. The transaction sits in a PENDING context until ProcessSubmitted
// executes it or Cancel withdraws it.
func (m *Manager) Submit(tx domain.Transaction) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.contexts[tx.ID] = newContext(tx.ID, time.Now())
	m.submitted[tx.ID] = tx

	m.log.Debug().
		Str("transaction_id", tx.ID).
		Str("instrument", tx.Instrument).
		Msg("Transaction submitted")

	return tx.ID
}

// ProcessSubmitted executes a previously submitted transaction
func (m *Manager) ProcessSubmitted(transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.submitted[transactionID]
	if !ok {
		return &domain.NotFoundError{Kind: "transaction", ID: transactionID}
	}
	delete(m.submitted, transactionID)

	if ctx, ok := m.contexts[transactionID]; ok {
		ctx.RetryCount++
	}

	return m.execute(tx)
}

// Cancel withdraws a submitted transaction. Only PENDING contexts can
// be cancelled; anything already past validation is on its way to a
// terminal state and reports false.
func (m *Manager) Cancel(transactionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, ok := m.contexts[transactionID]
	if !ok || ctx.State != domain.StatusPending {
		return false
	}

	ctx.transition(domain.StatusCancelled, time.Now())
	delete(m.contexts, transactionID)
	delete(m.submitted, transactionID)

	m.log.Info().
		Str("transaction_id", transactionID).
		Msg("Transaction cancelled")

	return true
}

// execute runs the pipeline. Caller must hold the lock.
func (m *Manager) execute(tx domain.Transaction) error {
	now := time.Now()

	ctx, ok := m.contexts[tx.ID]
	if !ok {
		ctx = newContext(tx.ID, now)
		m.contexts[tx.ID] = ctx
	}
	// terminal either way; contexts only track in-flight transactions
	defer delete(m.contexts, tx.ID)

	if err := m.validator.validate(&tx); err != nil {
		return m.reject(ctx, tx, err)
	}
	ctx.transition(domain.StatusValidated, now)

	if tx.Side.IsBuy() {
		required := tx.TotalCost()
		if m.cash.LessThan(required) {
			return m.reject(ctx, tx, &domain.InsufficientFundsError{
				Required:  required,
				Available: m.cash,
			})
		}
		m.cash = m.cash.Sub(required)
	} else {
		m.cash = m.cash.Add(tx.TotalCost())
	}
	m.history = append(m.history, tx)
	ctx.transition(domain.StatusExecuted, now)

	if m.store != nil {
		if err := m.store.SaveTransaction(tx); err != nil {
			m.log.Warn().
				Err(err).
				Str("transaction_id", tx.ID).
				Msg("Transaction executed but failed to persist")
		}
	}

	m.log.Info().
		Str("transaction_id", tx.ID).
		Str("side", string(tx.Side)).
		Str("instrument", tx.Instrument).
		Str("quantity", tx.Quantity.String()).
		Str("price", tx.Price.String()).
		Str("cash", m.cash.String()).
		Msg("Transaction executed")

	m.publish(&events.TransactionExecutedData{
		PortfolioID:   m.portfolioID,
		TransactionID: tx.ID,
		Instrument:    tx.Instrument,
		Side:          string(tx.Side),
		Quantity:      tx.Quantity.String(),
		Price:         tx.Price.String(),
		CashAfter:     m.cash.String(),
	})

	return nil
}

// reject marks the context FAILED and surfaces the typed error with no
// state change. Caller must hold the lock.
func (m *Manager) reject(ctx *TransactionContext, tx domain.Transaction, err error) error {
	ctx.fail(err.Error(), time.Now())

	m.log.Warn().
		Str("transaction_id", tx.ID).
		Str("instrument", tx.Instrument).
		Str("reason", err.Error()).
		Msg("Transaction rejected")

	m.publish(&events.TransactionFailedData{
		PortfolioID:   m.portfolioID,
		TransactionID: tx.ID,
		Instrument:    tx.Instrument,
		Reason:        err.Error(),
	})

	return fmt.Errorf("process transaction %s: %w", tx.ID, err)
}

// Cash returns the current cash balance
func (m *Manager) Cash() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cash
}

// InitialCash returns the starting cash balance
func (m *Manager) InitialCash() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialCash
}

// History returns executed transactions oldest first, newest last.
// A positive limit returns only the newest entries.
func (m *Manager) History(limit int) []domain.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := 0
	if limit > 0 && len(m.history) > limit {
		start = len(m.history) - limit
	}

	out := make([]domain.Transaction, len(m.history)-start)
	copy(out, m.history[start:])
	return out
}

// Count returns the number of executed transactions
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

// PendingCount returns the number of submitted, unprocessed transactions
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.submitted)
}

// Context reports the in-flight processing state for a transaction
func (m *Manager) Context(transactionID string) (TransactionContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, ok := m.contexts[transactionID]
	if !ok {
		return TransactionContext{}, false
	}
	return *ctx, true
}

func (m *Manager) publish(data events.EventData) {
	if m.eventBus == nil {
		return
	}
	m.eventBus.PublishData("transactions", data)
}
