// Package transactions owns the cash ledger of a single portfolio: it
// validates incoming fills, enforces the funds invariant, applies the
// cash effect and keeps the append-only audit history.
package transactions

import (
	"time"

	"github.com/atlasalgo/portfolio-engine/internal/domain"
)

// TransactionContext tracks one transaction through the processing
// state machine. Contexts live in the manager only while in flight;
// terminal transitions remove them.
type TransactionContext struct {
	TransactionID string                   `json:"transaction_id"`
	State         domain.TransactionStatus `json:"state"`
	CreatedAt     time.Time                `json:"created_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
	ErrorMessage  string                   `json:"error_message,omitempty"`
	RetryCount    int                      `json:"retry_count"`
}

func newContext(transactionID string, now time.Time) *TransactionContext {
	return &TransactionContext{
		TransactionID: transactionID,
		State:         domain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// transition moves the context to the next state if the state machine
// allows it.
func (c *TransactionContext) transition(next domain.TransactionStatus, now time.Time) bool {
	if !c.State.CanTransitionTo(next) {
		return false
	}
	c.State = next
	c.UpdatedAt = now
	return true
}

// fail marks the context FAILED and records the reason
func (c *TransactionContext) fail(reason string, now time.Time) {
	c.transition(domain.StatusFailed, now)
	c.ErrorMessage = reason
}
