package transactions

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atlasalgo/portfolio-engine/internal/config"
	"github.com/atlasalgo/portfolio-engine/internal/domain"
)

// validator applies the portfolio's transaction limits on top of the
// structural field checks a Transaction carries itself.
type validator struct {
	limits config.TransactionLimits
}

// validate runs structural checks then the value and commission-rate
// limits. Returns a *domain.ValidationError describing the first
// violation.
func (v validator) validate(tx *domain.Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}

	cost := tx.Cost()
	if cost.LessThan(v.limits.MinAmount) {
		return &domain.ValidationError{
			Field:  "cost",
			Reason: fmt.Sprintf("transaction value %s below minimum %s", cost, v.limits.MinAmount),
		}
	}
	if cost.GreaterThan(v.limits.MaxAmount) {
		return &domain.ValidationError{
			Field:  "cost",
			Reason: fmt.Sprintf("transaction value %s above maximum %s", cost, v.limits.MaxAmount),
		}
	}

	if tx.Commission.IsPositive() {
		maxCommission := cost.Mul(v.limits.MaxCommissionRate)
		if tx.Commission.GreaterThan(maxCommission) {
			return &domain.ValidationError{
				Field: "commission",
				Reason: fmt.Sprintf("commission %s exceeds %s%% of transaction value",
					tx.Commission, v.limits.MaxCommissionRate.Mul(decimal.NewFromInt(100))),
			}
		}
	}

	return nil
}
