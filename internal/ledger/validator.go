package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateGlobalBalance verifies every pool is zero-sum.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	for poolID, total := range v.tracker.ComputePoolBalances() {
		if !total.IsZero() {
			return fmt.Errorf("global balance for pool %s is non-zero: %s", poolID, total)
		}
	}
	return nil
}

// ValidateIncome checks that a pool's income accounts carry credit
// balances. Income only ever grows from repayments.
func (v *InvariantValidator) ValidateIncome(poolID uuid.UUID) error {
	for _, sub := range []AccountSubType{SubTypeInterestIncome, SubTypeUnscheduledIncome} {
		key := NewPoolAccountKey(poolID, sub)
		if balance := v.tracker.GetBalance(key); balance.IsPositive() {
			return fmt.Errorf("pool %s account %s has debit balance: %s", poolID, key.AccountPath(), balance)
		}
	}
	return nil
}
