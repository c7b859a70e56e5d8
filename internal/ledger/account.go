package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Pool-level accounts
	SubTypeReserve AccountSubType = iota
	SubTypeInterestIncome
	SubTypeUnscheduledIncome

	// Loan-level accounts
	SubTypeLoanPrincipal
)

func (s AccountSubType) String() string {
	switch s {
	case SubTypeReserve:
		return "reserve"
	case SubTypeInterestIncome:
		return "interest_income"
	case SubTypeUnscheduledIncome:
		return "unscheduled_income"
	case SubTypeLoanPrincipal:
		return "principal"
	default:
		return "unknown"
	}
}

// AccountKey is the in-memory key for balance tracking. LoanID is zero for
// pool-level accounts.
type AccountKey struct {
	PoolID  uuid.UUID
	LoanID  uint64
	SubType AccountSubType
}

func NewPoolAccountKey(poolID uuid.UUID, subType AccountSubType) AccountKey {
	return AccountKey{PoolID: poolID, SubType: subType}
}

func NewLoanAccountKey(poolID uuid.UUID, loanID uint64) AccountKey {
	return AccountKey{PoolID: poolID, LoanID: loanID, SubType: SubTypeLoanPrincipal}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	if k.LoanID != 0 {
		return fmt.Sprintf("loan:%d:%s", k.LoanID, k.SubType)
	}
	return fmt.Sprintf("pool:%s", k.SubType)
}
