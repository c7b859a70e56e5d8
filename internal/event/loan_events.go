package event

import (
	"time"

	"LoanLedger/internal/state"

	"github.com/shopspring/decimal"
)

type LoanCreated struct {
	LoanID   uint64         `json:"loan_id"`
	Borrower string         `json:"borrower"`
	Info     state.LoanInfo `json:"info"`
}

func (*LoanCreated) EventType() EventType { return EventTypeLoanCreated }

// LoanBorrowed reports a draw. Amount is a quantity for external loans;
// Principal is the debt added and Cash what was disbursed.
type LoanBorrowed struct {
	LoanID    uint64          `json:"loan_id"`
	Amount    decimal.Decimal `json:"amount"`
	Principal decimal.Decimal `json:"principal"`
	Cash      decimal.Decimal `json:"cash"`
	Debt      decimal.Decimal `json:"debt"`
	Activated bool            `json:"activated,omitempty"`
}

func (*LoanBorrowed) EventType() EventType { return EventTypeLoanBorrowed }

type LoanRepaid struct {
	LoanID uint64             `json:"loan_id"`
	Repaid state.RepaidAmount `json:"repaid"`
	Debt   decimal.Decimal    `json:"debt"`
}

func (*LoanRepaid) EventType() EventType { return EventTypeLoanRepaid }

type LoanWrittenOff struct {
	LoanID   uint64               `json:"loan_id"`
	Previous state.WriteOffStatus `json:"previous"`
	Status   state.WriteOffStatus `json:"status"`
	ByAdmin  bool                 `json:"by_admin,omitempty"`
}

func (*LoanWrittenOff) EventType() EventType { return EventTypeLoanWrittenOff }

type LoanClosed struct {
	LoanID        uint64             `json:"loan_id"`
	TotalBorrowed decimal.Decimal    `json:"total_borrowed"`
	TotalRepaid   state.RepaidAmount `json:"total_repaid"`
}

func (*LoanClosed) EventType() EventType { return EventTypeLoanClosed }

type LoanMutated struct {
	LoanID   uint64             `json:"loan_id"`
	Mutation state.LoanMutation `json:"mutation"`
}

func (*LoanMutated) EventType() EventType { return EventTypeLoanMutated }

type PortfolioValuationUpdated struct {
	Value       decimal.Decimal `json:"value"`
	LoanCount   int             `json:"loan_count"`
	LastUpdated time.Time       `json:"last_updated"`
}

func (*PortfolioValuationUpdated) EventType() EventType { return EventTypePortfolioValuationUpdated }

type WriteOffPolicyUpdated struct {
	Rules []state.WriteOffRule `json:"rules"`
}

func (*WriteOffPolicyUpdated) EventType() EventType { return EventTypeWriteOffPolicyUpdated }
