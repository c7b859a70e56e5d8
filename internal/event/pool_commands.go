package event

import "LoanLedger/internal/state"

// UpdatePortfolioValuation recomputes the pool's cached valuation.
type UpdatePortfolioValuation struct {
	Header
}

func (*UpdatePortfolioValuation) CommandType() CommandType {
	return CommandTypeUpdatePortfolioValuation
}

// UpdateWriteOffPolicy replaces the pool's rule set. The pool is created
// if it does not exist yet.
type UpdateWriteOffPolicy struct {
	Header
	Rules []state.WriteOffRule `json:"rules"`
}

func (*UpdateWriteOffPolicy) CommandType() CommandType { return CommandTypeUpdateWriteOffPolicy }
