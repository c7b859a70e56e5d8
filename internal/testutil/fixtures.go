package testutil

import (
	"time"

	"LoanLedger/internal/state"

	"github.com/shopspring/decimal"
)

// InternalLoanInfo is a 5% continuously compounded loan valued at
// outstanding debt, borrowable up to advanceRate * collateral.
func InternalLoanInfo(advanceRate, collateral string, maturity time.Time) state.LoanInfo {
	return state.LoanInfo{
		Schedule:     state.RepaymentSchedule{Maturity: state.Maturity{Date: maturity}},
		Collateral:   state.Asset{CollectionID: "invoices", ItemID: "inv-1"},
		InterestRate: state.NewRate("0.05"),
		Pricing: state.Pricing{
			Kind: state.PricingInternal,
			Internal: &state.InternalPricing{
				CollateralValue: decimal.RequireFromString(collateral),
				ValuationMethod: state.ValuationMethod{Kind: state.ValuationOutstandingDebt},
				MaxBorrowAmount: state.MaxBorrowAmount{
					Kind:        state.MaxBorrowUpToTotalBorrows,
					AdvanceRate: decimal.RequireFromString(advanceRate),
				},
			},
		},
	}
}

// ExternalLoanInfo is an oracle-priced loan of up to 100 units with a
// notional of 100 per unit.
func ExternalLoanInfo(priceID string, maturity time.Time) state.LoanInfo {
	return state.LoanInfo{
		Schedule:     state.RepaymentSchedule{Maturity: state.Maturity{Date: maturity}},
		Collateral:   state.Asset{CollectionID: "bonds", ItemID: priceID},
		InterestRate: state.NewRate("0.05"),
		Pricing: state.Pricing{
			Kind: state.PricingExternal,
			External: &state.ExternalPricing{
				PriceID:           priceID,
				MaxBorrowQuantity: decimal.NewFromInt(100),
				Notional:          decimal.NewFromInt(100),
			},
		},
	}
}
