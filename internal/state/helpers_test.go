package state_test

import (
	"testing"
	"time"

	fpmath "LoanLedger/internal/math"
	"LoanLedger/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0     = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	year   = time.Duration(fpmath.SecondsPerYear) * time.Second
	day    = 24 * time.Hour
	poolID = uuid.MustParse("4b1a7d8e-2f57-4c1e-9b39-5d0c6f1a2e10")
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func near(t *testing.T, want string, got decimal.Decimal, tol string) {
	t.Helper()
	diff := dec(want).Sub(got).Abs()
	assert.True(t, diff.LessThanOrEqual(dec(tol)), "got %s, want %s ± %s", got, want, tol)
}

func internalInfo(advanceRate, collateral string, maturity time.Time) state.LoanInfo {
	return state.LoanInfo{
		Schedule: state.RepaymentSchedule{
			Maturity: state.Maturity{Date: maturity},
		},
		Collateral:   state.Asset{CollectionID: "nft-collection", ItemID: "1"},
		InterestRate: state.NewRate("0.05"),
		Pricing: state.Pricing{
			Kind: state.PricingInternal,
			Internal: &state.InternalPricing{
				CollateralValue: dec(collateral),
				ValuationMethod: state.ValuationMethod{Kind: state.ValuationOutstandingDebt},
				MaxBorrowAmount: state.MaxBorrowAmount{
					Kind:        state.MaxBorrowUpToTotalBorrows,
					AdvanceRate: dec(advanceRate),
				},
			},
		},
	}
}

func externalInfo(priceID, maxQuantity, notional string, maturity time.Time) state.LoanInfo {
	return state.LoanInfo{
		Schedule: state.RepaymentSchedule{
			Maturity: state.Maturity{Date: maturity},
		},
		Collateral:   state.Asset{CollectionID: "bonds", ItemID: priceID},
		InterestRate: state.NewRate("0.05"),
		Pricing: state.Pricing{
			Kind: state.PricingExternal,
			External: &state.ExternalPricing{
				PriceID:           priceID,
				MaxBorrowQuantity: dec(maxQuantity),
				Notional:          dec(notional),
			},
		},
	}
}

func newLoan(t *testing.T, info state.LoanInfo) *state.Loan {
	t.Helper()
	loan, err := state.NewLoan(poolID, 1, info, "borrower-1", t0)
	require.NoError(t, err)
	return loan
}
