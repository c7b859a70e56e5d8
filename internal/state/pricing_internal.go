package state

import (
	"time"

	fpmath "LoanLedger/internal/math"

	"github.com/shopspring/decimal"
)

func (l *Loan) internalMaxBorrowable(ra *RateAccumulator, at time.Time) (decimal.Decimal, error) {
	in := l.Info.Pricing.Internal
	limit := fpmath.RoundBalance(in.MaxBorrowAmount.AdvanceRate.Mul(in.CollateralValue))

	switch in.MaxBorrowAmount.Kind {
	case MaxBorrowUpToOutstandingDebt:
		debt, err := l.CurrentDebt(ra, at)
		if err != nil {
			return decimal.Zero, err
		}
		return fpmath.SaturatingSub(limit, debt), nil
	default:
		return fpmath.SaturatingSub(limit, l.TotalBorrowed), nil
	}
}

func (l *Loan) internalValue(ra *RateAccumulator, at time.Time) (decimal.Decimal, error) {
	debt, err := l.CurrentDebt(ra, at)
	if err != nil {
		return decimal.Zero, err
	}

	method := l.Info.Pricing.Internal.ValuationMethod
	if method.Kind != ValuationDiscountedCashFlow {
		return debt, nil
	}
	return l.discountedCashFlow(method, debt, at)
}

// discountedCashFlow projects the remaining scheduled payments, weights each
// by the expected recovery 1 - PD*LGD and discounts it to at. An overdue loan
// is worth its current debt.
func (l *Loan) discountedCashFlow(method ValuationMethod, debt decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	if debt.IsZero() {
		return decimal.Zero, nil
	}
	if l.Info.Schedule.IsMatured(at) {
		return debt, nil
	}

	flows, err := l.Info.Schedule.ExpectedCashflows(
		l.Position.EffectiveRate(), l.OriginationDate, at, l.OutstandingPrincipal(), debt)
	if err != nil {
		return decimal.Zero, err
	}

	recovery := fpmath.One.Sub(method.ProbabilityOfDefault.Mul(method.LossGivenDefault))
	pv := decimal.Zero
	for _, f := range flows {
		discount, err := method.DiscountRate.Growth(at, f.When)
		if err != nil {
			return decimal.Zero, err
		}
		pv = pv.Add(f.Amount().Mul(recovery).DivRound(discount, fpmath.FactorPrecision))
	}
	if err := fpmath.CheckBounds(pv); err != nil {
		return decimal.Zero, err
	}
	return fpmath.RoundBalance(pv), nil
}
