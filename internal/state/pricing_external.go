package state

import (
	fpmath "LoanLedger/internal/math"

	"github.com/shopspring/decimal"
)

func (l *Loan) externalMaxBorrowable() decimal.Decimal {
	return fpmath.SaturatingSub(l.Info.Pricing.External.MaxBorrowQuantity, l.OutstandingQuantity)
}

// externalValue is price * outstanding_quantity * notional.
func (l *Loan) externalValue(in ValuationInput) (decimal.Decimal, error) {
	ex := l.Info.Pricing.External
	price, err := in.freshPrice(ex.PriceID)
	if err != nil {
		return decimal.Zero, err
	}
	return fpmath.MulBalance(price, l.OutstandingQuantity.Mul(ex.Notional))
}

// quantityFor converts a principal amount at par into a quantity.
func (l *Loan) quantityFor(principal decimal.Decimal) decimal.Decimal {
	return principal.DivRound(l.Info.Pricing.External.Notional, fpmath.FactorPrecision)
}
