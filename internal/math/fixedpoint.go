package math

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Precision configuration for the decimal fixed-point types used across the
// engine. Every persisted quantity fits a NUMERIC(65,27) column.
const (
	// FactorPrecision is used for cumulative rate factors and normalized debt.
	FactorPrecision int32 = 27

	// BalancePrecision is used for currency amounts (debts, repayments, values).
	BalancePrecision int32 = 18

	// workPrecision is used for intermediate results inside growth functions.
	workPrecision int32 = 40

	// SecondsPerYear is the accrual year (365 days).
	SecondsPerYear int64 = 365 * 24 * 60 * 60
)

var (
	// MaxValue is the exclusive upper bound of any stored quantity.
	MaxValue = decimal.New(1, 38)

	// One is the multiplicative identity.
	One = decimal.NewFromInt(1)

	secondsPerYear = decimal.NewFromInt(SecondsPerYear)
)

// ErrOverflow is returned when a computation exceeds MaxValue. Callers must
// treat it as fatal for the operation; values are never clamped.
var ErrOverflow = errors.New("arithmetic overflow")

// RoundBalance rounds a currency amount to BalancePrecision (half-up).
func RoundBalance(v decimal.Decimal) decimal.Decimal {
	return v.Round(BalancePrecision)
}

// CheckBounds returns ErrOverflow when |v| >= MaxValue.
func CheckBounds(v decimal.Decimal) error {
	if v.Abs().Cmp(MaxValue) >= 0 {
		return fmt.Errorf("%w: %s exceeds representable range", ErrOverflow, v.String())
	}
	return nil
}

// MulBalance returns a*b rounded to BalancePrecision, failing on overflow.
func MulBalance(a, b decimal.Decimal) (decimal.Decimal, error) {
	r := a.Mul(b)
	if err := CheckBounds(r); err != nil {
		return decimal.Zero, err
	}
	return RoundBalance(r), nil
}

// Normalize converts a balance into units of factor: amount / factor,
// rounded half-up to FactorPrecision.
func Normalize(amount, factor decimal.Decimal) (decimal.Decimal, error) {
	if !factor.IsPositive() {
		return decimal.Zero, fmt.Errorf("normalize: non-positive factor %s", factor)
	}
	if err := CheckBounds(amount); err != nil {
		return decimal.Zero, err
	}
	return amount.DivRound(factor, FactorPrecision), nil
}

// Denormalize converts normalized units back into a balance:
// normalized * factor, rounded half-up to BalancePrecision.
func Denormalize(normalized, factor decimal.Decimal) (decimal.Decimal, error) {
	return MulBalance(normalized, factor)
}

// ApplyWriteDown returns value - percentage*value, rounded to BalancePrecision.
func ApplyWriteDown(value, percentage decimal.Decimal) decimal.Decimal {
	if percentage.IsZero() {
		return value
	}
	return RoundBalance(value.Sub(value.Mul(percentage)))
}

// SaturatingSub returns a-b, floored at zero.
func SaturatingSub(a, b decimal.Decimal) decimal.Decimal {
	if a.Cmp(b) <= 0 {
		return decimal.Zero
	}
	return a.Sub(b)
}

// MinDecimal returns the smaller of a and b.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// InUnitInterval reports whether 0 <= v <= 1.
func InUnitInterval(v decimal.Decimal) bool {
	return !v.IsNegative() && v.Cmp(One) <= 0
}
