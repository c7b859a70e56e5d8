package math

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Compounding is the cadence at which an annual rate compounds.
type Compounding int32

const (
	CompoundingContinuous Compounding = iota
	CompoundingSecondly
)

func (c Compounding) String() string {
	switch c {
	case CompoundingContinuous:
		return "continuous"
	case CompoundingSecondly:
		return "secondly"
	default:
		return "unknown"
	}
}

// ParseCompounding is the inverse of Compounding.String.
func ParseCompounding(s string) (Compounding, error) {
	switch s {
	case "continuous", "":
		return CompoundingContinuous, nil
	case "secondly":
		return CompoundingSecondly, nil
	default:
		return 0, fmt.Errorf("unknown compounding %q", s)
	}
}

// maxExponent bounds exp(x) below MaxValue (ln(1e38) ~ 87.5).
var (
	maxExponent = decimal.NewFromInt(87)
	half        = decimal.New(5, -1)
	two         = decimal.NewFromInt(2)
)

// Growth returns the closed-form growth factor of an annual rate over
// seconds elapsed, truncated to FactorPrecision. It costs O(1) for
// continuous compounding and O(log seconds) for secondly compounding,
// independent of how many periods have passed.
func Growth(c Compounding, annual decimal.Decimal, seconds int64) (decimal.Decimal, error) {
	if seconds <= 0 || annual.IsZero() {
		return One, nil
	}
	if annual.IsNegative() {
		return decimal.Zero, fmt.Errorf("growth: negative rate %s", annual)
	}

	var (
		g   decimal.Decimal
		err error
	)
	switch c {
	case CompoundingContinuous:
		x := annual.Mul(decimal.NewFromInt(seconds)).DivRound(secondsPerYear, workPrecision)
		g, err = Exp(x)
	case CompoundingSecondly:
		base := One.Add(annual.DivRound(secondsPerYear, workPrecision))
		g, err = PowInt(base, seconds)
	default:
		return decimal.Zero, fmt.Errorf("growth: unknown compounding %d", c)
	}
	if err != nil {
		return decimal.Zero, err
	}

	g = g.Truncate(FactorPrecision)
	if err := CheckBounds(g); err != nil {
		return decimal.Zero, err
	}
	return g, nil
}

// Exp computes e^x for 0 <= x <= 87 using argument halving and the Taylor
// series, then squaring back.
func Exp(x decimal.Decimal) (decimal.Decimal, error) {
	if x.IsNegative() {
		return decimal.Zero, fmt.Errorf("exp: negative argument %s", x)
	}
	if x.Cmp(maxExponent) > 0 {
		return decimal.Zero, fmt.Errorf("%w: exp(%s)", ErrOverflow, x)
	}

	k := 0
	for x.Cmp(half) > 0 {
		x = x.DivRound(two, workPrecision)
		k++
	}

	e, err := x.ExpTaylor(workPrecision)
	if err != nil {
		return decimal.Zero, fmt.Errorf("exp: %w", err)
	}

	for ; k > 0; k-- {
		e = e.Mul(e).Truncate(workPrecision)
		if err := CheckBounds(e); err != nil {
			return decimal.Zero, err
		}
	}
	return e, nil
}

// PowInt computes base^n for base >= 1 by repeated squaring, truncating each
// intermediate product.
func PowInt(base decimal.Decimal, n int64) (decimal.Decimal, error) {
	if n < 0 {
		return decimal.Zero, fmt.Errorf("pow: negative exponent %d", n)
	}
	result := One
	for n > 0 {
		if n&1 == 1 {
			result = result.Mul(base).Truncate(workPrecision)
			if err := CheckBounds(result); err != nil {
				return decimal.Zero, err
			}
		}
		n >>= 1
		if n > 0 {
			base = base.Mul(base).Truncate(workPrecision)
			// base >= 1, so an overflowing square implies an overflowing result
			if err := CheckBounds(base); err != nil {
				return decimal.Zero, err
			}
		}
	}
	return result, nil
}

func (c Compounding) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Compounding) UnmarshalText(b []byte) error {
	parsed, err := ParseCompounding(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
