package state

import (
	"fmt"
	"time"

	fpmath "LoanLedger/internal/math"

	"github.com/shopspring/decimal"
)

// MaxAnnualRate caps accepted annual rates (1000%).
var MaxAnnualRate = decimal.NewFromInt(10)

// InterestRate is an immutable annual rate with its compounding cadence.
// ReferenceDate anchors the bucket's factor; zero means "first registration".
type InterestRate struct {
	Annual        decimal.Decimal    `json:"annual"`
	Compounding   fpmath.Compounding `json:"compounding"`
	ReferenceDate time.Time          `json:"reference_date,omitempty"`
}

// NewRate builds a continuously compounded rate.
func NewRate(annual string) InterestRate {
	return InterestRate{Annual: decimal.RequireFromString(annual), Compounding: fpmath.CompoundingContinuous}
}

func (r InterestRate) Validate() error {
	if r.Annual.IsNegative() || r.Annual.GreaterThan(MaxAnnualRate) {
		return fmt.Errorf("%w: annual rate %s outside [0, %s]", ErrValidation, r.Annual, MaxAnnualRate)
	}
	switch r.Compounding {
	case fpmath.CompoundingContinuous, fpmath.CompoundingSecondly:
	default:
		return fmt.Errorf("%w: unknown compounding %d", ErrValidation, r.Compounding)
	}
	return nil
}

// Key identifies the rate bucket shared by every position with this rate.
func (r InterestRate) Key() string {
	key := r.Annual.String() + "/" + r.Compounding.String()
	if !r.ReferenceDate.IsZero() {
		key += fmt.Sprintf("/%d", r.ReferenceDate.Unix())
	}
	return key
}

// WithPenalty returns the effective rate base + penalty.
func (r InterestRate) WithPenalty(penalty decimal.Decimal) InterestRate {
	if penalty.IsZero() {
		return r
	}
	r.Annual = r.Annual.Add(penalty)
	return r
}

// Growth returns the growth factor of this rate over [from, to].
func (r InterestRate) Growth(from, to time.Time) (decimal.Decimal, error) {
	return fpmath.Growth(r.Compounding, r.Annual, to.Unix()-from.Unix())
}

func (r InterestRate) String() string {
	return fmt.Sprintf("%s%% %s", r.Annual.Shift(2), r.Compounding)
}
