package state

import (
	"fmt"
	"time"

	fpmath "LoanLedger/internal/math"

	"github.com/shopspring/decimal"
)

// Maturity is a fixed due date plus the remaining extension allowance the
// borrower may still consume.
type Maturity struct {
	Date          time.Time `json:"date"`
	ExtensionSecs int64     `json:"extension_secs"`
}

type InterestPayments int32

const (
	InterestPaymentsNone InterestPayments = iota
	InterestPaymentsMonthly
	InterestPaymentsSemiAnnually
	InterestPaymentsAnnually
)

func (ip InterestPayments) String() string {
	switch ip {
	case InterestPaymentsNone:
		return "none"
	case InterestPaymentsMonthly:
		return "monthly"
	case InterestPaymentsSemiAnnually:
		return "semi_annually"
	case InterestPaymentsAnnually:
		return "annually"
	default:
		return "unknown"
	}
}

// months between two interest payment dates (0 = none).
func (ip InterestPayments) months() int {
	switch ip {
	case InterestPaymentsMonthly:
		return 1
	case InterestPaymentsSemiAnnually:
		return 6
	case InterestPaymentsAnnually:
		return 12
	default:
		return 0
	}
}

type PayDownSchedule int32

const (
	// PayDownBullet repays all principal at maturity.
	PayDownBullet PayDownSchedule = iota
	// PayDownLinear amortizes principal evenly between origination and maturity.
	PayDownLinear
)

func (pd PayDownSchedule) String() string {
	switch pd {
	case PayDownBullet:
		return "bullet"
	case PayDownLinear:
		return "linear"
	default:
		return "unknown"
	}
}

// RepaymentSchedule describes when principal and interest fall due.
type RepaymentSchedule struct {
	Maturity         Maturity         `json:"maturity"`
	InterestPayments InterestPayments `json:"interest_payments"`
	PayDown          PayDownSchedule  `json:"pay_down"`
}

// Validate checks the schedule for a loan created at at.
func (s RepaymentSchedule) Validate(at time.Time) error {
	if !s.Maturity.Date.After(at) {
		return fmt.Errorf("%w: maturity %s is not after %s", ErrValidation,
			s.Maturity.Date.Format(time.RFC3339), at.Format(time.RFC3339))
	}
	if s.Maturity.ExtensionSecs < 0 {
		return fmt.Errorf("%w: negative maturity extension", ErrValidation)
	}
	if s.InterestPayments < InterestPaymentsNone || s.InterestPayments > InterestPaymentsAnnually {
		return fmt.Errorf("%w: unknown interest payment cadence %d", ErrValidation, s.InterestPayments)
	}
	if s.PayDown != PayDownBullet && s.PayDown != PayDownLinear {
		return fmt.Errorf("%w: unknown pay-down schedule %d", ErrValidation, s.PayDown)
	}
	return nil
}

// IsMatured reports whether at is at or past the maturity date.
func (s RepaymentSchedule) IsMatured(at time.Time) bool {
	return !at.Before(s.Maturity.Date)
}

// Extend pushes maturity out by secs, consuming the extension allowance.
func (s *RepaymentSchedule) Extend(secs int64) error {
	if secs <= 0 {
		return fmt.Errorf("%w: extension must be positive", ErrValidation)
	}
	if secs > s.Maturity.ExtensionSecs {
		return fmt.Errorf("%w: extension %ds exceeds remaining allowance %ds",
			ErrRestrictedAction, secs, s.Maturity.ExtensionSecs)
	}
	s.Maturity.Date = s.Maturity.Date.Add(time.Duration(secs) * time.Second)
	s.Maturity.ExtensionSecs -= secs
	return nil
}

// PrincipalDue returns the principal the schedule expects to have been paid
// by at that has not been paid yet.
func (s RepaymentSchedule) PrincipalDue(origination, at time.Time, borrowed, principalRepaid decimal.Decimal) decimal.Decimal {
	outstanding := fpmath.SaturatingSub(borrowed, principalRepaid)
	if outstanding.IsZero() {
		return decimal.Zero
	}
	if s.IsMatured(at) {
		return outstanding
	}

	switch s.PayDown {
	case PayDownLinear:
		term := s.Maturity.Date.Unix() - origination.Unix()
		elapsed := at.Unix() - origination.Unix()
		if term <= 0 || elapsed <= 0 {
			return decimal.Zero
		}
		expected := borrowed.Mul(decimal.NewFromInt(elapsed)).DivRound(decimal.NewFromInt(term), fpmath.BalancePrecision)
		return fpmath.MinDecimal(fpmath.SaturatingSub(expected, principalRepaid), outstanding)
	default:
		return decimal.Zero
	}
}

// PaymentDates lists the scheduled payment dates strictly after from. The
// last element is always the maturity date when it lies after from.
func (s RepaymentSchedule) PaymentDates(origination, from time.Time) []time.Time {
	var dates []time.Time
	if step := s.InterestPayments.months(); step > 0 {
		for k := 1; ; k++ {
			d := origination.AddDate(0, k*step, 0)
			if !d.Before(s.Maturity.Date) {
				break
			}
			if d.After(from) {
				dates = append(dates, d)
			}
		}
	}
	if s.Maturity.Date.After(from) {
		dates = append(dates, s.Maturity.Date)
	}
	return dates
}

// Cashflow is one projected payment.
type Cashflow struct {
	When      time.Time       `json:"when"`
	Principal decimal.Decimal `json:"principal"`
	Interest  decimal.Decimal `json:"interest"`
}

// Amount is principal plus interest.
func (c Cashflow) Amount() decimal.Decimal {
	return c.Principal.Add(c.Interest)
}

// ExpectedCashflows projects the remaining payments of a loan carrying debt
// (of which principal is principal) at rate from at until maturity. Interest
// accrued at each payment date is paid on that date; principal follows the
// pay-down schedule.
func (s RepaymentSchedule) ExpectedCashflows(rate InterestRate, origination, at time.Time, principal, debt decimal.Decimal) ([]Cashflow, error) {
	dates := s.PaymentDates(origination, at)
	if len(dates) == 0 || debt.IsZero() {
		return nil, nil
	}
	if principal.GreaterThan(debt) {
		principal = debt
	}

	flows := make([]Cashflow, 0, len(dates))
	balance := debt
	remaining := principal
	prev := at

	for i, d := range dates {
		g, err := rate.Growth(prev, d)
		if err != nil {
			return nil, err
		}
		grown, err := fpmath.MulBalance(balance, g)
		if err != nil {
			return nil, err
		}
		interest := fpmath.SaturatingSub(grown, remaining)

		paid := decimal.Zero
		last := i == len(dates)-1
		switch {
		case last:
			paid = remaining
		case s.PayDown == PayDownLinear:
			paid = remaining.DivRound(decimal.NewFromInt(int64(len(dates)-i)), fpmath.BalancePrecision)
		}

		flows = append(flows, Cashflow{When: d, Principal: paid, Interest: interest})
		remaining = remaining.Sub(paid)
		balance = remaining
		prev = d
	}
	return flows, nil
}
