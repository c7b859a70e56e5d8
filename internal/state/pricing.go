package state

import (
	"fmt"
	"time"

	fpmath "LoanLedger/internal/math"

	"github.com/shopspring/decimal"
)

type PricingKind int32

const (
	PricingInternal PricingKind = iota
	PricingExternal
)

func (k PricingKind) String() string {
	switch k {
	case PricingInternal:
		return "internal"
	case PricingExternal:
		return "external"
	default:
		return "unknown"
	}
}

type ValuationKind int32

const (
	ValuationOutstandingDebt ValuationKind = iota
	ValuationDiscountedCashFlow
)

func (k ValuationKind) String() string {
	switch k {
	case ValuationOutstandingDebt:
		return "outstanding_debt"
	case ValuationDiscountedCashFlow:
		return "discounted_cash_flow"
	default:
		return "unknown"
	}
}

// ValuationMethod selects how an internally priced loan is valued. The DCF
// parameters are ignored for ValuationOutstandingDebt.
type ValuationMethod struct {
	Kind                 ValuationKind   `json:"kind"`
	ProbabilityOfDefault decimal.Decimal `json:"probability_of_default"`
	LossGivenDefault     decimal.Decimal `json:"loss_given_default"`
	DiscountRate         InterestRate    `json:"discount_rate"`
}

func (v ValuationMethod) Validate() error {
	switch v.Kind {
	case ValuationOutstandingDebt:
		return nil
	case ValuationDiscountedCashFlow:
		if !fpmath.InUnitInterval(v.ProbabilityOfDefault) {
			return fmt.Errorf("%w: probability of default %s outside [0,1]", ErrValidation, v.ProbabilityOfDefault)
		}
		if !fpmath.InUnitInterval(v.LossGivenDefault) {
			return fmt.Errorf("%w: loss given default %s outside [0,1]", ErrValidation, v.LossGivenDefault)
		}
		if err := v.DiscountRate.Validate(); err != nil {
			return fmt.Errorf("discount rate: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown valuation method %d", ErrValidation, v.Kind)
	}
}

type MaxBorrowKind int32

const (
	// MaxBorrowUpToTotalBorrows caps cumulative borrowing.
	MaxBorrowUpToTotalBorrows MaxBorrowKind = iota
	// MaxBorrowUpToOutstandingDebt caps the live debt, so repayments free capacity.
	MaxBorrowUpToOutstandingDebt
)

func (k MaxBorrowKind) String() string {
	switch k {
	case MaxBorrowUpToTotalBorrows:
		return "up_to_total_borrows"
	case MaxBorrowUpToOutstandingDebt:
		return "up_to_outstanding_debt"
	default:
		return "unknown"
	}
}

type MaxBorrowAmount struct {
	Kind        MaxBorrowKind   `json:"kind"`
	AdvanceRate decimal.Decimal `json:"advance_rate"`
}

// InternalPricing values a loan from its own debt and collateral.
type InternalPricing struct {
	CollateralValue decimal.Decimal `json:"collateral_value"`
	ValuationMethod ValuationMethod `json:"valuation_method"`
	MaxBorrowAmount MaxBorrowAmount `json:"max_borrow_amount"`
}

// ExternalPricing values a loan by oracle price. Price quotes are a fraction
// of notional (par = 1).
type ExternalPricing struct {
	PriceID           string          `json:"price_id"`
	MaxBorrowQuantity decimal.Decimal `json:"max_borrow_quantity"`
	Notional          decimal.Decimal `json:"notional"`
}

// Pricing is a tagged variant: exactly one of Internal/External is set,
// matching Kind.
type Pricing struct {
	Kind     PricingKind      `json:"kind"`
	Internal *InternalPricing `json:"internal,omitempty"`
	External *ExternalPricing `json:"external,omitempty"`
}

func (p Pricing) Validate() error {
	switch p.Kind {
	case PricingInternal:
		in := p.Internal
		if in == nil || p.External != nil {
			return fmt.Errorf("%w: internal pricing requires only internal parameters", ErrValidation)
		}
		if !in.CollateralValue.IsPositive() {
			return fmt.Errorf("%w: collateral value must be positive", ErrValidation)
		}
		if !in.MaxBorrowAmount.AdvanceRate.IsPositive() || in.MaxBorrowAmount.AdvanceRate.GreaterThan(fpmath.One) {
			return fmt.Errorf("%w: advance rate %s outside (0,1]", ErrValidation, in.MaxBorrowAmount.AdvanceRate)
		}
		switch in.MaxBorrowAmount.Kind {
		case MaxBorrowUpToTotalBorrows, MaxBorrowUpToOutstandingDebt:
		default:
			return fmt.Errorf("%w: unknown max borrow kind %d", ErrValidation, in.MaxBorrowAmount.Kind)
		}
		return in.ValuationMethod.Validate()

	case PricingExternal:
		ex := p.External
		if ex == nil || p.Internal != nil {
			return fmt.Errorf("%w: external pricing requires only external parameters", ErrValidation)
		}
		if ex.PriceID == "" {
			return fmt.Errorf("%w: empty price id", ErrValidation)
		}
		if !ex.MaxBorrowQuantity.IsPositive() {
			return fmt.Errorf("%w: max borrow quantity must be positive", ErrValidation)
		}
		if !ex.Notional.IsPositive() {
			return fmt.Errorf("%w: notional must be positive", ErrValidation)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown pricing kind %d", ErrValidation, p.Kind)
	}
}

func (p Pricing) clone() Pricing {
	out := Pricing{Kind: p.Kind}
	if p.Internal != nil {
		in := *p.Internal
		out.Internal = &in
	}
	if p.External != nil {
		ex := *p.External
		out.External = &ex
	}
	return out
}

// PriceQuote is an oracle observation.
type PriceQuote struct {
	Price decimal.Decimal `json:"price"`
	AsOf  time.Time       `json:"as_of"`
}

// ValuationInput carries the collaborators' view needed to value a loan.
// Quote is nil when the oracle had no price (or the loan is internal).
type ValuationInput struct {
	At          time.Time
	Quote       *PriceQuote
	MaxPriceAge time.Duration
}

// PriceStale reports whether a quote taken at asOf has reached maxAge by at.
// A quote exactly maxAge old is stale. Valuation and the price-outdated
// trigger share this rule.
func PriceStale(asOf, at time.Time, maxAge time.Duration) bool {
	return !at.Before(asOf.Add(maxAge))
}

// freshPrice returns the quoted price, or ErrOracleUnavailable/ErrOracleStale.
func (in ValuationInput) freshPrice(priceID string) (decimal.Decimal, error) {
	if in.Quote == nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrOracleUnavailable, priceID)
	}
	if in.MaxPriceAge > 0 && PriceStale(in.Quote.AsOf, in.At, in.MaxPriceAge) {
		return decimal.Zero, fmt.Errorf("%w: %s quoted at %s", ErrOracleStale, priceID,
			in.Quote.AsOf.Format(time.RFC3339))
	}
	if in.Quote.Price.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative price for %s", ErrOracleUnavailable, priceID)
	}
	return in.Quote.Price, nil
}

// --- Dispatch ---

// MaxBorrowable is the single capacity gate checked by Borrow. For external
// loans the result is a quantity.
func (l *Loan) MaxBorrowable(ra *RateAccumulator, at time.Time) (decimal.Decimal, error) {
	switch l.Info.Pricing.Kind {
	case PricingInternal:
		return l.internalMaxBorrowable(ra, at)
	case PricingExternal:
		return l.externalMaxBorrowable(), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown pricing kind %d", ErrValidation, l.Info.Pricing.Kind)
	}
}

// CurrentValue is the present value of the loan after write-down. Created
// and closed loans are worth zero.
func (l *Loan) CurrentValue(ra *RateAccumulator, in ValuationInput) (decimal.Decimal, error) {
	if l.Status != LoanStatusActive {
		return decimal.Zero, nil
	}

	var (
		value decimal.Decimal
		err   error
	)
	switch l.Info.Pricing.Kind {
	case PricingInternal:
		value, err = l.internalValue(ra, in.At)
	case PricingExternal:
		value, err = l.externalValue(in)
	default:
		err = fmt.Errorf("%w: unknown pricing kind %d", ErrValidation, l.Info.Pricing.Kind)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return fpmath.ApplyWriteDown(value, l.WriteOff.Percentage), nil
}
