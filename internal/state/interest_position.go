package state

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// InterestPosition is the debt of one active loan, stored in normalized units
// of the bucket for BaseRate + Penalty.
type InterestPosition struct {
	RateID         RateID          `json:"rate_id"`
	BaseRate       InterestRate    `json:"base_rate"`
	Penalty        decimal.Decimal `json:"penalty"`
	NormalizedDebt decimal.Decimal `json:"normalized_debt"`
}

// ActivatePosition registers a debt-free position at base.
func ActivatePosition(ra *RateAccumulator, base InterestRate, at time.Time) (InterestPosition, error) {
	id, err := ra.Reference(base, at)
	if err != nil {
		return InterestPosition{}, err
	}
	return InterestPosition{
		RateID:         id,
		BaseRate:       base,
		Penalty:        decimal.Zero,
		NormalizedDebt: decimal.Zero,
	}, nil
}

// EffectiveRate is the rate the position accrues at.
func (p *InterestPosition) EffectiveRate() InterestRate {
	return p.BaseRate.WithPenalty(p.Penalty)
}

// HasDebt reports whether any normalized debt remains.
func (p *InterestPosition) HasDebt() bool {
	return !p.NormalizedDebt.IsZero()
}

// CurrentDebt denormalizes the position as of at.
func (p *InterestPosition) CurrentDebt(ra *RateAccumulator, at time.Time) (decimal.Decimal, error) {
	if !p.HasDebt() {
		return decimal.Zero, nil
	}
	return ra.Denormalize(p.RateID, p.NormalizedDebt, at)
}

// Increase adds amount to the debt.
func (p *InterestPosition) Increase(ra *RateAccumulator, amount decimal.Decimal, at time.Time) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: negative increase %s", ErrValidation, amount)
	}
	debt, err := p.CurrentDebt(ra, at)
	if err != nil {
		return err
	}
	return p.setDebt(ra, debt.Add(amount), at)
}

// Decrease removes amount from the debt. Removing exactly the current debt
// leaves zero normalized debt.
func (p *InterestPosition) Decrease(ra *RateAccumulator, amount decimal.Decimal, at time.Time) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: negative decrease %s", ErrValidation, amount)
	}
	debt, err := p.CurrentDebt(ra, at)
	if err != nil {
		return err
	}
	if amount.GreaterThan(debt) {
		return fmt.Errorf("%w: decrease %s > debt %s", ErrOverRepayment, amount, debt)
	}
	return p.setDebt(ra, debt.Sub(amount), at)
}

// setDebt re-derives the normalized debt from a target balance so that
// NormalizedDebt == normalize(target) holds exactly after every adjustment.
func (p *InterestPosition) setDebt(ra *RateAccumulator, target decimal.Decimal, at time.Time) error {
	next := decimal.Zero
	if !target.IsZero() {
		var err error
		next, err = ra.Normalize(p.RateID, target, at)
		if err != nil {
			return err
		}
	}
	if err := ra.AdjustTotal(p.RateID, next.Sub(p.NormalizedDebt)); err != nil {
		return err
	}
	p.NormalizedDebt = next
	return nil
}

// SetPenalty moves the debt into the bucket for BaseRate + penalty.
func (p *InterestPosition) SetPenalty(ra *RateAccumulator, penalty decimal.Decimal, at time.Time) error {
	if penalty.IsNegative() {
		return fmt.Errorf("%w: negative penalty %s", ErrValidation, penalty)
	}
	if err := p.rebucket(ra, p.BaseRate.WithPenalty(penalty), at); err != nil {
		return err
	}
	p.Penalty = penalty
	return nil
}

// SetBaseRate moves the debt into the bucket for rate + Penalty.
func (p *InterestPosition) SetBaseRate(ra *RateAccumulator, rate InterestRate, at time.Time) error {
	if err := rate.Validate(); err != nil {
		return err
	}
	if err := p.rebucket(ra, rate.WithPenalty(p.Penalty), at); err != nil {
		return err
	}
	p.BaseRate = rate
	return nil
}

func (p *InterestPosition) rebucket(ra *RateAccumulator, effective InterestRate, at time.Time) error {
	if err := effective.Validate(); err != nil {
		return err
	}
	if cur, ok := ra.Bucket(p.RateID); ok && cur.Rate.Key() == effective.Key() {
		return nil
	}

	debt, err := p.CurrentDebt(ra, at)
	if err != nil {
		return err
	}

	newID, err := ra.Reference(effective, at)
	if err != nil {
		return err
	}
	if err := ra.AdjustTotal(p.RateID, p.NormalizedDebt.Neg()); err != nil {
		return err
	}
	if err := ra.Unreference(p.RateID); err != nil {
		return err
	}

	p.RateID = newID
	p.NormalizedDebt = decimal.Zero
	return p.setDebt(ra, debt, at)
}

// Deactivate releases the bucket reference. The position must be debt-free.
func (p *InterestPosition) Deactivate(ra *RateAccumulator) error {
	if p.HasDebt() {
		return fmt.Errorf("%w: position still carries normalized debt %s", ErrInvalidStateTransition, p.NormalizedDebt)
	}
	return ra.Unreference(p.RateID)
}
