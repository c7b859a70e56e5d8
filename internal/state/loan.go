package state

import (
	"fmt"
	"time"

	fpmath "LoanLedger/internal/math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanStatus tracks the lifecycle of a loan.
type LoanStatus int32

const (
	LoanStatusCreated LoanStatus = iota
	LoanStatusActive
	LoanStatusClosed
)

func (s LoanStatus) String() string {
	switch s {
	case LoanStatusCreated:
		return "Created"
	case LoanStatusActive:
		return "Active"
	case LoanStatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

func (s LoanStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *LoanStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Created":
		*s = LoanStatusCreated
	case "Active":
		*s = LoanStatusActive
	case "Closed":
		*s = LoanStatusClosed
	default:
		return fmt.Errorf("unknown loan status %q", string(b))
	}
	return nil
}

// CanTransitionTo validates lifecycle transitions. A created loan that was
// never borrowed may be closed directly.
func (s LoanStatus) CanTransitionTo(next LoanStatus) bool {
	validTransitions := map[LoanStatus][]LoanStatus{
		LoanStatusCreated: {LoanStatusActive, LoanStatusClosed},
		LoanStatusActive:  {LoanStatusClosed},
	}
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Asset identifies the collateral backing a loan.
type Asset struct {
	CollectionID string `json:"collection_id"`
	ItemID       string `json:"item_id"`
}

type BorrowRestriction int32

const (
	BorrowRestrictionNone BorrowRestriction = iota
	// BorrowRestrictionNotWrittenOff forbids borrowing while any write-off applies.
	BorrowRestrictionNotWrittenOff
	// BorrowRestrictionFullOnce allows a single borrow of the full capacity.
	BorrowRestrictionFullOnce
)

type RepayRestriction int32

const (
	RepayRestrictionNone RepayRestriction = iota
	// RepayRestrictionFull only accepts repayments settling the whole debt;
	// overpayments are capped at the debt.
	RepayRestrictionFull
)

type LoanRestrictions struct {
	Borrows    BorrowRestriction `json:"borrows"`
	Repayments RepayRestriction  `json:"repayments"`
}

func (r LoanRestrictions) Validate() error {
	if r.Borrows < BorrowRestrictionNone || r.Borrows > BorrowRestrictionFullOnce {
		return fmt.Errorf("%w: unknown borrow restriction %d", ErrValidation, r.Borrows)
	}
	if r.Repayments != RepayRestrictionNone && r.Repayments != RepayRestrictionFull {
		return fmt.Errorf("%w: unknown repay restriction %d", ErrValidation, r.Repayments)
	}
	return nil
}

// LoanInfo is the immutable-at-creation description of a loan. Some fields
// can later be changed through Mutate.
type LoanInfo struct {
	Schedule     RepaymentSchedule `json:"schedule"`
	Collateral   Asset             `json:"collateral"`
	InterestRate InterestRate      `json:"interest_rate"`
	Pricing      Pricing           `json:"pricing"`
	Restrictions LoanRestrictions  `json:"restrictions"`
}

func (i LoanInfo) Validate(at time.Time) error {
	if err := i.Schedule.Validate(at); err != nil {
		return err
	}
	if i.Collateral.CollectionID == "" || i.Collateral.ItemID == "" {
		return fmt.Errorf("%w: collateral must name a collection and an item", ErrValidation)
	}
	if err := i.InterestRate.Validate(); err != nil {
		return err
	}
	if err := i.Pricing.Validate(); err != nil {
		return err
	}
	return i.Restrictions.Validate()
}

// RepaidAmount splits a repayment by destination.
type RepaidAmount struct {
	Principal   decimal.Decimal `json:"principal"`
	Interest    decimal.Decimal `json:"interest"`
	Unscheduled decimal.Decimal `json:"unscheduled"`
}

func (r RepaidAmount) Total() decimal.Decimal {
	return r.Principal.Add(r.Interest).Add(r.Unscheduled)
}

func (r RepaidAmount) Add(o RepaidAmount) RepaidAmount {
	return RepaidAmount{
		Principal:   r.Principal.Add(o.Principal),
		Interest:    r.Interest.Add(o.Interest),
		Unscheduled: r.Unscheduled.Add(o.Unscheduled),
	}
}

// Loan is the full record of one loan across its lifecycle. Position,
// OriginationDate and WriteOff are meaningful only while Active. Closed loans
// keep their totals and ClosedAt for audit.
type Loan struct {
	PoolID   uuid.UUID  `json:"pool_id"`
	LoanID   uint64     `json:"loan_id"`
	Status   LoanStatus `json:"status"`
	Info     LoanInfo   `json:"info"`
	Borrower string     `json:"borrower"`

	CreatedAt       time.Time        `json:"created_at"`
	OriginationDate time.Time        `json:"origination_date,omitempty"`
	Position        InterestPosition `json:"position"`
	WriteOff        WriteOffStatus   `json:"write_off"`

	OutstandingQuantity   decimal.Decimal `json:"outstanding_quantity"`
	LatestSettlementPrice decimal.Decimal `json:"latest_settlement_price"`

	TotalBorrowed decimal.Decimal `json:"total_borrowed"`
	TotalRepaid   RepaidAmount    `json:"total_repaid"`
	ClosedAt      time.Time       `json:"closed_at,omitempty"`

	Version int64 `json:"version"`
}

// NewLoan validates info and returns a Created loan. No money moves.
func NewLoan(poolID uuid.UUID, loanID uint64, info LoanInfo, borrower string, at time.Time) (*Loan, error) {
	if borrower == "" {
		return nil, fmt.Errorf("%w: empty borrower", ErrValidation)
	}
	if err := info.Validate(at); err != nil {
		return nil, err
	}
	info.Pricing = info.Pricing.clone()
	return &Loan{
		PoolID:              poolID,
		LoanID:              loanID,
		Status:              LoanStatusCreated,
		Info:                info,
		Borrower:            borrower,
		CreatedAt:           at,
		WriteOff:            WriteOffStatus{Percentage: decimal.Zero, Penalty: decimal.Zero},
		OutstandingQuantity: decimal.Zero,
		TotalBorrowed:       decimal.Zero,
		TotalRepaid:         RepaidAmount{Principal: decimal.Zero, Interest: decimal.Zero, Unscheduled: decimal.Zero},
	}, nil
}

// Clone returns a deep copy for validate-then-commit updates.
func (l *Loan) Clone() *Loan {
	cp := *l
	cp.Info.Pricing = l.Info.Pricing.clone()
	return &cp
}

func (l *Loan) IsExternal() bool {
	return l.Info.Pricing.Kind == PricingExternal
}

// CurrentDebt is zero unless the loan is active.
func (l *Loan) CurrentDebt(ra *RateAccumulator, at time.Time) (decimal.Decimal, error) {
	if l.Status != LoanStatusActive {
		return decimal.Zero, nil
	}
	return l.Position.CurrentDebt(ra, at)
}

// OutstandingPrincipal is borrowed principal not yet repaid (at par for
// external loans).
func (l *Loan) OutstandingPrincipal() decimal.Decimal {
	return fpmath.SaturatingSub(l.TotalBorrowed, l.TotalRepaid.Principal.Add(l.TotalRepaid.Unscheduled))
}

// Borrow draws amount (a quantity for external loans) and returns the cash
// disbursed. The first borrow activates the loan.
func (l *Loan) Borrow(ra *RateAccumulator, amount, settlementPrice decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	if l.Status == LoanStatusClosed {
		return decimal.Zero, fmt.Errorf("%w: borrow on %s loan", ErrInvalidStateTransition, l.Status)
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: borrow amount must be positive", ErrValidation)
	}
	if l.Info.Schedule.IsMatured(at) {
		return decimal.Zero, fmt.Errorf("%w: maturity date has passed", ErrRestrictedAction)
	}

	switch l.Info.Restrictions.Borrows {
	case BorrowRestrictionNotWrittenOff:
		// A penalty alone counts as written off.
		if !l.WriteOff.IsZero() {
			return decimal.Zero, fmt.Errorf("%w: loan is written off", ErrRestrictedAction)
		}
	case BorrowRestrictionFullOnce:
		if !l.TotalBorrowed.IsZero() {
			return decimal.Zero, fmt.Errorf("%w: loan may only be borrowed once", ErrRestrictedAction)
		}
	}

	available, err := l.MaxBorrowable(ra, at)
	if err != nil {
		return decimal.Zero, err
	}
	if amount.GreaterThan(available) {
		return decimal.Zero, fmt.Errorf("%w: requested %s, available %s", ErrInsufficientCapacity, amount, available)
	}
	if l.Info.Restrictions.Borrows == BorrowRestrictionFullOnce && !amount.Equal(available) {
		return decimal.Zero, fmt.Errorf("%w: must borrow the full %s at once", ErrRestrictedAction, available)
	}

	principal, cash := amount, amount
	if l.IsExternal() {
		if settlementPrice.IsZero() {
			settlementPrice = fpmath.One
		}
		if settlementPrice.IsNegative() {
			return decimal.Zero, fmt.Errorf("%w: negative settlement price", ErrValidation)
		}
		notional := l.Info.Pricing.External.Notional
		if principal, err = fpmath.MulBalance(amount, notional); err != nil {
			return decimal.Zero, err
		}
		if cash, err = fpmath.MulBalance(principal, settlementPrice); err != nil {
			return decimal.Zero, err
		}
	}

	if l.Status == LoanStatusCreated {
		pos, err := ActivatePosition(ra, l.Info.InterestRate, at)
		if err != nil {
			return decimal.Zero, err
		}
		l.Position = pos
		l.OriginationDate = at
		l.Status = LoanStatusActive
	}

	if err := l.Position.Increase(ra, principal, at); err != nil {
		return decimal.Zero, err
	}

	l.TotalBorrowed = l.TotalBorrowed.Add(principal)
	if l.IsExternal() {
		l.OutstandingQuantity = l.OutstandingQuantity.Add(amount)
		l.LatestSettlementPrice = settlementPrice
	}
	l.Version++
	return cash, nil
}

// Repay applies amount to accrued interest, then to principal due under the
// schedule, then to unscheduled principal.
func (l *Loan) Repay(ra *RateAccumulator, amount decimal.Decimal, at time.Time) (RepaidAmount, error) {
	var none RepaidAmount
	if l.Status != LoanStatusActive {
		return none, fmt.Errorf("%w: repay on %s loan", ErrInvalidStateTransition, l.Status)
	}
	if !amount.IsPositive() {
		return none, fmt.Errorf("%w: repay amount must be positive", ErrValidation)
	}

	debt, err := l.CurrentDebt(ra, at)
	if err != nil {
		return none, err
	}

	fullOnly := l.Info.Restrictions.Repayments == RepayRestrictionFull
	if amount.GreaterThan(debt) {
		if !fullOnly {
			return none, fmt.Errorf("%w: repay %s, debt %s", ErrOverRepayment, amount, debt)
		}
		amount = debt
	}
	if fullOnly && amount.LessThan(debt) {
		return none, fmt.Errorf("%w: loan only accepts full settlement of %s", ErrRestrictedAction, debt)
	}

	principal := fpmath.MinDecimal(l.OutstandingPrincipal(), debt)
	interest := debt.Sub(principal)

	paidInterest := fpmath.MinDecimal(amount, interest)
	rest := amount.Sub(paidInterest)

	repaidPrincipal := l.TotalRepaid.Principal.Add(l.TotalRepaid.Unscheduled)
	due := l.Info.Schedule.PrincipalDue(l.OriginationDate, at, l.TotalBorrowed, repaidPrincipal)
	paidScheduled := fpmath.MinDecimal(rest, due)
	rest = rest.Sub(paidScheduled)

	paidUnscheduled := fpmath.MinDecimal(rest, principal.Sub(paidScheduled))
	rest = rest.Sub(paidUnscheduled)
	if rest.IsPositive() {
		return none, fmt.Errorf("%w: %s left unapplied", ErrOverRepayment, rest)
	}

	if err := l.Position.Decrease(ra, amount, at); err != nil {
		return none, err
	}

	repaid := RepaidAmount{Principal: paidScheduled, Interest: paidInterest, Unscheduled: paidUnscheduled}
	l.TotalRepaid = l.TotalRepaid.Add(repaid)

	if l.IsExternal() {
		if l.OutstandingPrincipal().IsZero() {
			l.OutstandingQuantity = decimal.Zero
		} else {
			reduced := l.quantityFor(paidScheduled.Add(paidUnscheduled))
			l.OutstandingQuantity = fpmath.SaturatingSub(l.OutstandingQuantity, reduced)
		}
	}
	l.Version++
	return repaid, nil
}

// SetWriteOff applies status to an active loan, moving its debt into the
// bucket for base rate + penalty. Returns false when nothing changed.
func (l *Loan) SetWriteOff(ra *RateAccumulator, status WriteOffStatus, at time.Time) (bool, error) {
	if l.Status != LoanStatusActive {
		return false, fmt.Errorf("%w: write-off on %s loan", ErrInvalidStateTransition, l.Status)
	}
	if err := status.Validate(); err != nil {
		return false, err
	}
	if l.WriteOff.Equal(status) {
		return false, nil
	}
	if err := l.Position.SetPenalty(ra, status.Penalty, at); err != nil {
		return false, err
	}
	l.WriteOff = status
	l.Version++
	return true, nil
}

// WriteOffFacts gathers what the policy engine needs to evaluate this loan.
func (l *Loan) WriteOffFacts(quote *PriceQuote, at time.Time, maxPriceAge time.Duration) WriteOffFacts {
	f := WriteOffFacts{
		Now:         at,
		Maturity:    l.Info.Schedule.Maturity.Date,
		IsExternal:  l.IsExternal(),
		MaxPriceAge: maxPriceAge,
	}
	if quote != nil {
		asOf := quote.AsOf
		f.PriceAsOf = &asOf
	}
	return f
}

// Close ends the lifecycle. Active loans must carry zero debt.
func (l *Loan) Close(ra *RateAccumulator, at time.Time) error {
	if !l.Status.CanTransitionTo(LoanStatusClosed) {
		return fmt.Errorf("%w: close on %s loan", ErrInvalidStateTransition, l.Status)
	}

	if l.Status == LoanStatusActive {
		debt, err := l.CurrentDebt(ra, at)
		if err != nil {
			return err
		}
		if !debt.IsZero() {
			return fmt.Errorf("%w: loan still owes %s", ErrInvalidStateTransition, debt)
		}
		// Sub-unit normalized residue rounds to zero debt; clear it.
		if l.Position.HasDebt() {
			if err := l.Position.Decrease(ra, decimal.Zero, at); err != nil {
				return err
			}
		}
		if err := l.Position.Deactivate(ra); err != nil {
			return err
		}
	}

	l.Status = LoanStatusClosed
	l.ClosedAt = at
	l.Version++
	return nil
}

// LoanMutation changes loan terms. Only non-nil fields are applied.
type LoanMutation struct {
	Maturity         *time.Time        `json:"maturity,omitempty"`
	ExtendBySecs     int64             `json:"extend_by_secs,omitempty"`
	InterestRate     *InterestRate     `json:"interest_rate,omitempty"`
	InterestPayments *InterestPayments `json:"interest_payments,omitempty"`
	PayDown          *PayDownSchedule  `json:"pay_down,omitempty"`
	ValuationMethod  *ValuationMethod  `json:"valuation_method,omitempty"`
}

func (m LoanMutation) IsEmpty() bool {
	return m.Maturity == nil && m.ExtendBySecs == 0 && m.InterestRate == nil &&
		m.InterestPayments == nil && m.PayDown == nil && m.ValuationMethod == nil
}

// Mutate applies m to a created or active loan.
func (l *Loan) Mutate(ra *RateAccumulator, m LoanMutation, at time.Time) error {
	if l.Status == LoanStatusClosed {
		return fmt.Errorf("%w: mutate on %s loan", ErrInvalidStateTransition, l.Status)
	}
	if m.IsEmpty() {
		return fmt.Errorf("%w: empty mutation", ErrValidation)
	}

	schedule := l.Info.Schedule
	if m.Maturity != nil {
		schedule.Maturity.Date = *m.Maturity
		if err := schedule.Validate(at); err != nil {
			return err
		}
	}
	if m.ExtendBySecs != 0 {
		if err := schedule.Extend(m.ExtendBySecs); err != nil {
			return err
		}
	}
	if m.InterestPayments != nil {
		schedule.InterestPayments = *m.InterestPayments
	}
	if m.PayDown != nil {
		schedule.PayDown = *m.PayDown
	}
	if m.InterestPayments != nil || m.PayDown != nil {
		probe := schedule
		probe.Maturity.Date = at.Add(time.Second)
		if err := probe.Validate(at); err != nil {
			return err
		}
	}

	pricing := l.Info.Pricing.clone()
	if m.ValuationMethod != nil {
		if pricing.Kind != PricingInternal {
			return fmt.Errorf("%w: valuation method applies to internal pricing only", ErrValidation)
		}
		if err := m.ValuationMethod.Validate(); err != nil {
			return err
		}
		pricing.Internal.ValuationMethod = *m.ValuationMethod
	}

	if m.InterestRate != nil {
		if err := m.InterestRate.Validate(); err != nil {
			return err
		}
		if l.Status == LoanStatusActive {
			if err := l.Position.SetBaseRate(ra, *m.InterestRate, at); err != nil {
				return err
			}
		}
		l.Info.InterestRate = *m.InterestRate
	}

	l.Info.Schedule = schedule
	l.Info.Pricing = pricing
	l.Version++
	return nil
}
