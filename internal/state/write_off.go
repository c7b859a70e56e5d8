package state

import (
	"fmt"
	"time"

	fpmath "LoanLedger/internal/math"

	"github.com/shopspring/decimal"
)

// MaxWriteOffRules bounds the size of a pool policy.
const MaxWriteOffRules = 100

// WriteOffStatus is how much of a loan's value is written down and the extra
// annual rate charged on top of its base rate.
type WriteOffStatus struct {
	Percentage decimal.Decimal `json:"percentage"`
	Penalty    decimal.Decimal `json:"penalty"`
}

func (s WriteOffStatus) IsZero() bool {
	return s.Percentage.IsZero() && s.Penalty.IsZero()
}

func (s WriteOffStatus) Equal(o WriteOffStatus) bool {
	return s.Percentage.Equal(o.Percentage) && s.Penalty.Equal(o.Penalty)
}

// AtLeast reports whether s is at least as severe as o on both axes.
func (s WriteOffStatus) AtLeast(o WriteOffStatus) bool {
	return s.Percentage.GreaterThanOrEqual(o.Percentage) && s.Penalty.GreaterThanOrEqual(o.Penalty)
}

func (s WriteOffStatus) Validate() error {
	if !fpmath.InUnitInterval(s.Percentage) {
		return fmt.Errorf("%w: write-off percentage %s outside [0,1]", ErrValidation, s.Percentage)
	}
	if s.Penalty.IsNegative() || s.Penalty.GreaterThan(MaxAnnualRate) {
		return fmt.Errorf("%w: penalty %s outside [0, %s]", ErrValidation, s.Penalty, MaxAnnualRate)
	}
	return nil
}

type TriggerKind int32

const (
	TriggerPrincipalOverdue TriggerKind = iota
	TriggerPriceOutdated
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerPrincipalOverdue:
		return "principal_overdue"
	case TriggerPriceOutdated:
		return "price_outdated"
	default:
		return "unknown"
	}
}

func (k TriggerKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *TriggerKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "principal_overdue":
		*k = TriggerPrincipalOverdue
	case "price_outdated":
		*k = TriggerPriceOutdated
	default:
		return fmt.Errorf("unknown write-off trigger %q", string(b))
	}
	return nil
}

// WriteOffTrigger is one condition of a rule. Days applies to
// TriggerPrincipalOverdue, Seconds to TriggerPriceOutdated (0 = the
// configured maximum price age).
type WriteOffTrigger struct {
	Kind    TriggerKind `json:"kind" yaml:"kind"`
	Days    int64       `json:"days,omitempty" yaml:"days,omitempty"`
	Seconds int64       `json:"seconds,omitempty" yaml:"seconds,omitempty"`
}

func PrincipalOverdueDays(days int64) WriteOffTrigger {
	return WriteOffTrigger{Kind: TriggerPrincipalOverdue, Days: days}
}

func PriceOutdated(seconds int64) WriteOffTrigger {
	return WriteOffTrigger{Kind: TriggerPriceOutdated, Seconds: seconds}
}

// WriteOffFacts is what the policy engine knows about a loan at Now.
// PriceAsOf is nil when the oracle has no quote.
type WriteOffFacts struct {
	Now         time.Time
	Maturity    time.Time
	IsExternal  bool
	PriceAsOf   *time.Time
	MaxPriceAge time.Duration
}

// Holds evaluates the trigger against facts.
func (t WriteOffTrigger) Holds(f WriteOffFacts) bool {
	switch t.Kind {
	case TriggerPrincipalOverdue:
		due := f.Maturity.Add(time.Duration(t.Days) * 24 * time.Hour)
		return !f.Now.Before(due)
	case TriggerPriceOutdated:
		if !f.IsExternal {
			return false
		}
		if f.PriceAsOf == nil {
			return true
		}
		age := f.MaxPriceAge
		if t.Seconds > 0 {
			age = time.Duration(t.Seconds) * time.Second
		}
		return PriceStale(*f.PriceAsOf, f.Now, age)
	default:
		return false
	}
}

// WriteOffRule applies Status when all of its triggers hold.
type WriteOffRule struct {
	Triggers []WriteOffTrigger `json:"triggers" yaml:"triggers"`
	Status   WriteOffStatus    `json:"status" yaml:"status"`
}

func (r WriteOffRule) matches(f WriteOffFacts) bool {
	if len(r.Triggers) == 0 {
		return false
	}
	for _, t := range r.Triggers {
		if !t.Holds(f) {
			return false
		}
	}
	return true
}

// ValidatePolicy checks a pool's rule set.
func ValidatePolicy(rules []WriteOffRule) error {
	if len(rules) > MaxWriteOffRules {
		return fmt.Errorf("%w: %d rules exceeds maximum %d", ErrValidation, len(rules), MaxWriteOffRules)
	}
	for i, r := range rules {
		if len(r.Triggers) == 0 {
			return fmt.Errorf("%w: rule %d has no triggers", ErrValidation, i)
		}
		seen := make(map[TriggerKind]bool, len(r.Triggers))
		for _, t := range r.Triggers {
			if seen[t.Kind] {
				return fmt.Errorf("%w: rule %d repeats trigger %s", ErrValidation, i, t.Kind)
			}
			seen[t.Kind] = true
			switch t.Kind {
			case TriggerPrincipalOverdue:
				if t.Days < 0 {
					return fmt.Errorf("%w: rule %d has negative overdue days", ErrValidation, i)
				}
			case TriggerPriceOutdated:
				if t.Seconds < 0 {
					return fmt.Errorf("%w: rule %d has negative price age", ErrValidation, i)
				}
			default:
				return fmt.Errorf("%w: rule %d has unknown trigger %d", ErrValidation, i, t.Kind)
			}
		}
		if err := r.Status.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

// EvaluatePolicy selects the status for a loan: among rules whose triggers
// all hold, the highest percentage wins and ties go to the highest penalty.
// No match yields the zero status and matched == false.
func EvaluatePolicy(rules []WriteOffRule, facts WriteOffFacts) (status WriteOffStatus, matched bool) {
	status = WriteOffStatus{Percentage: decimal.Zero, Penalty: decimal.Zero}
	for _, r := range rules {
		if !r.matches(facts) {
			continue
		}
		if !matched {
			status, matched = r.Status, true
			continue
		}
		switch cmp := r.Status.Percentage.Cmp(status.Percentage); {
		case cmp > 0:
			status = r.Status
		case cmp == 0 && r.Status.Penalty.GreaterThan(status.Penalty):
			status = r.Status
		}
	}
	return status, matched
}
