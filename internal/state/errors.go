package state

import (
	"errors"

	fpmath "LoanLedger/internal/math"
)

// Error taxonomy. Callers classify with errors.Is; every returned error wraps
// exactly one of these.
var (
	ErrValidation             = errors.New("validation failed")
	ErrRestrictedAction       = errors.New("restricted action")
	ErrInsufficientCapacity   = errors.New("insufficient borrow capacity")
	ErrOverRepayment          = errors.New("repayment exceeds current debt")
	ErrOracleUnavailable      = errors.New("oracle price unavailable")
	ErrOracleStale            = errors.New("oracle price stale")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrRateNotFound           = errors.New("rate bucket not found")
	ErrLoanNotFound           = errors.New("loan not found")
	ErrPoolNotFound           = errors.New("pool not found")

	// ErrArithmeticOverflow aliases the math package sentinel so a single
	// errors.Is check works at every layer.
	ErrArithmeticOverflow = fpmath.ErrOverflow

	// ErrWriteOffBelowPolicy is a restricted action: an admin write-off may
	// not be less severe than the policy result.
	ErrWriteOffBelowPolicy = &wrappedSentinel{msg: "write-off below policy", parent: ErrRestrictedAction}
)

type wrappedSentinel struct {
	msg    string
	parent error
}

func (e *wrappedSentinel) Error() string { return e.msg }
func (e *wrappedSentinel) Unwrap() error { return e.parent }

// IsFatal reports whether err must abort processing rather than be returned
// to the caller as a rejection.
func IsFatal(err error) bool {
	return errors.Is(err, ErrArithmeticOverflow)
}

// Reason maps an error to a short label for metrics and API responses.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrWriteOffBelowPolicy):
		return "write_off_below_policy"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrRestrictedAction):
		return "restricted"
	case errors.Is(err, ErrInsufficientCapacity):
		return "insufficient_capacity"
	case errors.Is(err, ErrOverRepayment):
		return "over_repayment"
	case errors.Is(err, ErrOracleUnavailable):
		return "oracle_unavailable"
	case errors.Is(err, ErrOracleStale):
		return "oracle_stale"
	case errors.Is(err, ErrArithmeticOverflow):
		return "overflow"
	case errors.Is(err, ErrInvalidStateTransition):
		return "invalid_state"
	case errors.Is(err, ErrRateNotFound):
		return "rate_not_found"
	case errors.Is(err, ErrLoanNotFound):
		return "loan_not_found"
	case errors.Is(err, ErrPoolNotFound):
		return "pool_not_found"
	default:
		return "internal"
	}
}
