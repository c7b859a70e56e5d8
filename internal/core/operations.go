package core

import (
	"context"
	"errors"
	"fmt"

	"LoanLedger/internal/event"
	"LoanLedger/internal/state"
)

// CreateLoan registers a loan under the next id of its pool.
func (e *Engine) CreateLoan(ctx context.Context, cmd *event.CreateLoan) (*Result, error) {
	pool, err := e.poolOrDefault(ctx, cmd.PoolID)
	if err != nil {
		return nil, err
	}
	pool = pool.Clone()
	loanID := pool.NextLoanID()

	loan, err := state.NewLoan(cmd.PoolID, loanID, cmd.Info, cmd.Borrower, cmd.At)
	if err != nil {
		return nil, err
	}
	pool.Version++

	tx := e.begin(cmd)
	defer tx.rollback()

	tx.putPool(pool)
	tx.putLoan(loan)
	if err := tx.emit(cmd.PoolID, loanID, cmd.At, &event.LoanCreated{
		LoanID:   loanID,
		Borrower: cmd.Borrower,
		Info:     loan.Info,
	}); err != nil {
		return nil, err
	}
	envs, err := tx.commit(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{Op: cmd.CommandType(), LoanID: loanID, Changed: true, Events: envs}, nil
}

// Borrow draws on a loan, activating it on the first draw.
func (e *Engine) Borrow(ctx context.Context, cmd *event.Borrow) (*Result, error) {
	loan, err := e.loadLoan(ctx, cmd.PoolID, cmd.LoanID)
	if err != nil {
		return nil, err
	}
	wasCreated := loan.Status == state.LoanStatusCreated
	principalBefore := loan.TotalBorrowed

	tx := e.begin(cmd)
	defer tx.rollback()

	cash, err := loan.Borrow(e.rates, cmd.Amount, cmd.SettlementPrice, cmd.At)
	if err != nil {
		return nil, err
	}
	debt, err := loan.CurrentDebt(e.rates, cmd.At)
	if err != nil {
		return nil, err
	}

	tx.putLoan(loan)
	if err := tx.emit(cmd.PoolID, cmd.LoanID, cmd.At, &event.LoanBorrowed{
		LoanID:    cmd.LoanID,
		Amount:    cmd.Amount,
		Principal: loan.TotalBorrowed.Sub(principalBefore),
		Cash:      cash,
		Debt:      debt,
		Activated: wasCreated,
	}); err != nil {
		return nil, err
	}
	envs, err := tx.commit(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{Op: cmd.CommandType(), LoanID: cmd.LoanID, Cash: cash, Changed: true, Events: envs}, nil
}

// Repay applies a payment to interest first, then principal.
func (e *Engine) Repay(ctx context.Context, cmd *event.Repay) (*Result, error) {
	loan, err := e.loadLoan(ctx, cmd.PoolID, cmd.LoanID)
	if err != nil {
		return nil, err
	}

	tx := e.begin(cmd)
	defer tx.rollback()

	repaid, err := loan.Repay(e.rates, cmd.Amount, cmd.At)
	if err != nil {
		return nil, err
	}
	debt, err := loan.CurrentDebt(e.rates, cmd.At)
	if err != nil {
		return nil, err
	}

	tx.putLoan(loan)
	if err := tx.emit(cmd.PoolID, cmd.LoanID, cmd.At, &event.LoanRepaid{
		LoanID: cmd.LoanID,
		Repaid: repaid,
		Debt:   debt,
	}); err != nil {
		return nil, err
	}
	envs, err := tx.commit(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{Op: cmd.CommandType(), LoanID: cmd.LoanID, Repaid: repaid, Changed: true, Events: envs}, nil
}

// TransferDebt repays one loan and draws on another of the same borrower.
// Both sides commit together or not at all.
func (e *Engine) TransferDebt(ctx context.Context, cmd *event.TransferDebt) (*Result, error) {
	if cmd.FromLoanID == cmd.ToLoanID {
		return nil, fmt.Errorf("%w: debt transfer to the same loan %d", state.ErrValidation, cmd.FromLoanID)
	}
	from, err := e.loadLoan(ctx, cmd.PoolID, cmd.FromLoanID)
	if err != nil {
		return nil, err
	}
	to, err := e.loadLoan(ctx, cmd.PoolID, cmd.ToLoanID)
	if err != nil {
		return nil, err
	}
	if from.Borrower != to.Borrower {
		return nil, fmt.Errorf("%w: loans %d and %d have different borrowers",
			state.ErrRestrictedAction, cmd.FromLoanID, cmd.ToLoanID)
	}
	wasCreated := to.Status == state.LoanStatusCreated
	principalBefore := to.TotalBorrowed

	tx := e.begin(cmd)
	defer tx.rollback()

	repaid, err := from.Repay(e.rates, cmd.RepayAmount, cmd.At)
	if err != nil {
		return nil, fmt.Errorf("repay loan %d: %w", cmd.FromLoanID, err)
	}
	cash, err := to.Borrow(e.rates, cmd.BorrowAmount, cmd.SettlementPrice, cmd.At)
	if err != nil {
		return nil, fmt.Errorf("borrow loan %d: %w", cmd.ToLoanID, err)
	}
	if !repaid.Total().Equal(cash) {
		return nil, fmt.Errorf("%w: transfer repays %s but borrows %s", state.ErrValidation, repaid.Total(), cash)
	}

	fromDebt, err := from.CurrentDebt(e.rates, cmd.At)
	if err != nil {
		return nil, err
	}
	toDebt, err := to.CurrentDebt(e.rates, cmd.At)
	if err != nil {
		return nil, err
	}

	tx.putLoan(from)
	tx.putLoan(to)
	if err := tx.emit(cmd.PoolID, cmd.FromLoanID, cmd.At, &event.LoanRepaid{
		LoanID: cmd.FromLoanID,
		Repaid: repaid,
		Debt:   fromDebt,
	}); err != nil {
		return nil, err
	}
	if err := tx.emit(cmd.PoolID, cmd.ToLoanID, cmd.At, &event.LoanBorrowed{
		LoanID:    cmd.ToLoanID,
		Amount:    cmd.BorrowAmount,
		Principal: to.TotalBorrowed.Sub(principalBefore),
		Cash:      cash,
		Debt:      toDebt,
		Activated: wasCreated,
	}); err != nil {
		return nil, err
	}
	envs, err := tx.commit(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{Op: cmd.CommandType(), LoanID: cmd.ToLoanID, Cash: cash, Repaid: repaid, Changed: true, Events: envs}, nil
}

// ApplyWriteOff sets the loan's write-off status to what the pool policy
// yields now. An unchanged status commits nothing.
func (e *Engine) ApplyWriteOff(ctx context.Context, cmd *event.ApplyWriteOff) (*Result, error) {
	loan, err := e.loadLoan(ctx, cmd.PoolID, cmd.LoanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != state.LoanStatusActive {
		return nil, fmt.Errorf("%w: write-off on %s loan", state.ErrInvalidStateTransition, loan.Status)
	}
	status, err := e.policyStatus(ctx, loan, cmd.At)
	if err != nil {
		return nil, err
	}
	return e.writeOff(ctx, cmd, loan, status, false)
}

// AdminWriteOff forces a status no milder than the policy result.
func (e *Engine) AdminWriteOff(ctx context.Context, cmd *event.AdminWriteOff) (*Result, error) {
	if err := cmd.Status.Validate(); err != nil {
		return nil, err
	}
	loan, err := e.loadLoan(ctx, cmd.PoolID, cmd.LoanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != state.LoanStatusActive {
		return nil, fmt.Errorf("%w: write-off on %s loan", state.ErrInvalidStateTransition, loan.Status)
	}
	policy, err := e.policyStatus(ctx, loan, cmd.At)
	if err != nil {
		return nil, err
	}
	if !cmd.Status.AtLeast(policy) {
		return nil, fmt.Errorf("%w: requested %s/%s, policy %s/%s", state.ErrWriteOffBelowPolicy,
			cmd.Status.Percentage, cmd.Status.Penalty, policy.Percentage, policy.Penalty)
	}
	return e.writeOff(ctx, cmd, loan, cmd.Status, true)
}

func (e *Engine) writeOff(
	ctx context.Context,
	cmd event.Command,
	loan *state.Loan,
	status state.WriteOffStatus,
	byAdmin bool,
) (*Result, error) {
	op := cmd.CommandType()
	previous := loan.WriteOff

	tx := e.begin(cmd)
	defer tx.rollback()

	changed, err := loan.SetWriteOff(e.rates, status, cmd.Timestamp())
	if err != nil {
		return nil, err
	}
	if !changed {
		return &Result{Op: op, LoanID: loan.LoanID, WriteOff: status}, nil
	}

	tx.putLoan(loan)
	if err := tx.emit(loan.PoolID, loan.LoanID, cmd.Timestamp(), &event.LoanWrittenOff{
		LoanID:   loan.LoanID,
		Previous: previous,
		Status:   status,
		ByAdmin:  byAdmin,
	}); err != nil {
		return nil, err
	}
	envs, err := tx.commit(ctx)
	if err != nil {
		return nil, err
	}

	source := "policy"
	if byAdmin {
		source = "admin"
	}
	if e.metrics != nil {
		e.metrics.WriteOffsApplied.WithLabelValues(source).Inc()
	}
	e.log.Info().
		Str("pool", loan.PoolID.String()).
		Uint64("loan", loan.LoanID).
		Str("percentage", status.Percentage.String()).
		Str("penalty", status.Penalty.String()).
		Str("source", source).
		Msg("write-off applied")
	return &Result{Op: op, LoanID: loan.LoanID, WriteOff: status, Changed: true, Events: envs}, nil
}

// CloseLoan ends a loan with no outstanding debt.
func (e *Engine) CloseLoan(ctx context.Context, cmd *event.CloseLoan) (*Result, error) {
	loan, err := e.loadLoan(ctx, cmd.PoolID, cmd.LoanID)
	if err != nil {
		return nil, err
	}

	tx := e.begin(cmd)
	defer tx.rollback()

	if err := loan.Close(e.rates, cmd.At); err != nil {
		return nil, err
	}

	tx.putLoan(loan)
	if err := tx.emit(cmd.PoolID, cmd.LoanID, cmd.At, &event.LoanClosed{
		LoanID:        cmd.LoanID,
		TotalBorrowed: loan.TotalBorrowed,
		TotalRepaid:   loan.TotalRepaid,
	}); err != nil {
		return nil, err
	}
	envs, err := tx.commit(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{Op: cmd.CommandType(), LoanID: cmd.LoanID, Changed: true, Events: envs}, nil
}

// MutateLoan changes the terms of a created or active loan.
func (e *Engine) MutateLoan(ctx context.Context, cmd *event.MutateLoan) (*Result, error) {
	loan, err := e.loadLoan(ctx, cmd.PoolID, cmd.LoanID)
	if err != nil {
		return nil, err
	}

	tx := e.begin(cmd)
	defer tx.rollback()

	if err := loan.Mutate(e.rates, cmd.Mutation, cmd.At); err != nil {
		return nil, err
	}

	tx.putLoan(loan)
	if err := tx.emit(cmd.PoolID, cmd.LoanID, cmd.At, &event.LoanMutated{
		LoanID:   cmd.LoanID,
		Mutation: cmd.Mutation,
	}); err != nil {
		return nil, err
	}
	envs, err := tx.commit(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{Op: cmd.CommandType(), LoanID: cmd.LoanID, Changed: true, Events: envs}, nil
}

// UpdatePortfolioValuation values every active loan of the pool and
// replaces the cached snapshot. Any failing loan aborts the update and the
// previous snapshot stays in place.
func (e *Engine) UpdatePortfolioValuation(ctx context.Context, cmd *event.UpdatePortfolioValuation) (*Result, error) {
	pool, err := e.store.GetPool(ctx, cmd.PoolID)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", cmd.PoolID, err)
	}

	tx := e.begin(cmd)
	defer tx.rollback()

	builder := state.NewPortfolioBuilder(cmd.At)
	err = e.store.IterateLoans(ctx, cmd.PoolID, func(loan *state.Loan) error {
		if loan.Status != state.LoanStatusActive {
			return nil
		}
		v, err := e.loanValue(ctx, loan, cmd.At)
		if err != nil {
			return fmt.Errorf("value loan %d: %w", loan.LoanID, err)
		}
		return builder.Add(loan.LoanID, v)
	})
	if err != nil {
		return nil, err
	}

	valuation := builder.Build()
	pool = pool.Clone()
	pool.Valuation = valuation
	pool.Version++

	tx.putPool(pool)
	if err := tx.emit(cmd.PoolID, 0, cmd.At, &event.PortfolioValuationUpdated{
		Value:       valuation.Value,
		LoanCount:   len(valuation.PerLoan),
		LastUpdated: valuation.LastUpdated,
	}); err != nil {
		return nil, err
	}
	envs, err := tx.commit(ctx)
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		f, _ := valuation.Value.Float64()
		e.metrics.PortfolioValue.WithLabelValues(cmd.PoolID.String()).Set(f)
	}
	return &Result{Op: cmd.CommandType(), Valuation: &valuation, Changed: true, Events: envs}, nil
}

// UpdateWriteOffPolicy replaces the pool's rules. Existing write-offs are
// left as they are until the next ApplyWriteOff.
func (e *Engine) UpdateWriteOffPolicy(ctx context.Context, cmd *event.UpdateWriteOffPolicy) (*Result, error) {
	if err := state.ValidatePolicy(cmd.Rules); err != nil {
		return nil, err
	}
	pool, err := e.store.GetPool(ctx, cmd.PoolID)
	switch {
	case errors.Is(err, state.ErrPoolNotFound):
		pool = state.NewPoolRecord(cmd.PoolID, cmd.Rules)
	case err != nil:
		return nil, fmt.Errorf("pool %s: %w", cmd.PoolID, err)
	default:
		pool = pool.Clone()
		pool.WriteOffPolicy = append([]state.WriteOffRule(nil), cmd.Rules...)
	}
	pool.Version++

	tx := e.begin(cmd)
	defer tx.rollback()

	tx.putPool(pool)
	if err := tx.emit(cmd.PoolID, 0, cmd.At, &event.WriteOffPolicyUpdated{Rules: cmd.Rules}); err != nil {
		return nil, err
	}
	envs, err := tx.commit(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{Op: cmd.CommandType(), Changed: true, Events: envs}, nil
}
