package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"LoanLedger/internal/core"
	"LoanLedger/internal/event"
	fpmath "LoanLedger/internal/math"
	"LoanLedger/internal/oracle"
	"LoanLedger/internal/state"
	"LoanLedger/internal/store"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0     = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	year   = time.Duration(fpmath.SecondsPerYear) * time.Second
	day    = 24 * time.Hour
	poolID = uuid.MustParse("9d3f0c6a-51b2-4f0e-a7c4-2e8b6d1f4a37")
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// failingStore rejects Apply while fail is set.
type failingStore struct {
	*store.Memory
	fail bool
}

func (f *failingStore) Apply(ctx context.Context, b *store.Batch) error {
	if f.fail {
		return errors.New("connection reset")
	}
	return f.Memory.Apply(ctx, b)
}

type harness struct {
	engine   *core.Engine
	store    *failingStore
	feed     *oracle.MemoryFeed
	recorder *event.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    &failingStore{Memory: store.NewMemory()},
		feed:     oracle.NewMemoryFeed(),
		recorder: event.NewRecorder(),
	}
	h.engine = core.NewEngine(h.store, h.feed, h.recorder, nil, nil, core.Config{
		MaxPriceAge:         6 * time.Hour,
		IdempotencyCapacity: 128,
	})
	require.NoError(t, h.engine.Restore(context.Background()))
	return h
}

func internalInfo(advanceRate, collateral string, maturity time.Time) state.LoanInfo {
	return state.LoanInfo{
		Schedule:     state.RepaymentSchedule{Maturity: state.Maturity{Date: maturity}},
		Collateral:   state.Asset{CollectionID: "invoices", ItemID: "inv-1"},
		InterestRate: state.NewRate("0.05"),
		Pricing: state.Pricing{
			Kind: state.PricingInternal,
			Internal: &state.InternalPricing{
				CollateralValue: dec(collateral),
				ValuationMethod: state.ValuationMethod{Kind: state.ValuationOutstandingDebt},
				MaxBorrowAmount: state.MaxBorrowAmount{
					Kind:        state.MaxBorrowUpToTotalBorrows,
					AdvanceRate: dec(advanceRate),
				},
			},
		},
	}
}

func externalInfo(priceID string, maturity time.Time) state.LoanInfo {
	return state.LoanInfo{
		Schedule:     state.RepaymentSchedule{Maturity: state.Maturity{Date: maturity}},
		Collateral:   state.Asset{CollectionID: "bonds", ItemID: priceID},
		InterestRate: state.NewRate("0.05"),
		Pricing: state.Pricing{
			Kind: state.PricingExternal,
			External: &state.ExternalPricing{
				PriceID:           priceID,
				MaxBorrowQuantity: dec("100"),
				Notional:          dec("100"),
			},
		},
	}
}

func hdr(key string, at time.Time) event.Header {
	return event.Header{Key: key, PoolID: poolID, At: at}
}

func (h *harness) create(t *testing.T, key string, info state.LoanInfo) uint64 {
	t.Helper()
	res, err := h.engine.Execute(context.Background(), &event.CreateLoan{
		Header:   hdr(key, t0),
		Borrower: "borrower-1",
		Info:     info,
	})
	require.NoError(t, err)
	return res.LoanID
}

func (h *harness) borrow(t *testing.T, key string, loanID uint64, amount string, at time.Time) *core.Result {
	t.Helper()
	res, err := h.engine.Execute(context.Background(), &event.Borrow{
		Header: hdr(key, at),
		LoanID: loanID,
		Amount: dec(amount),
	})
	require.NoError(t, err)
	return res
}

// ============================================================================
// Scenarios
// ============================================================================

func TestEngine_BorrowAccruesContinuously(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	loanID := h.create(t, "create-1", internalInfo("1", "5000", t0.Add(2*year)))

	res := h.borrow(t, "borrow-1", loanID, "1000", t0)
	assert.True(t, res.Cash.Equal(dec("1000")))

	debt, err := h.engine.CurrentDebt(ctx, poolID, loanID, t0.Add(year))
	require.NoError(t, err)
	assert.Equal(t, "1051.27", debt.Round(2).String())

	value, err := h.engine.LoanCurrentValue(ctx, poolID, loanID, t0.Add(year))
	require.NoError(t, err)
	assert.True(t, value.Equal(debt), "outstanding-debt valuation equals debt")

	loan, err := h.engine.GetLoan(ctx, poolID, loanID)
	require.NoError(t, err)
	assert.Equal(t, state.LoanStatusActive, loan.Status)
	assert.Equal(t, t0, loan.OriginationDate)
}

func TestEngine_FutureReadDoesNotAccrue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	loanID := h.create(t, "create-1", internalInfo("1", "5000", t0.Add(20*year)))
	h.borrow(t, "borrow-1", loanID, "1000", t0)

	loan, err := h.engine.GetLoan(ctx, poolID, loanID)
	require.NoError(t, err)
	before, _ := h.engine.Rates().Bucket(loan.Position.RateID)

	_, err = h.engine.CurrentDebt(ctx, poolID, loanID, t0.Add(10*year))
	require.NoError(t, err)
	_, err = h.engine.LoanCurrentValue(ctx, poolID, loanID, t0.Add(10*year))
	require.NoError(t, err)

	after, _ := h.engine.Rates().Bucket(loan.Position.RateID)
	assert.Equal(t, before, after)

	debt, err := h.engine.CurrentDebt(ctx, poolID, loanID, t0.Add(year))
	require.NoError(t, err)
	assert.Equal(t, "1051.27", debt.Round(2).String())

	// A command at one year still sees one year of interest.
	res, err := h.engine.Execute(ctx, &event.Repay{Header: hdr("repay-1", t0.Add(year)), LoanID: loanID, Amount: dec("51.27")})
	require.NoError(t, err)
	assert.Equal(t, "51.27", res.Repaid.Interest.String())
	assert.True(t, res.Repaid.Principal.IsZero())
}

func TestEngine_RejectsCommandBeforeLastCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	loanID := h.create(t, "create-1", internalInfo("1", "5000", t0.Add(2*year)))
	h.borrow(t, "borrow-1", loanID, "1000", t0.Add(year))
	assert.Equal(t, t0.Add(year), h.engine.LastCommitted())
	seq := h.engine.Sequence()

	_, err := h.engine.Execute(ctx, &event.Repay{Header: hdr("repay-1", t0.Add(day)), LoanID: loanID, Amount: dec("10")})
	require.ErrorIs(t, err, state.ErrValidation)
	assert.Contains(t, err.Error(), "precedes last commit")
	assert.Equal(t, seq, h.engine.Sequence())

	// Same-instant commands are accepted.
	_, err = h.engine.Execute(ctx, &event.Repay{Header: hdr("repay-2", t0.Add(year)), LoanID: loanID, Amount: dec("10")})
	require.NoError(t, err)

	restarted := core.NewEngine(h.store, h.feed, h.recorder, nil, nil, core.Config{})
	require.NoError(t, restarted.Restore(ctx))
	_, err = restarted.Execute(ctx, &event.Repay{Header: hdr("repay-3", t0.Add(day)), LoanID: loanID, Amount: dec("10")})
	assert.ErrorIs(t, err, state.ErrValidation)
}

func TestEngine_RepayClearsInterestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	loanID := h.create(t, "create-1", internalInfo("1", "5000", t0.Add(2*year)))
	h.borrow(t, "borrow-1", loanID, "1000", t0)

	at := t0.Add(year)
	before, err := h.engine.CurrentDebt(ctx, poolID, loanID, at)
	require.NoError(t, err)

	res, err := h.engine.Execute(ctx, &event.Repay{Header: hdr("repay-1", at), LoanID: loanID, Amount: dec("500")})
	require.NoError(t, err)

	interest := before.Sub(dec("1000"))
	assert.True(t, res.Repaid.Interest.Equal(interest))
	assert.True(t, res.Repaid.Total().Equal(dec("500")))

	loan, err := h.engine.GetLoan(ctx, poolID, loanID)
	require.NoError(t, err)
	want, err := h.engine.Rates().Normalize(loan.Position.RateID, before.Sub(dec("500")), at)
	require.NoError(t, err)
	assert.True(t, loan.Position.NormalizedDebt.Equal(want),
		"normalized %s, want %s", loan.Position.NormalizedDebt, want)
}

func TestEngine_HighestWriteOffRuleWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Execute(ctx, &event.UpdateWriteOffPolicy{
		Header: hdr("policy-1", t0),
		Rules: []state.WriteOffRule{
			{
				Triggers: []state.WriteOffTrigger{state.PrincipalOverdueDays(1)},
				Status:   state.WriteOffStatus{Percentage: dec("0.2"), Penalty: decimal.Zero},
			},
			{
				Triggers: []state.WriteOffTrigger{state.PriceOutdated(3600)},
				Status:   state.WriteOffStatus{Percentage: dec("0.5"), Penalty: decimal.Zero},
			},
		},
	})
	require.NoError(t, err)

	maturity := t0.Add(90 * day)
	loanID := h.create(t, "create-1", externalInfo("BOND-1", maturity))
	h.borrow(t, "borrow-1", loanID, "10", t0)

	now := maturity.Add(2 * day)
	h.feed.Set("BOND-1", state.PriceQuote{Price: dec("0.98"), AsOf: now.Add(-2 * time.Hour)})

	res, err := h.engine.Execute(ctx, &event.ApplyWriteOff{Header: hdr("wo-1", now), LoanID: loanID})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.True(t, res.WriteOff.Percentage.Equal(dec("0.5")), "got %s", res.WriteOff.Percentage)

	loan, err := h.engine.GetLoan(ctx, poolID, loanID)
	require.NoError(t, err)
	assert.True(t, loan.WriteOff.Percentage.Equal(dec("0.5")))

	// Same inputs again: nothing changes and nothing is emitted.
	h.recorder.Reset()
	res, err = h.engine.Execute(ctx, &event.ApplyWriteOff{Header: hdr("wo-2", now), LoanID: loanID})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Empty(t, h.recorder.Events())
}

func TestEngine_InsufficientCapacityLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	loanID := h.create(t, "create-1", internalInfo("0.8", "1000", t0.Add(year)))
	seq := h.engine.Sequence()

	_, err := h.engine.Execute(ctx, &event.Borrow{Header: hdr("borrow-1", t0), LoanID: loanID, Amount: dec("900")})
	require.ErrorIs(t, err, state.ErrInsufficientCapacity)
	assert.Contains(t, err.Error(), "800")

	loan, err := h.engine.GetLoan(ctx, poolID, loanID)
	require.NoError(t, err)
	assert.Equal(t, state.LoanStatusCreated, loan.Status)
	assert.True(t, loan.Position.NormalizedDebt.IsZero())
	assert.True(t, loan.TotalBorrowed.IsZero())
	assert.Equal(t, 0, h.engine.Rates().Len())
	assert.Equal(t, seq, h.engine.Sequence())

	// The key was not consumed by the rejected attempt.
	h.borrow(t, "borrow-1", loanID, "800", t0)
}

func TestEngine_InsufficientCapacityAfterBorrowKeepsNormalizedDebt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	loanID := h.create(t, "create-1", internalInfo("0.8", "1000", t0.Add(year)))
	h.borrow(t, "borrow-1", loanID, "500", t0)

	before, err := h.engine.GetLoan(ctx, poolID, loanID)
	require.NoError(t, err)

	_, err = h.engine.Execute(ctx, &event.Borrow{Header: hdr("borrow-2", t0.Add(day)), LoanID: loanID, Amount: dec("400")})
	require.ErrorIs(t, err, state.ErrInsufficientCapacity)

	after, err := h.engine.GetLoan(ctx, poolID, loanID)
	require.NoError(t, err)
	assert.True(t, after.Position.NormalizedDebt.Equal(before.Position.NormalizedDebt))
	assert.Equal(t, before.Version, after.Version)

	bucket, ok := h.engine.Rates().Bucket(after.Position.RateID)
	require.True(t, ok)
	assert.True(t, bucket.TotalNormalizedDebt.Equal(before.Position.NormalizedDebt))
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestEngine_CreateAllocatesSequentialIDs(t *testing.T) {
	h := newHarness(t)
	first := h.create(t, "create-1", internalInfo("0.8", "1000", t0.Add(year)))
	second := h.create(t, "create-2", internalInfo("0.8", "1000", t0.Add(year)))
	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(2), second)

	pool, err := h.engine.GetPool(context.Background(), poolID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pool.LastLoanID)
}

func TestEngine_CreateUsesDefaultPolicy(t *testing.T) {
	st := store.NewMemory()
	policy := []state.WriteOffRule{{
		Triggers: []state.WriteOffTrigger{state.PrincipalOverdueDays(30)},
		Status:   state.WriteOffStatus{Percentage: dec("1"), Penalty: decimal.Zero},
	}}
	engine := core.NewEngine(st, nil, nil, nil, nil, core.Config{DefaultPolicy: policy})

	_, err := engine.Execute(context.Background(), &event.CreateLoan{
		Header:   hdr("create-1", t0),
		Borrower: "borrower-1",
		Info:     internalInfo("0.8", "1000", t0.Add(year)),
	})
	require.NoError(t, err)

	pool, err := engine.GetPool(context.Background(), poolID)
	require.NoError(t, err)
	require.Len(t, pool.WriteOffPolicy, 1)
	assert.Equal(t, int64(30), pool.WriteOffPolicy[0].Triggers[0].Days)
}

func TestEngine_CloseReleasesBucket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	loanID := h.create(t, "create-1", internalInfo("1", "5000", t0.Add(2*year)))
	h.borrow(t, "borrow-1", loanID, "1000", t0)

	_, err := h.engine.Execute(ctx, &event.CloseLoan{Header: hdr("close-1", t0.Add(day)), LoanID: loanID})
	require.ErrorIs(t, err, state.ErrInvalidStateTransition)

	at := t0.Add(day)
	debt, err := h.engine.CurrentDebt(ctx, poolID, loanID, at)
	require.NoError(t, err)
	_, err = h.engine.Execute(ctx, &event.Repay{Header: hdr("repay-1", at), LoanID: loanID, Amount: debt})
	require.NoError(t, err)

	_, err = h.engine.Execute(ctx, &event.CloseLoan{Header: hdr("close-2", at), LoanID: loanID})
	require.NoError(t, err)
	assert.Equal(t, 0, h.engine.Rates().Len())

	loan, err := h.engine.GetLoan(ctx, poolID, loanID)
	require.NoError(t, err)
	assert.Equal(t, state.LoanStatusClosed, loan.Status)
	assert.True(t, loan.TotalRepaid.Total().Equal(debt))

	_, err = h.engine.Execute(ctx, &event.Borrow{Header: hdr("borrow-2", at), LoanID: loanID, Amount: dec("1")})
	assert.ErrorIs(t, err, state.ErrInvalidStateTransition)
}

func TestEngine_UnknownLoan(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Execute(context.Background(), &event.Repay{Header: hdr("repay-1", t0), LoanID: 42, Amount: dec("1")})
	assert.ErrorIs(t, err, state.ErrLoanNotFound)
}

func TestEngine_RejectsUnstampedCommand(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Execute(context.Background(), &event.CreateLoan{
		Header:   event.Header{PoolID: poolID},
		Borrower: "borrower-1",
		Info:     internalInfo("0.8", "1000", t0.Add(year)),
	})
	assert.ErrorIs(t, err, state.ErrValidation)
}

func TestEngine_MutateLoanEmitsEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	loanID := h.create(t, "create-1", internalInfo("1", "5000", t0.Add(year)))
	h.borrow(t, "borrow-1", loanID, "1000", t0)

	rate := state.NewRate("0.08")
	h.recorder.Reset()
	_, err := h.engine.Execute(ctx, &event.MutateLoan{
		Header:   hdr("mutate-1", t0.Add(day)),
		LoanID:   loanID,
		Mutation: state.LoanMutation{InterestRate: &rate},
	})
	require.NoError(t, err)
	assert.Equal(t, []event.EventType{event.EventTypeLoanMutated}, h.recorder.Types())

	loan, err := h.engine.GetLoan(ctx, poolID, loanID)
	require.NoError(t, err)
	assert.True(t, loan.Position.BaseRate.Annual.Equal(dec("0.08")))
}

func TestEngine_TransferDebtMovesDebtBetweenLoans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	from := h.create(t, "create-1", internalInfo("1", "5000", t0.Add(2*year)))
	to := h.create(t, "create-2", internalInfo("1", "5000", t0.Add(2*year)))
	h.borrow(t, "borrow-1", from, "1000", t0)

	h.recorder.Reset()
	res, err := h.engine.Execute(ctx, &event.TransferDebt{
		Header:       hdr("transfer-1", t0),
		FromLoanID:   from,
		ToLoanID:     to,
		RepayAmount:  dec("1000"),
		BorrowAmount: dec("1000"),
	})
	require.NoError(t, err)
	assert.True(t, res.Cash.Equal(dec("1000")))
	assert.True(t, res.Repaid.Total().Equal(dec("1000")))
	assert.Equal(t, []event.EventType{event.EventTypeLoanRepaid, event.EventTypeLoanBorrowed}, h.recorder.Types())

	fromDebt, err := h.engine.CurrentDebt(ctx, poolID, from, t0)
	require.NoError(t, err)
	assert.True(t, fromDebt.IsZero(), "from debt %s", fromDebt)
	toDebt, err := h.engine.CurrentDebt(ctx, poolID, to, t0)
	require.NoError(t, err)
	assert.True(t, toDebt.Equal(dec("1000")), "to debt %s", toDebt)

	toLoan, err := h.engine.GetLoan(ctx, poolID, to)
	require.NoError(t, err)
	assert.Equal(t, state.LoanStatusActive, toLoan.Status)

	// And back again.
	_, err = h.engine.Execute(ctx, &event.TransferDebt{
		Header:       hdr("transfer-2", t0),
		FromLoanID:   to,
		ToLoanID:     from,
		RepayAmount:  dec("1000"),
		BorrowAmount: dec("1000"),
	})
	require.NoError(t, err)
	fromDebt, err = h.engine.CurrentDebt(ctx, poolID, from, t0)
	require.NoError(t, err)
	assert.True(t, fromDebt.Equal(dec("1000")))
}

func TestEngine_TransferDebtRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	from := h.create(t, "create-1", internalInfo("1", "5000", t0.Add(2*year)))
	to := h.create(t, "create-2", internalInfo("1", "5000", t0.Add(2*year)))
	res, err := h.engine.Execute(ctx, &event.CreateLoan{
		Header:   hdr("create-3", t0),
		Borrower: "borrower-2",
		Info:     internalInfo("1", "5000", t0.Add(2*year)),
	})
	require.NoError(t, err)
	foreign := res.LoanID
	h.borrow(t, "borrow-1", from, "1000", t0)

	before, err := h.engine.GetLoan(ctx, poolID, from)
	require.NoError(t, err)
	seq := h.engine.Sequence()

	tests := []struct {
		name    string
		to      uint64
		repay   string
		borrow  string
		wantErr error
	}{
		{"same loan", from, "100", "100", state.ErrValidation},
		{"unknown loan", 42, "100", "100", state.ErrLoanNotFound},
		{"different borrower", foreign, "100", "100", state.ErrRestrictedAction},
		{"amount mismatch", to, "500", "400", state.ErrValidation},
		{"repay exceeds debt", to, "2000", "2000", state.ErrOverRepayment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Execute(ctx, &event.TransferDebt{
				Header:       hdr("transfer-"+tt.name, t0),
				FromLoanID:   from,
				ToLoanID:     tt.to,
				RepayAmount:  dec(tt.repay),
				BorrowAmount: dec(tt.borrow),
			})
			require.ErrorIs(t, err, tt.wantErr)

			after, err := h.engine.GetLoan(ctx, poolID, from)
			require.NoError(t, err)
			assert.True(t, after.Position.NormalizedDebt.Equal(before.Position.NormalizedDebt))
			assert.Equal(t, seq, h.engine.Sequence())
		})
	}

	target, err := h.engine.GetLoan(ctx, poolID, to)
	require.NoError(t, err)
	assert.Equal(t, state.LoanStatusCreated, target.Status)
	bucket, ok := h.engine.Rates().Bucket(before.Position.RateID)
	require.True(t, ok)
	assert.True(t, bucket.TotalNormalizedDebt.Equal(before.Position.NormalizedDebt))
}

// ============================================================================
// Write-off
// ============================================================================

func TestEngine_AdminWriteOffMustMeetPolicy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Execute(ctx, &event.UpdateWriteOffPolicy{
		Header: hdr("policy-1", t0),
		Rules: []state.WriteOffRule{{
			Triggers: []state.WriteOffTrigger{state.PrincipalOverdueDays(0)},
			Status:   state.WriteOffStatus{Percentage: dec("0.3"), Penalty: dec("0.02")},
		}},
	})
	require.NoError(t, err)

	maturity := t0.Add(30 * day)
	loanID := h.create(t, "create-1", internalInfo("1", "5000", maturity))
	h.borrow(t, "borrow-1", loanID, "1000", t0)
	now := maturity.Add(day)

	_, err = h.engine.Execute(ctx, &event.AdminWriteOff{
		Header: hdr("admin-1", now),
		LoanID: loanID,
		Status: state.WriteOffStatus{Percentage: dec("0.1"), Penalty: dec("0.02")},
	})
	require.ErrorIs(t, err, state.ErrWriteOffBelowPolicy)
	assert.ErrorIs(t, err, state.ErrRestrictedAction)

	h.recorder.Reset()
	res, err := h.engine.Execute(ctx, &event.AdminWriteOff{
		Header: hdr("admin-2", now),
		LoanID: loanID,
		Status: state.WriteOffStatus{Percentage: dec("0.6"), Penalty: dec("0.05")},
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)

	events := h.recorder.Events()
	require.Len(t, events, 1)
	payload, err := events[0].Decode()
	require.NoError(t, err)
	written, ok := payload.(*event.LoanWrittenOff)
	require.True(t, ok)
	assert.True(t, written.ByAdmin)
	assert.True(t, written.Status.Penalty.Equal(dec("0.05")))

	loan, err := h.engine.GetLoan(ctx, poolID, loanID)
	require.NoError(t, err)
	assert.True(t, loan.Position.Penalty.Equal(dec("0.05")))
}

func TestEngine_UpdateWriteOffPolicyValidates(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Execute(context.Background(), &event.UpdateWriteOffPolicy{
		Header: hdr("policy-1", t0),
		Rules: []state.WriteOffRule{{
			Status: state.WriteOffStatus{Percentage: dec("0.5"), Penalty: decimal.Zero},
		}},
	})
	assert.ErrorIs(t, err, state.ErrValidation)

	_, err = h.engine.GetPool(context.Background(), poolID)
	assert.ErrorIs(t, err, state.ErrPoolNotFound)
}

// ============================================================================
// Portfolio
// ============================================================================

func TestEngine_PortfolioValuation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.create(t, "create-1", internalInfo("1", "5000", t0.Add(2*year)))
	b := h.create(t, "create-2", internalInfo("1", "5000", t0.Add(2*year)))
	h.create(t, "create-3", internalInfo("1", "5000", t0.Add(2*year)))
	h.borrow(t, "borrow-a", a, "1000", t0)
	h.borrow(t, "borrow-b", b, "500", t0)

	at := t0.Add(year)
	res, err := h.engine.Execute(ctx, &event.UpdatePortfolioValuation{Header: hdr("val-1", at)})
	require.NoError(t, err)
	require.NotNil(t, res.Valuation)

	va, err := h.engine.LoanCurrentValue(ctx, poolID, a, at)
	require.NoError(t, err)
	vb, err := h.engine.LoanCurrentValue(ctx, poolID, b, at)
	require.NoError(t, err)
	assert.True(t, res.Valuation.Value.Equal(va.Add(vb)))
	assert.Len(t, res.Valuation.PerLoan, 2, "created loans are not valued")

	cached, err := h.engine.PortfolioValue(ctx, poolID)
	require.NoError(t, err)
	assert.True(t, cached.Value.Equal(res.Valuation.Value))
	assert.Equal(t, at, cached.LastUpdated)
}

func TestEngine_PortfolioValuationFailureKeepsSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.create(t, "create-1", internalInfo("1", "5000", t0.Add(2*year)))
	h.borrow(t, "borrow-a", a, "1000", t0)
	_, err := h.engine.Execute(ctx, &event.UpdatePortfolioValuation{Header: hdr("val-1", t0)})
	require.NoError(t, err)

	ext := h.create(t, "create-2", externalInfo("BOND-9", t0.Add(year)))
	h.borrow(t, "borrow-ext", ext, "5", t0)

	_, err = h.engine.Execute(ctx, &event.UpdatePortfolioValuation{Header: hdr("val-2", t0.Add(day))})
	require.ErrorIs(t, err, state.ErrOracleUnavailable)

	cached, err := h.engine.PortfolioValue(ctx, poolID)
	require.NoError(t, err)
	assert.True(t, cached.Value.Equal(dec("1000")))
	assert.Equal(t, t0, cached.LastUpdated)
}

// ============================================================================
// Idempotency, atomicity, audit chain
// ============================================================================

func TestEngine_DuplicateCommandIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	loanID := h.create(t, "create-1", internalInfo("1", "5000", t0.Add(year)))
	h.borrow(t, "borrow-1", loanID, "100", t0)
	seq := h.engine.Sequence()

	res := h.borrow(t, "borrow-1", loanID, "100", t0)
	assert.True(t, res.Duplicate)
	assert.Equal(t, seq, h.engine.Sequence())

	loan, err := h.engine.GetLoan(ctx, poolID, loanID)
	require.NoError(t, err)
	assert.True(t, loan.TotalBorrowed.Equal(dec("100")))
}

type stubDB struct{ keys map[string]bool }

func (s stubDB) IsDuplicate(_ context.Context, op, key string) (bool, error) {
	return s.keys[op+":"+key], nil
}

func TestEngine_DuplicateFromEventLog(t *testing.T) {
	db := stubDB{keys: map[string]bool{"CreateLoan:create-1": true}}
	engine := core.NewEngine(store.NewMemory(), nil, nil, db, nil, core.Config{})

	res, err := engine.Execute(context.Background(), &event.CreateLoan{
		Header:   hdr("create-1", t0),
		Borrower: "borrower-1",
		Info:     internalInfo("0.8", "1000", t0.Add(year)),
	})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(0), engine.Sequence())
}

func TestEngine_StoreFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	loanID := h.create(t, "create-1", internalInfo("1", "5000", t0.Add(2*year)))
	h.borrow(t, "borrow-1", loanID, "500", t0)

	loan, err := h.engine.GetLoan(ctx, poolID, loanID)
	require.NoError(t, err)
	before, ok := h.engine.Rates().Bucket(loan.Position.RateID)
	require.True(t, ok)
	seq := h.engine.Sequence()
	h.recorder.Reset()

	h.store.fail = true
	_, err = h.engine.Execute(ctx, &event.Borrow{Header: hdr("borrow-2", t0.Add(day)), LoanID: loanID, Amount: dec("100")})
	require.Error(t, err)

	after, ok := h.engine.Rates().Bucket(loan.Position.RateID)
	require.True(t, ok)
	assert.True(t, after.TotalNormalizedDebt.Equal(before.TotalNormalizedDebt))
	assert.True(t, after.CumulativeFactor.Equal(before.CumulativeFactor))
	assert.Equal(t, seq, h.engine.Sequence())
	assert.Empty(t, h.recorder.Events())

	h.store.fail = false
	h.borrow(t, "borrow-2", loanID, "100", t0.Add(day))
	stored, err := h.engine.GetLoan(ctx, poolID, loanID)
	require.NoError(t, err)
	assert.True(t, stored.TotalBorrowed.Equal(dec("600")))
}

func TestEngine_HashChainVerifies(t *testing.T) {
	h := newHarness(t)
	loanID := h.create(t, "create-1", internalInfo("1", "5000", t0.Add(year)))
	h.borrow(t, "borrow-1", loanID, "100", t0)
	h.borrow(t, "borrow-2", loanID, "50", t0.Add(day))

	events := h.recorder.Events()
	require.Len(t, events, 3)
	for i, env := range events {
		assert.Equal(t, int64(i+1), env.Sequence)
	}
	assert.Equal(t, -1, core.VerifyChain(core.GenesisHash(), events))
	assert.Equal(t, events[2].StateHash, h.engine.StateHash())

	events[1].Payload = []byte(`{"loan_id":1,"amount":"999"}`)
	assert.Equal(t, 1, core.VerifyChain(core.GenesisHash(), events))
}

func TestEngine_RestoreResumesChain(t *testing.T) {
	h := newHarness(t)
	loanID := h.create(t, "create-1", internalInfo("1", "5000", t0.Add(year)))
	h.borrow(t, "borrow-1", loanID, "100", t0)

	restarted := core.NewEngine(h.store, h.feed, h.recorder, nil, nil, core.Config{})
	require.NoError(t, restarted.Restore(context.Background()))
	assert.Equal(t, h.engine.Sequence(), restarted.Sequence())
	assert.Equal(t, h.engine.StateHash(), restarted.StateHash())
	assert.Equal(t, h.engine.Rates().Len(), restarted.Rates().Len())

	debt, err := restarted.CurrentDebt(context.Background(), poolID, loanID, t0.Add(year))
	require.NoError(t, err)
	assert.Equal(t, "105.13", debt.Round(2).String())

	prev := h.engine.StateHash()
	h.recorder.Reset()
	_, err = restarted.Execute(context.Background(), &event.Borrow{Header: hdr("borrow-2", t0.Add(day)), LoanID: loanID, Amount: dec("10")})
	require.NoError(t, err)
	assert.Equal(t, -1, core.VerifyChain(prev, h.recorder.Events()))
	assert.Equal(t, int64(3), h.recorder.Events()[0].Sequence)
}

// ============================================================================
// Runner
// ============================================================================

func TestRunner_StampsAndSerialises(t *testing.T) {
	h := newHarness(t)
	clk := clock.NewMock()
	clk.Add(t0.Sub(clk.Now()))

	runner := core.NewRunner(h.engine, clk, 8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	res, err := runner.Submit(ctx, &event.CreateLoan{
		Header:   event.Header{Key: "create-1", PoolID: poolID},
		Borrower: "borrower-1",
		Info:     internalInfo("0.8", "1000", t0.Add(year)),
	})
	require.NoError(t, err)

	var loan *state.Loan
	require.NoError(t, runner.Query(ctx, func(e *core.Engine) error {
		var err error
		loan, err = e.GetLoan(ctx, poolID, res.LoanID)
		return err
	}))
	assert.Equal(t, t0, loan.CreatedAt)
	assert.Equal(t, t0, runner.Now())

	cancel()
	require.NoError(t, <-done)

	_, err = runner.Submit(context.Background(), &event.CloseLoan{Header: hdr("close-1", t0), LoanID: res.LoanID})
	assert.ErrorIs(t, err, core.ErrRunnerStopped)
}
