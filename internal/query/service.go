package query

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"LoanLedger/internal/core"
	"LoanLedger/internal/ledger"
	"LoanLedger/internal/observability"
	"LoanLedger/internal/persistence"
	"LoanLedger/internal/projection"
	"LoanLedger/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrHistoryUnavailable is returned by history queries when the service
// runs without a database.
var ErrHistoryUnavailable = errors.New("history unavailable")

// LiveState gives consistent reads of the engine. *core.Runner implements it.
type LiveState interface {
	Query(ctx context.Context, fn func(*core.Engine) error) error
	Now() time.Time
}

// QueryService serves reads. Loan and portfolio reads go through the runner
// so they see exactly the committed state; history reads come from the
// projection tables and carry the projection watermark.
type QueryService struct {
	live    LiveState
	history *projection.HistoryReader
	events  *persistence.EventLogReader
	wm      func(ctx context.Context) (int64, error)
	metrics *observability.Metrics
}

// NewQueryService builds the service. history and events may be nil when no
// database is configured.
func NewQueryService(
	live LiveState,
	history *projection.HistoryReader,
	events *persistence.EventLogReader,
	watermark func(ctx context.Context) (int64, error),
	metrics *observability.Metrics,
) *QueryService {
	return &QueryService{live: live, history: history, events: events, wm: watermark, metrics: metrics}
}

func (qs *QueryService) observe(method string, start time.Time, err error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(method).Inc()
	qs.metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		qs.metrics.QueryErrors.WithLabelValues(method, state.Reason(err)).Inc()
	}
}

// GetLoan returns the loan with debt and value as of at (now when zero).
func (qs *QueryService) GetLoan(ctx context.Context, poolID uuid.UUID, loanID uint64, at time.Time) (resp *LoanResponse, err error) {
	defer func(start time.Time) { qs.observe("GetLoan", start, err) }(time.Now())

	if at.IsZero() {
		at = qs.live.Now()
	}
	err = qs.live.Query(ctx, func(e *core.Engine) error {
		loan, err := e.GetLoan(ctx, poolID, loanID)
		if err != nil {
			return err
		}
		debt, err := loan.CurrentDebt(e.Rates(), at)
		if err != nil {
			return err
		}

		resp = &LoanResponse{
			PoolID:        loan.PoolID,
			LoanID:        loan.LoanID,
			Status:        loan.Status.String(),
			Borrower:      loan.Borrower,
			Pricing:       loan.Info.Pricing.Kind.String(),
			Maturity:      loan.Info.Schedule.Maturity.Date,
			InterestRate:  loan.Info.InterestRate.String(),
			WriteOff:      loan.WriteOff,
			TotalBorrowed: loan.TotalBorrowed,
			TotalRepaid:   loan.TotalRepaid,
			Debt:          debt,
			Version:       loan.Version,
			AsOf:          at,
			AsOfSequence:  e.Sequence(),
		}
		if !loan.OriginationDate.IsZero() {
			od := loan.OriginationDate
			resp.OriginationDate = &od
		}

		value, verr := e.LoanCurrentValue(ctx, poolID, loanID, at)
		if verr != nil {
			if state.IsFatal(verr) {
				return verr
			}
			resp.ValueError = verr.Error()
			return nil
		}
		resp.CurrentValue = &value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetPortfolio returns the pool's cached valuation without recomputing it.
func (qs *QueryService) GetPortfolio(ctx context.Context, poolID uuid.UUID) (resp *PortfolioResponse, err error) {
	defer func(start time.Time) { qs.observe("GetPortfolio", start, err) }(time.Now())

	err = qs.live.Query(ctx, func(e *core.Engine) error {
		v, err := e.PortfolioValue(ctx, poolID)
		if err != nil {
			return err
		}
		resp = &PortfolioResponse{
			PoolID:       poolID,
			Value:        v.Value,
			LastUpdated:  v.LastUpdated,
			LoanCount:    len(v.PerLoan),
			PerLoan:      v.PerLoan,
			AsOfSequence: e.Sequence(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetPool returns the pool's write-off policy and allocator state.
func (qs *QueryService) GetPool(ctx context.Context, poolID uuid.UUID) (resp *PoolResponse, err error) {
	defer func(start time.Time) { qs.observe("GetPool", start, err) }(time.Now())

	err = qs.live.Query(ctx, func(e *core.Engine) error {
		pool, err := e.GetPool(ctx, poolID)
		if err != nil {
			return err
		}
		resp = &PoolResponse{
			PoolID:         pool.PoolID,
			WriteOffPolicy: pool.WriteOffPolicy,
			LastLoanID:     pool.LastLoanID,
			Version:        pool.Version,
			AsOfSequence:   e.Sequence(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetValuationHistory returns the newest limit valuations of a pool.
func (qs *QueryService) GetValuationHistory(ctx context.Context, poolID uuid.UUID, limit int) (resp *HistoryResponse[ValuationPointResponse], err error) {
	defer func(start time.Time) { qs.observe("GetValuationHistory", start, err) }(time.Now())

	if qs.history == nil {
		return nil, ErrHistoryUnavailable
	}
	asOf, err := qs.watermark(ctx)
	if err != nil {
		return nil, err
	}
	points, err := qs.history.ValuationHistory(ctx, poolID, clampLimit(limit))
	if err != nil {
		return nil, err
	}

	resp = &HistoryResponse[ValuationPointResponse]{Items: make([]ValuationPointResponse, 0, len(points)), AsOfSequence: asOf}
	for _, p := range points {
		resp.Items = append(resp.Items, ValuationPointResponse{
			Sequence:  p.Sequence,
			Value:     p.Value,
			LoanCount: p.LoanCount,
			ValuedAt:  p.ValuedAt,
		})
	}
	return resp, nil
}

// GetLoanActivity returns the newest limit activity entries of a loan.
func (qs *QueryService) GetLoanActivity(ctx context.Context, poolID uuid.UUID, loanID uint64, limit int) (resp *HistoryResponse[ActivityResponse], err error) {
	defer func(start time.Time) { qs.observe("GetLoanActivity", start, err) }(time.Now())

	if qs.history == nil {
		return nil, ErrHistoryUnavailable
	}
	asOf, err := qs.watermark(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := qs.history.LoanActivity(ctx, poolID, loanID, clampLimit(limit))
	if err != nil {
		return nil, err
	}

	resp = &HistoryResponse[ActivityResponse]{Items: make([]ActivityResponse, 0, len(entries)), AsOfSequence: asOf}
	for _, e := range entries {
		resp.Items = append(resp.Items, ActivityResponse{
			Sequence:  e.Sequence,
			EventType: e.EventType,
			Amount:    nullable(e.Amount),
			DebtAfter: nullable(e.DebtAfter),
			At:        e.At,
		})
	}
	return resp, nil
}

// GetLoanEvents returns a loan's raw event history in sequence order.
func (qs *QueryService) GetLoanEvents(ctx context.Context, poolID uuid.UUID, loanID uint64, limit int) (resp []EventResponse, err error) {
	defer func(start time.Time) { qs.observe("GetLoanEvents", start, err) }(time.Now())

	if qs.events == nil {
		return nil, ErrHistoryUnavailable
	}
	envs, err := qs.events.LoanHistory(ctx, poolID, loanID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	resp = make([]EventResponse, 0, len(envs))
	for _, env := range envs {
		resp = append(resp, EventResponse{
			Sequence:  env.Sequence,
			EventID:   env.EventID,
			EventType: env.EventType.String(),
			Command:   env.Command,
			Payload:   env.Payload,
			StateHash: hex.EncodeToString(env.StateHash[:]),
			Timestamp: env.Timestamp,
		})
	}
	return resp, nil
}

// --- Admin APIs ---

// VerifyIntegrity walks the event log and recomputes the hash chain, then
// compares its head with the engine's.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer func(start time.Time) { qs.observe("VerifyIntegrity", start, err) }(time.Now())

	if qs.events == nil {
		return nil, ErrHistoryUnavailable
	}

	report = &IntegrityReport{}
	err = qs.live.Query(ctx, func(e *core.Engine) error {
		report.EngineSequence = e.Sequence()
		h := e.StateHash()
		report.EngineStateHash = hex.EncodeToString(h[:])
		return nil
	})
	if err != nil {
		return nil, err
	}

	const page = 1000
	prev := core.GenesisHash()
	tracker := ledger.NewBalanceTracker()
	var from int64 = 1
	for {
		events, err := qs.events.LoadEventsFrom(ctx, from, page)
		if err != nil {
			return nil, fmt.Errorf("load events from %d: %w", from, err)
		}
		if i := core.VerifyChain(prev, events); i >= 0 {
			seq := events[i].Sequence
			report.FirstBreak = &seq
			report.EventsChecked += int64(i)
			return report, nil
		}
		for _, env := range events {
			batch, err := ledger.FromEnvelope(env)
			if err == nil && batch != nil {
				err = tracker.ApplyBatch(batch)
			}
			if err != nil && report.LedgerError == "" {
				report.LedgerError = fmt.Sprintf("sequence %d: %v", env.Sequence, err)
			}
		}
		report.EventsChecked += int64(len(events))
		if len(events) > 0 {
			last := events[len(events)-1]
			prev = last.StateHash
			report.LoggedSequence = last.Sequence
			from = last.Sequence + 1
		}
		if len(events) < page {
			break
		}
	}

	if report.LedgerError == "" {
		validator := ledger.NewInvariantValidator(tracker)
		if err := validator.ValidateGlobalBalance(); err != nil {
			report.LedgerError = err.Error()
		}
		for poolID := range tracker.ComputePoolBalances() {
			if err := validator.ValidateIncome(poolID); err != nil && report.LedgerError == "" {
				report.LedgerError = err.Error()
			}
		}
	}
	report.LedgerBalanced = report.LedgerError == ""

	// The log trails the engine while the persistence worker drains, so only
	// a log that runs ahead of the engine is inconsistent.
	report.IsHealthy = report.LoggedSequence <= report.EngineSequence && report.LedgerBalanced
	return report, nil
}

// --- helpers ---

// GetPoolBalances nets the projected cash journal of a pool per account.
func (qs *QueryService) GetPoolBalances(ctx context.Context, poolID uuid.UUID) (resp *HistoryResponse[AccountBalanceResponse], err error) {
	defer func(start time.Time) { qs.observe("GetPoolBalances", start, err) }(time.Now())

	if qs.history == nil {
		return nil, ErrHistoryUnavailable
	}
	asOf, err := qs.watermark(ctx)
	if err != nil {
		return nil, err
	}
	balances, err := qs.history.AccountBalances(ctx, poolID)
	if err != nil {
		return nil, err
	}

	resp = &HistoryResponse[AccountBalanceResponse]{Items: make([]AccountBalanceResponse, 0, len(balances)), AsOfSequence: asOf}
	for _, b := range balances {
		resp.Items = append(resp.Items, AccountBalanceResponse{Account: b.Account, Balance: b.Balance})
	}
	return resp, nil
}

func (qs *QueryService) watermark(ctx context.Context) (int64, error) {
	if qs.wm == nil {
		return 0, nil
	}
	return qs.wm(ctx)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

func nullable(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}
