package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"LoanLedger/internal/event"
	"LoanLedger/internal/observability"
	"LoanLedger/internal/oracle"
	"LoanLedger/internal/state"
	"LoanLedger/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Config tunes the engine.
type Config struct {
	// Quotes older than this are stale for valuation and default the
	// price-outdated trigger.
	MaxPriceAge time.Duration
	// Policy given to pools created implicitly by CreateLoan.
	DefaultPolicy []state.WriteOffRule
	// In-memory idempotency keys.
	IdempotencyCapacity int
}

// Engine executes loan operations. It is single-threaded: the rate
// accumulator and hash chain are owned by whichever goroutine calls it,
// normally the Runner.
type Engine struct {
	store       store.Store
	feed        oracle.PriceFeed
	sink        event.Sink
	rates       *state.RateAccumulator
	idempotency *IdempotencyChecker
	hasher      *StateHasher
	sequence    int64
	lastAt      time.Time
	cfg         Config
	metrics     *observability.Metrics
	log         zerolog.Logger
}

// Result is what a committed (or deduplicated) command produced.
type Result struct {
	Op        event.CommandType
	Duplicate bool
	LoanID    uint64
	Cash      decimal.Decimal
	Repaid    state.RepaidAmount
	WriteOff  state.WriteOffStatus
	Changed   bool
	Valuation *state.PortfolioValuation
	Events    []*event.EventEnvelope
}

func NewEngine(
	st store.Store,
	feed oracle.PriceFeed,
	sink event.Sink,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	cfg Config,
) *Engine {
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = 100_000
	}
	if sink == nil {
		sink = event.FanOut{}
	}
	return &Engine{
		store:       st,
		feed:        feed,
		sink:        sink,
		rates:       state.NewRateAccumulator(),
		idempotency: NewIdempotencyChecker(cfg.IdempotencyCapacity, dbChecker, metrics),
		hasher:      NewStateHasher(),
		cfg:         cfg,
		metrics:     metrics,
		log:         observability.NewLogger("engine"),
	}
}

// Restore loads the persisted rate buckets and resumes the event sequence
// and hash chain from the store. Call once before the first operation.
func (e *Engine) Restore(ctx context.Context) error {
	buckets, lastID, err := e.store.LoadRateBuckets(ctx)
	if err != nil {
		return fmt.Errorf("load rate buckets: %w", err)
	}
	tip, err := e.store.ChainTip(ctx)
	if err != nil {
		return fmt.Errorf("load chain tip: %w", err)
	}
	e.rates.Restore(buckets, lastID)
	e.lastAt = e.rates.LatestUpdate()
	e.sequence = tip.Sequence
	if tip.Sequence > 0 {
		e.hasher.SetPrevHash(tip.Hash)
	}
	e.log.Info().
		Int("rate_buckets", len(buckets)).
		Int64("sequence", tip.Sequence).
		Msg("engine state restored")
	return nil
}

// WarmIdempotency preloads recently committed op:key pairs.
func (e *Engine) WarmIdempotency(keys []string) {
	e.idempotency.Warm(keys)
}

// LastCommitted is the timestamp of the newest committed operation.
// Commands stamped earlier are rejected.
func (e *Engine) LastCommitted() time.Time {
	return e.lastAt
}

func (e *Engine) Sequence() int64 {
	return e.sequence
}

func (e *Engine) StateHash() [32]byte {
	return e.hasher.GetPrevHash()
}

// Rates exposes the accumulator for inspection. Callers must be on the
// engine goroutine.
func (e *Engine) Rates() *state.RateAccumulator {
	return e.rates
}

// --- Command pipeline ---

// Execute deduplicates, dispatches and records metrics for one command.
func (e *Engine) Execute(ctx context.Context, cmd event.Command) (*Result, error) {
	start := time.Now()
	op := cmd.CommandType().String()
	key := cmd.IdempotencyKey()

	if key != "" && e.idempotency.IsDuplicate(ctx, op, key) {
		if e.metrics != nil {
			e.metrics.EngineOpsRejected.WithLabelValues(op, "duplicate").Inc()
		}
		e.log.Debug().Str("op", op).Str("key", key).Msg("duplicate command skipped")
		return &Result{Op: cmd.CommandType(), Duplicate: true}, nil
	}
	if cmd.Timestamp().IsZero() {
		err := fmt.Errorf("%w: %s without timestamp", state.ErrValidation, op)
		e.recordFailure(op, cmd, err)
		return nil, err
	}
	if cmd.Timestamp().Unix() < e.lastAt.Unix() {
		err := fmt.Errorf("%w: %s at %s precedes last commit at %s",
			state.ErrValidation, op, cmd.Timestamp().Format(time.RFC3339), e.lastAt.Format(time.RFC3339))
		e.recordFailure(op, cmd, err)
		return nil, err
	}

	res, err := e.dispatch(ctx, cmd)
	if err != nil {
		e.recordFailure(op, cmd, err)
		return nil, err
	}

	if key != "" {
		e.idempotency.MarkProcessed(op, key)
	}
	if e.metrics != nil {
		e.metrics.EngineOpsApplied.WithLabelValues(op).Inc()
		e.metrics.EngineOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		e.metrics.EngineSequence.Set(float64(e.sequence))
		e.metrics.RateBuckets.Set(float64(e.rates.Len()))
	}
	e.log.Debug().
		Str("op", op).
		Str("pool", cmd.Pool().String()).
		Uint64("loan", res.LoanID).
		Int("events", len(res.Events)).
		Msg("operation committed")
	return res, nil
}

func (e *Engine) dispatch(ctx context.Context, cmd event.Command) (*Result, error) {
	switch c := cmd.(type) {
	case *event.CreateLoan:
		return e.CreateLoan(ctx, c)
	case *event.Borrow:
		return e.Borrow(ctx, c)
	case *event.Repay:
		return e.Repay(ctx, c)
	case *event.ApplyWriteOff:
		return e.ApplyWriteOff(ctx, c)
	case *event.AdminWriteOff:
		return e.AdminWriteOff(ctx, c)
	case *event.CloseLoan:
		return e.CloseLoan(ctx, c)
	case *event.MutateLoan:
		return e.MutateLoan(ctx, c)
	case *event.UpdatePortfolioValuation:
		return e.UpdatePortfolioValuation(ctx, c)
	case *event.UpdateWriteOffPolicy:
		return e.UpdateWriteOffPolicy(ctx, c)
	case *event.TransferDebt:
		return e.TransferDebt(ctx, c)
	default:
		return nil, fmt.Errorf("%w: unknown command %T", state.ErrValidation, cmd)
	}
}

func (e *Engine) recordFailure(op string, cmd event.Command, err error) {
	reason := state.Reason(err)
	if e.metrics != nil {
		e.metrics.EngineOpsRejected.WithLabelValues(op, reason).Inc()
	}
	if state.IsFatal(err) {
		if e.metrics != nil {
			e.metrics.EngineFatalErrors.Inc()
		}
		e.log.Error().Err(err).Str("op", op).Str("pool", cmd.Pool().String()).Msg("arithmetic overflow, operation aborted")
		return
	}
	e.log.Debug().Err(err).Str("op", op).Str("reason", reason).Msg("operation rejected")
}

// --- Transactions ---

// txn collects the records and events of one operation. Nothing is visible
// to the store or the sink until commit; rollback undoes bucket changes.
type txn struct {
	e     *Engine
	op    string
	key   string
	at    time.Time
	batch store.Batch
	envs  []*event.EventEnvelope
}

func (e *Engine) begin(cmd event.Command) *txn {
	e.rates.Begin()
	return &txn{e: e, op: cmd.CommandType().String(), key: cmd.IdempotencyKey(), at: cmd.Timestamp()}
}

func (t *txn) putLoan(l *state.Loan) {
	t.batch.Loans = append(t.batch.Loans, l)
}

func (t *txn) putPool(p *state.PoolRecord) {
	t.batch.Pools = append(t.batch.Pools, p)
}

func (t *txn) emit(poolID uuid.UUID, loanID uint64, at time.Time, p event.Payload) error {
	env, err := event.NewEnvelope(t.key, poolID, loanID, at, p)
	if err != nil {
		return err
	}
	env.Command = t.op
	t.envs = append(t.envs, env)
	return nil
}

// commit seals the events, writes the batch together with the new chain
// tip, keeps the bucket changes and emits the events.
func (t *txn) commit(ctx context.Context) ([]*event.EventEnvelope, error) {
	e := t.e
	t.batch.RateUpserts, t.batch.RateReleased = e.rates.TakeDirty()
	t.batch.LastRateID = e.rates.LastIssued()

	seq, prev := e.sequence, e.hasher.GetPrevHash()
	for _, env := range t.envs {
		e.seal(env)
	}
	if len(t.envs) > 0 {
		t.batch.Tip = &store.ChainTip{Sequence: e.sequence, Hash: e.hasher.GetPrevHash()}
	}

	if !t.batch.IsEmpty() {
		start := time.Now()
		if err := e.store.Apply(ctx, &t.batch); err != nil {
			e.sequence = seq
			e.hasher.SetPrevHash(prev)
			return nil, fmt.Errorf("persist batch: %w", err)
		}
		if e.metrics != nil {
			e.metrics.StoreApplyDuration.Observe(time.Since(start).Seconds())
		}
	}
	e.rates.Commit()
	if t.at.After(e.lastAt) {
		e.lastAt = t.at
	}

	for _, env := range t.envs {
		e.sink.Emit(env)
	}
	return t.envs, nil
}

func (t *txn) rollback() {
	t.e.rates.Rollback()
}

func (e *Engine) seal(env *event.EventEnvelope) {
	e.sequence++
	env.Sequence = e.sequence
	env.PrevHash = e.hasher.GetPrevHash()
	env.StateHash = e.hasher.ComputeHash(env.Sequence, EventDigest(env))
}

// --- Loading ---

// poolOrDefault returns the pool, creating it with the default policy if
// it does not exist yet.
func (e *Engine) poolOrDefault(ctx context.Context, poolID uuid.UUID) (*state.PoolRecord, error) {
	pool, err := e.store.GetPool(ctx, poolID)
	if errors.Is(err, state.ErrPoolNotFound) {
		e.log.Info().Str("pool", poolID.String()).Msg("creating pool with default write-off policy")
		return state.NewPoolRecord(poolID, e.cfg.DefaultPolicy), nil
	}
	return pool, err
}

func (e *Engine) loadLoan(ctx context.Context, poolID uuid.UUID, loanID uint64) (*state.Loan, error) {
	loan, err := e.store.GetLoan(ctx, poolID, loanID)
	if err != nil {
		return nil, fmt.Errorf("loan %s/%d: %w", poolID, loanID, err)
	}
	return loan, nil
}

// quote resolves the oracle price of an external loan. A missing price is a
// nil quote, not an error.
func (e *Engine) quote(ctx context.Context, loan *state.Loan) (*state.PriceQuote, error) {
	if !loan.IsExternal() || e.feed == nil {
		return nil, nil
	}
	priceID := loan.Info.Pricing.External.PriceID
	q, err := e.feed.Quote(ctx, priceID)
	if errors.Is(err, oracle.ErrPriceNotFound) {
		return nil, nil
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.OracleErrors.WithLabelValues("feed").Inc()
		}
		e.log.Warn().Err(err).Str("price_id", priceID).Msg("oracle lookup failed")
		return nil, fmt.Errorf("%w: %s: %v", state.ErrOracleUnavailable, priceID, err)
	}
	return &q, nil
}

func (e *Engine) loanValue(ctx context.Context, loan *state.Loan, at time.Time) (decimal.Decimal, error) {
	q, err := e.quote(ctx, loan)
	if err != nil {
		return decimal.Zero, err
	}
	v, err := loan.CurrentValue(e.rates, state.ValuationInput{At: at, Quote: q, MaxPriceAge: e.cfg.MaxPriceAge})
	if err != nil && e.metrics != nil {
		switch {
		case errors.Is(err, state.ErrOracleStale):
			e.metrics.OracleErrors.WithLabelValues("stale").Inc()
		case errors.Is(err, state.ErrOracleUnavailable):
			e.metrics.OracleErrors.WithLabelValues("unavailable").Inc()
		}
	}
	return v, err
}

func (e *Engine) policyStatus(ctx context.Context, loan *state.Loan, at time.Time) (state.WriteOffStatus, error) {
	pool, err := e.store.GetPool(ctx, loan.PoolID)
	if err != nil {
		return state.WriteOffStatus{}, fmt.Errorf("pool %s: %w", loan.PoolID, err)
	}
	q, err := e.quote(ctx, loan)
	if err != nil {
		return state.WriteOffStatus{}, err
	}
	status, _ := state.EvaluatePolicy(pool.WriteOffPolicy, loan.WriteOffFacts(q, at, e.cfg.MaxPriceAge))
	return status, nil
}

// --- Queries ---

// GetLoan returns the stored loan record.
func (e *Engine) GetLoan(ctx context.Context, poolID uuid.UUID, loanID uint64) (*state.Loan, error) {
	return e.loadLoan(ctx, poolID, loanID)
}

// CurrentDebt is the loan's debt as of at (zero unless active).
func (e *Engine) CurrentDebt(ctx context.Context, poolID uuid.UUID, loanID uint64, at time.Time) (decimal.Decimal, error) {
	loan, err := e.loadLoan(ctx, poolID, loanID)
	if err != nil {
		return decimal.Zero, err
	}
	return loan.CurrentDebt(e.rates, at)
}

// LoanCurrentValue is the loan's present value after write-down.
func (e *Engine) LoanCurrentValue(ctx context.Context, poolID uuid.UUID, loanID uint64, at time.Time) (decimal.Decimal, error) {
	loan, err := e.loadLoan(ctx, poolID, loanID)
	if err != nil {
		return decimal.Zero, err
	}
	return e.loanValue(ctx, loan, at)
}

// PortfolioValue returns the cached valuation without recomputing it.
func (e *Engine) PortfolioValue(ctx context.Context, poolID uuid.UUID) (state.PortfolioValuation, error) {
	pool, err := e.store.GetPool(ctx, poolID)
	if err != nil {
		return state.PortfolioValuation{}, fmt.Errorf("pool %s: %w", poolID, err)
	}
	return pool.Valuation, nil
}

// GetPool returns the pool record.
func (e *Engine) GetPool(ctx context.Context, poolID uuid.UUID) (*state.PoolRecord, error) {
	pool, err := e.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", poolID, err)
	}
	return pool, nil
}
