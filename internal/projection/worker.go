package projection

import (
	"context"
	"database/sql"
	"fmt"

	"LoanLedger/internal/event"
	"LoanLedger/internal/ledger"
	"LoanLedger/internal/observability"
	"LoanLedger/internal/persistence"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const workerID = "main"

// ProjectionWorker maintains the read-side tables (valuation history, loan
// activity and the cash journal) from committed events. Its channel is non-blocking with
// drop; a lagging projection is rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan *event.EventEnvelope
	lastSeq   int64
	log       zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan *event.EventEnvelope) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		log:       observability.NewLogger("projection"),
	}
}

// LastSequence is the last sequence the worker handled.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if err := pw.Apply(ctx, env); err != nil {
				pw.log.Warn().Err(err).Int64("sequence", env.Sequence).Msg("projection update failed")
			}
			pw.lastSeq = env.Sequence
		}
	}
}

// Apply projects one event and advances the watermark in the same
// transaction. Rows are keyed by sequence so replays are no-ops.
func (pw *ProjectionWorker) Apply(ctx context.Context, env *event.EventEnvelope) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := project(ctx, tx, env); err != nil {
		return err
	}
	if err := postJournal(ctx, tx, env); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = GREATEST(projections.watermark.last_sequence, $2), updated_at = NOW()
	`, workerID, env.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func project(ctx context.Context, tx *sql.Tx, env *event.EventEnvelope) error {
	payload, err := env.Decode()
	if err != nil {
		return err
	}

	var amount, debt decimal.NullDecimal
	switch p := payload.(type) {
	case *event.PortfolioValuationUpdated:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.valuation_history (sequence, pool_id, value, loan_count, valued_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (sequence) DO NOTHING
		`, env.Sequence, env.PoolID, p.Value, p.LoanCount, p.LastUpdated)
		if err != nil {
			return fmt.Errorf("valuation history: %w", err)
		}
		return nil
	case *event.WriteOffPolicyUpdated:
		return nil
	case *event.LoanBorrowed:
		amount = decimal.NewNullDecimal(p.Principal)
		debt = decimal.NewNullDecimal(p.Debt)
	case *event.LoanRepaid:
		amount = decimal.NewNullDecimal(p.Repaid.Total())
		debt = decimal.NewNullDecimal(p.Debt)
	case *event.LoanWrittenOff:
		amount = decimal.NewNullDecimal(p.Status.Percentage)
	case *event.LoanClosed:
		debt = decimal.NewNullDecimal(decimal.Zero)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.loan_activity (sequence, pool_id, loan_id, event_type, amount, debt_after, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sequence) DO NOTHING
	`, env.Sequence, env.PoolID, int64(env.LoanID), env.EventType.String(), amount, debt, env.Timestamp)
	if err != nil {
		return fmt.Errorf("loan activity: %w", err)
	}
	return nil
}

// postJournal writes the cash legs of a draw or repayment.
func postJournal(ctx context.Context, tx *sql.Tx, env *event.EventEnvelope) error {
	batch, err := ledger.FromEnvelope(env)
	if err != nil || batch == nil {
		return err
	}
	for _, j := range batch.Journals {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.journal_entries
				(sequence, leg, journal_id, pool_id, loan_id, journal_type, debit_account, credit_account, amount, event_ref, at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (sequence, leg) DO NOTHING
		`, j.Sequence, j.Leg, j.JournalID, batch.PoolID, int64(env.LoanID), j.JournalType.String(),
			j.DebitAccount.AccountPath(), j.CreditAccount.AccountPath(), j.Amount, j.EventRef, j.Timestamp)
		if err != nil {
			return fmt.Errorf("journal leg %d: %w", j.Leg, err)
		}
	}
	return nil
}

// Watermark returns the last projected sequence, 0 if none.
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, workerID,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

// CatchUp replays events after the watermark from the event log. Called on
// startup and after drops.
func (pw *ProjectionWorker) CatchUp(ctx context.Context, reader *persistence.EventLogReader, pageSize int) (int, error) {
	from, err := Watermark(ctx, pw.db)
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}

	applied := 0
	for {
		events, err := reader.LoadEventsFrom(ctx, from+1, pageSize)
		if err != nil {
			return applied, fmt.Errorf("load events from %d: %w", from+1, err)
		}
		for _, env := range events {
			if err := pw.Apply(ctx, env); err != nil {
				return applied, fmt.Errorf("project seq %d: %w", env.Sequence, err)
			}
			from = env.Sequence
			pw.lastSeq = env.Sequence
			applied++
		}
		if len(events) < pageSize {
			break
		}
	}
	if applied > 0 {
		pw.log.Info().Int("events", applied).Int64("watermark", from).Msg("projection caught up")
	}
	return applied, nil
}

// RebuildProjections truncates the projection tables and replays the whole
// event log.
func RebuildProjections(ctx context.Context, db *sql.DB, reader *persistence.EventLogReader) error {
	truncateStatements := []string{
		`TRUNCATE projections.valuation_history`,
		`TRUNCATE projections.loan_activity`,
		`TRUNCATE projections.journal_entries`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	pw := NewProjectionWorker(db, nil)
	n, err := pw.CatchUp(ctx, reader, 1000)
	if err != nil {
		return err
	}
	pw.log.Info().Int("events", n).Msg("projection rebuild complete")
	return nil
}
