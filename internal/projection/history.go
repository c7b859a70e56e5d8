package projection

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ValuationPoint is one row of a pool's valuation history.
type ValuationPoint struct {
	Sequence  int64
	PoolID    uuid.UUID
	Value     decimal.Decimal
	LoanCount int
	ValuedAt  time.Time
}

// ActivityEntry is one row of a loan's activity.
type ActivityEntry struct {
	Sequence  int64
	PoolID    uuid.UUID
	LoanID    uint64
	EventType string
	Amount    decimal.NullDecimal
	DebtAfter decimal.NullDecimal
	At        time.Time
}

// AccountBalance is the net of a journal account: debits minus credits.
type AccountBalance struct {
	Account string
	Balance decimal.Decimal
}

// HistoryReader serves the projection tables.
type HistoryReader struct {
	db *sql.DB
}

func NewHistoryReader(db *sql.DB) *HistoryReader {
	return &HistoryReader{db: db}
}

// ValuationHistory returns the newest limit valuations of a pool, newest first.
func (r *HistoryReader) ValuationHistory(ctx context.Context, poolID uuid.UUID, limit int) ([]ValuationPoint, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sequence, pool_id, value, loan_count, valued_at
		FROM projections.valuation_history
		WHERE pool_id = $1
		ORDER BY valued_at DESC, sequence DESC
		LIMIT $2
	`, poolID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ValuationPoint, 0)
	for rows.Next() {
		var p ValuationPoint
		if err := rows.Scan(&p.Sequence, &p.PoolID, &p.Value, &p.LoanCount, &p.ValuedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LoanActivity returns the newest limit activity rows of a loan, newest first.
func (r *HistoryReader) LoanActivity(ctx context.Context, poolID uuid.UUID, loanID uint64, limit int) ([]ActivityEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sequence, pool_id, loan_id, event_type, amount, debt_after, at
		FROM projections.loan_activity
		WHERE pool_id = $1 AND loan_id = $2
		ORDER BY sequence DESC
		LIMIT $3
	`, poolID, int64(loanID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ActivityEntry, 0)
	for rows.Next() {
		var (
			e      ActivityEntry
			loanID int64
		)
		if err := rows.Scan(&e.Sequence, &e.PoolID, &loanID, &e.EventType, &e.Amount, &e.DebtAfter, &e.At); err != nil {
			return nil, err
		}
		e.LoanID = uint64(loanID)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AccountBalances nets the journal of a pool per account, ordered by account
// path.
func (r *HistoryReader) AccountBalances(ctx context.Context, poolID uuid.UUID) ([]AccountBalance, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT account, SUM(delta)
		FROM (
			SELECT debit_account AS account, amount AS delta
			FROM projections.journal_entries WHERE pool_id = $1
			UNION ALL
			SELECT credit_account, -amount
			FROM projections.journal_entries WHERE pool_id = $1
		) legs
		GROUP BY account
		ORDER BY account
	`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]AccountBalance, 0)
	for rows.Next() {
		var b AccountBalance
		if err := rows.Scan(&b.Account, &b.Balance); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
