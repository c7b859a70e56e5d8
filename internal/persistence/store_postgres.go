package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"LoanLedger/internal/state"
	"LoanLedger/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PostgresStore persists loans, pools and rate buckets in the ledger schema.
// Records are stored as JSONB with the columns needed for filtering pulled
// out alongside. Each Apply runs in one transaction.
type PostgresStore struct {
	db *sql.DB
}

var _ store.Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetLoan(ctx context.Context, poolID uuid.UUID, loanID uint64) (*state.Loan, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT record FROM ledger.loans WHERE pool_id = $1 AND loan_id = $2
	`, poolID, int64(loanID)).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrLoanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query loan: %w", err)
	}
	return decodeLoan(record)
}

func (s *PostgresStore) IterateLoans(ctx context.Context, poolID uuid.UUID, fn func(*state.Loan) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM ledger.loans WHERE pool_id = $1 ORDER BY loan_id ASC
	`, poolID)
	if err != nil {
		return fmt.Errorf("query loans: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return err
		}
		loan, err := decodeLoan(record)
		if err != nil {
			return err
		}
		if err := fn(loan); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresStore) GetPool(ctx context.Context, poolID uuid.UUID) (*state.PoolRecord, error) {
	var (
		policy, valuation []byte
		lastLoanID        int64
		version           int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT write_off_policy, valuation, last_loan_id, version
		FROM ledger.pools WHERE pool_id = $1
	`, poolID).Scan(&policy, &valuation, &lastLoanID, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrPoolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query pool: %w", err)
	}

	pool := state.NewPoolRecord(poolID, nil)
	if err := json.Unmarshal(policy, &pool.WriteOffPolicy); err != nil {
		return nil, fmt.Errorf("decode write-off policy: %w", err)
	}
	if err := json.Unmarshal(valuation, &pool.Valuation); err != nil {
		return nil, fmt.Errorf("decode valuation: %w", err)
	}
	if pool.Valuation.PerLoan == nil {
		pool.Valuation.PerLoan = map[uint64]decimal.Decimal{}
	}
	pool.LastLoanID = uint64(lastLoanID)
	pool.Version = version
	return pool, nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pool_id FROM ledger.pools ORDER BY pool_id`)
	if err != nil {
		return nil, fmt.Errorf("query pools: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) LoadRateBuckets(ctx context.Context) ([]state.RateBucket, state.RateID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM ledger.rate_buckets ORDER BY rate_id ASC`)
	if err != nil {
		return nil, 0, fmt.Errorf("query rate buckets: %w", err)
	}
	defer rows.Close()

	var buckets []state.RateBucket
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, 0, err
		}
		var b state.RateBucket
		if err := json.Unmarshal(record, &b); err != nil {
			return nil, 0, fmt.Errorf("decode rate bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var lastID int64
	err = s.db.QueryRowContext(ctx, `SELECT last_rate_id FROM ledger.engine_meta WHERE id = 1`).Scan(&lastID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("query last rate id: %w", err)
	}
	return buckets, state.RateID(lastID), nil
}

func (s *PostgresStore) ChainTip(ctx context.Context) (store.ChainTip, error) {
	var (
		tip  store.ChainTip
		hash []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT sequence, state_hash FROM ledger.engine_meta WHERE id = 1`).
		Scan(&tip.Sequence, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ChainTip{}, nil
	}
	if err != nil {
		return store.ChainTip{}, fmt.Errorf("query chain tip: %w", err)
	}
	copy(tip.Hash[:], hash)
	return tip, nil
}

// Apply writes the batch in one transaction. Pools go first so new loans
// satisfy their foreign key; released buckets are deleted before upserts so
// a re-created rate can take over its key.
func (s *PostgresStore) Apply(ctx context.Context, b *store.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, p := range b.Pools {
		if err := upsertPool(ctx, tx, p); err != nil {
			return fmt.Errorf("upsert pool %s: %w", p.PoolID, err)
		}
	}
	for _, l := range b.Loans {
		if err := upsertLoan(ctx, tx, l); err != nil {
			return fmt.Errorf("upsert loan %s/%d: %w", l.PoolID, l.LoanID, err)
		}
	}
	for _, id := range b.RateReleased {
		if _, err := tx.ExecContext(ctx, `DELETE FROM ledger.rate_buckets WHERE rate_id = $1`, int64(id)); err != nil {
			return fmt.Errorf("delete rate bucket %d: %w", id, err)
		}
	}
	for i := range b.RateUpserts {
		if err := upsertRateBucket(ctx, tx, &b.RateUpserts[i]); err != nil {
			return fmt.Errorf("upsert rate bucket %d: %w", b.RateUpserts[i].ID, err)
		}
	}
	if b.LastRateID > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE ledger.engine_meta SET last_rate_id = GREATEST(last_rate_id, $1) WHERE id = 1
		`, int64(b.LastRateID)); err != nil {
			return fmt.Errorf("update last rate id: %w", err)
		}
	}
	if b.Tip != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE ledger.engine_meta SET sequence = $1, state_hash = $2 WHERE id = 1
		`, b.Tip.Sequence, b.Tip.Hash[:]); err != nil {
			return fmt.Errorf("update chain tip: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func upsertPool(ctx context.Context, tx *sql.Tx, p *state.PoolRecord) error {
	policy, err := json.Marshal(p.WriteOffPolicy)
	if err != nil {
		return err
	}
	valuation, err := json.Marshal(p.Valuation)
	if err != nil {
		return err
	}
	var valuedAt sql.NullTime
	if !p.Valuation.LastUpdated.IsZero() {
		valuedAt = sql.NullTime{Time: p.Valuation.LastUpdated, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger.pools
			(pool_id, write_off_policy, valuation, valuation_value, valued_at, last_loan_id, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (pool_id) DO UPDATE SET
			write_off_policy = EXCLUDED.write_off_policy,
			valuation        = EXCLUDED.valuation,
			valuation_value  = EXCLUDED.valuation_value,
			valued_at        = EXCLUDED.valued_at,
			last_loan_id     = EXCLUDED.last_loan_id,
			version          = EXCLUDED.version,
			updated_at       = NOW()
	`, p.PoolID, policy, valuation, p.Valuation.Value, valuedAt, int64(p.LastLoanID), p.Version)
	return err
}

func upsertLoan(ctx context.Context, tx *sql.Tx, l *state.Loan) error {
	record, err := json.Marshal(l)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger.loans
			(pool_id, loan_id, status, borrower, total_borrowed, record, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (pool_id, loan_id) DO UPDATE SET
			status         = EXCLUDED.status,
			total_borrowed = EXCLUDED.total_borrowed,
			record         = EXCLUDED.record,
			version        = EXCLUDED.version,
			updated_at     = NOW()
	`, l.PoolID, int64(l.LoanID), l.Status.String(), l.Borrower, l.TotalBorrowed, record, l.Version)
	return err
}

func upsertRateBucket(ctx context.Context, tx *sql.Tx, b *state.RateBucket) error {
	record, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger.rate_buckets (rate_id, rate_key, annual, record, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (rate_id) DO UPDATE SET
			record     = EXCLUDED.record,
			updated_at = NOW()
	`, int64(b.ID), b.Rate.Key(), b.Rate.Annual, record)
	return err
}

func decodeLoan(record []byte) (*state.Loan, error) {
	var l state.Loan
	if err := json.Unmarshal(record, &l); err != nil {
		return nil, fmt.Errorf("decode loan: %w", err)
	}
	return &l, nil
}
