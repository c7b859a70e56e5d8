package persistence

import (
	"context"
	"database/sql"

	"LoanLedger/internal/event"

	"github.com/google/uuid"
)

// EventLogReader reads the append-only event log for replay, chain
// verification and projection catch-up.
type EventLogReader struct {
	db *sql.DB
}

func NewEventLogReader(db *sql.DB) *EventLogReader {
	return &EventLogReader{db: db}
}

// LoadEventsFrom returns up to limit events with sequence >= fromSequence.
func (r *EventLogReader) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.EventEnvelope, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sequence, event_id, event_type, command, idempotency_key, pool_id, loan_id,
		       payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*event.EventEnvelope
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventID, &e.EventType, &e.Command, &e.IdempotencyKey, &e.PoolID, &e.LoanID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e.Envelope())
	}
	return events, rows.Err()
}

// LoanHistory returns every event recorded for one loan in sequence order.
func (r *EventLogReader) LoanHistory(ctx context.Context, poolID uuid.UUID, loanID uint64, limit int) ([]*event.EventEnvelope, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sequence, event_id, event_type, command, idempotency_key, pool_id, loan_id,
		       payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE pool_id = $1 AND loan_id = $2
		ORDER BY sequence ASC
		LIMIT $3
	`, poolID, int64(loanID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*event.EventEnvelope
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventID, &e.EventType, &e.Command, &e.IdempotencyKey, &e.PoolID, &e.LoanID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e.Envelope())
	}
	return events, rows.Err()
}

// LatestSequence returns the highest sequence in the event log, 0 if empty.
func (r *EventLogReader) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
