package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"LoanLedger/internal/event"

	"github.com/google/uuid"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter appends envelopes to event_log.events using multi-row
// INSERT. Rows that collide on sequence or on
// (command, idempotency_key, event_type) are skipped, so replays are
// harmless. A command emitting several events has one row per event type.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventID        uuid.UUID
	EventType      string
	Command        string
	IdempotencyKey string
	PoolID         uuid.UUID
	LoanID         int64
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

const eventColumns = 11

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowFromEnvelope flattens an envelope for storage.
func RowFromEnvelope(env *event.EventEnvelope) EventRow {
	return EventRow{
		Sequence:       env.Sequence,
		EventID:        env.EventID,
		EventType:      env.EventType.String(),
		Command:        env.Command,
		IdempotencyKey: env.IdempotencyKey,
		PoolID:         env.PoolID,
		LoanID:         int64(env.LoanID),
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
	}
}

// Envelope is the inverse of RowFromEnvelope.
func (r EventRow) Envelope() *event.EventEnvelope {
	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		EventID:        r.EventID,
		IdempotencyKey: r.IdempotencyKey,
		Command:        r.Command,
		EventType:      event.ParseEventType(r.EventType),
		PoolID:         r.PoolID,
		LoanID:         uint64(r.LoanID),
		Timestamp:      r.Timestamp,
		Payload:        r.Payload,
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env
}

// WriteEventBatch writes rows through ex, which is the writer's DB when nil.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, events []EventRow, ex execer) error {
	if len(events) == 0 {
		return nil
	}
	if ex == nil {
		ex = w.db
	}

	query := `INSERT INTO event_log.events
		(sequence, event_id, event_type, command, idempotency_key, pool_id, loan_id, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*eventColumns)

	for i, e := range events {
		base := i * eventColumns
		placeholders := make([]string, eventColumns)
		for c := range placeholders {
			placeholders[c] = fmt.Sprintf("$%d", base+c+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			e.Sequence, e.EventID, e.EventType, e.Command, e.IdempotencyKey, e.PoolID,
			e.LoanID, e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
