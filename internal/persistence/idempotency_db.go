package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresIdempotencyChecker looks keys up in the event log. It backs the
// in-memory LRU for keys that were evicted or predate a restart.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate reports whether a command with this name and key has already
// produced events.
func (pic *PostgresIdempotencyChecker) IsDuplicate(ctx context.Context, command, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.events
		WHERE command = $1 AND idempotency_key = $2
		LIMIT 1
	`, command, idempotencyKey).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys returns up to limit "command:key" pairs, oldest first, for
// warming the LRU on startup.
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT command, idempotency_key FROM (
			SELECT command, idempotency_key, MAX(sequence) AS seq
			FROM event_log.events
			WHERE idempotency_key <> ''
			GROUP BY command, idempotency_key
			ORDER BY seq DESC
			LIMIT $1
		) recent
		ORDER BY seq ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var command, key string
		if err := rows.Scan(&command, &key); err != nil {
			return nil, err
		}
		keys = append(keys, command+":"+key)
	}
	return keys, rows.Err()
}
