// Package deadletter implements the dead-letter queue (C2): an append-only
// log of delivery failures, sharing the same SQLite backend as the message
// store. It has no automatic redelivery loop; redelivery, if any, is a
// separate external tool.
package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/agentrelay/relayd/internal/envelope"
)

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id TEXT PRIMARY KEY,
	envelope TEXT NOT NULL,
	reason TEXT NOT NULL,
	attempt_count INTEGER NOT NULL,
	error_message TEXT,
	dead_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_reason ON dead_letters(reason);
CREATE INDEX IF NOT EXISTS idx_dead_letters_dead_at ON dead_letters(dead_at);
`

// Queue is the dead-letter store.
type Queue struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite file at path and ensures
// its schema. Passing the same path as the message store is fine — SQLite
// tolerates multiple tables in one file — but the queue never depends on
// store internals.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("deadletter: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("deadletter: schema: %w", err)
	}
	return &Queue{db: db}, nil
}

// Close closes the underlying database handle.
func (q *Queue) Close() error { return q.db.Close() }

// Record writes a dead letter. attemptCount is the number of delivery
// attempts already made (0 when the target was never found at all).
func (q *Queue) Record(ctx context.Context, env envelope.Envelope, reason envelope.DeadLetterReason, attemptCount int, errMsg string) (envelope.DeadLetter, error) {
	dl := envelope.DeadLetter{
		ID:           uuid.NewString(),
		Envelope:     env,
		Reason:       reason,
		AttemptCount: attemptCount,
		ErrorMessage: truncate(errMsg, 2000),
		DeadAt:       time.Now(),
	}

	envJSON, err := json.Marshal(env)
	if err != nil {
		return dl, err
	}

	_, err = q.db.ExecContext(ctx, `INSERT INTO dead_letters (id, envelope, reason, attempt_count, error_message, dead_at)
		VALUES (?,?,?,?,?,?)`,
		dl.ID, string(envJSON), string(dl.Reason), dl.AttemptCount, dl.ErrorMessage, dl.DeadAt.UnixMilli())
	return dl, err
}

// Filter selects a subset of dead letters for List.
type Filter struct {
	Reason  envelope.DeadLetterReason
	SinceMs int64
	Limit   int
}

// List returns dead letters matching filter, most recent first.
func (q *Queue) List(ctx context.Context, filter Filter) ([]envelope.DeadLetter, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT id, envelope, reason, attempt_count, error_message, dead_at FROM dead_letters WHERE 1=1`
	var args []any
	if filter.Reason != "" {
		query += ` AND reason = ?`
		args = append(args, string(filter.Reason))
	}
	if filter.SinceMs > 0 {
		query += ` AND dead_at >= ?`
		args = append(args, filter.SinceMs)
	}
	query += ` ORDER BY dead_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []envelope.DeadLetter
	for rows.Next() {
		var dl envelope.DeadLetter
		var envJSON, reason string
		var deadAt int64
		var errMsg sql.NullString
		if err := rows.Scan(&dl.ID, &envJSON, &reason, &dl.AttemptCount, &errMsg, &deadAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(envJSON), &dl.Envelope); err != nil {
			return nil, err
		}
		dl.Reason = envelope.DeadLetterReason(reason)
		dl.ErrorMessage = errMsg.String
		dl.DeadAt = time.UnixMilli(deadAt)
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Purge deletes dead letters matching filter and returns the count removed.
// A non-zero SinceMs selects rows whose dead_at is before it, i.e. the
// older rows. An empty filter purges everything.
func (q *Queue) Purge(ctx context.Context, filter Filter) (int64, error) {
	query := `DELETE FROM dead_letters WHERE 1=1`
	var args []any
	if filter.Reason != "" {
		query += ` AND reason = ?`
		args = append(args, string(filter.Reason))
	}
	if filter.SinceMs > 0 {
		query += ` AND dead_at < ?`
		args = append(args, filter.SinceMs)
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
