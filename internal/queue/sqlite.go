package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/mkc909/sales-marketing-sub003/internal/model"
)

// SQLiteQueue is a Queue on the SQLite store's scrape_queue table. Claims
// are one UPDATE ... RETURNING statement, atomic on the single connection.
type SQLiteQueue struct {
	db    *sql.DB
	lease time.Duration
	now   func() time.Time
}

// NewSQLiteQueue creates a SQLiteQueue on db (see store.SQLiteStore.DB).
func NewSQLiteQueue(db *sql.DB, lease time.Duration) *SQLiteQueue {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &SQLiteQueue{db: db, lease: lease, now: func() time.Time { return time.Now().UTC() }}
}

var _ Queue = (*SQLiteQueue)(nil)

// Enqueue inserts task.
func (q *SQLiteQueue) Enqueue(ctx context.Context, task model.ScrapeTask, delay time.Duration) (string, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return "", eris.Wrap(err, "sqlite queue: marshal task")
	}
	now := q.now()
	id := uuid.New().String()
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO scrape_queue (id, task, priority, attempt, available_at, enqueued_at) VALUES (?, ?, ?, 0, ?, ?)`,
		id, string(payload), task.Priority, now.Add(clampDelay(delay)).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return "", eris.Wrap(err, "sqlite queue: enqueue")
	}
	return id, nil
}

// Claim leases up to n visible rows.
func (q *SQLiteQueue) Claim(ctx context.Context, n int) ([]Message, error) {
	if n <= 0 {
		n = 10
	}
	now := q.now().UnixMilli()
	rows, err := q.db.QueryContext(ctx, `
		UPDATE scrape_queue SET attempt = attempt + 1, leased_until = ?
		WHERE id IN (
			SELECT id FROM scrape_queue
			WHERE available_at <= ? AND (leased_until IS NULL OR leased_until < ?)
			ORDER BY priority DESC, available_at
			LIMIT ?
		)
		RETURNING id, task, attempt, enqueued_at, last_error, available_at`,
		now+q.lease.Milliseconds(), now, now, n,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite queue: claim")
	}
	defer rows.Close() //nolint:errcheck

	type claimed struct {
		msg         Message
		availableAt int64
	}
	var out []claimed
	for rows.Next() {
		var c claimed
		var payload string
		var enqueuedAt int64
		if err := rows.Scan(&c.msg.ID, &payload, &c.msg.Attempt, &enqueuedAt, &c.msg.LastError, &c.availableAt); err != nil {
			return nil, eris.Wrap(err, "sqlite queue: scan row")
		}
		decodeTask(&c.msg, []byte(payload))
		c.msg.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite queue: iterate rows")
	}

	// RETURNING order is unspecified.
	sort.Slice(out, func(i, j int) bool {
		if out[i].msg.Task.Priority != out[j].msg.Task.Priority {
			return out[i].msg.Task.Priority > out[j].msg.Task.Priority
		}
		return out[i].availableAt < out[j].availableAt
	})
	msgs := make([]Message, len(out))
	for i, c := range out {
		msgs[i] = c.msg
	}
	return msgs, nil
}

// Ack deletes a row.
func (q *SQLiteQueue) Ack(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM scrape_queue WHERE id = ?`, id)
	return q.checkAffected(res, err, "ack", id)
}

// Retry releases a row after delay, keeping its attempt.
func (q *SQLiteQueue) Retry(ctx context.Context, id string, delay time.Duration, reason string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE scrape_queue SET available_at = ?, leased_until = NULL, last_error = ? WHERE id = ?`,
		q.now().Add(clampDelay(delay)).UnixMilli(), reason, id,
	)
	return q.checkAffected(res, err, "retry", id)
}

// Defer releases a row after delay and refunds its attempt.
func (q *SQLiteQueue) Defer(ctx context.Context, id string, delay time.Duration) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE scrape_queue SET available_at = ?, leased_until = NULL, attempt = MAX(attempt - 1, 0) WHERE id = ?`,
		q.now().Add(clampDelay(delay)).UnixMilli(), id,
	)
	return q.checkAffected(res, err, "defer", id)
}

func (q *SQLiteQueue) checkAffected(res sql.Result, err error, op, id string) error {
	if err != nil {
		return eris.Wrapf(err, "sqlite queue: %s %s", op, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite queue: %s %s", op, id)
	}
	if n == 0 {
		return eris.Wrapf(ErrUnknownMessage, "sqlite queue: %s", id)
	}
	return nil
}

// Depth counts every row.
func (q *SQLiteQueue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT count(*) FROM scrape_queue`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite queue: depth")
	}
	return n, nil
}
