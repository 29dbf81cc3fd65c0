package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/mkc909/sales-marketing-sub003/internal/db"
	"github.com/mkc909/sales-marketing-sub003/internal/model"
)

// PostgresQueue is a Queue on the scrape_queue table. Concurrent consumers
// claim disjoint rows with FOR UPDATE SKIP LOCKED.
type PostgresQueue struct {
	pool  db.Pool
	lease time.Duration
	now   func() time.Time
}

// NewPostgresQueue creates a PostgresQueue with the given lease (default 5m).
func NewPostgresQueue(pool db.Pool, lease time.Duration) *PostgresQueue {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &PostgresQueue{pool: pool, lease: lease, now: func() time.Time { return time.Now().UTC() }}
}

var _ Queue = (*PostgresQueue)(nil)

// Enqueue inserts task.
func (q *PostgresQueue) Enqueue(ctx context.Context, task model.ScrapeTask, delay time.Duration) (string, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return "", eris.Wrap(err, "postgres queue: marshal task")
	}
	now := q.now()
	id := uuid.New().String()
	_, err = q.pool.Exec(ctx, `
		INSERT INTO scrape_queue (id, task, priority, attempt, available_at, enqueued_at)
		VALUES ($1, $2, $3, 0, $4, $5)`,
		id, payload, task.Priority, now.Add(clampDelay(delay)), now,
	)
	if err != nil {
		return "", eris.Wrap(err, "postgres queue: enqueue")
	}
	return id, nil
}

// Claim leases up to n visible rows.
func (q *PostgresQueue) Claim(ctx context.Context, n int) ([]Message, error) {
	if n <= 0 {
		n = 10
	}
	now := q.now()

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres queue: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, task, attempt, enqueued_at, last_error
		FROM scrape_queue
		WHERE available_at <= $1 AND (leased_until IS NULL OR leased_until < $1)
		ORDER BY priority DESC, available_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		now, n,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres queue: claim rows")
	}

	var claimed []Message
	for rows.Next() {
		var m Message
		var payload []byte
		if err := rows.Scan(&m.ID, &payload, &m.Attempt, &m.EnqueuedAt, &m.LastError); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres queue: scan row")
		}
		decodeTask(&m, payload)
		m.Attempt++
		claimed = append(claimed, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres queue: iterate rows")
	}

	if len(claimed) == 0 {
		_ = tx.Commit(ctx)
		return nil, nil
	}

	ids := make([]string, len(claimed))
	for i, m := range claimed {
		ids[i] = m.ID
	}
	_, err = tx.Exec(ctx, `
		UPDATE scrape_queue
		SET attempt = attempt + 1, leased_until = $2
		WHERE id = ANY($1)`,
		ids, now.Add(q.lease),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres queue: mark leased")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres queue: commit claim")
	}
	return claimed, nil
}

// Ack deletes a row.
func (q *PostgresQueue) Ack(ctx context.Context, id string) error {
	tag, err := q.pool.Exec(ctx, `DELETE FROM scrape_queue WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres queue: ack %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrUnknownMessage, "postgres queue: %s", id)
	}
	return nil
}

// Retry releases a row after delay, keeping its attempt.
func (q *PostgresQueue) Retry(ctx context.Context, id string, delay time.Duration, reason string) error {
	return q.release(ctx, id, delay, `last_error = $3`, reason)
}

// Defer releases a row after delay and refunds its attempt.
func (q *PostgresQueue) Defer(ctx context.Context, id string, delay time.Duration) error {
	return q.release(ctx, id, delay, `attempt = GREATEST(attempt - 1, 0)`)
}

func (q *PostgresQueue) release(ctx context.Context, id string, delay time.Duration, set string, extra ...any) error {
	args := append([]any{id, q.now().Add(clampDelay(delay))}, extra...)
	tag, err := q.pool.Exec(ctx,
		`UPDATE scrape_queue SET available_at = $2, leased_until = NULL, `+set+` WHERE id = $1`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres queue: release %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrUnknownMessage, "postgres queue: %s", id)
	}
	return nil
}

// Depth counts every row.
func (q *PostgresQueue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.pool.QueryRow(ctx, `SELECT count(*) FROM scrape_queue`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres queue: depth")
	}
	return n, nil
}
