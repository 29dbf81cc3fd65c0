package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgresQueue(t *testing.T) (*PostgresQueue, pgxmock.PgxPoolIface, time.Time) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	q := NewPostgresQueue(mock, time.Minute)
	q.now = func() time.Time { return now }
	return q, mock, now
}

func TestPostgresQueue_Enqueue(t *testing.T) {
	q, mock, now := newMockPostgresQueue(t)

	mock.ExpectExec(`INSERT INTO scrape_queue`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), 0, now.Add(time.Second), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := q.Enqueue(context.Background(), plumberTask, time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_Claim(t *testing.T) {
	q, mock, now := newMockPostgresQueue(t)
	payload, err := json.Marshal(plumberTask)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, task, attempt, enqueued_at, last_error\s+FROM scrape_queue .* FOR UPDATE SKIP LOCKED`).
		WithArgs(now, 5).
		WillReturnRows(pgxmock.NewRows([]string{"id", "task", "attempt", "enqueued_at", "last_error"}).
			AddRow("m-1", payload, 0, now, "").
			AddRow("m-2", payload, 2, now, "timeout"))
	mock.ExpectExec(`UPDATE scrape_queue\s+SET attempt = attempt \+ 1, leased_until = \$2\s+WHERE id = ANY\(\$1\)`).
		WithArgs([]string{"m-1", "m-2"}, now.Add(time.Minute)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	msgs, err := q.Claim(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, 1, msgs[0].Attempt)
	assert.Equal(t, 3, msgs[1].Attempt)
	assert.Equal(t, "timeout", msgs[1].LastError)
	assert.Equal(t, "plumber", msgs[0].Task.Profession)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_ClaimEmpty(t *testing.T) {
	q, mock, now := newMockPostgresQueue(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, task`).
		WithArgs(now, 10).
		WillReturnRows(pgxmock.NewRows([]string{"id", "task", "attempt", "enqueued_at", "last_error"}))
	mock.ExpectCommit()

	msgs, err := q.Claim(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_DeferRefundsAttempt(t *testing.T) {
	q, mock, now := newMockPostgresQueue(t)

	mock.ExpectExec(`UPDATE scrape_queue SET available_at = \$2, leased_until = NULL, attempt = GREATEST\(attempt - 1, 0\) WHERE id = \$1`).
		WithArgs("m-1", now.Add(time.Second)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, q.Defer(context.Background(), "m-1", time.Second))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_RetryUnknown(t *testing.T) {
	q, mock, now := newMockPostgresQueue(t)

	mock.ExpectExec(`UPDATE scrape_queue SET available_at = \$2, leased_until = NULL, last_error = \$3 WHERE id = \$1`).
		WithArgs("gone", now.Add(time.Hour), "boom").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := q.Retry(context.Background(), "gone", time.Hour, "boom")
	require.ErrorIs(t, err, ErrUnknownMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_Ack(t *testing.T) {
	q, mock, _ := newMockPostgresQueue(t)

	mock.ExpectExec(`DELETE FROM scrape_queue WHERE id = \$1`).
		WithArgs("m-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, q.Ack(context.Background(), "m-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_ClaimSkipsPastUndecodableRow(t *testing.T) {
	q, mock, now := newMockPostgresQueue(t)
	payload, err := json.Marshal(plumberTask)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, task, attempt, enqueued_at, last_error\s+FROM scrape_queue`).
		WithArgs(now, 5).
		WillReturnRows(pgxmock.NewRows([]string{"id", "task", "attempt", "enqueued_at", "last_error"}).
			AddRow("bad-1", []byte(`{"regionKey":`), 0, now, "").
			AddRow("m-2", payload, 0, now, ""))
	mock.ExpectExec(`UPDATE scrape_queue\s+SET attempt = attempt \+ 1, leased_until = \$2\s+WHERE id = ANY\(\$1\)`).
		WithArgs([]string{"bad-1", "m-2"}, now.Add(time.Minute)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	msgs, err := q.Claim(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "bad-1", msgs[0].ID)
	assert.Contains(t, msgs[0].DecodeError, "decode task bad-1")
	assert.Equal(t, 1, msgs[0].Attempt)
	assert.Empty(t, msgs[1].DecodeError)
	assert.Equal(t, "plumber", msgs[1].Task.Profession)
	assert.NoError(t, mock.ExpectationsWereMet())
}
