package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkc909/sales-marketing-sub003/internal/store"
)

func newTestSQLiteQueue(t *testing.T) *SQLiteQueue {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return NewSQLiteQueue(st.DB(), 5*time.Minute)
}

func TestSQLiteQueue(t *testing.T) {
	q := newTestSQLiteQueue(t)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	queueContract(t, q, func(d time.Duration) { now = now.Add(d) })
}

func TestSQLiteQueue_ConcurrentClaimsAreDisjoint(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	for range 20 {
		_, err := q.Enqueue(ctx, plumberTask, 0)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msgs, err := q.Claim(ctx, 5)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, m := range msgs {
				seen[m.ID]++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 20)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestSQLiteQueue_UndecodableRowIsDelivered(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO scrape_queue (id, task, priority, attempt, available_at, enqueued_at) VALUES (?, ?, ?, 0, ?, ?)`,
		"bad-1", "{not json", 0, now.Add(-time.Second).UnixMilli(), now.UnixMilli(),
	)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, plumberTask, 0)
	require.NoError(t, err)

	msgs, err := q.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "a bad payload must not hide the rest of the batch")

	assert.Equal(t, "bad-1", msgs[0].ID)
	assert.Contains(t, msgs[0].DecodeError, "decode task bad-1")
	assert.Equal(t, 1, msgs[0].Attempt)
	assert.Empty(t, msgs[0].Task.RegionKey)

	assert.Empty(t, msgs[1].DecodeError)
	assert.Equal(t, "plumber", msgs[1].Task.Profession)

	// Acking the bad row drains it for good.
	require.NoError(t, q.Ack(ctx, "bad-1"))
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}
