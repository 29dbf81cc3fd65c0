package deadletter

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkc909/sales-marketing-sub003/internal/model"
	"github.com/mkc909/sales-marketing-sub003/internal/queue"
	"github.com/mkc909/sales-marketing-sub003/internal/resilience"
	"github.com/mkc909/sales-marketing-sub003/internal/store"
)

var plumberTask = model.ScrapeTask{RegionKey: "33101-FL", SourceType: "stateLicenseDB", Profession: "plumber"}

func newTestSink(t *testing.T) (*Sink, *queue.MemoryQueue) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "dlq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	q := queue.NewMemoryQueue(time.Minute)
	return New(st, q), q
}

func timeoutErr() error {
	return &resilience.TerminalError{
		Err:      &resilience.InvocationError{Err: errors.New("context deadline exceeded"), Transient: true},
		Attempts: 3,
	}
}

func TestQuarantine_ExactlyOncePerDelivery(t *testing.T) {
	t.Parallel()

	sink, _ := newTestSink(t)
	ctx := context.Background()
	msg := queue.Message{ID: "delivery-1", Task: plumberTask, Attempt: 3}

	first, err := sink.Quarantine(ctx, msg, timeoutErr())
	require.NoError(t, err)
	assert.Equal(t, resilience.KindInvocation, first.ErrorKind)
	assert.Equal(t, 3, first.RetryCount)
	assert.Contains(t, first.Error, "terminal after 3 attempts")

	second, err := sink.Quarantine(ctx, msg, timeoutErr())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	n, err := sink.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestResolve(t *testing.T) {
	t.Parallel()

	sink, _ := newTestSink(t)
	ctx := context.Background()

	e, err := sink.Quarantine(ctx, queue.Message{ID: "d-1", Task: plumberTask, Attempt: 3}, timeoutErr())
	require.NoError(t, err)

	assert.Error(t, sink.Resolve(ctx, e.ID, "", "no operator"))
	require.NoError(t, sink.Resolve(ctx, e.ID, "ops@example.com", "source retired"))
	assert.ErrorIs(t, sink.Resolve(ctx, e.ID, "ops@example.com", "again"), store.ErrAlreadyResolved)
	assert.ErrorIs(t, sink.Resolve(ctx, "missing", "ops@example.com", ""), store.ErrNotFound)

	got, err := sink.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.Equal(t, "source retired", got.ResolutionNotes)
	assert.Nil(t, got.ReplayedAt)

	unresolved, err := sink.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unresolved)

	all, err := sink.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestReplay(t *testing.T) {
	t.Parallel()

	sink, q := newTestSink(t)
	ctx := context.Background()

	e, err := sink.Quarantine(ctx, queue.Message{ID: "d-1", Task: plumberTask, Attempt: 3}, timeoutErr())
	require.NoError(t, err)

	deliveryID, err := sink.Replay(ctx, e.ID, "ops@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, deliveryID)

	msgs, err := q.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, deliveryID, msgs[0].ID)
	assert.Equal(t, 1, msgs[0].Attempt, "replay starts a fresh retry budget")
	assert.Equal(t, "plumber", msgs[0].Task.Profession)

	got, err := sink.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.NotNil(t, got.ReplayedAt)
	assert.Contains(t, got.ResolutionNotes, deliveryID)

	_, err = sink.Replay(ctx, e.ID, "ops@example.com")
	assert.ErrorIs(t, err, store.ErrAlreadyResolved)
}

func TestReplay_WithoutQueue(t *testing.T) {
	t.Parallel()

	sink, _ := newTestSink(t)
	sink.enqueuer = nil
	_, err := sink.Replay(context.Background(), "any", "ops")
	assert.ErrorContains(t, err, "needs a queue")
}
