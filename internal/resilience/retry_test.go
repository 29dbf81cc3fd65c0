package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDo_RetriesTransientStoreErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, 3},
		{"connection exception", &pgconn.PgError{Code: "08006"}, 3},
		{"sqlite busy", errors.New("sqlite: database is locked"), 3},
		{"unique violation", &pgconn.PgError{Code: "23505"}, 1},
		{"permanent", errors.New("insert dead letter: constraint failed"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
				calls++
				return tt.err
			})
			require.Error(t, err)
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40P01"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry(10)
	cfg.InitialBackoff = 20 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond

	calls := 0
	err := Do(ctx, cfg, func(_ context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return NewTransientError(errors.New("scraper unavailable"), 503)
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 3)
}

func TestDo_ShouldRetryOverridesClassification(t *testing.T) {
	errConflict := errors.New("task state version conflict")
	cfg := fastRetry(3)
	cfg.ShouldRetry = func(err error) bool { return errors.Is(err, errConflict) }

	var retried []int
	cfg.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }

	calls := 0
	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		if calls == 1 {
			return errConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []int{1}, retried)
}

func TestDo_OnRetryCountsAttempts(t *testing.T) {
	var retried []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }

	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		return &InvocationError{Err: errors.New("status 502"), StatusCode: 502, Transient: true}
	})
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDoVal(t *testing.T) {
	calls := 0
	id, err := DoVal(context.Background(), fastRetry(3), func(_ context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", &pgconn.PgError{Code: "57P01"}
		}
		return "dl-1", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "dl-1", id)

	n, err := DoVal(context.Background(), fastRetry(2), func(_ context.Context) (int, error) {
		return 7, NewTransientError(errors.New("reset"), 0)
	})
	require.Error(t, err)
	assert.Zero(t, n, "failed DoVal returns the zero value")
}

func TestDo_ZeroConfigUsesDefaults(t *testing.T) {
	calls := 0
	err := Do(context.Background(), RetryConfig{}, func(_ context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	cfg := applyDefaults(RetryConfig{JitterFraction: -1})
	assert.Equal(t, DefaultRetryConfig().MaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, DefaultRetryConfig().MaxBackoff, cfg.MaxBackoff)
	assert.Zero(t, cfg.JitterFraction)
}

func TestComputeBackoff(t *testing.T) {
	cfg := applyDefaults(RetryConfig{
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     300 * time.Millisecond,
		Multiplier:     2.0,
	})

	got := []time.Duration{
		computeBackoff(0, cfg),
		computeBackoff(1, cfg),
		computeBackoff(2, cfg),
		computeBackoff(3, cfg),
	}
	assert.Equal(t, []time.Duration{
		50 * time.Millisecond,
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
	}, got)
}

func TestComputeBackoff_JitterStaysInRange(t *testing.T) {
	cfg := applyDefaults(RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		JitterFraction: 0.25,
	})

	seen := make(map[time.Duration]bool)
	for i := 0; i < 50; i++ {
		d := computeBackoff(0, cfg)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
		seen[d] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestRetryLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		RetryLogger("deadletter", "insert")(1, errors.New("database is locked"))
	})
}

func TestBackoff_DoublesPerFailure(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{
		1 * time.Hour,
		2 * time.Hour,
		4 * time.Hour,
		8 * time.Hour,
		16 * time.Hour,
		32 * time.Hour,
	}
	for n, w := range want {
		assert.Equal(t, w, b.Delay(n), "Delay(%d)", n)
	}
}

func TestBackoff_MonotoneAndCapped(t *testing.T) {
	b := DefaultBackoff()
	prev := time.Duration(0)
	for n := 0; n < 64; n++ {
		d := b.Delay(n)
		require.GreaterOrEqual(t, d, prev, "Delay(%d) decreased", n)
		require.LessOrEqual(t, d, 32*time.Hour, "Delay(%d) exceeds cap", n)
		prev = d
	}
}

func TestBackoff_CapBelowExponent(t *testing.T) {
	b := Backoff{Base: time.Minute, Cap: 5 * time.Minute, MaxExponent: 10}
	assert.Equal(t, 5*time.Minute, b.Delay(9))
	assert.Equal(t, time.Minute, b.Delay(-3), "negative failures use the base")
}

func TestBackoff_Next(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(2*time.Hour), DefaultBackoff().Next(now, 1))
}

func TestFromBackoffConfig(t *testing.T) {
	b := FromBackoffConfig(60, 600)
	assert.Equal(t, time.Minute, b.Base)
	assert.Equal(t, 10*time.Minute, b.Cap)
	assert.Equal(t, DefaultBackoff(), FromBackoffConfig(0, 0))
}
