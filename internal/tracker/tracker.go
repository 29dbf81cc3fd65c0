// Package tracker keeps the per-(regionKey, sourceType) task state machine.
// Every transition is a compare-and-swap on the state's version, retried on
// conflict, so concurrent consumers never lose an update.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mkc909/sales-marketing-sub003/internal/model"
	"github.com/mkc909/sales-marketing-sub003/internal/resilience"
	"github.com/mkc909/sales-marketing-sub003/internal/store"
)

// Config tunes the tracker.
type Config struct {
	Backoff resilience.Backoff
	// StaleAfter is how long a state may stay processing before Reconcile
	// forces it to failed.
	StaleAfter time.Duration
	Retry      resilience.RetryConfig
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 5
	return Config{
		Backoff:    resilience.DefaultBackoff(),
		StaleAfter: 5 * time.Minute,
		Retry:      retry,
	}
}

// Tracker owns task state transitions.
type Tracker struct {
	store store.TaskStateStore
	cfg   Config
	log   *zap.Logger
}

// New creates a Tracker. Zero config fields take their defaults.
func New(s store.TaskStateStore, cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	cfg.Retry.ShouldRetry = func(err error) bool {
		return errors.Is(err, store.ErrVersionConflict) || resilience.IsTransient(err)
	}
	cfg.Retry.OnRetry = resilience.RetryLogger("tracker", "save task state")
	return &Tracker{
		store: s,
		cfg:   cfg,
		log:   zap.L().With(zap.String("component", "tracker")),
	}
}

// errSkip aborts a transition without error when the state changed under us.
var errSkip = errors.New("tracker: skip transition")

// transition loads the state of key (or a fresh pending one), applies
// mutate and saves it if the version is unchanged, retrying on conflict.
func (t *Tracker) transition(ctx context.Context, key model.TaskKey, mutate func(st *model.TaskState) error) (*model.TaskState, error) {
	return resilience.DoVal(ctx, t.cfg.Retry, func(ctx context.Context) (*model.TaskState, error) {
		st, err := t.store.GetTaskState(ctx, key)
		var expected int64
		switch {
		case errors.Is(err, store.ErrNotFound):
			st = model.NewTaskState(key)
		case err != nil:
			return nil, err
		default:
			expected = st.Version
		}

		if err := mutate(st); err != nil {
			return nil, err
		}
		if err := t.store.SaveTaskState(ctx, st, expected); err != nil {
			return nil, err
		}
		return st, nil
	})
}

// Begin moves key into processing.
func (t *Tracker) Begin(ctx context.Context, key model.TaskKey, now time.Time) (*model.TaskState, error) {
	st, err := t.transition(ctx, key, func(st *model.TaskState) error {
		if st.Status == model.TaskStatusProcessing {
			t.log.Warn("re-beginning task still processing",
				zap.String("region_key", key.RegionKey),
				zap.String("source_type", key.SourceType),
			)
		}
		st.Begin(now)
		return nil
	})
	return st, eris.Wrapf(err, "tracker: begin %s", key)
}

// Complete records a successful scrape of key.
func (t *Tracker) Complete(ctx context.Context, key model.TaskKey, resultCount int, now time.Time) (*model.TaskState, error) {
	st, err := t.transition(ctx, key, func(st *model.TaskState) error {
		return st.Complete(now, resultCount)
	})
	return st, eris.Wrapf(err, "tracker: complete %s", key)
}

// Fail records a failed attempt and schedules the next retry with the
// backoff policy.
func (t *Tracker) Fail(ctx context.Context, key model.TaskKey, cause error, now time.Time) (*model.TaskState, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	st, err := t.transition(ctx, key, func(st *model.TaskState) error {
		return st.Fail(now, msg, func(failures int) time.Time { return t.cfg.Backoff.Next(now, failures) })
	})
	return st, eris.Wrapf(err, "tracker: fail %s", key)
}

// Reconcile forces every state stuck in processing longer than StaleAfter
// to failed. It returns how many states were reconciled.
func (t *Tracker) Reconcile(ctx context.Context, now time.Time) (int, error) {
	states, err := t.store.ListTaskStates(ctx, store.TaskStateFilter{Status: model.TaskStatusProcessing, Limit: 10000})
	if err != nil {
		return 0, eris.Wrap(err, "tracker: list processing states")
	}

	cutoff := now.Add(-t.cfg.StaleAfter)
	msg := fmt.Sprintf("reconciled: processing exceeded %s without terminal transition", t.cfg.StaleAfter)

	n := 0
	for _, candidate := range states {
		if !candidate.Stale(cutoff) {
			continue
		}
		key := candidate.Key()
		_, err := t.transition(ctx, key, func(st *model.TaskState) error {
			if !st.Stale(cutoff) {
				return errSkip
			}
			return st.Fail(now, msg, func(failures int) time.Time { return t.cfg.Backoff.Next(now, failures) })
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			t.log.Error("reconcile failed",
				zap.String("region_key", key.RegionKey),
				zap.String("source_type", key.SourceType),
				zap.Error(err),
			)
			continue
		}
		t.log.Warn("reconciled stale task",
			zap.String("region_key", key.RegionKey),
			zap.String("source_type", key.SourceType),
			zap.Timep("started_at", candidate.StartedAt),
		)
		n++
	}
	return n, nil
}

// Get returns the state of key.
func (t *Tracker) Get(ctx context.Context, key model.TaskKey) (*model.TaskState, error) {
	st, err := t.store.GetTaskState(ctx, key)
	return st, eris.Wrapf(err, "tracker: get %s", key)
}

// List returns states matching filter.
func (t *Tracker) List(ctx context.Context, filter store.TaskStateFilter) ([]model.TaskState, error) {
	states, err := t.store.ListTaskStates(ctx, filter)
	return states, eris.Wrap(err, "tracker: list")
}
