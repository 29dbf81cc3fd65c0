// Package deadletter quarantines tasks whose retry budget is exhausted and
// supports operator review, resolution and replay. Entries are never deleted.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mkc909/sales-marketing-sub003/internal/model"
	"github.com/mkc909/sales-marketing-sub003/internal/queue"
	"github.com/mkc909/sales-marketing-sub003/internal/resilience"
	"github.com/mkc909/sales-marketing-sub003/internal/store"
)

// Enqueuer re-submits a task for processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, task model.ScrapeTask, delay time.Duration) (string, error)
}

// Sink writes and manages dead-letter entries.
type Sink struct {
	store    store.DeadLetterStore
	enqueuer Enqueuer
	retry    resilience.RetryConfig
	now      func() time.Time
	log      *zap.Logger
}

// New creates a Sink. enqueuer may be nil, in which case Replay fails.
func New(s store.DeadLetterStore, enqueuer Enqueuer) *Sink {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("deadletter", "insert")
	return &Sink{
		store:    s,
		enqueuer: enqueuer,
		retry:    retry,
		now:      func() time.Time { return time.Now().UTC() },
		log:      zap.L().With(zap.String("component", "deadletter")),
	}
}

// Quarantine records msg as permanently failed with cause. It writes at most
// one entry per delivery: a redelivered message returns the existing entry.
func (s *Sink) Quarantine(ctx context.Context, msg queue.Message, cause error) (*model.DeadLetterEntry, error) {
	kind := resilience.Kind(cause)
	var te *resilience.TerminalError
	if errors.As(cause, &te) {
		kind = resilience.Kind(te.Err)
	}
	errMsg := "unknown error"
	if cause != nil {
		errMsg = cause.Error()
	}

	entry := &model.DeadLetterEntry{
		DeliveryID: msg.ID,
		Task:       msg.Task,
		Error:      errMsg,
		ErrorKind:  kind,
		RetryCount: msg.Attempt,
		FailedAt:   s.now(),
	}
	inserted, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (bool, error) {
		return s.store.InsertDeadLetter(ctx, entry)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "deadletter: quarantine %s", msg.ID)
	}

	log := s.log.With(
		zap.String("delivery_id", msg.ID),
		zap.String("region_key", msg.Task.RegionKey),
		zap.String("source_type", msg.Task.SourceType),
		zap.String("profession", msg.Task.Profession),
		zap.Int("attempt", msg.Attempt),
	)
	if !inserted {
		log.Info("delivery already quarantined")
		existing, err := s.store.GetDeadLetterByDelivery(ctx, msg.ID)
		return existing, eris.Wrapf(err, "deadletter: load existing %s", msg.ID)
	}
	log.Error("task dead-lettered", zap.String("error_kind", kind), zap.String("error", errMsg))
	return entry, nil
}

// ListUnresolved returns unresolved entries, most recent first.
func (s *Sink) ListUnresolved(ctx context.Context, limit int) ([]model.DeadLetterEntry, error) {
	entries, err := s.store.ListDeadLetters(ctx, model.DeadLetterFilter{UnresolvedOnly: true, Limit: limit})
	return entries, eris.Wrap(err, "deadletter: list unresolved")
}

// List returns entries, resolved ones included, most recent first.
func (s *Sink) List(ctx context.Context, limit int) ([]model.DeadLetterEntry, error) {
	entries, err := s.store.ListDeadLetters(ctx, model.DeadLetterFilter{Limit: limit})
	return entries, eris.Wrap(err, "deadletter: list")
}

// Get returns one entry.
func (s *Sink) Get(ctx context.Context, id string) (*model.DeadLetterEntry, error) {
	e, err := s.store.GetDeadLetter(ctx, id)
	return e, eris.Wrapf(err, "deadletter: get %s", id)
}

// Resolve marks an entry resolved by an operator.
func (s *Sink) Resolve(ctx context.Context, id, by, notes string) error {
	if by == "" {
		return eris.New("deadletter: resolved_by is required")
	}
	if err := s.store.ResolveDeadLetter(ctx, id, by, notes, s.now(), nil); err != nil {
		return eris.Wrapf(err, "deadletter: resolve %s", id)
	}
	s.log.Info("dead letter resolved", zap.String("id", id), zap.String("resolved_by", by))
	return nil
}

// Replay enqueues a fresh delivery of the entry's task and resolves the
// entry. It returns the new delivery id.
func (s *Sink) Replay(ctx context.Context, id, by string) (string, error) {
	if by == "" {
		return "", eris.New("deadletter: resolved_by is required")
	}
	if s.enqueuer == nil {
		return "", eris.New("deadletter: replay needs a queue")
	}

	e, err := s.store.GetDeadLetter(ctx, id)
	if err != nil {
		return "", eris.Wrapf(err, "deadletter: replay %s", id)
	}
	if e.Resolved {
		return "", eris.Wrapf(store.ErrAlreadyResolved, "deadletter: replay %s", id)
	}

	task := e.Task
	task.ScheduledAt = s.now()
	deliveryID, err := s.enqueuer.Enqueue(ctx, task, 0)
	if err != nil {
		return "", eris.Wrapf(err, "deadletter: replay %s: enqueue", id)
	}

	at := s.now()
	notes := fmt.Sprintf("replayed as delivery %s", deliveryID)
	if err := s.store.ResolveDeadLetter(ctx, id, by, notes, at, &at); err != nil {
		s.log.Error("replayed task but could not resolve entry",
			zap.String("id", id),
			zap.String("delivery_id", deliveryID),
			zap.Error(err),
		)
		return deliveryID, eris.Wrapf(err, "deadletter: replay %s: resolve", id)
	}
	s.log.Info("dead letter replayed",
		zap.String("id", id),
		zap.String("delivery_id", deliveryID),
		zap.String("resolved_by", by),
	)
	return deliveryID, nil
}

// Count returns the number of unresolved entries.
func (s *Sink) Count(ctx context.Context) (int, error) {
	n, err := s.store.CountDeadLetters(ctx, true)
	return n, eris.Wrap(err, "deadletter: count")
}
