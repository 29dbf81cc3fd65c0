package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mkc909/sales-marketing-sub003/internal/model"
	"github.com/mkc909/sales-marketing-sub003/internal/resilience"
)

var (
	// ErrNotFound is returned when a keyed lookup matches no row.
	ErrNotFound = eris.New("not found")
	// ErrVersionConflict is returned by SaveTaskState when the stored version
	// no longer matches the expected one.
	ErrVersionConflict = eris.New("task state version conflict")
	// ErrAlreadyResolved is returned when resolving a dead letter twice.
	ErrAlreadyResolved = eris.New("dead letter already resolved")
)

// TaskStateFilter specifies criteria for listing task states.
type TaskStateFilter struct {
	Status model.TaskStatus `json:"status,omitempty"`
	Limit  int              `json:"limit,omitempty"`
}

// RecordStore persists scraped business records.
type RecordStore interface {
	// UpsertRecords writes each record independently and returns how many
	// were stored. The error is non-nil only when no record could be stored.
	UpsertRecords(ctx context.Context, records []model.RawRecord, task model.ScrapeTask) (int, error)
	CountRecords(ctx context.Context) (int, error)
}

// TaskStateStore persists per-key task states with optimistic locking.
type TaskStateStore interface {
	// GetTaskState returns ErrNotFound when the key has no state yet.
	GetTaskState(ctx context.Context, key model.TaskKey) (*model.TaskState, error)
	// SaveTaskState writes st if the stored version equals expectedVersion
	// (0 = the row must not exist yet) and bumps st.Version on success.
	SaveTaskState(ctx context.Context, st *model.TaskState, expectedVersion int64) error
	ListTaskStates(ctx context.Context, filter TaskStateFilter) ([]model.TaskState, error)
}

// RateLimitStore is the shared coordination store of the rate limiter.
type RateLimitStore interface {
	// AcquireRateSlot atomically grants a request slot for key at now when
	// the key is not throttled and its minimum interval has elapsed. It
	// returns the config after the operation and whether the slot was granted.
	AcquireRateSlot(ctx context.Context, key model.TaskKey, now time.Time, defaultRPS float64) (*model.RateLimitConfig, bool, error)
	RecordRequestDuration(ctx context.Context, key model.TaskKey, d time.Duration) error
	SetRequestsPerSecond(ctx context.Context, key model.TaskKey, rps float64) error
	// SetThrottle throttles key until the given instant; nil clears it.
	SetThrottle(ctx context.Context, key model.TaskKey, until *time.Time) error
	GetRateLimit(ctx context.Context, key model.TaskKey) (*model.RateLimitConfig, error)
	ListRateLimits(ctx context.Context) ([]model.RateLimitConfig, error)
}

// DeadLetterStore persists quarantined tasks. Entries are never deleted.
type DeadLetterStore interface {
	// InsertDeadLetter writes e unless an entry with the same delivery id
	// exists. It reports whether a row was inserted.
	InsertDeadLetter(ctx context.Context, e *model.DeadLetterEntry) (bool, error)
	GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterEntry, error)
	GetDeadLetterByDelivery(ctx context.Context, deliveryID string) (*model.DeadLetterEntry, error)
	ListDeadLetters(ctx context.Context, filter model.DeadLetterFilter) ([]model.DeadLetterEntry, error)
	// ResolveDeadLetter marks an unresolved entry resolved. replayedAt is set
	// when the resolution re-enqueued the task.
	ResolveDeadLetter(ctx context.Context, id, resolvedBy, notes string, at time.Time, replayedAt *time.Time) error
	CountDeadLetters(ctx context.Context, unresolvedOnly bool) (int, error)
}

// ProcessingLog is the append-only observability log.
type ProcessingLog interface {
	AppendProcessing(ctx context.Context, e *model.ProcessingEntry) error
	ListProcessing(ctx context.Context, since time.Time, limit int) ([]model.ProcessingEntry, error)
}

// Store is the full persistence surface of the consumer.
type Store interface {
	RecordStore
	TaskStateStore
	RateLimitStore
	DeadLetterStore
	ProcessingLog

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// upsertEach runs write for every valid record, isolating failures per
// record. Only a batch where nothing could be stored is an error.
func upsertEach(ctx context.Context, backend string, records []model.RawRecord, task model.ScrapeTask, write func(ctx context.Context, r model.RawRecord) error) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	log := zap.L().With(
		zap.String("component", backend),
		zap.String("region_key", task.RegionKey),
		zap.String("source_type", task.SourceType),
	)

	stored := 0
	var lastErr error
	for _, r := range records {
		if r.RegionKey == "" {
			r.RegionKey = task.RegionKey
		}
		if r.Profession == "" {
			r.Profession = task.Profession
		}
		if err := r.Validate(); err != nil {
			log.Warn("skipping invalid record", zap.String("source_record_id", r.SourceRecordID), zap.Error(err))
			lastErr = err
			continue
		}
		if err := write(ctx, r); err != nil {
			log.Warn("record upsert failed",
				zap.String("source", r.Source),
				zap.String("source_record_id", r.SourceRecordID),
				zap.Error(err),
			)
			lastErr = err
			continue
		}
		stored++
	}

	if stored == 0 {
		return 0, &resilience.PersistenceError{
			Err:       eris.Wrapf(lastErr, "%s: upsert records", backend),
			Attempted: len(records),
		}
	}
	return stored, nil
}

type scannable interface {
	Scan(dest ...any) error
}

// rateLimitColumns is shared by both backends; rate-limit instants are
// stored as unix milliseconds so pacing arithmetic stays in SQL.
const rateLimitColumns = `source_type, region_key, requests_per_second, is_throttled, throttled_until_ms,
	current_second_count, current_minute_count, current_hour_count, current_day_count,
	second_window_ms, minute_window_ms, hour_window_ms, day_window_ms,
	last_request_ms, total_requests, last_duration_ms, total_duration_ms`

func scanRateLimit(row scannable) (*model.RateLimitConfig, error) {
	var (
		c                model.RateLimitConfig
		throttledUntilMs *int64
		lastRequestMs    *int64
	)
	err := row.Scan(
		&c.SourceType, &c.RegionKey, &c.RequestsPerSecond, &c.IsThrottled, &throttledUntilMs,
		&c.CurrentSecondCount, &c.CurrentMinuteCount, &c.CurrentHourCount, &c.CurrentDayCount,
		&c.Windows.Second, &c.Windows.Minute, &c.Windows.Hour, &c.Windows.Day,
		&lastRequestMs, &c.TotalRequests, &c.LastDurationMs, &c.TotalDurationMs,
	)
	if err != nil {
		return nil, err
	}
	c.ThrottledUntil = fromMillis(throttledUntilMs)
	c.LastRequestAt = fromMillis(lastRequestMs)
	return &c, nil
}

func fromMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

func toMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func limitOr(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
