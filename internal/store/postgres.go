package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/mkc909/sales-marketing-sub003/internal/db"
	"github.com/mkc909/sales-marketing-sub003/internal/model"
)

// PostgresStore implements Store using pgxpool. It is the shared
// coordination store when several consumers run side by side.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying pool so the queue can share it.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS scraped_records (
	source           TEXT NOT NULL,
	source_record_id TEXT NOT NULL,
	business_name    TEXT NOT NULL DEFAULT '',
	profession       TEXT NOT NULL DEFAULT '',
	region_key       TEXT NOT NULL DEFAULT '',
	license_number   TEXT NOT NULL DEFAULT '',
	phone            TEXT NOT NULL DEFAULT '',
	email            TEXT NOT NULL DEFAULT '',
	website          TEXT NOT NULL DEFAULT '',
	address          TEXT NOT NULL DEFAULT '',
	raw              JSONB,
	first_seen       TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_updated     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (source, source_record_id)
);

CREATE TABLE IF NOT EXISTS task_states (
	region_key           TEXT NOT NULL,
	source_type          TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'pending',
	total_attempts       INT NOT NULL DEFAULT 0,
	successful_scrapes   INT NOT NULL DEFAULT 0,
	failed_scrapes       INT NOT NULL DEFAULT 0,
	consecutive_failures INT NOT NULL DEFAULT 0,
	last_error           TEXT NOT NULL DEFAULT '',
	next_retry_at        TIMESTAMPTZ,
	last_result_count    INT NOT NULL DEFAULT 0,
	total_records_found  INT NOT NULL DEFAULT 0,
	started_at           TIMESTAMPTZ,
	completed_at         TIMESTAMPTZ,
	last_attempted_at    TIMESTAMPTZ,
	version              BIGINT NOT NULL DEFAULT 1,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (region_key, source_type)
);

CREATE TABLE IF NOT EXISTS rate_limits (
	source_type          TEXT NOT NULL,
	region_key           TEXT NOT NULL,
	requests_per_second  DOUBLE PRECISION NOT NULL DEFAULT 1.0 CHECK (requests_per_second > 0),
	is_throttled         BOOLEAN NOT NULL DEFAULT FALSE,
	throttled_until_ms   BIGINT,
	current_second_count INT NOT NULL DEFAULT 0,
	current_minute_count INT NOT NULL DEFAULT 0,
	current_hour_count   INT NOT NULL DEFAULT 0,
	current_day_count    INT NOT NULL DEFAULT 0,
	second_window_ms     BIGINT NOT NULL DEFAULT 0,
	minute_window_ms     BIGINT NOT NULL DEFAULT 0,
	hour_window_ms       BIGINT NOT NULL DEFAULT 0,
	day_window_ms        BIGINT NOT NULL DEFAULT 0,
	last_request_ms      BIGINT,
	total_requests       BIGINT NOT NULL DEFAULT 0,
	last_duration_ms     BIGINT NOT NULL DEFAULT 0,
	total_duration_ms    BIGINT NOT NULL DEFAULT 0,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (source_type, region_key)
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id               TEXT PRIMARY KEY,
	delivery_id      TEXT NOT NULL UNIQUE,
	region_key       TEXT NOT NULL,
	source_type      TEXT NOT NULL,
	profession       TEXT NOT NULL,
	task             JSONB NOT NULL,
	error            TEXT NOT NULL,
	error_kind       TEXT NOT NULL DEFAULT '',
	retry_count      INT NOT NULL DEFAULT 0,
	failed_at        TIMESTAMPTZ NOT NULL,
	resolved         BOOLEAN NOT NULL DEFAULT FALSE,
	resolved_by      TEXT NOT NULL DEFAULT '',
	resolution_notes TEXT NOT NULL DEFAULT '',
	resolved_at      TIMESTAMPTZ,
	replayed_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS processing_log (
	id           TEXT PRIMARY KEY,
	delivery_id  TEXT NOT NULL,
	region_key   TEXT NOT NULL,
	source_type  TEXT NOT NULL,
	profession   TEXT NOT NULL,
	attempt      INT NOT NULL,
	outcome      TEXT NOT NULL,
	duration_ms  BIGINT NOT NULL DEFAULT 0,
	result_count INT NOT NULL DEFAULT 0,
	stored_count INT NOT NULL DEFAULT 0,
	provenance   TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS scrape_queue (
	id           TEXT PRIMARY KEY,
	task         JSONB NOT NULL,
	priority     INT NOT NULL DEFAULT 0,
	attempt      INT NOT NULL DEFAULT 0,
	available_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	leased_until TIMESTAMPTZ,
	last_error   TEXT NOT NULL DEFAULT '',
	enqueued_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_task_states_status ON task_states(status);
CREATE INDEX IF NOT EXISTS idx_dead_letters_unresolved ON dead_letters(failed_at DESC) WHERE NOT resolved;
CREATE INDEX IF NOT EXISTS idx_processing_log_created ON processing_log(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_processing_log_key ON processing_log(source_type, region_key);
CREATE INDEX IF NOT EXISTS idx_scrape_queue_available ON scrape_queue(available_at, priority DESC);
`

// Migrate creates the consumer's tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Records ---

var pgRecordUpsert = db.MustUpsertSQL(db.UpsertConfig{
	Table: "scraped_records",
	Columns: []string{
		"source", "source_record_id", "business_name", "profession", "region_key",
		"license_number", "phone", "email", "website", "address", "raw", "first_seen", "last_updated",
	},
	ConflictKeys: []string{"source", "source_record_id"},
	UpdateCols:   []string{"business_name", "phone", "email", "website", "address", "raw", "last_updated"},
})

// UpsertRecords upserts each record by (source, source_record_id).
func (s *PostgresStore) UpsertRecords(ctx context.Context, records []model.RawRecord, task model.ScrapeTask) (int, error) {
	return upsertEach(ctx, "postgres", records, task, func(ctx context.Context, r model.RawRecord) error {
		raw, err := marshalRaw(r.Raw)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		_, err = s.pool.Exec(ctx, pgRecordUpsert,
			r.Source, r.SourceRecordID, r.BusinessName, r.Profession, r.RegionKey,
			r.LicenseNumber, r.Phone, r.Email, r.Website, r.Address, raw, now, now,
		)
		return eris.Wrapf(err, "postgres: upsert record %s/%s", r.Source, r.SourceRecordID)
	})
}

// CountRecords returns the number of stored records.
func (s *PostgresStore) CountRecords(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM scraped_records`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count records")
	}
	return n, nil
}

func marshalRaw(raw map[string]any) ([]byte, error) {
	if raw == nil {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	return b, eris.Wrap(err, "marshal raw record")
}

// --- Task states ---

const taskStateColumns = `region_key, source_type, status, total_attempts, successful_scrapes, failed_scrapes,
	consecutive_failures, last_error, next_retry_at, last_result_count, total_records_found,
	started_at, completed_at, last_attempted_at, version`

func scanPgTaskState(row scannable) (*model.TaskState, error) {
	var st model.TaskState
	var status string
	err := row.Scan(
		&st.RegionKey, &st.SourceType, &status, &st.TotalAttempts, &st.SuccessfulScrapes, &st.FailedScrapes,
		&st.ConsecutiveFailures, &st.LastError, &st.NextRetryAt, &st.LastResultCount, &st.TotalRecordsFound,
		&st.StartedAt, &st.CompletedAt, &st.LastAttemptedAt, &st.Version,
	)
	if err != nil {
		return nil, err
	}
	st.Status = model.TaskStatus(status)
	return &st, nil
}

// GetTaskState loads the state for key.
func (s *PostgresStore) GetTaskState(ctx context.Context, key model.TaskKey) (*model.TaskState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskStateColumns+` FROM task_states WHERE region_key = $1 AND source_type = $2`,
		key.RegionKey, key.SourceType,
	)
	st, err := scanPgTaskState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: task state %s", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get task state %s", key)
	}
	return st, nil
}

// SaveTaskState writes st when the stored version matches expectedVersion.
func (s *PostgresStore) SaveTaskState(ctx context.Context, st *model.TaskState, expectedVersion int64) error {
	args := []any{
		st.RegionKey, st.SourceType, string(st.Status), st.TotalAttempts, st.SuccessfulScrapes, st.FailedScrapes,
		st.ConsecutiveFailures, st.LastError, st.NextRetryAt, st.LastResultCount, st.TotalRecordsFound,
		st.StartedAt, st.CompletedAt, st.LastAttemptedAt,
	}

	var q string
	if expectedVersion == 0 {
		q = `INSERT INTO task_states (` + taskStateColumns + `, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, now())
			ON CONFLICT (region_key, source_type) DO NOTHING`
	} else {
		q = `UPDATE task_states SET
				status = $3, total_attempts = $4, successful_scrapes = $5, failed_scrapes = $6,
				consecutive_failures = $7, last_error = $8, next_retry_at = $9, last_result_count = $10,
				total_records_found = $11, started_at = $12, completed_at = $13, last_attempted_at = $14,
				version = version + 1, updated_at = now()
			WHERE region_key = $1 AND source_type = $2 AND version = $15`
		args = append(args, expectedVersion)
	}

	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: save task state %s", st.Key())
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrVersionConflict, "postgres: task state %s at version %d", st.Key(), expectedVersion)
	}
	st.Version = expectedVersion + 1
	return nil
}

// ListTaskStates lists states, most recently attempted first.
func (s *PostgresStore) ListTaskStates(ctx context.Context, filter TaskStateFilter) ([]model.TaskState, error) {
	q := `SELECT ` + taskStateColumns + ` FROM task_states`
	args := []any{limitOr(filter.Limit, 500)}
	if filter.Status != "" {
		q += ` WHERE status = $2`
		args = append(args, string(filter.Status))
	}
	q += ` ORDER BY last_attempted_at DESC NULLS LAST LIMIT $1`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list task states")
	}
	defer rows.Close()

	var out []model.TaskState
	for rows.Next() {
		st, err := scanPgTaskState(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan task state")
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate task states")
}

// --- Rate limits ---

const pgAcquireRateSlot = `UPDATE rate_limits SET
		last_request_ms = $3::bigint,
		total_requests = total_requests + 1,
		current_second_count = CASE WHEN second_window_ms = $4 THEN current_second_count + 1 ELSE 1 END,
		current_minute_count = CASE WHEN minute_window_ms = $5 THEN current_minute_count + 1 ELSE 1 END,
		current_hour_count = CASE WHEN hour_window_ms = $6 THEN current_hour_count + 1 ELSE 1 END,
		current_day_count = CASE WHEN day_window_ms = $7 THEN current_day_count + 1 ELSE 1 END,
		second_window_ms = $4, minute_window_ms = $5, hour_window_ms = $6, day_window_ms = $7,
		is_throttled = FALSE,
		throttled_until_ms = NULL,
		updated_at = now()
	WHERE source_type = $1 AND region_key = $2
		AND NOT (is_throttled AND throttled_until_ms IS NOT NULL AND throttled_until_ms > $3::bigint)
		AND (last_request_ms IS NULL OR $3::bigint - last_request_ms >= 1000.0 / requests_per_second)
	RETURNING ` + rateLimitColumns

// AcquireRateSlot is a single conditional UPDATE: concurrent callers for
// one key serialize on the row lock and at most one sees the slot granted.
func (s *PostgresStore) AcquireRateSlot(ctx context.Context, key model.TaskKey, now time.Time, defaultRPS float64) (*model.RateLimitConfig, bool, error) {
	if err := s.ensureRateLimit(ctx, key, defaultRPS); err != nil {
		return nil, false, err
	}

	w := model.WindowsAt(now)
	cfg, err := scanRateLimit(s.pool.QueryRow(ctx, pgAcquireRateSlot,
		key.SourceType, key.RegionKey, now.UnixMilli(), w.Second, w.Minute, w.Hour, w.Day,
	))
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, eris.Wrapf(err, "postgres: acquire rate slot %s", key)
	}

	cfg, err = s.GetRateLimit(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

func (s *PostgresStore) ensureRateLimit(ctx context.Context, key model.TaskKey, rps float64) error {
	if rps <= 0 {
		rps = model.DefaultRequestsPerSecond
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rate_limits (source_type, region_key, requests_per_second) VALUES ($1, $2, $3)
		ON CONFLICT (source_type, region_key) DO NOTHING`,
		key.SourceType, key.RegionKey, rps,
	)
	return eris.Wrapf(err, "postgres: ensure rate limit %s", key)
}

// RecordRequestDuration adds d to the key's duration counters.
func (s *PostgresStore) RecordRequestDuration(ctx context.Context, key model.TaskKey, d time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE rate_limits SET last_duration_ms = $3, total_duration_ms = total_duration_ms + $3, updated_at = now()
		WHERE source_type = $1 AND region_key = $2`,
		key.SourceType, key.RegionKey, d.Milliseconds(),
	)
	return eris.Wrapf(err, "postgres: record request duration %s", key)
}

// SetRequestsPerSecond configures the pacing rate of key.
func (s *PostgresStore) SetRequestsPerSecond(ctx context.Context, key model.TaskKey, rps float64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rate_limits (source_type, region_key, requests_per_second) VALUES ($1, $2, $3)
		ON CONFLICT (source_type, region_key) DO UPDATE SET requests_per_second = excluded.requests_per_second, updated_at = now()`,
		key.SourceType, key.RegionKey, rps,
	)
	return eris.Wrapf(err, "postgres: set rate limit %s", key)
}

// SetThrottle throttles key until the given instant, or clears the throttle.
func (s *PostgresStore) SetThrottle(ctx context.Context, key model.TaskKey, until *time.Time) error {
	if err := s.ensureRateLimit(ctx, key, model.DefaultRequestsPerSecond); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE rate_limits SET is_throttled = $3, throttled_until_ms = $4, updated_at = now()
		WHERE source_type = $1 AND region_key = $2`,
		key.SourceType, key.RegionKey, until != nil, toMillis(until),
	)
	return eris.Wrapf(err, "postgres: set throttle %s", key)
}

// GetRateLimit loads the config for key.
func (s *PostgresStore) GetRateLimit(ctx context.Context, key model.TaskKey) (*model.RateLimitConfig, error) {
	cfg, err := scanRateLimit(s.pool.QueryRow(ctx,
		`SELECT `+rateLimitColumns+` FROM rate_limits WHERE source_type = $1 AND region_key = $2`,
		key.SourceType, key.RegionKey,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: rate limit %s", key)
	}
	return cfg, eris.Wrapf(err, "postgres: get rate limit %s", key)
}

// ListRateLimits returns every configured key.
func (s *PostgresStore) ListRateLimits(ctx context.Context) ([]model.RateLimitConfig, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+rateLimitColumns+` FROM rate_limits ORDER BY source_type, region_key`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list rate limits")
	}
	defer rows.Close()

	var out []model.RateLimitConfig
	for rows.Next() {
		cfg, err := scanRateLimit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan rate limit")
		}
		out = append(out, *cfg)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate rate limits")
}

// --- Dead letters ---

const deadLetterColumns = `id, delivery_id, task, error, error_kind, retry_count, failed_at,
	resolved, resolved_by, resolution_notes, resolved_at, replayed_at`

func scanPgDeadLetter(row scannable) (*model.DeadLetterEntry, error) {
	var e model.DeadLetterEntry
	var task []byte
	err := row.Scan(
		&e.ID, &e.DeliveryID, &task, &e.Error, &e.ErrorKind, &e.RetryCount, &e.FailedAt,
		&e.Resolved, &e.ResolvedBy, &e.ResolutionNotes, &e.ResolvedAt, &e.ReplayedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(task, &e.Task); err != nil {
		return nil, eris.Wrap(err, "unmarshal dead letter task")
	}
	return &e, nil
}

// InsertDeadLetter writes e once per delivery id.
func (s *PostgresStore) InsertDeadLetter(ctx context.Context, e *model.DeadLetterEntry) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	task, err := json.Marshal(e.Task)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal dead letter task")
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters (id, delivery_id, region_key, source_type, profession, task, error, error_kind, retry_count, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (delivery_id) DO NOTHING`,
		e.ID, e.DeliveryID, e.Task.RegionKey, e.Task.SourceType, e.Task.Profession, task,
		e.Error, e.ErrorKind, e.RetryCount, e.FailedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert dead letter %s", e.DeliveryID)
	}
	return tag.RowsAffected() == 1, nil
}

// GetDeadLetter loads an entry by id.
func (s *PostgresStore) GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterEntry, error) {
	return s.getDeadLetter(ctx, `id = $1`, id)
}

// GetDeadLetterByDelivery loads the entry quarantined for a delivery.
func (s *PostgresStore) GetDeadLetterByDelivery(ctx context.Context, deliveryID string) (*model.DeadLetterEntry, error) {
	return s.getDeadLetter(ctx, `delivery_id = $1`, deliveryID)
}

func (s *PostgresStore) getDeadLetter(ctx context.Context, where, arg string) (*model.DeadLetterEntry, error) {
	e, err := scanPgDeadLetter(s.pool.QueryRow(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: dead letter %s", arg)
	}
	return e, eris.Wrapf(err, "postgres: get dead letter %s", arg)
}

// ListDeadLetters lists entries, most recent failure first.
func (s *PostgresStore) ListDeadLetters(ctx context.Context, filter model.DeadLetterFilter) ([]model.DeadLetterEntry, error) {
	q := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	if filter.UnresolvedOnly {
		q += ` WHERE NOT resolved`
	}
	q += ` ORDER BY failed_at DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, q, limitOr(filter.Limit, 100))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead letters")
	}
	defer rows.Close()

	var out []model.DeadLetterEntry
	for rows.Next() {
		e, err := scanPgDeadLetter(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate dead letters")
}

// ResolveDeadLetter marks an unresolved entry resolved.
func (s *PostgresStore) ResolveDeadLetter(ctx context.Context, id, resolvedBy, notes string, at time.Time, replayedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letters SET resolved = TRUE, resolved_by = $2, resolution_notes = $3, resolved_at = $4, replayed_at = $5
		WHERE id = $1 AND NOT resolved`,
		id, resolvedBy, notes, at, replayedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve dead letter %s", id)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetDeadLetter(ctx, id); err != nil {
		return err
	}
	return eris.Wrapf(ErrAlreadyResolved, "postgres: dead letter %s", id)
}

// CountDeadLetters counts entries.
func (s *PostgresStore) CountDeadLetters(ctx context.Context, unresolvedOnly bool) (int, error) {
	q := `SELECT count(*) FROM dead_letters`
	if unresolvedOnly {
		q += ` WHERE NOT resolved`
	}
	var n int
	if err := s.pool.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count dead letters")
	}
	return n, nil
}

// --- Processing log ---

const processingColumns = `id, delivery_id, region_key, source_type, profession, attempt, outcome,
	duration_ms, result_count, stored_count, provenance, error, created_at`

// AppendProcessing writes one log row.
func (s *PostgresStore) AppendProcessing(ctx context.Context, e *model.ProcessingEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO processing_log (`+processingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.DeliveryID, e.RegionKey, e.SourceType, e.Profession, e.Attempt, string(e.Outcome),
		e.DurationMs, e.ResultCount, e.StoredCount, string(e.Provenance), e.Error, e.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: append processing %s", e.DeliveryID)
}

// ListProcessing returns entries created at or after since, newest first.
func (s *PostgresStore) ListProcessing(ctx context.Context, since time.Time, limit int) ([]model.ProcessingEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+processingColumns+` FROM processing_log WHERE created_at >= $1 ORDER BY created_at DESC LIMIT $2`,
		since, limitOr(limit, 10000),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list processing")
	}
	defer rows.Close()

	var out []model.ProcessingEntry
	for rows.Next() {
		var e model.ProcessingEntry
		var outcome, provenance string
		if err := rows.Scan(
			&e.ID, &e.DeliveryID, &e.RegionKey, &e.SourceType, &e.Profession, &e.Attempt, &outcome,
			&e.DurationMs, &e.ResultCount, &e.StoredCount, &provenance, &e.Error, &e.CreatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan processing")
		}
		e.Outcome = model.Outcome(outcome)
		e.Provenance = model.Provenance(provenance)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate processing")
}
