package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/mkc909/sales-marketing-sub003/internal/db"
	"github.com/mkc909/sales-marketing-sub003/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It serves a single
// host; all instants are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer connection: every statement below is then trivially
	// serialized, which the rate-slot acquire relies on.
	conn.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: conn}, nil
}

// DB exposes the handle for the SQLite-backed queue.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const sqliteMigration = `
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
	raw              TEXT,
	first_seen       INTEGER NOT NULL,
	last_updated     INTEGER NOT NULL,
	PRIMARY KEY (source, source_record_id)
);

CREATE TABLE IF NOT EXISTS task_states (
	region_key           TEXT NOT NULL,
	source_type          TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'pending',
	total_attempts       INTEGER NOT NULL DEFAULT 0,
	successful_scrapes   INTEGER NOT NULL DEFAULT 0,
	failed_scrapes       INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_error           TEXT NOT NULL DEFAULT '',
	next_retry_at        INTEGER,
	last_result_count    INTEGER NOT NULL DEFAULT 0,
	total_records_found  INTEGER NOT NULL DEFAULT 0,
	started_at           INTEGER,
	completed_at         INTEGER,
	last_attempted_at    INTEGER,
	version              INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (region_key, source_type)
);

CREATE TABLE IF NOT EXISTS rate_limits (
	source_type          TEXT NOT NULL,
	region_key           TEXT NOT NULL,
	requests_per_second  REAL NOT NULL DEFAULT 1.0 CHECK (requests_per_second > 0),
	is_throttled         INTEGER NOT NULL DEFAULT 0,
	throttled_until_ms   INTEGER,
	current_second_count INTEGER NOT NULL DEFAULT 0,
	current_minute_count INTEGER NOT NULL DEFAULT 0,
	current_hour_count   INTEGER NOT NULL DEFAULT 0,
	current_day_count    INTEGER NOT NULL DEFAULT 0,
	second_window_ms     INTEGER NOT NULL DEFAULT 0,
	minute_window_ms     INTEGER NOT NULL DEFAULT 0,
	hour_window_ms       INTEGER NOT NULL DEFAULT 0,
	day_window_ms        INTEGER NOT NULL DEFAULT 0,
	last_request_ms      INTEGER,
	total_requests       INTEGER NOT NULL DEFAULT 0,
	last_duration_ms     INTEGER NOT NULL DEFAULT 0,
	total_duration_ms    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (source_type, region_key)
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id               TEXT PRIMARY KEY,
	delivery_id      TEXT NOT NULL UNIQUE,
	region_key       TEXT NOT NULL,
	source_type      TEXT NOT NULL,
	profession       TEXT NOT NULL,
	task             TEXT NOT NULL,
	error            TEXT NOT NULL,
	error_kind       TEXT NOT NULL DEFAULT '',
	retry_count      INTEGER NOT NULL DEFAULT 0,
	failed_at        INTEGER NOT NULL,
	resolved         INTEGER NOT NULL DEFAULT 0,
	resolved_by      TEXT NOT NULL DEFAULT '',
	resolution_notes TEXT NOT NULL DEFAULT '',
	resolved_at      INTEGER,
	replayed_at      INTEGER
);

CREATE TABLE IF NOT EXISTS processing_log (
	id           TEXT PRIMARY KEY,
	delivery_id  TEXT NOT NULL,
	region_key   TEXT NOT NULL,
	source_type  TEXT NOT NULL,
	profession   TEXT NOT NULL,
	attempt      INTEGER NOT NULL,
	outcome      TEXT NOT NULL,
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	result_count INTEGER NOT NULL DEFAULT 0,
	stored_count INTEGER NOT NULL DEFAULT 0,
	provenance   TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS scrape_queue (
	id           TEXT PRIMARY KEY,
	task         TEXT NOT NULL,
	priority     INTEGER NOT NULL DEFAULT 0,
	attempt      INTEGER NOT NULL DEFAULT 0,
	available_at INTEGER NOT NULL,
	leased_until INTEGER,
	last_error   TEXT NOT NULL DEFAULT '',
	enqueued_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_states_status ON task_states(status);
CREATE INDEX IF NOT EXISTS idx_dead_letters_failed_at ON dead_letters(failed_at);
CREATE INDEX IF NOT EXISTS idx_processing_log_created ON processing_log(created_at);
CREATE INDEX IF NOT EXISTS idx_scrape_queue_available ON scrape_queue(available_at);
`

// Migrate creates the consumer's tables.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Records ---

var sqliteRecordUpsert = db.MustUpsertSQL(db.UpsertConfig{
	Table: "scraped_records",
	Columns: []string{
		"source", "source_record_id", "business_name", "profession", "region_key",
		"license_number", "phone", "email", "website", "address", "raw", "first_seen", "last_updated",
	},
	ConflictKeys: []string{"source", "source_record_id"},
	Preserve:     []string{"profession", "region_key", "license_number", "first_seen"},
	Dialect:      db.SQLite,
})

func (s *SQLiteStore) UpsertRecords(ctx context.Context, records []model.RawRecord, task model.ScrapeTask) (int, error) {
	return upsertEach(ctx, "sqlite", records, task, func(ctx context.Context, r model.RawRecord) error {
		raw, err := marshalRaw(r.Raw)
		if err != nil {
			return err
		}
		var rawText *string
		if raw != nil {
			str := string(raw)
			rawText = &str
		}
		now := time.Now().UnixMilli()
		_, err = s.db.ExecContext(ctx, sqliteRecordUpsert,
			r.Source, r.SourceRecordID, r.BusinessName, r.Profession, r.RegionKey,
			r.LicenseNumber, r.Phone, r.Email, r.Website, r.Address, rawText, now, now,
		)
		return eris.Wrapf(err, "sqlite: upsert record %s/%s", r.Source, r.SourceRecordID)
	})
}

func (s *SQLiteStore) CountRecords(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM scraped_records`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count records")
	}
	return n, nil
}

// --- Task states ---

func scanSQLiteTaskState(row scannable) (*model.TaskState, error) {
	var st model.TaskState
	var status string
	var nextRetry, started, completed, attempted *int64
	err := row.Scan(
		&st.RegionKey, &st.SourceType, &status, &st.TotalAttempts, &st.SuccessfulScrapes, &st.FailedScrapes,
		&st.ConsecutiveFailures, &st.LastError, &nextRetry, &st.LastResultCount, &st.TotalRecordsFound,
		&started, &completed, &attempted, &st.Version,
	)
	if err != nil {
		return nil, err
	}
	st.Status = model.TaskStatus(status)
	st.NextRetryAt = fromMillis(nextRetry)
	st.StartedAt = fromMillis(started)
	st.CompletedAt = fromMillis(completed)
	st.LastAttemptedAt = fromMillis(attempted)
	return &st, nil
}

func (s *SQLiteStore) GetTaskState(ctx context.Context, key model.TaskKey) (*model.TaskState, error) {
	st, err := scanSQLiteTaskState(s.db.QueryRowContext(ctx,
		`SELECT `+taskStateColumns+` FROM task_states WHERE region_key = ? AND source_type = ?`,
		key.RegionKey, key.SourceType,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: task state %s", key)
	}
	return st, eris.Wrapf(err, "sqlite: get task state %s", key)
}

func (s *SQLiteStore) SaveTaskState(ctx context.Context, st *model.TaskState, expectedVersion int64) error {
	var (
		res sql.Result
		err error
	)
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO task_states (`+taskStateColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT (region_key, source_type) DO NOTHING`,
			st.RegionKey, st.SourceType, string(st.Status), st.TotalAttempts, st.SuccessfulScrapes, st.FailedScrapes,
			st.ConsecutiveFailures, st.LastError, toMillis(st.NextRetryAt), st.LastResultCount, st.TotalRecordsFound,
			toMillis(st.StartedAt), toMillis(st.CompletedAt), toMillis(st.LastAttemptedAt),
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE task_states SET
				status = ?, total_attempts = ?, successful_scrapes = ?, failed_scrapes = ?,
				consecutive_failures = ?, last_error = ?, next_retry_at = ?, last_result_count = ?,
				total_records_found = ?, started_at = ?, completed_at = ?, last_attempted_at = ?,
				version = version + 1
			WHERE region_key = ? AND source_type = ? AND version = ?`,
			string(st.Status), st.TotalAttempts, st.SuccessfulScrapes, st.FailedScrapes,
			st.ConsecutiveFailures, st.LastError, toMillis(st.NextRetryAt), st.LastResultCount,
			st.TotalRecordsFound, toMillis(st.StartedAt), toMillis(st.CompletedAt), toMillis(st.LastAttemptedAt),
			st.RegionKey, st.SourceType, expectedVersion,
		)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: save task state %s", st.Key())
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrVersionConflict, "sqlite: task state %s at version %d", st.Key(), expectedVersion)
	}
	st.Version = expectedVersion + 1
	return nil
}

func (s *SQLiteStore) ListTaskStates(ctx context.Context, filter TaskStateFilter) ([]model.TaskState, error) {
	q := `SELECT ` + taskStateColumns + ` FROM task_states`
	var args []any
	if filter.Status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	q += ` ORDER BY last_attempted_at IS NULL, last_attempted_at DESC LIMIT ?`
	args = append(args, limitOr(filter.Limit, 500))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list task states")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.TaskState
	for rows.Next() {
		st, err := scanSQLiteTaskState(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task state")
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate task states")
}

// --- Rate limits ---

// Positional ? parameters cannot be reused, so the acquire arguments repeat
// now and the window boundaries in statement order.
const sqliteAcquireRateSlot = `UPDATE rate_limits SET
		last_request_ms = ?,
		total_requests = total_requests + 1,
		current_second_count = CASE WHEN second_window_ms = ? THEN current_second_count + 1 ELSE 1 END,
		current_minute_count = CASE WHEN minute_window_ms = ? THEN current_minute_count + 1 ELSE 1 END,
		current_hour_count = CASE WHEN hour_window_ms = ? THEN current_hour_count + 1 ELSE 1 END,
		current_day_count = CASE WHEN day_window_ms = ? THEN current_day_count + 1 ELSE 1 END,
		second_window_ms = ?, minute_window_ms = ?, hour_window_ms = ?, day_window_ms = ?,
		is_throttled = 0,
		throttled_until_ms = NULL
	WHERE source_type = ? AND region_key = ?
		AND NOT (is_throttled AND throttled_until_ms IS NOT NULL AND throttled_until_ms > ?)
		AND (last_request_ms IS NULL OR ? - last_request_ms >= 1000.0 / requests_per_second)
	RETURNING ` + rateLimitColumns

func (s *SQLiteStore) AcquireRateSlot(ctx context.Context, key model.TaskKey, now time.Time, defaultRPS float64) (*model.RateLimitConfig, bool, error) {
	if err := s.ensureRateLimit(ctx, key, defaultRPS); err != nil {
		return nil, false, err
	}

	ms := now.UnixMilli()
	w := model.WindowsAt(now)
	cfg, err := scanRateLimit(s.db.QueryRowContext(ctx, sqliteAcquireRateSlot,
		ms,
		w.Second, w.Minute, w.Hour, w.Day,
		w.Second, w.Minute, w.Hour, w.Day,
		key.SourceType, key.RegionKey,
		ms, ms,
	))
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, eris.Wrapf(err, "sqlite: acquire rate slot %s", key)
	}

	cfg, err = s.GetRateLimit(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

func (s *SQLiteStore) ensureRateLimit(ctx context.Context, key model.TaskKey, rps float64) error {
	if rps <= 0 {
		rps = model.DefaultRequestsPerSecond
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limits (source_type, region_key, requests_per_second) VALUES (?, ?, ?)
		ON CONFLICT (source_type, region_key) DO NOTHING`,
		key.SourceType, key.RegionKey, rps,
	)
	return eris.Wrapf(err, "sqlite: ensure rate limit %s", key)
}

func (s *SQLiteStore) RecordRequestDuration(ctx context.Context, key model.TaskKey, d time.Duration) error {
	ms := d.Milliseconds()
	_, err := s.db.ExecContext(ctx,
		`UPDATE rate_limits SET last_duration_ms = ?, total_duration_ms = total_duration_ms + ?
		WHERE source_type = ? AND region_key = ?`,
		ms, ms, key.SourceType, key.RegionKey,
	)
	return eris.Wrapf(err, "sqlite: record request duration %s", key)
}

func (s *SQLiteStore) SetRequestsPerSecond(ctx context.Context, key model.TaskKey, rps float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limits (source_type, region_key, requests_per_second) VALUES (?, ?, ?)
		ON CONFLICT (source_type, region_key) DO UPDATE SET requests_per_second = excluded.requests_per_second`,
		key.SourceType, key.RegionKey, rps,
	)
	return eris.Wrapf(err, "sqlite: set rate limit %s", key)
}

func (s *SQLiteStore) SetThrottle(ctx context.Context, key model.TaskKey, until *time.Time) error {
	if err := s.ensureRateLimit(ctx, key, model.DefaultRequestsPerSecond); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE rate_limits SET is_throttled = ?, throttled_until_ms = ? WHERE source_type = ? AND region_key = ?`,
		until != nil, toMillis(until), key.SourceType, key.RegionKey,
	)
	return eris.Wrapf(err, "sqlite: set throttle %s", key)
}

func (s *SQLiteStore) GetRateLimit(ctx context.Context, key model.TaskKey) (*model.RateLimitConfig, error) {
	cfg, err := scanRateLimit(s.db.QueryRowContext(ctx,
		`SELECT `+rateLimitColumns+` FROM rate_limits WHERE source_type = ? AND region_key = ?`,
		key.SourceType, key.RegionKey,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: rate limit %s", key)
	}
	return cfg, eris.Wrapf(err, "sqlite: get rate limit %s", key)
}

func (s *SQLiteStore) ListRateLimits(ctx context.Context) ([]model.RateLimitConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+rateLimitColumns+` FROM rate_limits ORDER BY source_type, region_key`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list rate limits")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RateLimitConfig
	for rows.Next() {
		cfg, err := scanRateLimit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan rate limit")
		}
		out = append(out, *cfg)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate rate limits")
}

// --- Dead letters ---

func scanSQLiteDeadLetter(row scannable) (*model.DeadLetterEntry, error) {
	var e model.DeadLetterEntry
	var task string
	var failedAt int64
	var resolvedAt, replayedAt *int64
	err := row.Scan(
		&e.ID, &e.DeliveryID, &task, &e.Error, &e.ErrorKind, &e.RetryCount, &failedAt,
		&e.Resolved, &e.ResolvedBy, &e.ResolutionNotes, &resolvedAt, &replayedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(task), &e.Task); err != nil {
		return nil, eris.Wrap(err, "unmarshal dead letter task")
	}
	e.FailedAt = time.UnixMilli(failedAt).UTC()
	e.ResolvedAt = fromMillis(resolvedAt)
	e.ReplayedAt = fromMillis(replayedAt)
	return &e, nil
}

func (s *SQLiteStore) InsertDeadLetter(ctx context.Context, e *model.DeadLetterEntry) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	task, err := json.Marshal(e.Task)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal dead letter task")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, delivery_id, region_key, source_type, profession, task, error, error_kind, retry_count, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (delivery_id) DO NOTHING`,
		e.ID, e.DeliveryID, e.Task.RegionKey, e.Task.SourceType, e.Task.Profession, string(task),
		e.Error, e.ErrorKind, e.RetryCount, e.FailedAt.UnixMilli(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert dead letter %s", e.DeliveryID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterEntry, error) {
	return s.getDeadLetter(ctx, `id = ?`, id)
}

func (s *SQLiteStore) GetDeadLetterByDelivery(ctx context.Context, deliveryID string) (*model.DeadLetterEntry, error) {
	return s.getDeadLetter(ctx, `delivery_id = ?`, deliveryID)
}

func (s *SQLiteStore) getDeadLetter(ctx context.Context, where, arg string) (*model.DeadLetterEntry, error) {
	e, err := scanSQLiteDeadLetter(s.db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: dead letter %s", arg)
	}
	return e, eris.Wrapf(err, "sqlite: get dead letter %s", arg)
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, filter model.DeadLetterFilter) ([]model.DeadLetterEntry, error) {
	q := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	if filter.UnresolvedOnly {
		q += ` WHERE resolved = 0`
	}
	q += ` ORDER BY failed_at DESC, rowid DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, q, limitOr(filter.Limit, 100))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead letters")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.DeadLetterEntry
	for rows.Next() {
		e, err := scanSQLiteDeadLetter(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead letter")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate dead letters")
}

func (s *SQLiteStore) ResolveDeadLetter(ctx context.Context, id, resolvedBy, notes string, at time.Time, replayedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET resolved = 1, resolved_by = ?, resolution_notes = ?, resolved_at = ?, replayed_at = ?
		WHERE id = ? AND resolved = 0`,
		resolvedBy, notes, at.UnixMilli(), toMillis(replayedAt), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve dead letter %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetDeadLetter(ctx, id); err != nil {
		return err
	}
	return eris.Wrapf(ErrAlreadyResolved, "sqlite: dead letter %s", id)
}

func (s *SQLiteStore) CountDeadLetters(ctx context.Context, unresolvedOnly bool) (int, error) {
	q := `SELECT count(*) FROM dead_letters`
	if unresolvedOnly {
		q += ` WHERE resolved = 0`
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count dead letters")
	}
	return n, nil
}

// --- Processing log ---

func (s *SQLiteStore) AppendProcessing(ctx context.Context, e *model.ProcessingEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processing_log (`+processingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DeliveryID, e.RegionKey, e.SourceType, e.Profession, e.Attempt, string(e.Outcome),
		e.DurationMs, e.ResultCount, e.StoredCount, string(e.Provenance), e.Error, e.CreatedAt.UnixMilli(),
	)
	return eris.Wrapf(err, "sqlite: append processing %s", e.DeliveryID)
}

func (s *SQLiteStore) ListProcessing(ctx context.Context, since time.Time, limit int) ([]model.ProcessingEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+processingColumns+` FROM processing_log WHERE created_at >= ? ORDER BY created_at DESC LIMIT ?`,
		since.UnixMilli(), limitOr(limit, 10000),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list processing")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ProcessingEntry
	for rows.Next() {
		var e model.ProcessingEntry
		var outcome, provenance string
		var createdAt int64
		if err := rows.Scan(
			&e.ID, &e.DeliveryID, &e.RegionKey, &e.SourceType, &e.Profession, &e.Attempt, &outcome,
			&e.DurationMs, &e.ResultCount, &e.StoredCount, &provenance, &e.Error, &createdAt,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan processing")
		}
		e.Outcome = model.Outcome(outcome)
		e.Provenance = model.Provenance(provenance)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate processing")
}
