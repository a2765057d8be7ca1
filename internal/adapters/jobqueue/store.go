// Package jobqueue is the durable, idempotent-by-key job queue backed by SQLite.
package jobqueue

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/dkeye/studio/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// ErrSchemaMismatch indicates the database schema version doesn't match the expected version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// Store manages queue persistence backed by SQLite.
type Store struct {
	db          *sql.DB
	path        string
	maxAttempts int
	log         zerolog.Logger
	now         func() time.Time
}

// Open initializes or connects to the queue database and applies the schema.
func Open(path string, maxAttempts int) (*Store, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure queue dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer; keeps claims from racing on lock upgrades
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{
		db:          db,
		path:        path,
		maxAttempts: maxAttempts,
		log:         log.With().Str("module", "adapters.jobqueue").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Path() string { return s.path }

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return tx.Commit()
}

// Enqueue inserts a pending job. A key that was ever enqueued is never enqueued again.
func (s *Store) Enqueue(ctx context.Context, kind domain.JobKind, key string, payload any) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, domain.Wrap(domain.ErrValidation, "jobqueue", "marshal payload", key, err)
	}
	ts := formatTime(s.now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (key, kind, payload, status, attempts, max_attempts, available_at, created_at, updated_at)
         VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
         ON CONFLICT(key) DO NOTHING`,
		key, string(kind), string(body), string(domain.JobPending), s.maxAttempts, ts, ts, ts,
	)
	if err != nil {
		return false, domain.Wrap(domain.ErrTransient, "jobqueue", "insert job", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		s.log.Debug().Str("job", key).Msg("duplicate enqueue ignored")
		return false, nil
	}
	s.log.Info().Str("job", key).Str("kind", string(kind)).Msg("job enqueued")
	return true, nil
}

// Claim leases the oldest available pending job of kind.
func (s *Store) Claim(ctx context.Context, kind domain.JobKind) (*domain.Job, error) {
	ts := formatTime(s.now())
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs
            SET status = ?, attempts = attempts + 1, heartbeat_at = ?, updated_at = ?
          WHERE key = (
                SELECT key FROM jobs
                 WHERE kind = ? AND status = ? AND available_at <= ?
                 ORDER BY available_at, created_at
                 LIMIT 1)
            AND status = ?
      RETURNING `+jobColumns,
		string(domain.JobRunning), ts, ts,
		string(kind), string(domain.JobPending), ts,
		string(domain.JobPending),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (s *Store) Complete(ctx context.Context, key string) error {
	ts := formatTime(s.now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = NULL, updated_at = ? WHERE key = ?`,
		string(domain.JobDone), ts, key,
	)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", key, err)
	}
	return nil
}

// Fail records cause. The job returns to pending after backoff unless retry is
// false or its attempts are exhausted, in which case it is marked dead.
func (s *Store) Fail(ctx context.Context, key string, cause error, retry bool, backoff time.Duration) (domain.JobStatus, error) {
	job, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	status := domain.JobPending
	if !retry || job.Attempts >= job.MaxAttempts {
		status = domain.JobDead
	}
	now := s.now()
	msg := domain.ErrorDetail(cause)
	_, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, available_at = ?, updated_at = ? WHERE key = ?`,
		string(status), nullableString(msg), formatTime(now.Add(backoff)), formatTime(now), key,
	)
	if err != nil {
		return "", fmt.Errorf("fail job %s: %w", key, err)
	}
	return status, nil
}

func (s *Store) Heartbeat(ctx context.Context, key string) error {
	ts := formatTime(s.now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET heartbeat_at = ?, updated_at = ? WHERE key = ? AND status = ?`,
		ts, ts, key, string(domain.JobRunning),
	)
	if err != nil {
		return fmt.Errorf("heartbeat job %s: %w", key, err)
	}
	return nil
}

// ReclaimStale returns running jobs whose heartbeat is older than olderThan to pending.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, available_at = ?, updated_at = ?
          WHERE status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)`,
		string(domain.JobPending), formatTime(now), formatTime(now),
		string(domain.JobRunning), formatTime(now.Add(-olderThan)),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		s.log.Warn().Int64("count", n).Msg("reclaimed stale jobs")
	}
	return int(n), nil
}

// Get fetches one job by key.
func (s *Store) Get(ctx context.Context, key string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE key = ?`, key)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Wrap(domain.ErrNotFound, "jobqueue", "get", key, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns jobs, newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, status domain.JobStatus) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, key`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// Retry resets a dead job so workers pick it up again with a fresh attempt budget.
func (s *Store) Retry(ctx context.Context, key string) error {
	ts := formatTime(s.now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = 0, available_at = ?, updated_at = ? WHERE key = ? AND status = ?`,
		string(domain.JobPending), ts, ts, key, string(domain.JobDead),
	)
	if err != nil {
		return fmt.Errorf("retry job %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.Wrap(domain.ErrNotFound, "jobqueue", "retry", "no dead job "+key, nil)
	}
	s.log.Info().Str("job", key).Msg("job reset for retry")
	return nil
}
