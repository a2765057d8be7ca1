// Package sessionstore persists conference sessions, their tracks and merged artifacts.
package sessionstore

import (
	"context"
	"database/sql"
	_ "embed"
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

var ErrSchemaMismatch = errors.New("schema version mismatch")

// SQLite is the default session repository.
type SQLite struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure session dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
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

	s := &SQLite{
		db:  db,
		log: log.With().Str("module", "adapters.sessionstore").Logger(),
		now: func() time.Time { return time.Now().UTC() },
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists > 0 {
		var version int
		if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		if version != schemaVersion {
			return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
		}
		return nil
	}

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

func (s *SQLite) Open(ctx context.Context, room domain.RoomID, id domain.SessionID, host domain.ParticipantID) (domain.ConferenceSession, error) {
	ts := formatTime(s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (room, id, state, host, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(room, id) DO NOTHING`,
		string(room), string(id), string(domain.SessionActive), nullableString(string(host)), ts, ts,
	)
	if err != nil {
		return domain.ConferenceSession{}, domain.Wrap(domain.ErrTransient, "sessionstore", "open session", string(id), err)
	}
	return s.Get(ctx, room, id)
}

func (s *SQLite) Get(ctx context.Context, room domain.RoomID, id domain.SessionID) (domain.ConferenceSession, error) {
	return getSession(ctx, s.db, room, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSession(ctx context.Context, q queryer, room domain.RoomID, id domain.SessionID) (domain.ConferenceSession, error) {
	var (
		sess                 domain.ConferenceSession
		state                string
		host                 sql.NullString
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx,
		`SELECT state, host, created_at, updated_at FROM sessions WHERE room = ? AND id = ?`,
		string(room), string(id),
	).Scan(&state, &host, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ConferenceSession{}, fmt.Errorf("%w: %s/%s", domain.ErrSessionNotFound, room, id)
	}
	if err != nil {
		return domain.ConferenceSession{}, fmt.Errorf("get session: %w", err)
	}
	sess.Room = room
	sess.ID = id
	sess.State = domain.SessionState(state)
	sess.Host = domain.ParticipantID(host.String)
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return sess, nil
}

func (s *SQLite) Transition(ctx context.Context, room domain.RoomID, id domain.SessionID, from []domain.SessionState, to domain.SessionState) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	query := `UPDATE sessions SET state = ?, updated_at = ? WHERE room = ? AND id = ? AND state IN (` + placeholders(len(from)) + `)`
	args := []any{string(to), formatTime(s.now()), string(room), string(id)}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, domain.Wrap(domain.ErrTransient, "sessionstore", "transition", string(id), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, room, id); err != nil {
			return false, err
		}
		return false, nil
	}
	s.log.Info().Str("room", string(room)).Str("session", string(id)).Str("state", string(to)).Msg("session transition")
	return true, nil
}

func (s *SQLite) AddTrack(ctx context.Context, track domain.Track) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin add track: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sess, err := getSession(ctx, tx, track.Room, track.Session)
	if err != nil {
		return false, err
	}
	if !sess.State.AcceptsTracks() {
		return false, fmt.Errorf("%w: %s is %s", domain.ErrSessionClosed, sess.ID, sess.State)
	}

	registered := track.RegisteredAt
	if registered.IsZero() {
		registered = s.now()
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO tracks (room, session, id, participant, started_at_ms, ended_at_ms, registered_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(room, session, id) DO NOTHING`,
		string(track.Room), string(track.Session), string(track.ID), nullableString(string(track.Participant)),
		domain.Millis(track.StartedAt), domain.Millis(track.EndedAt), formatTime(registered),
	)
	if err != nil {
		return false, domain.Wrap(domain.ErrTransient, "sessionstore", "insert track", string(track.ID), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 && !track.StartedAt.IsZero() {
		// a later finalize carries the timing the first chunk did not
		if _, err := tx.ExecContext(ctx,
			`UPDATE tracks SET started_at_ms = ?, ended_at_ms = ?, participant = COALESCE(participant, ?)
              WHERE room = ? AND session = ? AND id = ? AND artifact_key IS NULL`,
			domain.Millis(track.StartedAt), domain.Millis(track.EndedAt), nullableString(string(track.Participant)),
			string(track.Room), string(track.Session), string(track.ID),
		); err != nil {
			return false, domain.Wrap(domain.ErrTransient, "sessionstore", "update track timing", string(track.ID), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit add track: %w", err)
	}
	if n > 0 {
		s.log.Info().Str("room", string(track.Room)).Str("session", string(track.Session)).Str("track", string(track.ID)).Msg("track registered")
	}
	return n > 0, nil
}

func (s *SQLite) SetArtifact(ctx context.Context, c domain.Completion) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tracks SET artifact_key = ?, started_at_ms = ?, ended_at_ms = ?
          WHERE room = ? AND session = ? AND id = ? AND artifact_key IS NULL`,
		c.ArtifactKey, domain.Millis(c.StartedAt), domain.Millis(c.EndedAt),
		string(c.Room), string(c.Session), string(c.Track),
	)
	if err != nil {
		return false, domain.Wrap(domain.ErrTransient, "sessionstore", "set artifact", string(c.Track), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM tracks WHERE room = ? AND session = ? AND id = ?`,
		string(c.Room), string(c.Session), string(c.Track),
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check track: %w", err)
	}
	if exists == 0 {
		return false, fmt.Errorf("%w: %s/%s/%s", domain.ErrTrackNotFound, c.Room, c.Session, c.Track)
	}
	return false, nil
}

func (s *SQLite) Tracks(ctx context.Context, room domain.RoomID, id domain.SessionID) ([]domain.Track, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, participant, started_at_ms, ended_at_ms, artifact_key, registered_at
           FROM tracks WHERE room = ? AND session = ?
          ORDER BY started_at_ms, registered_at, id`,
		string(room), string(id),
	)
	if err != nil {
		return nil, fmt.Errorf("list tracks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Track
	for rows.Next() {
		var (
			t                  domain.Track
			tid, registered    string
			participant, key   sql.NullString
			startedMs, endedMs int64
		)
		if err := rows.Scan(&tid, &participant, &startedMs, &endedMs, &key, &registered); err != nil {
			return nil, fmt.Errorf("scan track: %w", err)
		}
		t.Room = room
		t.Session = id
		t.ID = domain.TrackID(tid)
		t.Participant = domain.ParticipantID(participant.String)
		t.StartedAt = domain.FromMillis(startedMs)
		t.EndedAt = domain.FromMillis(endedMs)
		t.ArtifactKey = key.String
		t.RegisteredAt = parseTime(registered)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveMergedArtifact(ctx context.Context, a domain.MergedArtifact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save artifact: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created := a.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO merged_artifacts (room, session, key, audio_source, size, created_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(room, session) DO NOTHING`,
		string(a.Room), string(a.Session), a.Key, nullableString(string(a.AudioSource)), a.Size, formatTime(created),
	); err != nil {
		return domain.Wrap(domain.ErrTransient, "sessionstore", "insert merged artifact", string(a.Session), err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET state = ?, updated_at = ? WHERE room = ? AND id = ?`,
		string(domain.SessionArchived), formatTime(s.now()), string(a.Room), string(a.Session),
	); err != nil {
		return domain.Wrap(domain.ErrTransient, "sessionstore", "archive session", string(a.Session), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save artifact: %w", err)
	}
	s.log.Info().Str("room", string(a.Room)).Str("session", string(a.Session)).Str("key", a.Key).Msg("merged artifact recorded")
	return nil
}

func (s *SQLite) LatestArtifact(ctx context.Context) (domain.MergedArtifact, error) {
	var (
		a                      domain.MergedArtifact
		room, session, created string
		audio                  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT room, session, key, audio_source, size, created_at
           FROM merged_artifacts ORDER BY created_at DESC LIMIT 1`,
	).Scan(&room, &session, &a.Key, &audio, &a.Size, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MergedArtifact{}, domain.Wrap(domain.ErrNotFound, "sessionstore", "latest artifact", "", nil)
	}
	if err != nil {
		return domain.MergedArtifact{}, fmt.Errorf("latest artifact: %w", err)
	}
	a.Room = domain.RoomID(room)
	a.Session = domain.SessionID(session)
	a.AudioSource = domain.TrackID(audio.String)
	a.CreatedAt = parseTime(created)
	return a, nil
}
