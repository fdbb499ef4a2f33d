// Package history keeps a sqlite ledger of sessions and file outcomes.
//
// The ledger is write-only during a run: a Recorder observes session
// events and stores them. It is never read back to resume work; the
// history command only reports from it.
//
// Schema:
//   - sessions: one row per watched directory per run
//   - files: one row per file outcome (staged, passed, failed, ...)
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/eyeswatch/internal/session"
)

// MemoryPath opens a private in-memory ledger.
const MemoryPath = ":memory:"

// timeLayout sorts lexicographically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// DB wraps the ledger database.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the ledger at path and initializes its schema.
func Open(path string) (*DB, error) {
	memory := path == MemoryPath
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if memory {
		// Every connection to :memory: is a separate database.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(4)
		conn.SetMaxIdleConns(2)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	db := &DB{conn: conn, path: path}

	pragmas := []string{"PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"}
	if !memory {
		pragmas = append([]string{"PRAGMA journal_mode=WAL"}, pragmas...)
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database location.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database, checkpointing the WAL first.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if db.path != MemoryPath {
		_, _ = db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the tables if they do not exist. It is idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the tables with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		dir TEXT NOT NULL,
		test TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		ended_by TEXT NOT NULL DEFAULT '',
		verdict TEXT NOT NULL DEFAULT '',
		staged INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		finished_at TEXT,
		UNIQUE (run_id, dir)
	);

	CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		path TEXT NOT NULL,
		outcome TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
	CREATE INDEX IF NOT EXISTS idx_files_session ON files(session_id, outcome);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Record stores one session event for runID.
func (db *DB) Record(runID string, e session.Event) error {
	return db.RecordContext(context.Background(), runID, e)
}

// RecordContext stores one session event with context support. State
// events upsert the session row; file events append to files.
func (db *DB) RecordContext(ctx context.Context, runID string, e session.Event) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	at := formatTime(e.Time)
	var finished sql.NullString
	if e.State.IsTerminal() {
		finished = sql.NullString{String: at, Valid: true}
	}

	upsert := `
	INSERT INTO sessions (run_id, dir, test, state, ended_by, verdict, staged, error, started_at, updated_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id, dir) DO UPDATE SET
		state = excluded.state,
		ended_by = CASE WHEN excluded.ended_by != '' THEN excluded.ended_by ELSE sessions.ended_by END,
		verdict = CASE WHEN excluded.verdict != '' THEN excluded.verdict ELSE sessions.verdict END,
		staged = excluded.staged,
		error = CASE WHEN excluded.error != '' THEN excluded.error ELSE sessions.error END,
		updated_at = excluded.updated_at,
		finished_at = COALESCE(excluded.finished_at, sessions.finished_at)
	`
	// A file error is not the session's error.
	sessErr := e.Error
	if e.IsFile() {
		sessErr = ""
	}

	if _, err := tx.ExecContext(ctx, upsert,
		runID, e.Dir, e.Test, e.State.String(), string(e.Trigger), e.Verdict,
		e.Staged, sessErr, at, at, finished,
	); err != nil {
		return fmt.Errorf("failed to record session %s: %w", e.Dir, err)
	}

	if e.IsFile() {
		insert := `
		INSERT INTO files (session_id, path, outcome, error, at)
		SELECT id, ?, ?, ?, ? FROM sessions WHERE run_id = ? AND dir = ?
		`
		if _, err := tx.ExecContext(ctx, insert, e.File, string(e.Outcome), e.Error, at, runID, e.Dir); err != nil {
			return fmt.Errorf("failed to record file %s: %w", e.File, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SessionRecord is one session row with its file outcome counts.
type SessionRecord struct {
	ID         int64
	RunID      string
	Dir        string
	Test       string
	State      string
	Trigger    string
	Verdict    string
	Staged     int
	Passed     int
	Failed     int
	Unresolved int
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// ListOptions filters ListSessions.
type ListOptions struct {
	// Since keeps sessions started at or after this time (zero = all).
	Since time.Time
	// RunID keeps sessions of one run (empty = all).
	RunID string
	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// ListSessions returns sessions, newest first.
func (db *DB) ListSessions(ctx context.Context, opts ListOptions) ([]SessionRecord, error) {
	var conditions []string
	var args []interface{}

	if !opts.Since.IsZero() {
		conditions = append(conditions, "s.started_at >= ?")
		args = append(args, formatTime(opts.Since))
	}
	if opts.RunID != "" {
		conditions = append(conditions, "s.run_id = ?")
		args = append(args, opts.RunID)
	}

	query := `
		SELECT s.id, s.run_id, s.dir, s.test, s.state, s.ended_by, s.verdict, s.staged, s.error,
		       s.started_at, s.finished_at,
		       (SELECT COUNT(*) FROM files f WHERE f.session_id = s.id AND f.outcome = 'passed'),
		       (SELECT COUNT(*) FROM files f WHERE f.session_id = s.id AND f.outcome = 'failed'),
		       (SELECT COUNT(*) FROM files f WHERE f.session_id = s.id AND f.outcome = 'unresolved')
		FROM sessions s`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY s.started_at DESC, s.id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var started string
		var finished sql.NullString
		if err := rows.Scan(&r.ID, &r.RunID, &r.Dir, &r.Test, &r.State, &r.Trigger, &r.Verdict,
			&r.Staged, &r.Error, &started, &finished, &r.Passed, &r.Failed, &r.Unresolved); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		r.StartedAt = parseTime(started)
		if finished.Valid {
			t := parseTime(finished.String)
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}

// FileRecord is one file outcome.
type FileRecord struct {
	Path    string
	Outcome string
	Error   string
	At      time.Time
}

// Files returns the outcomes recorded for a session, oldest first.
func (db *DB) Files(ctx context.Context, sessionID int64) ([]FileRecord, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT path, outcome, error, at FROM files WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		var f FileRecord
		var at string
		if err := rows.Scan(&f.Path, &f.Outcome, &f.Error, &at); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		f.At = parseTime(at)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate files: %w", err)
	}
	return out, nil
}
