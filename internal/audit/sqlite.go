package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Fuabioo/expand-user/pathutil"
)

const maxErrorLen = 512

// timeLayout is the on-disk timestamp format; it sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000"

// SQLiteAuditor implements Auditor using a local SQLite database.
type SQLiteAuditor struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS invocations (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp   TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%f','now')),
    command     TEXT    NOT NULL,
    input_count INTEGER NOT NULL,
    outcome     TEXT    NOT NULL,
    reason      TEXT    NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL,
    session_id  TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS path_results (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    invocation_id INTEGER NOT NULL REFERENCES invocations(id),
    path_index    INTEGER NOT NULL,
    input         TEXT    NOT NULL,
    output        TEXT    NOT NULL DEFAULT '',
    outcome       TEXT    NOT NULL,
    error_kind    TEXT    NOT NULL DEFAULT '',
    error         TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_invocation_ts ON invocations(timestamp);
CREATE INDEX IF NOT EXISTS idx_path_invocation ON path_results(invocation_id);
`

// DefaultDBPath returns the default audit database path.
// It checks $EXPAND_USER_AUDIT_DB, then $XDG_DATA_HOME/expand-user/audit.db,
// then falls back to ~/.local/share/expand-user/audit.db.
func DefaultDBPath() string {
	if p := os.Getenv("EXPAND_USER_AUDIT_DB"); p != "" {
		if expanded, err := pathutil.ExpandUser(p); err == nil {
			return expanded
		}
		return p
	}
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, ok := pathutil.CurrentUserHome()
		if !ok {
			home = "."
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "expand-user", "audit.db")
}

// Open opens (or creates) a SQLite audit database at the given path.
// It runs the schema migration and configures WAL mode with a 5-second busy timeout.
func Open(dbPath string) (*SQLiteAuditor, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create directory %q: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("audit: open database %q: %w", dbPath, err)
	}

	steps := []struct {
		what string
		run  func() error
	}{
		{"set WAL mode", func() error { _, err := db.Exec("PRAGMA journal_mode=WAL"); return err }},
		{"set busy_timeout", func() error { _, err := db.Exec("PRAGMA busy_timeout=5000"); return err }},
		{"create schema", func() error { _, err := db.Exec(schema); return err }},
		{"migrate", func() error { return migrate(db) }},
	}
	for _, s := range steps {
		if err := s.run(); err != nil {
			if closeErr := db.Close(); closeErr != nil {
				return nil, fmt.Errorf("audit: %s: %w (also failed to close: %v)", s.what, err, closeErr)
			}
			return nil, fmt.Errorf("audit: %s: %w", s.what, err)
		}
	}

	return &SQLiteAuditor{db: db}, nil
}

// migrate applies incremental schema migrations using PRAGMA user_version.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if version == 0 {
		exists, err := columnExists(db, "invocations", "on_error")
		if err != nil {
			return fmt.Errorf("check on_error column: %w", err)
		}
		if !exists {
			if _, err := db.Exec("ALTER TABLE invocations ADD COLUMN on_error TEXT NOT NULL DEFAULT ''"); err != nil {
				return fmt.Errorf("add on_error column: %w", err)
			}
		}
		if _, err := db.Exec("PRAGMA user_version = 1"); err != nil {
			return fmt.Errorf("set user_version to 1: %w", err)
		}
	}

	// version >= 1: schema is current, nothing to do.
	return nil
}

// columnExists checks whether a column exists in the given table.
func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue *string
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// DB returns the underlying *sql.DB for use with query helpers.
// Returns nil if the receiver is nil.
func (a *SQLiteAuditor) DB() *sql.DB {
	if a == nil {
		return nil
	}
	return a.db
}

// RecordInvocation inserts an invocation and its path results in a single transaction.
// Nil receiver is a no-op.
func (a *SQLiteAuditor) RecordInvocation(entry Invocation) error {
	if a == nil {
		return nil
	}

	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("audit: begin transaction: %w", err)
	}
	defer func() {
		// Rollback is a no-op if the transaction was already committed.
		_ = tx.Rollback()
	}()

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	result, err := tx.Exec(
		`INSERT INTO invocations (timestamp, command, on_error, input_count, outcome, reason, duration_ms, session_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.Format(timeLayout),
		entry.Command,
		entry.OnError,
		entry.InputCount,
		entry.Outcome,
		Truncate(entry.Reason, maxErrorLen),
		entry.DurationMs,
		entry.SessionID,
	)
	if err != nil {
		return fmt.Errorf("audit: insert invocation: %w", err)
	}

	invocationID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("audit: get last insert id: %w", err)
	}

	for _, p := range entry.Paths {
		_, err := tx.Exec(
			`INSERT INTO path_results (invocation_id, path_index, input, output, outcome, error_kind, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			invocationID,
			p.Index,
			p.Input,
			p.Output,
			p.Outcome,
			p.ErrorKind,
			Truncate(p.Error, maxErrorLen),
		)
		if err != nil {
			return fmt.Errorf("audit: insert path_result %d: %w", p.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: commit transaction: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
// Nil receiver is a no-op.
func (a *SQLiteAuditor) Close() error {
	if a == nil {
		return nil
	}
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("audit: close database: %w", err)
	}
	return nil
}
