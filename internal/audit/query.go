package audit

import (
	"database/sql"
	"fmt"
	"time"
)

const invocationColumns = "id, timestamp, command, on_error, input_count, outcome, reason, duration_ms, session_id"

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanInvocation(s scanner) (Invocation, error) {
	var inv Invocation
	var tsStr string
	if err := s.Scan(&inv.ID, &tsStr, &inv.Command, &inv.OnError, &inv.InputCount, &inv.Outcome, &inv.Reason, &inv.DurationMs, &inv.SessionID); err != nil {
		return Invocation{}, err
	}
	ts, err := time.Parse(timeLayout, tsStr)
	if err != nil {
		return Invocation{}, fmt.Errorf("parse timestamp %q: %w", tsStr, err)
	}
	inv.Timestamp = ts
	return inv, nil
}

// List returns invocations with optional filtering by command and outcome.
// Results are ordered by timestamp descending (newest first).
func List(db *sql.DB, limit, offset int, filterCommand, filterOutcome string) ([]Invocation, error) {
	if db == nil {
		return nil, fmt.Errorf("audit: List called with nil db")
	}

	query := "SELECT " + invocationColumns + " FROM invocations WHERE 1=1"
	var args []any

	if filterCommand != "" {
		query += " AND command = ?"
		args = append(args, filterCommand)
	}
	if filterOutcome != "" {
		query += " AND outcome = ?"
		args = append(args, filterOutcome)
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	} else if offset > 0 {
		query += " LIMIT -1"
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list invocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var invocations []Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("audit: scan invocation row: %w", err)
		}
		invocations = append(invocations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate invocation rows: %w", err)
	}

	return invocations, nil
}

// Get returns a single invocation by ID, including its path results.
func Get(db *sql.DB, id int64) (*Invocation, error) {
	if db == nil {
		return nil, fmt.Errorf("audit: Get called with nil db")
	}

	inv, err := scanInvocation(db.QueryRow("SELECT "+invocationColumns+" FROM invocations WHERE id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("audit: get invocation %d: %w", id, err)
	}

	rows, err := db.Query(
		"SELECT id, invocation_id, path_index, input, output, outcome, error_kind, error FROM path_results WHERE invocation_id = ? ORDER BY path_index",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: get path results for invocation %d: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var p PathResult
		if err := rows.Scan(&p.ID, &p.InvocationID, &p.Index, &p.Input, &p.Output, &p.Outcome, &p.ErrorKind, &p.Error); err != nil {
			return nil, fmt.Errorf("audit: scan path result: %w", err)
		}
		inv.Paths = append(inv.Paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate path results: %w", err)
	}

	return &inv, nil
}

// Tail returns the last n invocations ordered by timestamp descending (newest first).
func Tail(db *sql.DB, n int) ([]Invocation, error) {
	return List(db, n, 0, "", "")
}

// Prune deletes invocations (and their path results) older than the given duration.
// Returns the number of invocations deleted.
func Prune(db *sql.DB, olderThan time.Duration) (int64, error) {
	return PruneBefore(db, time.Now().UTC().Add(-olderThan))
}

// PruneBefore deletes invocations (and their path results) recorded before cutoff.
func PruneBefore(db *sql.DB, cutoff time.Time) (int64, error) {
	if db == nil {
		return 0, fmt.Errorf("audit: Prune called with nil db")
	}

	cutoffStr := cutoff.UTC().Format(timeLayout)

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("audit: begin prune transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Delete path results for old invocations first (foreign key reference).
	_, err = tx.Exec(
		"DELETE FROM path_results WHERE invocation_id IN (SELECT id FROM invocations WHERE timestamp < ?)",
		cutoffStr,
	)
	if err != nil {
		return 0, fmt.Errorf("audit: prune path results: %w", err)
	}

	result, err := tx.Exec("DELETE FROM invocations WHERE timestamp < ?", cutoffStr)
	if err != nil {
		return 0, fmt.Errorf("audit: prune invocations: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("audit: prune rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("audit: commit prune: %w", err)
	}

	return count, nil
}

// Stats returns aggregate statistics from the audit database.
func Stats(db *sql.DB) (*AuditStats, error) {
	if db == nil {
		return nil, fmt.Errorf("audit: Stats called with nil db")
	}

	stats := &AuditStats{
		CountByOutcome:   make(map[string]int64),
		CountByErrorKind: make(map[string]int64),
	}

	err := db.QueryRow("SELECT COALESCE(COUNT(*), 0), COALESCE(AVG(duration_ms), 0) FROM invocations").
		Scan(&stats.TotalInvocations, &stats.AvgDurationMs)
	if err != nil {
		return nil, fmt.Errorf("audit: stats totals: %w", err)
	}

	if stats.TotalInvocations == 0 {
		return stats, nil
	}

	if err := db.QueryRow("SELECT COUNT(*) FROM path_results").Scan(&stats.TotalPaths); err != nil {
		return nil, fmt.Errorf("audit: stats path total: %w", err)
	}

	var oldestStr, newestStr string
	err = db.QueryRow("SELECT MIN(timestamp), MAX(timestamp) FROM invocations").
		Scan(&oldestStr, &newestStr)
	if err != nil {
		return nil, fmt.Errorf("audit: stats min/max timestamp: %w", err)
	}

	oldest, err := time.Parse(timeLayout, oldestStr)
	if err != nil {
		return nil, fmt.Errorf("audit: parse oldest timestamp %q: %w", oldestStr, err)
	}
	stats.OldestEntry = oldest

	newest, err := time.Parse(timeLayout, newestStr)
	if err != nil {
		return nil, fmt.Errorf("audit: parse newest timestamp %q: %w", newestStr, err)
	}
	stats.NewestEntry = newest

	if err := countInto(db, "SELECT outcome, COUNT(*) FROM invocations GROUP BY outcome", stats.CountByOutcome); err != nil {
		return nil, fmt.Errorf("audit: stats by outcome: %w", err)
	}
	if err := countInto(db, "SELECT error_kind, COUNT(*) FROM path_results WHERE error_kind != '' GROUP BY error_kind", stats.CountByErrorKind); err != nil {
		return nil, fmt.Errorf("audit: stats by error kind: %w", err)
	}

	return stats, nil
}

// countInto runs a two-column (key, count) query and stores the rows in m.
func countInto(db *sql.DB, query string, m map[string]int64) error {
	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		m[key] = count
	}
	return rows.Err()
}
