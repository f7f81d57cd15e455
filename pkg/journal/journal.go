// Package journal keeps the durable record of task state transitions in an
// embedded SQLite database. Directory moves in pkg/vault are the presentation
// of task state; the journal is the append-only truth used for post-crash
// reconciliation and reporting.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Transition is one recorded state change.
type Transition struct {
	ID        int64
	TaskID    string
	From      string
	To        string
	Worker    string
	Timestamp time.Time
}

// Journal writes and reads task transitions.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) a journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	return New(db)
}

// New wraps an existing database handle and runs migrations.
func New(db *sql.DB) (*Journal, error) {
	j := &Journal{db: db, now: time.Now}
	if err := j.migrate(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		from_state TEXT NOT NULL DEFAULT '',
		to_state TEXT NOT NULL,
		worker TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_task ON transitions(task_id);`
	_, err := j.db.ExecContext(context.Background(), query)
	return err
}

// RecordTransition appends one transition row. Satisfies vault.Journal.
func (j *Journal) RecordTransition(taskID string, from, to, worker string) error {
	query := `INSERT INTO transitions (task_id, from_state, to_state, worker, timestamp) VALUES (?, ?, ?, ?, ?)`
	ts := j.now().UTC().Format(time.RFC3339Nano)
	if _, err := j.db.ExecContext(context.Background(), query, taskID, from, to, worker, ts); err != nil {
		return fmt.Errorf("record transition for %s: %w", taskID, err)
	}
	return nil
}

// History returns the transitions for one task, oldest first.
func (j *Journal) History(ctx context.Context, taskID string) ([]Transition, error) {
	query := `
		SELECT id, task_id, from_state, to_state, worker, timestamp
		FROM transitions
		WHERE task_id = ?
		ORDER BY id ASC`
	rows, err := j.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransitions(rows)
}

// Recent returns the latest transitions across all tasks, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Transition, error) {
	query := `
		SELECT id, task_id, from_state, to_state, worker, timestamp
		FROM transitions
		ORDER BY id DESC
		LIMIT ?`
	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransitions(rows)
}

// InFlight returns the last known state per task id for tasks whose most
// recent transition landed them in the given state. Used at startup to find
// claims orphaned by a crash.
func (j *Journal) InFlight(ctx context.Context, state string) ([]string, error) {
	query := `
		SELECT task_id FROM transitions t1
		WHERE id = (SELECT MAX(id) FROM transitions t2 WHERE t2.task_id = t1.task_id)
		AND to_state = ?`
	rows, err := j.db.QueryContext(ctx, query, state)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the underlying database.
func (j *Journal) Close() error { return j.db.Close() }

func scanTransitions(rows *sql.Rows) ([]Transition, error) {
	var out []Transition
	for rows.Next() {
		var (
			tr Transition
			ts string
		)
		if err := rows.Scan(&tr.ID, &tr.TaskID, &tr.From, &tr.To, &tr.Worker, &ts); err != nil {
			return nil, err
		}
		tr.Timestamp = parseTime(ts)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
