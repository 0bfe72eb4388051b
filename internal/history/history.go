// Package history implements the append-only action log. The action
// gateway appends one entry per dispatched action; the pattern engine
// reads windows of entries to mine behavioral patterns. Entries are
// never updated or deleted in place.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entry is one dispatched action in the history log.
type Entry struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	PersonID   string            `json:"person_id"`
	PersonName string            `json:"person_name"`
	Action     string            `json:"action"`
	Args       map[string]string `json:"args,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
}

// Log is the SQLite-backed action history.
type Log struct {
	db *sql.DB
}

// NewLog creates a history log over an initialized database.
func NewLog(db *sql.DB) *Log {
	return &Log{db: db}
}

// Append records a dispatched action. The entry's ID and timestamp are
// filled in when zero.
func (l *Log) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = "act_" + uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	argsJSON, err := json.Marshal(e.Args)
	if err != nil {
		argsJSON = []byte("{}")
	}
	contextJSON, err := json.Marshal(e.Context)
	if err != nil {
		contextJSON = []byte("{}")
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO action_history (id, ts, person_id, person_name, action, args_json, context_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Timestamp.Format(time.RFC3339), e.PersonID, e.PersonName,
		e.Action, string(argsJSON), string(contextJSON))
	if err != nil {
		return fmt.Errorf("append action history: %w", err)
	}
	return nil
}

// Since returns entries with timestamps at or after the cutoff, oldest
// first.
func (l *Log) Since(ctx context.Context, cutoff time.Time) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, ts, person_id, person_name, action, args_json, context_json
		FROM action_history
		WHERE ts >= ?
		ORDER BY ts ASC
	`, cutoff.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("query action history: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ByAction returns the most recent entries for a specific action, newest
// first, bounded by limit.
func (l *Log) ByAction(ctx context.Context, action string, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, ts, person_id, person_name, action, args_json, context_json
		FROM action_history
		WHERE action = ?
		ORDER BY ts DESC
		LIMIT ?
	`, action, limit)
	if err != nil {
		return nil, fmt.Errorf("query action history by action: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Count returns the total number of history entries.
func (l *Log) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM action_history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count action history: %w", err)
	}
	return n, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts, argsJSON, contextJSON string
		if err := rows.Scan(&e.ID, &ts, &e.PersonID, &e.PersonName, &e.Action, &argsJSON, &contextJSON); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			e.Timestamp = t
		}
		if err := json.Unmarshal([]byte(argsJSON), &e.Args); err != nil {
			e.Args = map[string]string{}
		}
		if err := json.Unmarshal([]byte(contextJSON), &e.Context); err != nil {
			e.Context = map[string]string{}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
