// Package patterns implements the pattern and anticipation engine: it
// turns the append-only action history into scored behavioral patterns
// and, live, into anticipated actions with an ask/suggest/auto
// disposition. Patterns are never deleted — confidence decays toward
// zero when a pattern goes unobserved and is reinforced only by
// independently observed repetitions.
package patterns

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/normanking/majordomo/internal/data"
)

// Kind classifies how a pattern was mined.
type Kind string

const (
	KindTime     Kind = "time"     // recurs at a (weekday, hour) slot
	KindSequence Kind = "sequence" // A→B→C chain within a window
	KindContext  Kind = "context"  // environmental trigger → action
)

// Pattern is one mined behavioral pattern.
type Pattern struct {
	ID               string            `json:"id"`
	Kind             Kind              `json:"kind"`
	Signature        string            `json:"signature"`
	Action           string            `json:"action"`
	Args             map[string]string `json:"args,omitempty"`
	Confidence       float64           `json:"confidence"`
	ObservationCount int               `json:"observation_count"`
	LastObservedAt   time.Time         `json:"last_observed_at"`
	CreatedAt        time.Time         `json:"created_at"`
}

// ErrPatternNotFound is returned for lookups of unknown patterns.
var ErrPatternNotFound = errors.New("patterns: pattern not found")

// Store is the SQLite repository for patterns and their feedback trail.
type Store struct {
	data *data.Store
	db   *sql.DB
}

// NewStore creates a pattern store over an initialized database.
func NewStore(db *data.Store) *Store {
	return &Store{data: db, db: db.DB()}
}

// GetOrCreate returns the pattern with the given kind and signature,
// creating it at zero confidence when absent.
func (s *Store) GetOrCreate(ctx context.Context, kind Kind, signature, action string, args map[string]string) (Pattern, error) {
	if p, err := s.BySignature(ctx, kind, signature); err == nil {
		return p, nil
	} else if !errors.Is(err, ErrPatternNotFound) {
		return Pattern{}, err
	}

	p := Pattern{
		ID:             "pat_" + uuid.New().String(),
		Kind:           kind,
		Signature:      signature,
		Action:         action,
		Args:           args,
		LastObservedAt: time.Now(),
		CreatedAt:      time.Now(),
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		argsJSON = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO patterns (id, kind, signature, action, args_json, confidence, observation_count, last_observed_at, created_at)
		VALUES (?, ?, ?, ?, ?, 0.0, 0, ?, ?)
		ON CONFLICT (kind, signature) DO NOTHING
	`, p.ID, string(p.Kind), p.Signature, p.Action, string(argsJSON),
		p.LastObservedAt.Format(time.RFC3339), p.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return Pattern{}, fmt.Errorf("insert pattern: %w", err)
	}

	// Re-read: a concurrent creator may have won the conflict race.
	return s.BySignature(ctx, kind, signature)
}

// BySignature looks a pattern up by its natural key.
func (s *Store) BySignature(ctx context.Context, kind Kind, signature string) (Pattern, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, signature, action, args_json, confidence, observation_count, last_observed_at, created_at
		FROM patterns WHERE kind = ? AND signature = ?
	`, string(kind), signature)
	return scanPattern(row)
}

// ByID looks a pattern up by ID.
func (s *Store) ByID(ctx context.Context, id string) (Pattern, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, signature, action, args_json, confidence, observation_count, last_observed_at, created_at
		FROM patterns WHERE id = ?
	`, id)
	return scanPattern(row)
}

// List returns all patterns of a kind; empty kind lists everything.
func (s *Store) List(ctx context.Context, kind Kind) ([]Pattern, error) {
	query := `
		SELECT id, kind, signature, action, args_json, confidence, observation_count, last_observed_at, created_at
		FROM patterns`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var out []Pattern
	for rows.Next() {
		p, err := scanPatternRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const (
	updatePatternSQL = `
		UPDATE patterns
		SET confidence = ?, observation_count = ?, last_observed_at = ?
		WHERE id = ?`
	insertFeedbackSQL = `
		INSERT INTO pattern_feedback (id, pattern_id, verdict, ts)
		VALUES (?, ?, ?, ?)`
)

// Update persists a pattern's confidence, observation count, and last
// observation time. Callers must hold the engine's per-pattern lock so
// the surrounding read-modify-write is not a check-then-act race.
func (s *Store) Update(ctx context.Context, p Pattern) error {
	res, err := s.db.ExecContext(ctx, updatePatternSQL,
		p.Confidence, p.ObservationCount, p.LastObservedAt.Format(time.RFC3339), p.ID)
	if err != nil {
		return fmt.Errorf("update pattern %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPatternNotFound
	}
	return nil
}

// Feedback verdicts.
const (
	VerdictConfirmed = "confirmed"
	VerdictRejected  = "rejected"
	VerdictCancelled = "cancelled"
)

// UpdateWithFeedback persists a confidence update and the verdict that
// caused it in one transaction, so the feedback trail can never disagree
// with the stored confidence. Same locking contract as Update.
func (s *Store) UpdateWithFeedback(ctx context.Context, p Pattern, verdict string) error {
	return s.data.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, updatePatternSQL,
			p.Confidence, p.ObservationCount, p.LastObservedAt.Format(time.RFC3339), p.ID)
		if err != nil {
			return fmt.Errorf("update pattern %s: %w", p.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrPatternNotFound
		}
		_, err = tx.ExecContext(ctx, insertFeedbackSQL,
			"fb_"+uuid.New().String(), p.ID, verdict, time.Now().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("record feedback: %w", err)
		}
		return nil
	})
}

func scanPattern(row *sql.Row) (Pattern, error) {
	var p Pattern
	var kind, argsJSON, lastObserved, created string
	err := row.Scan(&p.ID, &kind, &p.Signature, &p.Action, &argsJSON,
		&p.Confidence, &p.ObservationCount, &lastObserved, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Pattern{}, ErrPatternNotFound
	}
	if err != nil {
		return Pattern{}, fmt.Errorf("scan pattern: %w", err)
	}
	return finishPattern(p, kind, argsJSON, lastObserved, created)
}

func scanPatternRows(rows *sql.Rows) (Pattern, error) {
	var p Pattern
	var kind, argsJSON, lastObserved, created string
	err := rows.Scan(&p.ID, &kind, &p.Signature, &p.Action, &argsJSON,
		&p.Confidence, &p.ObservationCount, &lastObserved, &created)
	if err != nil {
		return Pattern{}, fmt.Errorf("scan pattern: %w", err)
	}
	return finishPattern(p, kind, argsJSON, lastObserved, created)
}

func finishPattern(p Pattern, kind, argsJSON, lastObserved, created string) (Pattern, error) {
	p.Kind = Kind(kind)
	if err := json.Unmarshal([]byte(argsJSON), &p.Args); err != nil {
		p.Args = map[string]string{}
	}
	if t, err := time.Parse(time.RFC3339, lastObserved); err == nil {
		p.LastObservedAt = t
	}
	if t, err := time.Parse(time.RFC3339, created); err == nil {
		p.CreatedAt = t
	}
	return p, nil
}
