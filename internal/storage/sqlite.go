package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nateschmiedehaus/librarian/internal/technique"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// sortableTime is a fixed-width UTC timestamp format so the TEXT ts column
// orders lexicographically in chronological order. RFC3339Nano trims trailing
// zeros, which breaks string ordering at sub-second precision.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists compositions, traces, and learner state in a single
// SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path, applies the
// standard pragmas, and runs migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: database path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("storage: create data dir: %w", err)
		}
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migration: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS compositions (
			id         TEXT PRIMARY KEY,
			document   TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS execution_traces (
			execution_id   TEXT PRIMARY KEY,
			composition_id TEXT NOT NULL,
			intent         TEXT NOT NULL DEFAULT '',
			outcome        TEXT NOT NULL,
			document       TEXT NOT NULL,
			ts             TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_traces_composition ON execution_traces(composition_id);
		CREATE INDEX IF NOT EXISTS idx_traces_ts          ON execution_traces(ts);
		CREATE INDEX IF NOT EXISTS idx_traces_intent      ON execution_traces(intent);

		CREATE TABLE IF NOT EXISTS learner_state (
			key        TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ListCompositions returns all stored compositions sorted by ID.
func (s *SQLiteStore) ListCompositions(ctx context.Context) ([]*technique.Composition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM compositions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list compositions: %w", err)
	}
	defer rows.Close()

	var out []*technique.Composition
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("storage: scan composition: %w", err)
		}
		var c technique.Composition
		if err := json.Unmarshal([]byte(doc), &c); err != nil {
			return nil, fmt.Errorf("storage: unmarshal composition: %w", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate compositions: %w", err)
	}
	return out, nil
}

// GetComposition returns the composition with the given ID.
func (s *SQLiteStore) GetComposition(ctx context.Context, id string) (*technique.Composition, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM compositions WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrCompositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get composition %q: %w", id, err)
	}
	var c technique.Composition
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return nil, fmt.Errorf("storage: unmarshal composition %q: %w", id, err)
	}
	return &c, nil
}

// SaveComposition upserts the composition by ID.
func (s *SQLiteStore) SaveComposition(ctx context.Context, comp *technique.Composition) error {
	if err := comp.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	stored := comp.Clone()
	stored.UpdatedAt = now
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	// Preserve the original creation time across replacement.
	if existing, err := s.GetComposition(ctx, comp.ID); err == nil {
		stored.CreatedAt = existing.CreatedAt
	}

	doc, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("storage: marshal composition %q: %w", comp.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO compositions (id, document, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			document = excluded.document,
			updated_at = excluded.updated_at`,
		stored.ID, string(doc),
		stored.CreatedAt.Format(time.RFC3339Nano),
		stored.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("storage: save composition %q: %w", comp.ID, err)
	}
	return nil
}

// DeleteComposition removes the composition with the given ID.
func (s *SQLiteStore) DeleteComposition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM compositions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage: delete composition %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: delete composition %q: %w", id, err)
	}
	if n == 0 {
		return ErrCompositionNotFound
	}
	return nil
}

// RecordExecutionTrace appends a trace.
func (s *SQLiteStore) RecordExecutionTrace(ctx context.Context, trace *technique.ExecutionTrace) error {
	if err := trace.Validate(); err != nil {
		return err
	}
	doc, err := json.Marshal(trace)
	if err != nil {
		return fmt.Errorf("storage: marshal trace %q: %w", trace.ExecutionID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_traces (execution_id, composition_id, intent, outcome, document, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		trace.ExecutionID, trace.CompositionID, trace.Intent, string(trace.Outcome),
		string(doc), trace.Timestamp.UTC().Format(sortableTime))
	if err != nil {
		return fmt.Errorf("storage: record trace %q: %w", trace.ExecutionID, err)
	}
	return nil
}

// ListExecutionTraces returns traces matching the filter, oldest first.
func (s *SQLiteStore) ListExecutionTraces(ctx context.Context, f TraceFilter) ([]*technique.ExecutionTrace, error) {
	var (
		where []string
		args  []any
	)
	if f.CompositionID != "" {
		where = append(where, "composition_id = ?")
		args = append(args, f.CompositionID)
	}
	if f.Intent != "" {
		where = append(where, "intent = ?")
		args = append(args, f.Intent)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UTC().Format(sortableTime))
	}

	query := `SELECT document FROM execution_traces`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list traces: %w", err)
	}
	defer rows.Close()

	var out []*technique.ExecutionTrace
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("storage: scan trace: %w", err)
		}
		var tr technique.ExecutionTrace
		if err := json.Unmarshal([]byte(doc), &tr); err != nil {
			return nil, fmt.Errorf("storage: unmarshal trace: %w", err)
		}
		out = append(out, &tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate traces: %w", err)
	}
	return out, nil
}

// GetState returns the blob for key.
func (s *SQLiteStore) GetState(ctx context.Context, key string) ([]byte, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM learner_state WHERE key = ?`, key).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: get state %q: %w", key, err)
	}
	return []byte(payload), true, nil
}

// SetState replaces the blob for key.
func (s *SQLiteStore) SetState(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO learner_state (key, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		key, string(value), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("storage: set state %q: %w", key, err)
	}
	return nil
}

var (
	_ Store      = (*SQLiteStore)(nil)
	_ StateStore = (*SQLiteStore)(nil)
)
