package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nateschmiedehaus/librarian/internal/redact"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// SQLiteLedger persists evidence entries in a SQLite database. Appends are
// serialized by a mutex on top of a transaction so per-session sequence
// numbers and chain hashes are assigned without gaps.
type SQLiteLedger struct {
	mu       sync.Mutex
	db       *sql.DB
	redactor *redact.Redactor
}

// OpenSQLiteLedger opens (creating if needed) the ledger database at path,
// applies the standard pragmas, and runs migrations. The redactor is
// optional; nil disables payload scrubbing.
func OpenSQLiteLedger(path string, redactor *redact.Redactor) (*SQLiteLedger, error) {
	if path == "" {
		return nil, fmt.Errorf("evidence: database path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("evidence: create data dir: %w", err)
		}
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("evidence: open database: %w", err)
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
			return nil, fmt.Errorf("evidence: pragma %q: %w", p, err)
		}
	}

	l := &SQLiteLedger{db: db, redactor: redactor}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("evidence: migration: %w", err)
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS evidence_entries (
			id         TEXT PRIMARY KEY,
			session_id TEXT    NOT NULL,
			seq        INTEGER NOT NULL,
			kind       TEXT    NOT NULL,
			payload    TEXT    NOT NULL DEFAULT '{}',
			provenance TEXT    NOT NULL DEFAULT '{}',
			related    TEXT    NOT NULL DEFAULT '[]',
			prev_hash  TEXT    NOT NULL,
			hash       TEXT    NOT NULL,
			created_at TEXT    NOT NULL,
			UNIQUE (session_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_evidence_session_seq ON evidence_entries(session_id, seq);
		CREATE INDEX IF NOT EXISTS idx_evidence_kind        ON evidence_entries(kind);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Append assigns sequence and chain hashes and stores the entry.
func (l *SQLiteLedger) Append(ctx context.Context, e Entry) (string, error) {
	if err := e.validateForAppend(); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e = e.clone()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if l.redactor.Enabled() {
		e.Payload, _ = l.redactor.RedactPayload(e.Payload)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("evidence: begin append: %w", err)
	}
	defer tx.Rollback()

	prevHash := GenesisHash
	var seq int64 = 1
	row := tx.QueryRowContext(ctx,
		`SELECT seq, hash FROM evidence_entries WHERE session_id = ? ORDER BY seq DESC LIMIT 1`,
		e.SessionID)
	var lastSeq int64
	var lastHash string
	switch err := row.Scan(&lastSeq, &lastHash); err {
	case nil:
		seq = lastSeq + 1
		prevHash = lastHash
	case sql.ErrNoRows:
		// first entry for this session
	default:
		return "", fmt.Errorf("evidence: read chain head: %w", err)
	}

	e.Seq = seq
	e.PrevHash = prevHash
	e.Hash, err = ComputeHash(prevHash, e)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return "", fmt.Errorf("evidence: marshal payload: %w", err)
	}
	provenance, err := json.Marshal(e.Provenance)
	if err != nil {
		return "", fmt.Errorf("evidence: marshal provenance: %w", err)
	}
	related, err := json.Marshal(e.Related)
	if err != nil {
		return "", fmt.Errorf("evidence: marshal related: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO evidence_entries
			(id, session_id, seq, kind, payload, provenance, related, prev_hash, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Seq, string(e.Kind), string(payload), string(provenance),
		string(related), e.PrevHash, e.Hash, e.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("evidence: insert entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("evidence: commit append: %w", err)
	}
	return e.ID, nil
}

// Query returns matching entries in sequence order.
func (l *SQLiteLedger) Query(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if len(f.Kinds) > 0 {
		placeholders := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		where = append(where, "kind IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := "SELECT id, session_id, seq, kind, payload, provenance, related, prev_hash, hash, created_at FROM evidence_entries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	order := "ASC"
	if f.Descending {
		order = "DESC"
	}
	query += " ORDER BY session_id, seq " + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("evidence: query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evidence: iterate entries: %w", err)
	}
	return out, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e                            Entry
		kind                         string
		payload, provenance, related string
		createdAt                    string
	)
	if err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &kind, &payload,
		&provenance, &related, &e.PrevHash, &e.Hash, &createdAt); err != nil {
		return Entry{}, fmt.Errorf("evidence: scan entry: %w", err)
	}
	e.Kind = EntryKind(kind)
	if payload != "" && payload != "null" {
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return Entry{}, fmt.Errorf("evidence: unmarshal payload: %w", err)
		}
	}
	if provenance != "" && provenance != "null" {
		if err := json.Unmarshal([]byte(provenance), &e.Provenance); err != nil {
			return Entry{}, fmt.Errorf("evidence: unmarshal provenance: %w", err)
		}
	}
	if related != "" && related != "null" {
		if err := json.Unmarshal([]byte(related), &e.Related); err != nil {
			return Entry{}, fmt.Errorf("evidence: unmarshal related: %w", err)
		}
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Entry{}, fmt.Errorf("evidence: parse created_at: %w", err)
	}
	e.CreatedAt = ts
	return e, nil
}

// VerifyChain recomputes the session chain from the stored rows.
func (l *SQLiteLedger) VerifyChain(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	entries, err := l.Query(ctx, Filter{SessionID: sessionID})
	if err != nil {
		return err
	}
	return verifyEntries(sessionID, entries)
}

// Close closes the underlying database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

var _ Ledger = (*SQLiteLedger)(nil)
