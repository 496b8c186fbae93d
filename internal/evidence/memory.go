package evidence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nateschmiedehaus/librarian/internal/redact"
)

// MemoryLedger is an in-memory Ledger for tests and ephemeral runs.
type MemoryLedger struct {
	mu        sync.RWMutex
	closed    bool
	entries   []Entry
	bySession map[string][]int
	redactor  *redact.Redactor
}

// NewMemoryLedger creates an empty in-memory ledger. The redactor is
// optional; nil disables payload scrubbing.
func NewMemoryLedger(redactor *redact.Redactor) *MemoryLedger {
	return &MemoryLedger{
		bySession: make(map[string][]int),
		redactor:  redactor,
	}
}

// Append assigns sequence and chain hashes and stores the entry.
func (l *MemoryLedger) Append(ctx context.Context, e Entry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := e.validateForAppend(); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", ErrLedgerClosed
	}

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

	prevHash := GenesisHash
	var seq int64 = 1
	if idxs := l.bySession[e.SessionID]; len(idxs) > 0 {
		last := l.entries[idxs[len(idxs)-1]]
		prevHash = last.Hash
		seq = last.Seq + 1
	}
	e.Seq = seq
	e.PrevHash = prevHash

	hash, err := ComputeHash(prevHash, e)
	if err != nil {
		return "", err
	}
	e.Hash = hash

	l.entries = append(l.entries, e)
	l.bySession[e.SessionID] = append(l.bySession[e.SessionID], len(l.entries)-1)
	return e.ID, nil
}

// Query returns matching entries in sequence order.
func (l *MemoryLedger) Query(ctx context.Context, f Filter) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrLedgerClosed
	}

	var out []Entry
	appendMatch := func(e Entry) {
		if f.matchesKind(e.Kind) {
			out = append(out, e.clone())
		}
	}
	if f.SessionID != "" {
		for _, idx := range l.bySession[f.SessionID] {
			appendMatch(l.entries[idx])
		}
	} else {
		for _, e := range l.entries {
			appendMatch(e)
		}
	}

	if f.Descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// VerifyChain recomputes the session chain.
func (l *MemoryLedger) VerifyChain(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	entries, err := l.Query(ctx, Filter{SessionID: sessionID})
	if err != nil {
		return err
	}
	return verifyEntries(sessionID, entries)
}

// Close marks the ledger closed. Further operations return ErrLedgerClosed.
func (l *MemoryLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Len returns the total number of stored entries.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Tamper overwrites a stored payload value in place. Test hook for chain
// verification; never part of the Ledger interface.
func (l *MemoryLedger) Tamper(sessionID string, seq int64, key string, value any) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, idx := range l.bySession[sessionID] {
		if l.entries[idx].Seq == seq {
			if l.entries[idx].Payload == nil {
				l.entries[idx].Payload = map[string]any{}
			}
			l.entries[idx].Payload[key] = value
			return true
		}
	}
	return false
}

var _ Ledger = (*MemoryLedger)(nil)
