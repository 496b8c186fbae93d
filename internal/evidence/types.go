package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors for ledger operations.
var (
	ErrEmptySessionID = errors.New("session ID cannot be empty")
	ErrInvalidKind    = errors.New("invalid entry kind")
	ErrChainBroken    = errors.New("evidence chain broken")
	ErrLedgerClosed   = errors.New("ledger is closed")
)

// GenesisHash is the PrevHash of the first entry in every session chain.
var GenesisHash = strings.Repeat("0", 64)

// EntryKind classifies what an evidence entry records.
type EntryKind string

const (
	// KindToolCall records a primitive invocation or operator transition.
	KindToolCall EntryKind = "tool_call"

	// KindClaim records an assertion derived from prior evidence.
	KindClaim EntryKind = "claim"

	// KindOutcome records the terminal result of a composition run.
	KindOutcome EntryKind = "outcome"

	// KindObservation records raw observed facts outside any run.
	KindObservation EntryKind = "observation"
)

// Valid reports whether k is one of the defined kinds.
func (k EntryKind) Valid() bool {
	switch k {
	case KindToolCall, KindClaim, KindOutcome, KindObservation:
		return true
	}
	return false
}

// Provenance records where an entry came from.
type Provenance struct {
	// Source identifies the producing component (e.g. "engine").
	Source string `json:"source,omitempty"`

	// Method is the operation that produced the entry.
	Method string `json:"method,omitempty"`

	// AgentID identifies the acting agent, when known.
	AgentID string `json:"agent_id,omitempty"`

	// InputHash fingerprints the inputs the entry was derived from.
	InputHash string `json:"input_hash,omitempty"`
}

// Entry is one immutable record in the ledger.
//
// Seq, PrevHash, and Hash are assigned by Append; callers supply the session,
// kind, payload, provenance, and any causal links to earlier entries.
type Entry struct {
	// ID is the unique entry identifier (UUID).
	ID string `json:"id"`

	// Seq is the per-session append sequence, starting at 1.
	Seq int64 `json:"seq"`

	// SessionID scopes the entry to one session chain.
	SessionID string `json:"session_id"`

	// Kind classifies the entry.
	Kind EntryKind `json:"kind"`

	// Payload is the entry content. For tool_call entries the engine records
	// tool_name, arguments, result, success, and duration_ms.
	Payload map[string]any `json:"payload,omitempty"`

	// Provenance records the producing component and method.
	Provenance Provenance `json:"provenance,omitempty"`

	// Related holds IDs of earlier entries this one causally depends on.
	Related []string `json:"related,omitempty"`

	// PrevHash is the Hash of the preceding entry in the session chain,
	// or GenesisHash for the first entry.
	PrevHash string `json:"prev_hash"`

	// Hash covers PrevHash plus the entry core; see ComputeHash.
	Hash string `json:"hash"`

	// CreatedAt is when the entry was appended.
	CreatedAt time.Time `json:"created_at"`
}

// validateForAppend checks the caller-supplied fields of a new entry.
func (e *Entry) validateForAppend() error {
	if e.SessionID == "" {
		return ErrEmptySessionID
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, e.Kind)
	}
	return nil
}

// clone deep-copies the entry so ledger internals never alias caller maps.
func (e Entry) clone() Entry {
	out := e
	if e.Payload != nil {
		out.Payload = cloneMap(e.Payload)
	}
	out.Related = append([]string(nil), e.Related...)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			out[k] = cloneMap(val)
		case []any:
			cp := make([]any, len(val))
			copy(cp, val)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// hashEnvelope fixes the field order the chain hash covers. Payload and
// provenance are marshaled through encoding/json, which sorts map keys, so
// the serialization is canonical.
type hashEnvelope struct {
	ID         string         `json:"id"`
	Seq        int64          `json:"seq"`
	SessionID  string         `json:"session_id"`
	Kind       EntryKind      `json:"kind"`
	Payload    map[string]any `json:"payload,omitempty"`
	Provenance Provenance     `json:"provenance"`
	Related    []string       `json:"related,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// ComputeHash returns the chain hash for an entry given the previous entry's
// hash: sha256 over prevHash concatenated with the canonical JSON of the
// entry core.
func ComputeHash(prevHash string, e Entry) (string, error) {
	env := hashEnvelope{
		ID:         e.ID,
		Seq:        e.Seq,
		SessionID:  e.SessionID,
		Kind:       e.Kind,
		Payload:    e.Payload,
		Provenance: e.Provenance,
		Related:    e.Related,
		CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	core, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("hashing entry: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(core)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// verifyEntries recomputes the chain over entries (which must be one session
// in ascending Seq order) and reports the first divergence.
func verifyEntries(sessionID string, entries []Entry) error {
	prev := GenesisHash
	for i, e := range entries {
		if e.PrevHash != prev {
			return fmt.Errorf("%w: session %q seq %d: prev hash mismatch", ErrChainBroken, sessionID, e.Seq)
		}
		want, err := ComputeHash(prev, e)
		if err != nil {
			return err
		}
		if e.Hash != want {
			return fmt.Errorf("%w: session %q seq %d: hash mismatch", ErrChainBroken, sessionID, e.Seq)
		}
		if i > 0 && e.Seq != entries[i-1].Seq+1 {
			return fmt.Errorf("%w: session %q: sequence gap at seq %d", ErrChainBroken, sessionID, e.Seq)
		}
		prev = e.Hash
	}
	return nil
}

// Filter selects entries for Query.
type Filter struct {
	// SessionID restricts results to one session. Empty matches all.
	SessionID string

	// Kinds restricts results to the given kinds. Empty matches all.
	Kinds []EntryKind

	// Limit bounds the result count. Zero means no limit.
	Limit int

	// Descending returns newest-first when set. Default is append order.
	Descending bool
}

func (f Filter) matchesKind(k EntryKind) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, want := range f.Kinds {
		if k == want {
			return true
		}
	}
	return false
}

// Ledger is the append-only evidence store.
//
// Append serializes writers; Query and VerifyChain are safe to call
// concurrently with appends.
type Ledger interface {
	// Append assigns sequence and chain hashes to the entry and stores it.
	// Returns the entry ID.
	Append(ctx context.Context, e Entry) (string, error)

	// Query returns entries matching the filter in sequence order.
	Query(ctx context.Context, f Filter) ([]Entry, error)

	// VerifyChain recomputes the session's hash chain and returns
	// ErrChainBroken (wrapped with position) on the first divergence.
	VerifyChain(ctx context.Context, sessionID string) error

	// Close releases underlying resources.
	Close() error
}
