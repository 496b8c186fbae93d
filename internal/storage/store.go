package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nateschmiedehaus/librarian/internal/technique"
)

// Common errors for storage operations.
var (
	ErrCompositionNotFound = errors.New("composition not found")
	ErrStoreClosed         = errors.New("store is closed")
)

// TraceFilter selects execution traces for ListExecutionTraces.
type TraceFilter struct {
	// CompositionID restricts results to one composition. Empty matches all.
	CompositionID string

	// Intent restricts results to traces with this normalized intent.
	// Empty matches all.
	Intent string

	// Since excludes traces older than the given time when non-zero.
	Since time.Time

	// Limit bounds the result count. Zero means no limit.
	Limit int
}

// Store persists compositions and their execution traces.
type Store interface {
	// ListCompositions returns all stored compositions sorted by ID.
	ListCompositions(ctx context.Context) ([]*technique.Composition, error)

	// GetComposition returns the composition with the given ID, or
	// ErrCompositionNotFound.
	GetComposition(ctx context.Context, id string) (*technique.Composition, error)

	// SaveComposition upserts the composition by ID. The stored document is
	// replaced wholesale; UpdatedAt is set to the save time.
	SaveComposition(ctx context.Context, comp *technique.Composition) error

	// DeleteComposition removes the composition with the given ID, or
	// returns ErrCompositionNotFound.
	DeleteComposition(ctx context.Context, id string) error

	// RecordExecutionTrace appends a trace. Traces are never updated.
	RecordExecutionTrace(ctx context.Context, trace *technique.ExecutionTrace) error

	// ListExecutionTraces returns traces matching the filter, oldest first.
	ListExecutionTraces(ctx context.Context, f TraceFilter) ([]*technique.ExecutionTrace, error)
}

// TraceRecorder is the narrow write-side interface the engine needs.
type TraceRecorder interface {
	RecordExecutionTrace(ctx context.Context, trace *technique.ExecutionTrace) error
}

// StateStore holds opaque versioned state blobs, read and written wholesale.
// The learner keeps its whole model under a single key.
type StateStore interface {
	// GetState returns the blob for key. The second result is false when the
	// key has never been written.
	GetState(ctx context.Context, key string) ([]byte, bool, error)

	// SetState replaces the blob for key.
	SetState(ctx context.Context, key string, value []byte) error
}
