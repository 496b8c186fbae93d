package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nateschmiedehaus/librarian/internal/technique"
)

// MemoryStore is an in-memory Store and StateStore for tests and ephemeral
// runs. All reads and writes deep-copy so callers never share internals.
type MemoryStore struct {
	mu           sync.RWMutex
	compositions map[string]*technique.Composition
	traces       []*technique.ExecutionTrace
	state        map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		compositions: make(map[string]*technique.Composition),
		state:        make(map[string][]byte),
	}
}

// ListCompositions returns all compositions sorted by ID.
func (s *MemoryStore) ListCompositions(ctx context.Context) ([]*technique.Composition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*technique.Composition, 0, len(s.compositions))
	for _, c := range s.compositions {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetComposition returns a copy of the stored composition.
func (s *MemoryStore) GetComposition(ctx context.Context, id string) (*technique.Composition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.compositions[id]
	if !ok {
		return nil, ErrCompositionNotFound
	}
	return c.Clone(), nil
}

// SaveComposition upserts the composition by ID.
func (s *MemoryStore) SaveComposition(ctx context.Context, comp *technique.Composition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := comp.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := comp.Clone()
	if existing, ok := s.compositions[comp.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.UpdatedAt = time.Now().UTC()
	s.compositions[comp.ID] = stored
	return nil
}

// DeleteComposition removes the composition.
func (s *MemoryStore) DeleteComposition(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.compositions[id]; !ok {
		return ErrCompositionNotFound
	}
	delete(s.compositions, id)
	return nil
}

// RecordExecutionTrace appends a trace.
func (s *MemoryStore) RecordExecutionTrace(ctx context.Context, trace *technique.ExecutionTrace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := trace.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, cloneTrace(trace))
	return nil
}

// ListExecutionTraces returns traces matching the filter, oldest first.
func (s *MemoryStore) ListExecutionTraces(ctx context.Context, f TraceFilter) ([]*technique.ExecutionTrace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*technique.ExecutionTrace
	for _, tr := range s.traces {
		if f.CompositionID != "" && tr.CompositionID != f.CompositionID {
			continue
		}
		if f.Intent != "" && tr.Intent != f.Intent {
			continue
		}
		if !f.Since.IsZero() && tr.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, cloneTrace(tr))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// GetState returns the blob for key.
func (s *MemoryStore) GetState(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.state[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// SetState replaces the blob for key.
func (s *MemoryStore) SetState(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = append([]byte(nil), value...)
	return nil
}

func cloneTrace(t *technique.ExecutionTrace) *technique.ExecutionTrace {
	cp := *t
	cp.PrimitiveSequence = append([]string(nil), t.PrimitiveSequence...)
	cp.OperatorsUsed = append([]string(nil), t.OperatorsUsed...)
	return &cp
}

var (
	_ Store      = (*MemoryStore)(nil)
	_ StateStore = (*MemoryStore)(nil)
)
