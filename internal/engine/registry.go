package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nateschmiedehaus/librarian/internal/technique"
)

// ErrDuplicateInterpreter is returned when registering a second interpreter
// for the same operator type.
var ErrDuplicateInterpreter = errors.New("interpreter already registered for operator type")

// Interpreter executes one operator kind within a running composition.
//
// Implementations receive the live frame and drive primitives through it;
// they never resolve handlers or touch the ledger directly. A returned error
// aborts the run with the operator semantics deciding the terminal outcome
// (ErrMaxIterations maps to the max_iterations outcome, context errors to
// timeout, everything else to failure).
type Interpreter interface {
	// Type reports the operator kind this interpreter executes.
	Type() technique.OperatorType

	// Interpret executes one occurrence of the operator.
	Interpret(ctx context.Context, op technique.Operator, fr *Frame) error
}

// InterpreterRegistry maps operator types to their interpreters. The engine
// owns a registry preloaded with the six built-in operators; embedders can
// register additional types before executing compositions that use them.
type InterpreterRegistry struct {
	mu           sync.RWMutex
	interpreters map[technique.OperatorType]Interpreter
}

// NewInterpreterRegistry creates an empty registry.
func NewInterpreterRegistry() *InterpreterRegistry {
	return &InterpreterRegistry{
		interpreters: make(map[technique.OperatorType]Interpreter),
	}
}

// Register adds an interpreter. Registering a type twice is rejected.
func (r *InterpreterRegistry) Register(i Interpreter) error {
	if i == nil {
		return errors.New("registering interpreter: interpreter cannot be nil")
	}
	t := i.Type()
	if t == "" {
		return errors.New("registering interpreter: operator type cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.interpreters[t]; exists {
		return fmt.Errorf("registering interpreter: %w: %q", ErrDuplicateInterpreter, t)
	}
	r.interpreters[t] = i
	return nil
}

// Lookup returns the interpreter for the given type.
func (r *InterpreterRegistry) Lookup(t technique.OperatorType) (Interpreter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.interpreters[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInterpreterMissing, t)
	}
	return i, nil
}

// Has reports whether an interpreter is registered for the type.
func (r *InterpreterRegistry) Has(t technique.OperatorType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.interpreters[t]
	return ok
}

// Types returns the registered operator types sorted lexically.
func (r *InterpreterRegistry) Types() []technique.OperatorType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]technique.OperatorType, 0, len(r.interpreters))
	for t := range r.interpreters {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
