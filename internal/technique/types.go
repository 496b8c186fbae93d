package technique

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors for technique operations.
var (
	ErrPrimitiveNotFound  = errors.New("primitive not found")
	ErrDuplicatePrimitive = errors.New("primitive already registered")
	ErrHandlerNotBound    = errors.New("no handler bound for primitive")
	ErrEmptyPrimitiveID   = errors.New("primitive ID cannot be empty")
	ErrEmptyPrimitiveName = errors.New("primitive name cannot be empty")
	ErrEmptyCompositionID = errors.New("composition ID cannot be empty")
	ErrNoPrimitives       = errors.New("composition must reference at least one primitive")
	ErrInvalidOutcome     = errors.New("invalid outcome")
)

// Handler executes a primitive against the supplied input state and returns
// the outputs it produced. Handlers are supplied by the embedding application
// and treated as opaque; the engine never inspects their behavior beyond the
// returned map and error.
type Handler func(ctx context.Context, input map[string]any) (map[string]any, error)

// Outcome is the terminal status of a composition run.
type Outcome string

const (
	// OutcomeSuccess indicates the run completed with every required step succeeding.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailure indicates a step or gate failed and the run was aborted.
	OutcomeFailure Outcome = "failure"

	// OutcomeTimeout indicates the caller's context expired before the run finished.
	OutcomeTimeout Outcome = "timeout"

	// OutcomeMaxIterations indicates a loop reached its iteration cap without
	// its termination condition becoming true.
	OutcomeMaxIterations Outcome = "max_iterations"
)

// Valid reports whether o is one of the defined outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeTimeout, OutcomeMaxIterations:
		return true
	}
	return false
}

// Succeeded reports whether o counts as a success for rate computations.
// Timeouts and iteration caps are distinct terminals but never successes.
func (o Outcome) Succeeded() bool {
	return o == OutcomeSuccess
}

// Primitive is an atomic unit of reasoning work.
//
// Primitives are immutable once registered: a composition references them by
// ID, and re-registering an ID is rejected rather than silently replacing the
// definition underneath existing compositions.
type Primitive struct {
	// ID is the stable string key compositions reference (e.g. "decompose_question").
	ID string `json:"id"`

	// Name is a short human-readable label.
	Name string `json:"name"`

	// Intent describes what the primitive does and when it applies.
	Intent string `json:"intent,omitempty"`

	// InputsRequired lists the state keys the handler expects to be present.
	InputsRequired []string `json:"inputs_required,omitempty"`

	// Outputs lists the state keys the handler produces.
	Outputs []string `json:"outputs,omitempty"`
}

// Validate checks that the primitive has the required fields.
func (p *Primitive) Validate() error {
	if p.ID == "" {
		return ErrEmptyPrimitiveID
	}
	if p.Name == "" {
		return ErrEmptyPrimitiveName
	}
	return nil
}

// OperatorType identifies a control-flow operator.
type OperatorType string

const (
	// OperatorSequence runs its primitives in listed order, feeding outputs forward.
	OperatorSequence OperatorType = "sequence"

	// OperatorParallel runs its input primitives concurrently and merges outputs.
	OperatorParallel OperatorType = "parallel"

	// OperatorConditional runs its output primitives only when the predicate
	// produced by its first input is truthy.
	OperatorConditional OperatorType = "conditional"

	// OperatorLoop re-runs its input primitives until a termination condition
	// or an iteration cap.
	OperatorLoop OperatorType = "loop"

	// OperatorQuorum runs its inputs concurrently and succeeds when at least
	// a threshold number of them succeed.
	OperatorQuorum OperatorType = "quorum"

	// OperatorGate is a conditional whose falsy or unverifiable predicate can
	// fail the whole composition (fail_on_gate parameter).
	OperatorGate OperatorType = "gate"
)

// Valid reports whether t is one of the defined operator types.
func (t OperatorType) Valid() bool {
	switch t {
	case OperatorSequence, OperatorParallel, OperatorConditional,
		OperatorLoop, OperatorQuorum, OperatorGate:
		return true
	}
	return false
}

// Operator wires primitives of a composition together with control flow.
//
// Inputs and Outputs hold primitive IDs, which must be members of the owning
// composition's PrimitiveIDs. Parameters carry operator-specific settings:
//   - loop: "max_iterations" (int), "termination_condition" (state key)
//   - quorum: "threshold" (int, default ceil(n/2))
//   - conditional/gate: "condition_key" (predicate output key)
//   - gate: "fail_on_gate" (bool)
type Operator struct {
	// ID is unique within the composition.
	ID string `json:"id"`

	// Type selects the interpreter for this operator.
	Type OperatorType `json:"type"`

	// Inputs are the primitive IDs the operator consumes or drives.
	Inputs []string `json:"inputs,omitempty"`

	// Outputs are the primitive IDs run as a result of the operator.
	Outputs []string `json:"outputs,omitempty"`

	// Parameters carries operator-specific settings.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Composition is a named reasoning strategy: a set of primitives plus the
// operators wiring them together. A composition with no operators executes
// its primitives as a pure sequence in PrimitiveIDs order.
//
// Compositions are versioned by replacement: saving under an existing ID
// overwrites the stored document, it never mutates a copy held by a caller.
type Composition struct {
	// ID is the stable composition identifier.
	ID string `json:"id"`

	// Name is a short human-readable label.
	Name string `json:"name"`

	// Description explains what the strategy is for.
	Description string `json:"description,omitempty"`

	// PrimitiveIDs is the membership set (and default order) of primitives.
	PrimitiveIDs []string `json:"primitive_ids"`

	// Operators wire the primitives together. Empty means pure sequence.
	Operators []Operator `json:"operators,omitempty"`

	// CreatedAt is when the composition was first saved.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the composition was last replaced.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewComposition creates a composition over the given primitive IDs.
func NewComposition(id, name string, primitiveIDs []string) (*Composition, error) {
	now := time.Now().UTC()
	c := &Composition{
		ID:           id,
		Name:         name,
		PrimitiveIDs: primitiveIDs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks structural integrity: a non-empty ID, at least one
// primitive, and every operator input/output referencing a member primitive.
// The plan compiler re-checks the reference invariant with typed errors.
func (c *Composition) Validate() error {
	if c.ID == "" {
		return ErrEmptyCompositionID
	}
	if len(c.PrimitiveIDs) == 0 {
		return ErrNoPrimitives
	}
	members := make(map[string]struct{}, len(c.PrimitiveIDs))
	for _, id := range c.PrimitiveIDs {
		if id == "" {
			return fmt.Errorf("composition %q: %w", c.ID, ErrEmptyPrimitiveID)
		}
		members[id] = struct{}{}
	}
	for _, op := range c.Operators {
		if op.ID == "" {
			return fmt.Errorf("composition %q: operator ID cannot be empty", c.ID)
		}
		if !op.Type.Valid() {
			return fmt.Errorf("composition %q: operator %q has unknown type %q", c.ID, op.ID, op.Type)
		}
		for _, in := range op.Inputs {
			if _, ok := members[in]; !ok {
				return fmt.Errorf("composition %q: operator %q input %q is not a member primitive", c.ID, op.ID, in)
			}
		}
		for _, out := range op.Outputs {
			if _, ok := members[out]; !ok {
				return fmt.Errorf("composition %q: operator %q output %q is not a member primitive", c.ID, op.ID, out)
			}
		}
	}
	return nil
}

// HasPrimitive reports whether id is a member of the composition.
func (c *Composition) HasPrimitive(id string) bool {
	for _, p := range c.PrimitiveIDs {
		if p == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so stored compositions cannot be mutated through
// shared slices or parameter maps.
func (c *Composition) Clone() *Composition {
	if c == nil {
		return nil
	}
	out := *c
	out.PrimitiveIDs = append([]string(nil), c.PrimitiveIDs...)
	if c.Operators != nil {
		out.Operators = make([]Operator, len(c.Operators))
		for i, op := range c.Operators {
			cp := op
			cp.Inputs = append([]string(nil), op.Inputs...)
			cp.Outputs = append([]string(nil), op.Outputs...)
			if op.Parameters != nil {
				cp.Parameters = make(map[string]any, len(op.Parameters))
				for k, v := range op.Parameters {
					cp.Parameters[k] = v
				}
			}
			out.Operators[i] = cp
		}
	}
	return &out
}

// ExecutionTrace records one run of a composition: the primitive order
// actually taken, the operators that fired, and the terminal outcome.
// Traces are append-only; they are the raw material for evolution and
// closed-loop learning.
type ExecutionTrace struct {
	// ExecutionID uniquely identifies the run (UUID).
	ExecutionID string `json:"execution_id"`

	// CompositionID is the strategy that was executed.
	CompositionID string `json:"composition_id"`

	// PrimitiveSequence is the order primitives actually ran in, including
	// loop repetitions and skipped branches omitted.
	PrimitiveSequence []string `json:"primitive_sequence"`

	// OperatorsUsed lists the IDs of operators that fired during the run.
	OperatorsUsed []string `json:"operators_used,omitempty"`

	// Intent is the normalized task description the run served.
	Intent string `json:"intent,omitempty"`

	// Outcome is the terminal status of the run.
	Outcome Outcome `json:"outcome"`

	// DurationMS is the wall-clock run duration in milliseconds.
	DurationMS int64 `json:"duration_ms"`

	// Timestamp is when the run finished.
	Timestamp time.Time `json:"timestamp"`
}

// NewExecutionTrace creates a trace with a generated execution ID.
func NewExecutionTrace(compositionID string) *ExecutionTrace {
	return &ExecutionTrace{
		ExecutionID:   uuid.New().String(),
		CompositionID: compositionID,
		Timestamp:     time.Now().UTC(),
	}
}

// Validate checks the trace has the fields every consumer relies on.
func (t *ExecutionTrace) Validate() error {
	if t.ExecutionID == "" {
		return errors.New("trace execution ID cannot be empty")
	}
	if t.CompositionID == "" {
		return ErrEmptyCompositionID
	}
	if !t.Outcome.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, t.Outcome)
	}
	return nil
}
