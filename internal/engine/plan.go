package engine

import (
	"errors"
	"fmt"

	"github.com/nateschmiedehaus/librarian/internal/technique"
)

// Compile errors. All of them are detected by BuildPlan before any primitive
// executes; a composition that compiles will not fail for structural reasons
// at runtime.
var (
	ErrInterpreterMissing    = errors.New("no interpreter registered for operator type")
	ErrDuplicateOperatorID   = errors.New("duplicate operator ID")
	ErrOperatorInputMissing  = errors.New("operator input is not a member primitive")
	ErrOperatorOutputMissing = errors.New("operator output is not a member primitive")
)

// BranchPoint records a conditional or gate decision site in a plan.
type BranchPoint struct {
	// OperatorID is the conditional/gate operator.
	OperatorID string

	// Outputs are the primitives guarded by the decision.
	Outputs []string
}

// LoopBound records a loop region in a plan.
type LoopBound struct {
	// OperatorID is the loop operator.
	OperatorID string

	// Inputs are the loop body primitives.
	Inputs []string
}

// Plan is the compiled, validated form of a composition. It is purely
// structural: no handlers are resolved and nothing executes at compile time.
type Plan struct {
	// CompositionID is the source composition.
	CompositionID string

	// Steps is the flattened primitive order: PrimitiveIDs order for an
	// operator-less composition, otherwise the order induced by walking
	// operators (inputs then outputs, first occurrence wins).
	Steps []string

	// ParallelGroups lists the input sets of parallel and quorum operators
	// with more than one input.
	ParallelGroups [][]string

	// ConditionalBranches lists conditional and gate decision sites.
	ConditionalBranches []BranchPoint

	// LoopBoundaries lists loop regions.
	LoopBoundaries []LoopBound

	// Operators is the composition's operator list in execution order.
	Operators []technique.Operator
}

// BuildPlan compiles a composition against the registry. It validates that
// every operator type has an interpreter, operator IDs are unique, and every
// operator input/output references a member primitive, then indexes the
// structural features the engine and callers need.
func BuildPlan(comp *technique.Composition, reg *InterpreterRegistry) (*Plan, error) {
	if comp == nil {
		return nil, errors.New("compiling plan: composition cannot be nil")
	}
	if reg == nil {
		return nil, errors.New("compiling plan: interpreter registry cannot be nil")
	}
	if comp.ID == "" {
		return nil, technique.ErrEmptyCompositionID
	}
	if len(comp.PrimitiveIDs) == 0 {
		return nil, fmt.Errorf("compiling plan for %q: %w", comp.ID, technique.ErrNoPrimitives)
	}

	members := make(map[string]struct{}, len(comp.PrimitiveIDs))
	for _, id := range comp.PrimitiveIDs {
		members[id] = struct{}{}
	}

	plan := &Plan{
		CompositionID: comp.ID,
		Operators:     append([]technique.Operator(nil), comp.Operators...),
	}

	seenOps := make(map[string]struct{}, len(comp.Operators))
	for _, op := range comp.Operators {
		if _, dup := seenOps[op.ID]; dup {
			return nil, fmt.Errorf("compiling plan for %q: %w: %q", comp.ID, ErrDuplicateOperatorID, op.ID)
		}
		seenOps[op.ID] = struct{}{}

		if !reg.Has(op.Type) {
			return nil, fmt.Errorf("compiling plan for %q: operator %q: %w: %q",
				comp.ID, op.ID, ErrInterpreterMissing, op.Type)
		}
		for _, in := range op.Inputs {
			if _, ok := members[in]; !ok {
				return nil, fmt.Errorf("compiling plan for %q: operator %q: %w: %q",
					comp.ID, op.ID, ErrOperatorInputMissing, in)
			}
		}
		for _, out := range op.Outputs {
			if _, ok := members[out]; !ok {
				return nil, fmt.Errorf("compiling plan for %q: operator %q: %w: %q",
					comp.ID, op.ID, ErrOperatorOutputMissing, out)
			}
		}

		switch op.Type {
		case technique.OperatorParallel, technique.OperatorQuorum:
			if len(op.Inputs) > 1 {
				plan.ParallelGroups = append(plan.ParallelGroups,
					append([]string(nil), op.Inputs...))
			}
		case technique.OperatorConditional, technique.OperatorGate:
			plan.ConditionalBranches = append(plan.ConditionalBranches, BranchPoint{
				OperatorID: op.ID,
				Outputs:    append([]string(nil), op.Outputs...),
			})
		case technique.OperatorLoop:
			plan.LoopBoundaries = append(plan.LoopBoundaries, LoopBound{
				OperatorID: op.ID,
				Inputs:     append([]string(nil), op.Inputs...),
			})
		}
	}

	plan.Steps = flattenSteps(comp)
	return plan, nil
}

// flattenSteps derives the linear primitive order of a composition.
func flattenSteps(comp *technique.Composition) []string {
	if len(comp.Operators) == 0 {
		return append([]string(nil), comp.PrimitiveIDs...)
	}
	seen := make(map[string]struct{})
	var steps []string
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		steps = append(steps, id)
	}
	for _, op := range comp.Operators {
		for _, id := range op.Inputs {
			add(id)
		}
		for _, id := range op.Outputs {
			add(id)
		}
	}
	return steps
}
