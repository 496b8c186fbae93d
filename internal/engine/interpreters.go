package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sourcegraph/conc/pool"

	"github.com/nateschmiedehaus/librarian/internal/technique"
)

// ErrPredicateUnverified marks a conditional or gate whose predicate key was
// absent from the producing primitive's output. Distinct from a predicate
// that evaluated false.
var ErrPredicateUnverified = errors.New("unverified: predicate not evaluable")

func registerBuiltins(reg *InterpreterRegistry, e *Engine) error {
	interps := []Interpreter{
		&sequenceInterpreter{e: e},
		&parallelInterpreter{e: e},
		&conditionalInterpreter{e: e},
		&gateInterpreter{e: e},
		&loopInterpreter{e: e},
		&quorumInterpreter{e: e},
	}
	for _, in := range interps {
		if err := reg.Register(in); err != nil {
			return err
		}
	}
	return nil
}

// sequenceInterpreter runs inputs then outputs in listed order, merging each
// step's outputs into state before the next step starts.
type sequenceInterpreter struct{ e *Engine }

func (s *sequenceInterpreter) Type() technique.OperatorType { return technique.OperatorSequence }

func (s *sequenceInterpreter) Interpret(ctx context.Context, op technique.Operator, fr *Frame) error {
	ids := make([]string, 0, len(op.Inputs)+len(op.Outputs))
	ids = append(ids, op.Inputs...)
	ids = append(ids, op.Outputs...)
	if err := s.e.runSequence(ctx, fr, op.ID, ids, 0); err != nil {
		return fmt.Errorf("sequence %q: %w", op.ID, err)
	}
	return nil
}

// parallelInterpreter fans its inputs out over the engine's worker pool. All
// branches run to completion; a failed branch never cancels its siblings.
// Successful outputs merge in sorted-primitive-id order with conflicting
// writes preserved in the collision side channels, then the first failure in
// that order, if any, fails the operator.
type parallelInterpreter struct{ e *Engine }

func (p *parallelInterpreter) Type() technique.OperatorType { return technique.OperatorParallel }

func (p *parallelInterpreter) Interpret(ctx context.Context, op technique.Operator, fr *Frame) error {
	results, err := p.e.runBranches(ctx, fr, op)
	if err != nil {
		return err
	}
	sorted := sortedByPrimitiveID(results)
	fr.mergeBranchOutputs(sorted)
	for _, sr := range sorted {
		if sr.Err != nil {
			return fmt.Errorf("parallel %q: branch %q: %w", op.ID, sr.PrimitiveID, sr.Err)
		}
	}
	if err := p.e.runSequence(ctx, fr, op.ID, op.Outputs, 0); err != nil {
		return fmt.Errorf("parallel %q: %w", op.ID, err)
	}
	return nil
}

// conditionalInterpreter runs its inputs, evaluates the predicate produced
// by the first input, and runs its outputs only when the predicate is
// truthy. A falsy or unverifiable predicate skips the outputs silently.
type conditionalInterpreter struct{ e *Engine }

func (c *conditionalInterpreter) Type() technique.OperatorType { return technique.OperatorConditional }

func (c *conditionalInterpreter) Interpret(ctx context.Context, op technique.Operator, fr *Frame) error {
	return c.e.runPredicated(ctx, fr, op, false)
}

// gateInterpreter is a conditional that can fail the composition: with the
// fail_on_gate parameter set, a falsy or unverifiable predicate is a hard
// failure instead of a skip.
type gateInterpreter struct{ e *Engine }

func (g *gateInterpreter) Type() technique.OperatorType { return technique.OperatorGate }

func (g *gateInterpreter) Interpret(ctx context.Context, op technique.Operator, fr *Frame) error {
	return g.e.runPredicated(ctx, fr, op, true)
}

// runPredicated implements conditional and gate. The first input's output
// carries the predicate; trailing inputs may prepare state for the outputs.
func (e *Engine) runPredicated(ctx context.Context, fr *Frame, op technique.Operator, isGate bool) error {
	kind := string(op.Type)

	var firstOut map[string]any
	var firstID string
	for i, id := range op.Inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		sr := fr.RunPrimitive(ctx, id, op.ID, 0)
		if sr.Err != nil {
			return fmt.Errorf("%s %q: %w", kind, op.ID, sr.Err)
		}
		fr.MergeOutputs(sr.Output)
		if i == 0 {
			firstOut = sr.Output
			firstID = id
		}
	}

	val, verified := e.resolvePredicate(op, firstID, firstOut)
	failOnGate := isGate && isTruthy(anyParam(op.Parameters, "fail_on_gate", "failOnGate"))

	if !verified {
		if failOnGate {
			return fmt.Errorf("%w: %s %q", ErrPredicateUnverified, kind, op.ID)
		}
		e.appendTransitionEvidence(ctx, fr, op, map[string]any{
			"condition_met": false,
			"verified":      false,
		})
		return nil
	}

	met := isTruthy(val)
	e.appendTransitionEvidence(ctx, fr, op, map[string]any{
		"condition_met": met,
		"verified":      true,
	})
	if !met {
		if failOnGate {
			return fmt.Errorf("%s %q: %w", kind, op.ID, ErrGateFailed)
		}
		return nil
	}
	if err := e.runSequence(ctx, fr, op.ID, op.Outputs, 0); err != nil {
		return fmt.Errorf("%s %q: %w", kind, op.ID, err)
	}
	return nil
}

// resolvePredicate locates the predicate value in the first input's output:
// the condition_key parameter, then the condition and result keys, then the
// primitive's sole declared output.
func (e *Engine) resolvePredicate(op technique.Operator, firstID string, out map[string]any) (any, bool) {
	if key := stringParam(op.Parameters, "condition_key"); key != "" {
		v, ok := out[key]
		return v, ok
	}
	for _, key := range []string{"condition", "result"} {
		if v, ok := out[key]; ok {
			return v, true
		}
	}
	if prim, ok := e.catalog.Get(firstID); ok && len(prim.Outputs) == 1 {
		if v, ok := out[prim.Outputs[0]]; ok {
			return v, true
		}
	}
	return nil, false
}

// loopInterpreter re-runs its inputs until the termination_condition state
// key turns truthy or max_iterations passes complete. Hitting the cap with
// a termination condition still unmet is a max_iterations outcome, never a
// silent success. A loop with no termination_condition is a fixed-count
// loop: it runs exactly max_iterations passes and completes normally.
type loopInterpreter struct{ e *Engine }

func (l *loopInterpreter) Type() technique.OperatorType { return technique.OperatorLoop }

func (l *loopInterpreter) Interpret(ctx context.Context, op technique.Operator, fr *Frame) error {
	e := l.e
	maxIter := clampLoopCap(intParam(op.Parameters, "max_iterations", e.loopCap))
	termKey := stringParam(op.Parameters, "termination_condition")

	converged := false
	passes := 0
	for i := 1; i <= maxIter; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, id := range op.Inputs {
			sr := fr.RunPrimitive(ctx, id, op.ID, i)
			if sr.Err != nil {
				return fmt.Errorf("loop %q iteration %d: %w", op.ID, i, sr.Err)
			}
			fr.MergeOutputs(sr.Output)
		}
		passes = i
		if termKey != "" {
			if v, ok := fr.Lookup(termKey); ok && isTruthy(v) {
				converged = true
				break
			}
		}
	}

	e.appendTransitionEvidence(ctx, fr, op, map[string]any{
		"iterations": passes,
		"converged":  converged,
	})
	if termKey != "" && !converged {
		return fmt.Errorf("loop %q: %w (%d iterations)", op.ID, ErrMaxIterations, passes)
	}
	if err := e.runSequence(ctx, fr, op.ID, op.Outputs, 0); err != nil {
		return fmt.Errorf("loop %q: %w", op.ID, err)
	}
	return nil
}

// quorumInterpreter fans its inputs out like parallel and succeeds when at
// least threshold branches succeed. Evaluated only after every branch
// completes; losing branches are not cancelled.
type quorumInterpreter struct{ e *Engine }

func (q *quorumInterpreter) Type() technique.OperatorType { return technique.OperatorQuorum }

func (q *quorumInterpreter) Interpret(ctx context.Context, op technique.Operator, fr *Frame) error {
	e := q.e
	n := len(op.Inputs)
	threshold := intParam(op.Parameters, "threshold", (n+1)/2)
	if n > 0 {
		if threshold < 1 {
			threshold = 1
		}
		if threshold > n {
			threshold = n
		}
	}

	results, err := e.runBranches(ctx, fr, op)
	if err != nil {
		return err
	}
	sorted := sortedByPrimitiveID(results)
	fr.mergeBranchOutputs(sorted)

	successes := 0
	for _, sr := range sorted {
		if sr.Err == nil {
			successes++
		}
	}
	met := successes >= threshold
	e.appendTransitionEvidence(ctx, fr, op, map[string]any{
		"successes": successes,
		"threshold": threshold,
		"met":       met,
	})
	if !met {
		return fmt.Errorf("quorum %q: %d of %d required: %w", op.ID, successes, threshold, ErrQuorumNotMet)
	}
	if err := e.runSequence(ctx, fr, op.ID, op.Outputs, 0); err != nil {
		return fmt.Errorf("quorum %q: %w", op.ID, err)
	}
	return nil
}

// runBranches runs every input primitive concurrently, bounded by the
// engine's fan-out cap. Branch failures are collected, not propagated, so
// siblings always run to completion; only context cancellation aborts.
func (e *Engine) runBranches(ctx context.Context, fr *Frame, op technique.Operator) ([]*StepResult, error) {
	results := make([]*StepResult, len(op.Inputs))
	p := pool.New().WithContext(ctx).WithMaxGoroutines(e.maxParallel)
	for i, id := range op.Inputs {
		p.Go(func(ctx context.Context) error {
			results[i] = fr.RunPrimitive(ctx, id, op.ID, 0)
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return results, err
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// sortedByPrimitiveID orders branch results for deterministic merging.
// Duplicate ids keep their launch order.
func sortedByPrimitiveID(results []*StepResult) []*StepResult {
	sorted := make([]*StepResult, 0, len(results))
	for _, sr := range results {
		if sr != nil {
			sorted = append(sorted, sr)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PrimitiveID < sorted[j].PrimitiveID
	})
	return sorted
}

// isTruthy evaluates predicate and termination values: booleans directly,
// numbers against zero, strings as non-empty and not the literal "false".
// Any other non-nil value is truthy.
func isTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case int:
		return t != 0
	case int8:
		return t != 0
	case int16:
		return t != 0
	case int32:
		return t != 0
	case int64:
		return t != 0
	case uint:
		return t != 0
	case uint8:
		return t != 0
	case uint16:
		return t != 0
	case uint32:
		return t != 0
	case uint64:
		return t != 0
	case float32:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

// intParam reads an integer parameter, tolerating the numeric types JSON
// decoding produces.
func intParam(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int32:
		return int(t)
	case int64:
		return int(t)
	case uint:
		return int(t)
	case uint64:
		return int(t)
	case float32:
		return int(t)
	case float64:
		return int(t)
	default:
		return def
	}
}

// stringParam reads a string parameter, empty when absent or non-string.
func stringParam(params map[string]any, key string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// anyParam returns the first present key's value.
func anyParam(params map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := params[key]; ok {
			return v
		}
	}
	return nil
}
