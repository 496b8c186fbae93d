package engine

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nateschmiedehaus/librarian/internal/technique"
)

// State keys collecting conflicting writes from concurrent branches.
const (
	// CollisionKey collects scalar values written to the same key by more
	// than one concurrent branch.
	CollisionKey = "__parallel_collisions"

	// ArrayCollisionKey collects slice values written to the same key by
	// more than one concurrent branch.
	ArrayCollisionKey = "__parallel_array_collisions"
)

// Frame is the mutable state of one composition run. Interpreters drive
// primitives through it; state access is serialized by its lock.
type Frame struct {
	engine    *Engine
	plan      *Plan
	run       *Run
	trace     *technique.ExecutionTrace
	sessionID string

	mu          sync.Mutex
	state       map[string]any
	stepLog     []StepResult
	lastEntryID string
}

// SessionID returns the evidence session the run writes to.
func (fr *Frame) SessionID() string { return fr.sessionID }

// Lookup reads a state key.
func (fr *Frame) Lookup(key string) (any, bool) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	v, ok := fr.state[key]
	return v, ok
}

// RunPrimitive resolves and invokes one primitive against the frame state
// and records the step on the trace, the ledger, and the stream before
// returning. Outputs are not merged into state; the driving interpreter
// decides that.
func (fr *Frame) RunPrimitive(ctx context.Context, id, operatorID string, iteration int) *StepResult {
	e := fr.engine
	start := e.now()
	sr := &StepResult{PrimitiveID: id, OperatorID: operatorID, Iteration: iteration}

	prim, handler, err := e.catalog.Resolve(id)
	if err != nil {
		sr.Status = StepFailed
		sr.Err = err
		sr.Duration = e.now().Sub(start)
		fr.recordStep(ctx, sr, nil, false)
		return sr
	}

	args := fr.snapshotInputs(prim)
	for _, req := range prim.InputsRequired {
		if _, ok := args[req]; !ok {
			sr.Status = StepFailed
			sr.Err = fmt.Errorf("primitive %q: %w: %q", id, ErrMissingInput, req)
			sr.Duration = e.now().Sub(start)
			fr.recordStep(ctx, sr, args, false)
			return sr
		}
	}

	out, err := handler(ctx, args)
	sr.Duration = e.now().Sub(start)
	if err != nil {
		sr.Status = StepFailed
		sr.Err = err
	} else {
		sr.Status = StepCompleted
		sr.Output = out
	}
	fr.recordStep(ctx, sr, args, true)
	return sr
}

// MergeOutputs overlays a step's outputs onto the state map. Later writes
// win; sequence semantics.
func (fr *Frame) MergeOutputs(out map[string]any) {
	if len(out) == 0 {
		return
	}
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for k, v := range out {
		fr.state[k] = v
	}
}

// mergeBranchOutputs merges the outputs of concurrent branches, already
// sorted into deterministic order by the caller. Keys written by a single
// branch merge normally. Keys written by several branches keep the first
// value in merge order, and every written value is preserved in the
// collision side channels, slice values separately from scalars.
func (fr *Frame) mergeBranchOutputs(results []*StepResult) {
	keyOrder := make([]string, 0)
	values := make(map[string][]any)
	for _, sr := range results {
		if sr == nil || sr.Err != nil {
			continue
		}
		for k, v := range sr.Output {
			if _, seen := values[k]; !seen {
				keyOrder = append(keyOrder, k)
			}
			values[k] = append(values[k], v)
		}
	}
	if len(values) == 0 {
		return
	}

	fr.mu.Lock()
	defer fr.mu.Unlock()
	for _, k := range keyOrder {
		vs := values[k]
		fr.state[k] = vs[0]
		if len(vs) < 2 {
			continue
		}
		for _, v := range vs {
			if reflect.ValueOf(v).Kind() == reflect.Slice {
				fr.appendCollisionLocked(ArrayCollisionKey, k, v)
			} else {
				fr.appendCollisionLocked(CollisionKey, k, v)
			}
		}
	}
}

func (fr *Frame) appendCollisionLocked(channel, key string, v any) {
	bucket, _ := fr.state[channel].(map[string][]any)
	if bucket == nil {
		bucket = make(map[string][]any)
	}
	bucket[key] = append(bucket[key], v)
	fr.state[channel] = bucket
}

// snapshotInputs projects the primitive's declared inputs out of state, or
// copies the full state when the primitive declares none.
func (fr *Frame) snapshotInputs(prim technique.Primitive) map[string]any {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if len(prim.InputsRequired) == 0 {
		out := make(map[string]any, len(fr.state))
		for k, v := range fr.state {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any, len(prim.InputsRequired))
	for _, k := range prim.InputsRequired {
		if v, ok := fr.state[k]; ok {
			out[k] = v
		}
	}
	return out
}

// recordStep logs the step on the trace and ledger before the caller can
// observe it through the stream or the terminal result. executed reports
// whether the handler actually ran; only executed primitives enter the
// trace sequence.
func (fr *Frame) recordStep(ctx context.Context, sr *StepResult, args map[string]any, executed bool) {
	e := fr.engine

	fr.mu.Lock()
	if executed {
		fr.trace.PrimitiveSequence = append(fr.trace.PrimitiveSequence, sr.PrimitiveID)
	}
	related := fr.relatedTail()
	fr.mu.Unlock()

	entryID := e.appendStepEvidence(ctx, fr.sessionID, "ExecuteComposition", sr, args, related)

	fr.mu.Lock()
	if entryID != "" {
		fr.lastEntryID = entryID
	}
	fr.stepLog = append(fr.stepLog, *sr)
	fr.mu.Unlock()

	if e.stepDuration != nil {
		e.stepDuration.Record(ctx, float64(sr.Duration.Microseconds())/1000.0,
			metric.WithAttributes(
				attribute.String("primitive_id", sr.PrimitiveID),
				attribute.String("status", string(sr.Status))))
	}

	fr.emit(ctx, *sr)
}

// markOperatorFired records the operator's ID on the trace the first time
// its interpreter runs. An operator a run never reaches is never listed.
func (fr *Frame) markOperatorFired(id string) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for _, existing := range fr.trace.OperatorsUsed {
		if existing == id {
			return
		}
	}
	fr.trace.OperatorsUsed = append(fr.trace.OperatorsUsed, id)
}

// relatedTail returns the causal parent for the next evidence entry.
// Caller holds fr.mu.
func (fr *Frame) relatedTail() []string {
	if fr.lastEntryID == "" {
		return nil
	}
	return []string{fr.lastEntryID}
}

// emit hands a step result to the stream. Cancellation unblocks abandoned
// runs.
func (fr *Frame) emit(ctx context.Context, sr StepResult) {
	select {
	case fr.run.steps <- sr:
	case <-ctx.Done():
	}
}
