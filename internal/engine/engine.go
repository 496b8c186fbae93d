package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nateschmiedehaus/librarian/internal/evidence"
	"github.com/nateschmiedehaus/librarian/internal/storage"
	"github.com/nateschmiedehaus/librarian/internal/technique"
)

// Runtime errors surfaced through run results.
var (
	ErrMaxIterations = errors.New("loop reached max iterations")
	ErrGateFailed    = errors.New("gate condition not satisfied")
	ErrQuorumNotMet  = errors.New("quorum threshold not met")
	ErrMissingInput  = errors.New("required input missing")
)

const (
	defaultMaxParallel = 8
	defaultLoopCap     = 10

	// hardLoopBound is the absolute iteration ceiling; per-operator
	// max_iterations parameters are clamped into [1, hardLoopBound].
	hardLoopBound = 100
)

// StepStatus is the terminal status of a single primitive invocation.
type StepStatus string

const (
	// StepCompleted indicates the handler returned without error.
	StepCompleted StepStatus = "completed"

	// StepFailed indicates resolution or the handler failed.
	StepFailed StepStatus = "failed"
)

// StepResult is the outcome of one primitive invocation.
type StepResult struct {
	// PrimitiveID is the invoked primitive.
	PrimitiveID string `json:"primitive_id"`

	// OperatorID is the driving operator, empty for an implicit sequence.
	OperatorID string `json:"operator_id,omitempty"`

	// Iteration is the 1-based loop pass when driven by a loop operator.
	Iteration int `json:"iteration,omitempty"`

	// Status reports whether the invocation completed or failed.
	Status StepStatus `json:"status"`

	// Output is the handler's returned state, nil on failure.
	Output map[string]any `json:"output,omitempty"`

	// Err is the resolution or handler error, nil on success.
	Err error `json:"-"`

	// Duration is the handler wall-clock time.
	Duration time.Duration `json:"duration"`
}

// Result is the terminal outcome of a composition run.
type Result struct {
	// ExecutionID identifies the run.
	ExecutionID string

	// Outcome is the terminal status.
	Outcome technique.Outcome

	// Output is the final merged state, including any parallel collision
	// side channels.
	Output map[string]any

	// Steps holds every step result in emission order.
	Steps []StepResult

	// Trace is the recorded execution trace (also written to the trace
	// store when one is configured).
	Trace *technique.ExecutionTrace

	// Err is the terminal error for non-success outcomes.
	Err error
}

// Run is a composition execution in flight.
//
// Step results stream through Steps with backpressure: the engine does not
// run ahead of an unconsumed stream. Callers must consume the run through
// Steps, Wait, or both; an abandoned run parks its goroutine until the
// caller's context is cancelled.
type Run struct {
	executionID string
	steps       chan StepResult
	done        chan struct{}
	result      *Result
}

// ExecutionID returns the run's unique identifier.
func (r *Run) ExecutionID() string { return r.executionID }

// Steps returns the step-result stream. The channel closes after the final
// step; it is finite and not restartable.
func (r *Run) Steps() <-chan StepResult { return r.steps }

// Wait drains any unconsumed step results and blocks until the run
// completes, then returns the terminal result.
func (r *Run) Wait() *Result {
	for range r.steps {
	}
	<-r.done
	return r.result
}

// RunOption configures a single execution.
type RunOption func(*runConfig)

type runConfig struct {
	intent    string
	sessionID string
}

// WithIntent tags the run with the task description it serves. The intent is
// normalized before being recorded on the trace.
func WithIntent(intent string) RunOption {
	return func(c *runConfig) { c.intent = intent }
}

// WithSessionID scopes the run's evidence entries to an existing session
// chain. Defaults to the execution ID.
func WithSessionID(id string) RunOption {
	return func(c *runConfig) { c.sessionID = id }
}

// Option configures an Engine.
type Option func(*Engine)

// WithLedger sets the evidence ledger. Writes are best-effort.
func WithLedger(l evidence.Ledger) Option {
	return func(e *Engine) { e.ledger = l }
}

// WithTraceRecorder sets the execution trace sink. Writes are best-effort.
func WithTraceRecorder(r storage.TraceRecorder) Option {
	return func(e *Engine) { e.traces = r }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer sets the OpenTelemetry tracer for per-run spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithMeter sets the OpenTelemetry meter for engine instruments.
func WithMeter(m metric.Meter) Option {
	return func(e *Engine) { e.meter = m }
}

// WithMaxParallel caps concurrent branches inside parallel and quorum
// operators. Values below 1 are ignored.
func WithMaxParallel(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.maxParallel = n
		}
	}
}

// WithLoopCap sets the max_iterations default for loop operators that do not
// specify one. Clamped to [1, 100].
func WithLoopCap(n int) Option {
	return func(e *Engine) { e.loopCap = clampLoopCap(n) }
}

// WithInterpreters replaces the built-in interpreter registry.
func WithInterpreters(reg *InterpreterRegistry) Option {
	return func(e *Engine) {
		if reg != nil {
			e.registry = reg
		}
	}
}

// WithClock overrides the engine clock. Test seam.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine executes compositions against a primitive catalog.
type Engine struct {
	catalog  *technique.Catalog
	registry *InterpreterRegistry
	ledger   evidence.Ledger
	traces   storage.TraceRecorder
	logger   *zap.Logger
	tracer   trace.Tracer
	meter    metric.Meter
	now      func() time.Time

	maxParallel int
	loopCap     int

	execCounter  metric.Int64Counter
	stepDuration metric.Float64Histogram
}

// New creates an engine over the catalog. The six built-in operator
// interpreters are registered unless WithInterpreters replaces the registry.
func New(catalog *technique.Catalog, opts ...Option) (*Engine, error) {
	if catalog == nil {
		return nil, errors.New("engine: catalog cannot be nil")
	}

	e := &Engine{
		catalog:     catalog,
		logger:      zap.NewNop(),
		now:         time.Now,
		maxParallel: defaultMaxParallel,
		loopCap:     defaultLoopCap,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = NewInterpreterRegistry()
		if err := registerBuiltins(e.registry, e); err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}
	if e.meter != nil {
		var err error
		e.execCounter, err = e.meter.Int64Counter("librarian.engine.executions",
			metric.WithDescription("Composition executions by outcome"))
		if err != nil {
			e.logger.Warn("creating execution counter", zap.Error(err))
		}
		e.stepDuration, err = e.meter.Float64Histogram("librarian.engine.step.duration",
			metric.WithDescription("Primitive step duration"),
			metric.WithUnit("ms"))
		if err != nil {
			e.logger.Warn("creating step duration histogram", zap.Error(err))
		}
	}
	return e, nil
}

// Interpreters returns the engine's interpreter registry so embedders can
// add operator types.
func (e *Engine) Interpreters() *InterpreterRegistry { return e.registry }

// Compile validates a composition against the engine's registry without
// executing anything.
func (e *Engine) Compile(comp *technique.Composition) (*Plan, error) {
	return BuildPlan(comp, e.registry)
}

// ExecutePrimitive resolves and runs a single primitive outside any
// composition. The invocation is recorded as a tool_call evidence entry
// before the result is returned.
func (e *Engine) ExecutePrimitive(ctx context.Context, id string, input map[string]any, opts ...RunOption) *StepResult {
	cfg := runConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sessionID == "" {
		cfg.sessionID = uuid.New().String()
	}

	sr := e.invoke(ctx, id, input)
	e.appendStepEvidence(ctx, cfg.sessionID, "ExecutePrimitive", sr, input, nil)
	return sr
}

// invoke resolves the primitive and runs its handler against input.
func (e *Engine) invoke(ctx context.Context, id string, input map[string]any) *StepResult {
	start := e.now()
	prim, handler, err := e.catalog.Resolve(id)
	if err != nil {
		return &StepResult{PrimitiveID: id, Status: StepFailed, Err: err, Duration: e.now().Sub(start)}
	}
	for _, req := range prim.InputsRequired {
		if _, ok := input[req]; !ok {
			return &StepResult{
				PrimitiveID: id,
				Status:      StepFailed,
				Err:         fmt.Errorf("primitive %q: %w: %q", id, ErrMissingInput, req),
				Duration:    e.now().Sub(start),
			}
		}
	}

	out, err := handler(ctx, input)
	dur := e.now().Sub(start)
	if err != nil {
		return &StepResult{PrimitiveID: id, Status: StepFailed, Err: err, Duration: dur}
	}
	return &StepResult{PrimitiveID: id, Status: StepCompleted, Output: out, Duration: dur}
}

// ExecuteComposition compiles and launches a run. Compile errors are
// returned immediately and nothing executes. The returned Run streams step
// results and resolves through Wait.
func (e *Engine) ExecuteComposition(ctx context.Context, comp *technique.Composition, input map[string]any, opts ...RunOption) (*Run, error) {
	plan, err := e.Compile(comp)
	if err != nil {
		return nil, err
	}

	cfg := runConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	tr := technique.NewExecutionTrace(comp.ID)
	tr.Intent = technique.NormalizeIntent(cfg.intent)
	if cfg.sessionID == "" {
		cfg.sessionID = tr.ExecutionID
	}

	run := &Run{
		executionID: tr.ExecutionID,
		steps:       make(chan StepResult),
		done:        make(chan struct{}),
	}

	fr := &Frame{
		engine:    e,
		plan:      plan,
		run:       run,
		trace:     tr,
		sessionID: cfg.sessionID,
		state:     make(map[string]any, len(input)),
	}
	for k, v := range input {
		fr.state[k] = v
	}

	go e.executeRun(ctx, fr)
	return run, nil
}

// executeRun drives a compiled plan to its terminal outcome.
func (e *Engine) executeRun(ctx context.Context, fr *Frame) {
	start := e.now()
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "librarian.engine/ExecuteComposition",
			trace.WithAttributes(
				attribute.String("librarian.composition.id", fr.plan.CompositionID),
				attribute.String("librarian.execution.id", fr.trace.ExecutionID),
			))
		defer span.End()
	}

	runErr := e.runPlan(ctx, fr)

	outcome := technique.OutcomeSuccess
	switch {
	case runErr == nil:
		outcome = technique.OutcomeSuccess
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		outcome = technique.OutcomeTimeout
	case errors.Is(runErr, ErrMaxIterations):
		outcome = technique.OutcomeMaxIterations
	case ctx.Err() != nil:
		outcome = technique.OutcomeTimeout
	default:
		outcome = technique.OutcomeFailure
	}

	fr.trace.Outcome = outcome
	fr.trace.DurationMS = e.now().Sub(start).Milliseconds()
	fr.trace.Timestamp = e.now().UTC()

	// Record trace and outcome evidence before the caller can observe the
	// terminal result. Both writes are best-effort.
	recordCtx := ctx
	if recordCtx.Err() != nil {
		var cancel context.CancelFunc
		recordCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
	}
	if e.traces != nil {
		if err := e.traces.RecordExecutionTrace(recordCtx, fr.trace); err != nil {
			e.logger.Warn("recording execution trace",
				zap.String("execution_id", fr.trace.ExecutionID), zap.Error(err))
		}
	}
	e.appendOutcomeEvidence(recordCtx, fr, outcome, runErr)

	if e.execCounter != nil {
		e.execCounter.Add(recordCtx, 1, metric.WithAttributes(
			attribute.String("outcome", string(outcome))))
	}
	e.logger.Debug("composition run finished",
		zap.String("composition_id", fr.plan.CompositionID),
		zap.String("execution_id", fr.trace.ExecutionID),
		zap.String("outcome", string(outcome)),
		zap.Int64("duration_ms", fr.trace.DurationMS))

	fr.mu.Lock()
	result := &Result{
		ExecutionID: fr.trace.ExecutionID,
		Outcome:     outcome,
		Output:      fr.state,
		Steps:       fr.stepLog,
		Trace:       fr.trace,
		Err:         runErr,
	}
	fr.mu.Unlock()

	close(fr.run.steps)
	fr.run.result = result
	close(fr.run.done)
}

// runPlan executes either the implicit sequence or the operator list.
func (e *Engine) runPlan(ctx context.Context, fr *Frame) error {
	if len(fr.plan.Operators) == 0 {
		return e.runSequence(ctx, fr, "", fr.plan.Steps, 0)
	}
	for _, op := range fr.plan.Operators {
		if err := ctx.Err(); err != nil {
			return err
		}
		interp, err := e.registry.Lookup(op.Type)
		if err != nil {
			// Compile verified presence; a concurrent registry swap is the
			// only way here.
			return err
		}
		fr.markOperatorFired(op.ID)
		if err := interp.Interpret(ctx, op, fr); err != nil {
			return err
		}
	}
	return nil
}

// runSequence runs ids in order with sequence semantics: each step's outputs
// are merged into state before the next step starts, and the first failure
// aborts the remainder.
func (e *Engine) runSequence(ctx context.Context, fr *Frame, operatorID string, ids []string, iteration int) error {
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		sr := fr.RunPrimitive(ctx, id, operatorID, iteration)
		if sr.Err != nil {
			return sr.Err
		}
		fr.MergeOutputs(sr.Output)
	}
	return nil
}

// appendStepEvidence writes the tool_call entry for a primitive invocation.
func (e *Engine) appendStepEvidence(ctx context.Context, sessionID, method string, sr *StepResult, args map[string]any, related []string) string {
	if e.ledger == nil {
		return ""
	}
	payload := map[string]any{
		"tool_name":   sr.PrimitiveID,
		"success":     sr.Status == StepCompleted,
		"duration_ms": sr.Duration.Milliseconds(),
	}
	if len(args) > 0 {
		payload["arguments"] = args
	}
	if sr.OperatorID != "" {
		payload["operator_id"] = sr.OperatorID
	}
	if sr.Iteration > 0 {
		payload["iteration"] = sr.Iteration
	}
	if sr.Output != nil {
		payload["result"] = sr.Output
	}
	if sr.Err != nil {
		payload["error"] = sr.Err.Error()
	}

	id, err := e.ledger.Append(ctx, evidence.Entry{
		SessionID:  sessionID,
		Kind:       evidence.KindToolCall,
		Payload:    payload,
		Provenance: evidence.Provenance{Source: "engine", Method: method},
		Related:    related,
	})
	if err != nil {
		e.logger.Warn("appending step evidence",
			zap.String("primitive_id", sr.PrimitiveID), zap.Error(err))
		return ""
	}
	return id
}

// appendTransitionEvidence writes the tool_call entry for an operator
// decision or completion.
func (e *Engine) appendTransitionEvidence(ctx context.Context, fr *Frame, op technique.Operator, detail map[string]any) {
	if e.ledger == nil {
		return
	}
	payload := map[string]any{
		"tool_name":     "operator:" + string(op.Type),
		"operator_id":   op.ID,
		"operator_type": string(op.Type),
	}
	for k, v := range detail {
		payload[k] = v
	}

	fr.mu.Lock()
	related := fr.relatedTail()
	fr.mu.Unlock()

	id, err := e.ledger.Append(ctx, evidence.Entry{
		SessionID:  fr.sessionID,
		Kind:       evidence.KindToolCall,
		Payload:    payload,
		Provenance: evidence.Provenance{Source: "engine", Method: "operator"},
		Related:    related,
	})
	if err != nil {
		e.logger.Warn("appending operator evidence",
			zap.String("operator_id", op.ID), zap.Error(err))
		return
	}
	fr.mu.Lock()
	fr.lastEntryID = id
	fr.mu.Unlock()
}

// appendOutcomeEvidence writes the terminal outcome entry for a run.
func (e *Engine) appendOutcomeEvidence(ctx context.Context, fr *Frame, outcome technique.Outcome, runErr error) {
	if e.ledger == nil {
		return
	}
	payload := map[string]any{
		"composition_id": fr.plan.CompositionID,
		"execution_id":   fr.trace.ExecutionID,
		"outcome":        string(outcome),
		"duration_ms":    fr.trace.DurationMS,
	}
	if runErr != nil {
		payload["error"] = runErr.Error()
	}

	fr.mu.Lock()
	related := fr.relatedTail()
	fr.mu.Unlock()

	if _, err := e.ledger.Append(ctx, evidence.Entry{
		SessionID:  fr.sessionID,
		Kind:       evidence.KindOutcome,
		Payload:    payload,
		Provenance: evidence.Provenance{Source: "engine", Method: "ExecuteComposition"},
		Related:    related,
	}); err != nil {
		e.logger.Warn("appending outcome evidence",
			zap.String("execution_id", fr.trace.ExecutionID), zap.Error(err))
	}
}

func clampLoopCap(n int) int {
	if n < 1 {
		return 1
	}
	if n > hardLoopBound {
		return hardLoopBound
	}
	return n
}
