// Package orchestrator implements the Flow Orchestrator (C6): the main loop
// that drives a run from its entry step to completion, wiring together the
// Step Registry, Gate Interpreter, Workflow Router, Completion Chain, Retry
// Executor, and Event Bus (spec.md §4.5).
//
// Grounded on registry/service.go's ServiceOptions pattern (options struct
// with defaulting and required-field validation in a NewX constructor) and
// runtime/agent/engine/engine.go's WorkflowContext (Logger/Metrics/Tracer
// accessors, a Now() indirection) of the teacher repository, generalized
// from a durable-execution engine abstraction down to the spec's single
// in-process logical thread (spec.md §5 "Scheduling model").
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stepflowhq/stepflow/runtime/completion"
	"github.com/stepflowhq/stepflow/runtime/gate"
	"github.com/stepflowhq/stepflow/runtime/hooks"
	"github.com/stepflowhq/stepflow/runtime/model"
	"github.com/stepflowhq/stepflow/runtime/retry"
	"github.com/stepflowhq/stepflow/runtime/router"
	"github.com/stepflowhq/stepflow/runtime/stepreg"
	"github.com/stepflowhq/stepflow/runtime/telemetry"
	"github.com/stepflowhq/stepflow/stepflowerrors"
)

// ResolvedPrompt is returned by a PromptResolver (spec.md §6 "Dependency
// interfaces").
type ResolvedPrompt struct {
	Content    string
	Source     string
	PromptPath string
}

// Dispatcher sends a resolved prompt to the external model and returns the
// turn's summary (spec.md §6 "Dispatcher").
type Dispatcher interface {
	Run(ctx context.Context, prompt ResolvedPrompt) (model.IterationSummary, error)
}

// PromptResolver resolves the content of a turn's prompt, optionally under
// an adaptation override for non-default closure actions (spec.md §4.5 step
// 2, §6 "PromptResolver").
type PromptResolver interface {
	Resolve(ctx context.Context, stepID string, vars map[string]any, adaptationOverride string) (ResolvedPrompt, error)
}

// ClosureAction is the set of recognized defaultClosureAction values
// (spec.md §6 "Configuration surface").
type ClosureAction string

const (
	ClosureActionClose         ClosureAction = "close"
	ClosureActionLabelOnly     ClosureAction = "label-only"
	ClosureActionLabelAndClose ClosureAction = "label-and-close"
	ClosureActionCommentOnly   ClosureAction = "comment-only"
)

// State is the Orchestrator's explicit lifecycle state (spec.md §9 "State
// machine").
type State string

const (
	StateIdle             State = "Idle"
	StateRunning          State = "Running"
	StateAwaitingDispatch State = "AwaitingDispatch"
	StateTransitioning    State = "Transitioning"
	StateTerminating      State = "Terminating"
)

// legalTransitions enumerates the Orchestrator's allowed state changes
// (spec.md §9 "enumerate legal transitions; reject out-of-order calls").
var legalTransitions = map[State]map[State]bool{
	StateIdle:             {StateRunning: true},
	StateRunning:          {StateAwaitingDispatch: true, StateTerminating: true},
	StateAwaitingDispatch: {StateTransitioning: true, StateRunning: true, StateTerminating: true},
	StateTransitioning:    {StateRunning: true, StateTerminating: true},
	StateTerminating:      {},
}

// Options configures an Orchestrator (spec.md §6 "Configuration surface"
// plus the dependency interfaces it composes).
type Options struct {
	// Registry is the immutable step registry for this run (required).
	Registry *stepreg.Registry
	// Dispatcher sends resolved prompts to the external model (required).
	Dispatcher Dispatcher
	// PromptResolver resolves each turn's prompt content (required).
	PromptResolver PromptResolver
	// CompletionValidator validates closure; when nil, closure validation
	// always succeeds (no DefaultValidator is substituted).
	CompletionValidator completion.CompletionValidator
	// RetryPolicy governs dispatch retries; retry.DEFAULT when zero-valued.
	RetryPolicy retry.Policy
	// Classify converts a raw dispatch error into a ClassifiedError;
	// retry.Classify when nil.
	Classify retry.Classifier
	// CompletionType selects the completion policy / entry step for this
	// run (spec.md §4.5 step 1).
	CompletionType string
	// DefaultClosureAction governs when prompt resolution is invoked with an
	// adaptation override (spec.md §6 "Configuration surface"). Defaults to
	// ClosureActionClose.
	DefaultClosureAction ClosureAction
	// MaxIterations bounds the run; exceeding it raises
	// AgentMaxIterationsError. Defaults to 100 when zero.
	MaxIterations int
	// BoundaryHookHandler is invoked, at most once per qualifying closure
	// step, in addition to the general Subscriber fan-out (spec.md §4.5 step 7,
	// SPEC_FULL.md §12 "Boundary hook handler registration"). Optional; when
	// nil, qualifying boundaries are still announced on the event bus but no
	// dedicated handler runs.
	BoundaryHookHandler hooks.BoundaryHookHandler
	// Logger, Metrics, Tracer are ambient telemetry dependencies; no-op
	// implementations are used when nil.
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// RunResult is the outcome of Orchestrator.Run (spec.md §4.5 "Contract").
type RunResult struct {
	RunID         string
	Completed     bool
	Reason        string
	StepID        string
	Iterations    int
	StepContext   *model.StepContext
	Err           error
}

// generateRunID returns a globally unique identifier for a single Run call,
// prefixed with the completion type to make logs, metrics, and traces
// easier to correlate by eye.
func generateRunID(completionType string) string {
	prefix := strings.ReplaceAll(completionType, ".", "-")
	if prefix == "" {
		prefix = "run"
	}
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// Orchestrator owns the main loop and event subscription API (spec.md §4.5
// "Contract").
type Orchestrator struct {
	opts      Options
	completer *completion.Chain
	bus       *hooks.Bus
	state     State
}

// New constructs an Orchestrator from opts, applying defaults for optional
// fields and validating the required ones (spec.md §6).
func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("orchestrator: registry is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("orchestrator: dispatcher is required")
	}
	if opts.PromptResolver == nil {
		return nil, fmt.Errorf("orchestrator: prompt resolver is required")
	}
	if opts.MaxIterations == 0 {
		opts.MaxIterations = 100
	}
	if opts.DefaultClosureAction == "" {
		opts.DefaultClosureAction = ClosureActionClose
	}
	if opts.Classify == nil {
		opts.Classify = retry.Classify
	}
	if opts.RetryPolicy.RetryableCategories == nil && opts.RetryPolicy.MaxRetries == 0 {
		opts.RetryPolicy = retry.DEFAULT
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}

	return &Orchestrator{
		opts:      opts,
		completer: completion.NewChain(opts.Registry, opts.CompletionValidator),
		bus:       hooks.NewBus(defaultErrorHandler(opts.Logger)),
		state:     StateIdle,
	}, nil
}

func defaultErrorHandler(logger telemetry.Logger) hooks.ErrorHandler {
	return func(event hooks.Event, sub hooks.Subscriber, err error) {
		logger.Warn(context.Background(), "event subscriber returned an error", "eventType", string(event.Type()), "error", err.Error())
	}
}

// Subscribe registers sub to receive lifecycle events. Subscriptions must be
// made before Run is called (spec.md §4.6 "Subscribers registered before
// run()").
func (o *Orchestrator) Subscribe(sub hooks.Subscriber) {
	o.bus.Subscribe(sub)
}

// transition moves the Orchestrator to next, rejecting illegal transitions
// (spec.md §9 "State machine").
func (o *Orchestrator) transition(next State) error {
	if !legalTransitions[o.state][next] {
		return fmt.Errorf("orchestrator: illegal state transition %s -> %s", o.state, next)
	}
	o.state = next
	return nil
}

// Run drives the workflow from its entry step to completion, a fatal error,
// a cancellation, or exhaustion of MaxIterations (spec.md §4.5).
func (o *Orchestrator) Run(ctx context.Context) RunResult {
	runID := generateRunID(o.opts.CompletionType)
	if err := o.transition(StateRunning); err != nil {
		return RunResult{RunID: runID, Err: err}
	}
	o.opts.Logger.Info(ctx, "run started", "runId", runID, "completionType", o.opts.CompletionType)

	stepContext := model.NewStepContext()
	var currentStepID string
	var promptBuffer string

	for iteration := 1; ; iteration++ {
		if iteration > o.opts.MaxIterations {
			err := &stepflowerrors.AgentMaxIterationsError{MaxIterations: o.opts.MaxIterations}
			o.emitError(ctx, iteration, currentStepID, err)
			_ = o.transition(StateTerminating)
			return RunResult{RunID: runID, Err: err, Iterations: iteration - 1, StepContext: stepContext}
		}

		if err := ctx.Err(); err != nil {
			cancelErr := &stepflowerrors.AgentCancelled{Cause: err}
			o.emitError(ctx, iteration, currentStepID, cancelErr)
			_ = o.transition(StateTerminating)
			return RunResult{RunID: runID, Err: cancelErr, Iterations: iteration - 1, StepContext: stepContext}
		}

		// Step 1: select step.
		stepID, err := o.selectStep(iteration, currentStepID)
		if err != nil {
			o.emitError(ctx, iteration, currentStepID, err)
			_ = o.transition(StateTerminating)
			return RunResult{RunID: runID, Err: err, Iterations: iteration - 1, StepContext: stepContext}
		}
		currentStepID = stepID

		stepDef, ok := o.opts.Registry.Get(currentStepID)
		if !ok {
			err := fmt.Errorf("orchestrator: step %q does not exist in the registry", currentStepID)
			o.emitError(ctx, iteration, currentStepID, err)
			_ = o.transition(StateTerminating)
			return RunResult{RunID: runID, Err: err, Iterations: iteration - 1, StepContext: stepContext}
		}

		result, done := o.runStep(ctx, runID, iteration, &currentStepID, &promptBuffer, stepDef, stepContext)
		if done {
			return result
		}
	}
}

// runStep executes one iteration's prompt-through-transition sequence
// (spec.md §4.5 steps 2-9), wrapped in its own tracing span (SPEC_FULL.md
// §10.1 "a span per step"). currentStepIDPtr and promptBufferPtr are the
// loop-carried state Run() reads on the next iteration; runStep mutates
// them in place rather than returning a larger tuple. The returned bool
// reports whether Run must return immediately with the RunResult (true) or
// proceed to the next iteration (false).
func (o *Orchestrator) runStep(ctx context.Context, runID string, iteration int, currentStepIDPtr, promptBufferPtr *string, stepDef stepreg.StepDefinition, stepContext *model.StepContext) (RunResult, bool) {
	currentStepID := *currentStepIDPtr
	promptBuffer := *promptBufferPtr

	stepCtx, span := o.opts.Tracer.Start(ctx, "orchestrator.step "+currentStepID)
	defer span.End()

	o.opts.Metrics.IncCounter("orchestrator.iteration", 1, "stepId", currentStepID, "kind", string(stepDef.Kind()))

	o.bus.Publish(ctx, hooks.NewIterationStartEvent(iteration, currentStepID))

	if err := o.transition(StateAwaitingDispatch); err != nil {
		return RunResult{RunID: runID, Err: err, Iterations: iteration - 1, StepContext: stepContext}, true
	}

	// Step 2: resolve prompt.
	prompt, err := o.resolvePrompt(stepCtx, stepDef, promptBuffer)
	*promptBufferPtr = ""
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = &stepflowerrors.AgentCancelled{Cause: ctxErr}
		}
		span.RecordError(err)
		o.emitError(ctx, iteration, currentStepID, err)
		_ = o.transition(StateTerminating)
		return RunResult{RunID: runID, Err: err, Iterations: iteration - 1, StepContext: stepContext}, true
	}

	// Step 3: dispatch turn, under the Retry Executor. turnStart brackets
	// the whole retried dispatch, matching SPEC_FULL.md §10.1's "histogram
	// for turn latency" (the time the model actually takes to respond,
	// including retries, not just a single attempt).
	turnStart := time.Now()
	summary, err := retry.ExecuteWithRetry(stepCtx, func(ctx context.Context) (model.IterationSummary, error) {
		return o.opts.Dispatcher.Run(ctx, prompt)
	}, o.opts.Classify, o.opts.RetryPolicy, func(attempt int, delay time.Duration, classified *model.ClassifiedError) {
		o.opts.Logger.Warn(ctx, "retrying dispatch", "stepId", currentStepID, "attempt", attempt, "delayMs", delay.Milliseconds(), "category", string(classified.Category))
	})
	o.opts.Metrics.RecordTimer("orchestrator.turn_latency", time.Since(turnStart), "stepId", currentStepID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = &stepflowerrors.AgentCancelled{Cause: ctxErr}
		}
		span.RecordError(err)
		o.emitError(ctx, iteration, currentStepID, err)
		_ = o.transition(StateTerminating)
		return RunResult{RunID: runID, Err: err, Iterations: iteration - 1, StepContext: stepContext}, true
	}
	summary.Iteration = iteration

	// Schema resolution: validate structured output against the step's
	// configured schema before the Gate Interpreter runs (spec.md §4.5
	// step 9, §11.2). A failure here does not end the run; it only
	// disqualifies this iteration's output from gate interpretation.
	schemaErr := o.resolveSchema(stepDef, summary.StructuredOutput)
	if schemaErr != nil {
		o.opts.Logger.Warn(ctx, "schema resolution failed for step output; retrying without gate interpretation", "stepId", currentStepID, "iteration", iteration, "error", schemaErr.Error())
	}

	// Step 4: normalize output.
	o.normalizeStepID(ctx, &summary, currentStepID)

	// Step 5: record output.
	o.recordOutput(stepContext, currentStepID, summary)

	// Step 6: emit iterationEnd.
	o.bus.Publish(ctx, hooks.NewIterationEndEvent(iteration, currentStepID, iterationSummaryView(summary)))

	// Step 7: boundary hook.
	o.emitBoundaryHookIfQualifying(ctx, iteration, currentStepID, stepDef, summary)

	// Step 8: completion check.
	if completion.HasAICompletionDeclaration(summary) {
		result := o.completer.Validate(currentStepID, summary)
		if result.Valid {
			o.bus.Publish(ctx, hooks.NewCompletionEvent("closing", currentStepID, iteration))
			_ = o.transition(StateTerminating)
			return RunResult{RunID: runID, Completed: true, Reason: "closing", StepID: currentStepID, Iterations: iteration, StepContext: stepContext}, true
		}
		*promptBufferPtr = result.RetryPrompt
		if err := o.transition(StateRunning); err != nil {
			return RunResult{RunID: runID, Err: err, Iterations: iteration, StepContext: stepContext}, true
		}
		return RunResult{}, false
	}

	// Step 9: transition. If schema resolution failed above, skip the
	// gate entirely and retry the same step rather than interpreting
	// output the schema has already rejected.
	if schemaErr != nil {
		if err := o.transition(StateRunning); err != nil {
			return RunResult{RunID: runID, Err: err, Iterations: iteration, StepContext: stepContext}, true
		}
		return RunResult{}, false
	}

	if err := o.transition(StateTransitioning); err != nil {
		return RunResult{RunID: runID, Err: err, Iterations: iteration, StepContext: stepContext}, true
	}

	interp, err := gate.Interpret(summary.StructuredOutput, stepDef)
	if err != nil {
		span.RecordError(err)
		o.emitError(ctx, iteration, currentStepID, err)
		_ = o.transition(StateTerminating)
		return RunResult{RunID: runID, Err: err, Iterations: iteration, StepContext: stepContext}, true
	}
	if interp.Handoff != nil {
		stepContext.Merge(currentStepID, map[string]any{"handoff": interp.Handoff})
	}

	routeResult, err := router.Route(currentStepID, stepDef, interp, o.opts.Registry)
	if err != nil {
		span.RecordError(err)
		o.emitError(ctx, iteration, currentStepID, err)
		_ = o.transition(StateTerminating)
		return RunResult{RunID: runID, Err: err, Iterations: iteration, StepContext: stepContext}, true
	}
	if routeResult.Warning != "" {
		o.opts.Logger.Warn(ctx, routeResult.Warning, "stepId", currentStepID, "iteration", iteration)
	}

	if routeResult.SignalCompletion {
		o.bus.Publish(ctx, hooks.NewCompletionEvent(routeResult.Reason, routeResult.NextStepID, iteration))
		_ = o.transition(StateTerminating)
		return RunResult{RunID: runID, Completed: true, Reason: routeResult.Reason, StepID: routeResult.NextStepID, Iterations: iteration, StepContext: stepContext}, true
	}

	if routeResult.NextStepID != currentStepID {
		*currentStepIDPtr = routeResult.NextStepID
	}
	if err := o.transition(StateRunning); err != nil {
		return RunResult{RunID: runID, Err: err, Iterations: iteration, StepContext: stepContext}, true
	}
	return RunResult{}, false
}

// selectStep implements spec.md §4.5 step 1.
func (o *Orchestrator) selectStep(iteration int, currentStepID string) (string, error) {
	if iteration == 1 {
		return o.opts.Registry.EntryStepFor(o.opts.CompletionType)
	}
	if currentStepID == "" {
		return "", fmt.Errorf("orchestrator: iteration %d has no router-assigned currentStepId", iteration)
	}
	return currentStepID, nil
}

// resolvePrompt implements spec.md §4.5 step 2: closure steps whose
// configured default closure action is not "close" are resolved with an
// adaptation override.
func (o *Orchestrator) resolvePrompt(ctx context.Context, stepDef stepreg.StepDefinition, retryPrompt string) (ResolvedPrompt, error) {
	vars := map[string]any{}
	if retryPrompt != "" {
		vars["retryPrompt"] = retryPrompt
	}

	override := ""
	if stepDef.Kind() == stepreg.KindClosure && o.opts.DefaultClosureAction != ClosureActionClose {
		override = string(o.opts.DefaultClosureAction)
	}

	prompt, err := o.opts.PromptResolver.Resolve(ctx, stepDef.StepID, vars, override)
	if err != nil {
		return ResolvedPrompt{Content: fallbackPrompt(stepDef.StepID, retryPrompt), Source: "fallback"}, nil
	}
	return prompt, nil
}

func fallbackPrompt(stepID, retryPrompt string) string {
	if retryPrompt != "" {
		return fmt.Sprintf("Continue step %q. %s", stepID, retryPrompt)
	}
	return fmt.Sprintf("Continue step %q.", stepID)
}

// resolveSchema validates output against stepDef's configured schema
// (preferring OutputSchema, falling back to the gate's IntentSchemaRef)
// before the Gate Interpreter runs (spec.md §4.5 step 9, §11.2). Returns nil
// when the registry carries no schema compiler, the step names no schema
// ref, or output satisfies the referenced schema.
func (o *Orchestrator) resolveSchema(stepDef stepreg.StepDefinition, output map[string]any) error {
	if o.opts.Registry.Schemas == nil {
		return nil
	}
	ref := stepDef.OutputSchema
	if ref == "" && stepDef.StructuredGate != nil {
		ref = stepDef.StructuredGate.IntentSchemaRef
	}
	if ref == "" {
		return nil
	}
	return o.opts.Registry.Schemas.Validate(ref, output)
}

// normalizeStepID implements spec.md §4.5 step 4: the Flow owns the
// canonical stepId, overwriting any mismatched value the model echoed back.
func (o *Orchestrator) normalizeStepID(ctx context.Context, summary *model.IterationSummary, expected string) {
	if summary.StructuredOutput == nil {
		return
	}
	if got, ok := summary.StructuredOutput["stepId"].(string); ok && got != expected {
		o.opts.Logger.Warn(ctx, "structured output stepId mismatch; overwriting with the expected stepId", "expected", expected, "got", got)
		summary.StructuredOutput["stepId"] = expected
	}
}

// recordOutput implements spec.md §4.5 step 5.
func (o *Orchestrator) recordOutput(stepContext *model.StepContext, stepID string, summary model.IterationSummary) {
	stepContext.Merge(stepID, map[string]any{
		"structuredOutput": summary.StructuredOutput,
		"iteration":        summary.Iteration,
		"sessionId":        summary.SessionID,
		"hasErrors":        len(summary.Errors) > 0,
		"errorCount":       len(summary.Errors),
	})
}

// emitBoundaryHookIfQualifying implements spec.md §4.5 step 7: the event
// bus announces the boundary to every subscriber, and, separately, "if a
// handler is registered, invoke it" (SPEC_FULL.md §12): at most one
// BoundaryHookHandler runs per qualifying boundary, distinct from the
// general Subscriber fan-out. A handler error is logged, not fatal: it
// behaves like any other boundary observer's failure, never the run's.
func (o *Orchestrator) emitBoundaryHookIfQualifying(ctx context.Context, iteration int, stepID string, stepDef stepreg.StepDefinition, summary model.IterationSummary) {
	if stepDef.Kind() != stepreg.KindClosure || stepDef.StructuredGate == nil {
		return
	}
	allowsClosingOrRepeat := false
	for _, allowed := range stepDef.StructuredGate.AllowedIntents {
		if allowed == string(stepreg.IntentClosing) || allowed == string(stepreg.IntentRepeat) {
			allowsClosingOrRepeat = true
			break
		}
	}
	if !allowsClosingOrRepeat {
		return
	}
	payload := hooks.BoundaryHookPayload{
		StepID:           stepID,
		StepKind:         string(stepDef.Kind()),
		StructuredOutput: summary.StructuredOutput,
	}
	o.bus.Publish(ctx, hooks.NewBoundaryHookEvent(iteration, payload))

	if o.opts.BoundaryHookHandler != nil {
		if err := o.opts.BoundaryHookHandler.HandleBoundary(ctx, iteration, payload); err != nil {
			o.opts.Logger.Warn(ctx, "boundary hook handler returned an error", "stepId", stepID, "iteration", iteration, "error", err.Error())
		}
	}
}

func (o *Orchestrator) emitError(ctx context.Context, iteration int, stepID string, err error) {
	o.bus.Publish(ctx, hooks.NewErrorEvent(iteration, stepID, err))
}

func iterationSummaryView(summary model.IterationSummary) hooks.IterationSummaryView {
	return hooks.IterationSummaryView{
		AssistantResponses: summary.AssistantResponses,
		ToolsUsed:          summary.ToolsUsed,
		Errors:             summary.Errors,
		StructuredOutput:   summary.StructuredOutput,
		SessionID:          summary.SessionID,
	}
}
