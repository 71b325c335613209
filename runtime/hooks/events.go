// Package hooks implements the Boundary Hooks & Event Emission fabric (C6's
// publish/subscribe side, spec.md §4.6): a single-threaded bus firing at
// well-defined lifecycle points so external collaborators can react without
// coupling to the Flow Orchestrator's internals.
//
// Grounded on runtime/agent/hooks/bus.go and events.go of the teacher
// repository: the same Event interface plus baseEvent embedding, and the
// same Subscriber/Subscription registration shape. The bus is simplified
// from the teacher's thread-safe, fail-fast fan-out to the spec's
// single-threaded, log-and-continue semantics: the Flow Orchestrator runs
// one iteration at a time, so no locking is needed, and a misbehaving
// subscriber must never prevent its peers from observing an event.
package hooks

import "context"

// EventType is the closed set of lifecycle events the Flow Orchestrator
// emits (spec.md §4.6 "Events").
type EventType string

const (
	IterationStart EventType = "iterationStart"
	IterationEnd   EventType = "iterationEnd"
	BoundaryHook   EventType = "boundaryHook"
	Completion     EventType = "completion"
	Error          EventType = "error"
)

// Event is the interface every published event implements. Subscribers
// type-switch on the concrete type to access event-specific fields.
type Event interface {
	Type() EventType
}

type baseEvent struct {
	eventType EventType
}

// Type implements Event.
func (e baseEvent) Type() EventType { return e.eventType }

// IterationStartEvent fires at the start of an iteration, before the prompt
// is resolved (spec.md §4.5 step 1 precedes this). It carries the iteration
// number and the ID of the step selected for the iteration.
type IterationStartEvent struct {
	baseEvent
	Iteration int
	StepID    string
}

// NewIterationStartEvent constructs an IterationStartEvent.
func NewIterationStartEvent(iteration int, stepID string) *IterationStartEvent {
	return &IterationStartEvent{baseEvent: baseEvent{IterationStart}, Iteration: iteration, StepID: stepID}
}

// IterationEndEvent fires after a turn's output has been normalized and
// recorded into the StepContext (spec.md §4.5 step 6).
type IterationEndEvent struct {
	baseEvent
	Iteration int
	StepID    string
	Summary   IterationSummaryView
}

// IterationSummaryView is the subset of model.IterationSummary event
// subscribers observe; kept independent of package model to avoid an import
// cycle between model, hooks, and orchestrator.
type IterationSummaryView struct {
	AssistantResponses []string
	ToolsUsed          []string
	Errors             []string
	StructuredOutput   map[string]any
	SessionID          string
}

// NewIterationEndEvent constructs an IterationEndEvent.
func NewIterationEndEvent(iteration int, stepID string, summary IterationSummaryView) *IterationEndEvent {
	return &IterationEndEvent{baseEvent: baseEvent{IterationEnd}, Iteration: iteration, StepID: stepID, Summary: summary}
}

// BoundaryHookPayload is synthesized for a closure step whose structured
// gate permits "closing" or "repeat" (spec.md §4.5 step 7).
type BoundaryHookPayload struct {
	StepID           string
	StepKind         string
	StructuredOutput map[string]any
}

// BoundaryHookEvent fires once per iteration at a qualifying closure step.
type BoundaryHookEvent struct {
	baseEvent
	Iteration int
	Payload   BoundaryHookPayload
}

// NewBoundaryHookEvent constructs a BoundaryHookEvent.
func NewBoundaryHookEvent(iteration int, payload BoundaryHookPayload) *BoundaryHookEvent {
	return &BoundaryHookEvent{baseEvent: baseEvent{BoundaryHook}, Iteration: iteration, Payload: payload}
}

// CompletionEvent fires exactly once, when the run reaches a terminal state:
// either closure validation succeeds or the router signals completion
// (spec.md §4.5 step 8, §4.6 "completion").
type CompletionEvent struct {
	baseEvent
	Reason    string
	StepID    string
	Iteration int
}

// NewCompletionEvent constructs a CompletionEvent.
func NewCompletionEvent(reason, stepID string, iteration int) *CompletionEvent {
	return &CompletionEvent{baseEvent: baseEvent{Completion}, Reason: reason, StepID: stepID, Iteration: iteration}
}

// ErrorEvent fires when the run ends due to a fatal, non-recoverable error
// (gate interpretation failure, routing failure, exhausted retries, max
// iterations, cancellation).
type ErrorEvent struct {
	baseEvent
	Iteration int
	StepID    string
	Err       error
}

// NewErrorEvent constructs an ErrorEvent.
func NewErrorEvent(iteration int, stepID string, err error) *ErrorEvent {
	return &ErrorEvent{baseEvent: baseEvent{Error}, Iteration: iteration, StepID: stepID, Err: err}
}

// Subscriber reacts to published events. HandleEvent's return value is
// passed to the bus's ErrorHandler (dropped when the bus has none) and
// never halts delivery to subsequent subscribers
// (spec.md §4.6 "a throwing handler is logged but does not interrupt
// emission").
type Subscriber interface {
	HandleEvent(ctx context.Context, event Event) error
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, event Event) error

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error { return f(ctx, event) }

// BoundaryHookHandler is the distinct, single-handler counterpart to the
// general Subscriber fan-out, for the one lifecycle point where only one
// handler may act: a closure step's boundary hook (spec.md §4.5 step 7).
// Unlike Subscriber, which every registered listener receives a copy of,
// at most one BoundaryHookHandler runs per qualifying boundary, in addition
// to the BoundaryHookEvent subscribers receive. An error it returns is
// logged by the Orchestrator and does not change the iteration's
// transition.
type BoundaryHookHandler interface {
	HandleBoundary(ctx context.Context, iteration int, payload BoundaryHookPayload) error
}

// BoundaryHookHandlerFunc adapts a function to the BoundaryHookHandler
// interface.
type BoundaryHookHandlerFunc func(ctx context.Context, iteration int, payload BoundaryHookPayload) error

// HandleBoundary implements BoundaryHookHandler.
func (f BoundaryHookHandlerFunc) HandleBoundary(ctx context.Context, iteration int, payload BoundaryHookPayload) error {
	return f(ctx, iteration, payload)
}
