// Package stepflowerrors defines the structural error taxonomy shared across
// the step flow engine. These errors surface fatal conditions (unresolvable
// gate output, illegal routing) that end a run immediately, as opposed to the
// classified, retryable errors produced by package retry.
package stepflowerrors

import "fmt"

// GateInterpretationError is raised by the Gate Interpreter when a structured
// reply cannot be mapped to a valid intent and no fallback intent applies.
// It is non-recoverable: the run ends and the error is surfaced to the
// caller (spec §7).
type GateInterpretationError struct {
	// StepID is the step whose structured gate failed to interpret.
	StepID string
	// Candidate is the raw candidate intent string extracted from the
	// output, empty if none was found at all.
	Candidate string
	// AllowedIntents lists the intents the step's structured gate permits.
	AllowedIntents []string
	cause          error
}

// NewGateInterpretationError constructs a GateInterpretationError. cause may
// be nil.
func NewGateInterpretationError(stepID, candidate string, allowed []string, cause error) *GateInterpretationError {
	return &GateInterpretationError{StepID: stepID, Candidate: candidate, AllowedIntents: allowed, cause: cause}
}

func (e *GateInterpretationError) Error() string {
	if e.Candidate == "" {
		return fmt.Sprintf("stepflow: step %q: no intent could be extracted from structured output (allowed=%v)", e.StepID, e.AllowedIntents)
	}
	return fmt.Sprintf("stepflow: step %q: intent %q is not allowed and no fallback intent is configured (allowed=%v)", e.StepID, e.Candidate, e.AllowedIntents)
}

// Unwrap returns the underlying cause, if any.
func (e *GateInterpretationError) Unwrap() error { return e.cause }

// RoutingError is raised by the Workflow Router when an intent is disallowed
// for a step's kind, or when a transition target does not exist in the
// registry. Non-recoverable: the run ends (spec §7).
type RoutingError struct {
	// StepID is the step the router was routing from.
	StepID string
	// StepKind is the step's kind, when known.
	StepKind string
	// Intent is the intent that triggered the routing failure.
	Intent string
	// Target is the unresolved transition target, when the failure is a
	// missing-target error rather than a disallowed-intent error.
	Target string
	Reason string
}

func (e *RoutingError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("stepflow: step %q: transition target %q does not exist in the registry (%s)", e.StepID, e.Target, e.Reason)
	}
	return fmt.Sprintf("stepflow: step %q (kind=%s): intent %q is not permitted (%s)", e.StepID, e.StepKind, e.Intent, e.Reason)
}

// AgentMaxIterationsError is raised by the Flow Orchestrator when a run
// exceeds its configured iteration budget without reaching completion.
type AgentMaxIterationsError struct {
	MaxIterations int
}

func (e *AgentMaxIterationsError) Error() string {
	return fmt.Sprintf("stepflow: run exceeded the maximum of %d iterations without completing", e.MaxIterations)
}

// AgentCancelled is raised when an external cancellation signal is observed
// at one of the Orchestrator's suspension points (dispatch, retry sleep,
// prompt resolution).
type AgentCancelled struct {
	// Cause is the context error that triggered cancellation
	// (context.Canceled or context.DeadlineExceeded).
	Cause error
}

func (e *AgentCancelled) Error() string {
	return fmt.Sprintf("stepflow: run cancelled: %v", e.Cause)
}

// Unwrap returns the context error that triggered cancellation.
func (e *AgentCancelled) Unwrap() error { return e.Cause }
