// Package model defines the data exchanged between the step flow engine and
// its external collaborators: the structured summary of a single turn, the
// per-run step context, and the error classification used by package retry.
//
// Grounded on runtime/agent/model/provider_error.go and
// runtime/agent/model/transcript.go of the teacher repository: a typed error
// with an Unwrap-able cause (exported fields rather than accessor methods),
// and the same "one record per turn" summary shape.
package model

import (
	"errors"
	"fmt"
)

// ErrRateLimited is the canonical sentinel a dispatch/* adapter wraps around
// a provider-specific rate-limit signal (an HTTP 429, a ThrottlingException,
// a "rate limit exceeded" message) so that retry.Classify recognizes it
// uniformly regardless of which provider raised it.
var ErrRateLimited = errors.New("model: rate limited by provider")

// ErrorCategory classifies a dispatch failure into one of the six buckets
// spec.md §3 defines for ClassifiedError.
type ErrorCategory string

const (
	// CategoryNetwork covers connection failures, timeouts, and DNS errors.
	CategoryNetwork ErrorCategory = "NETWORK"
	// CategoryAPI covers provider-side failures reported through its API
	// (5xx responses, malformed provider replies, rate limiting).
	CategoryAPI ErrorCategory = "API"
	// CategoryInput covers caller mistakes: invalid prompts, schema
	// violations, malformed registry references.
	CategoryInput ErrorCategory = "INPUT"
	// CategoryEnvironment covers sandbox, permission, and filesystem
	// failures local to the execution environment.
	CategoryEnvironment ErrorCategory = "ENVIRONMENT"
	// CategoryInternal covers defects in the core itself.
	CategoryInternal ErrorCategory = "INTERNAL"
	// CategoryUnknown is the fallback when no classifier pattern matches.
	CategoryUnknown ErrorCategory = "UNKNOWN"
)

// ClassifiedError is the outcome of passing a raw dispatch error through a
// retry.Classifier. It is both a diagnostic record and, via Unwrap, part of
// the original error's chain.
type ClassifiedError struct {
	// Category is the coarse failure bucket.
	Category ErrorCategory
	// Recoverable reports whether retrying the operation unchanged might
	// succeed. ENVIRONMENT and most INPUT failures are never recoverable.
	Recoverable bool
	// Guidance is a short, human-readable hint about the failure, suitable
	// for logs or a retryPrompt.
	Guidance string
	// MatchedPattern names the classifier rule that produced this
	// classification, for diagnostics; empty when the fallback rule fired.
	MatchedPattern string
	// Original is the error that was classified.
	Original error
}

func (e *ClassifiedError) Error() string {
	if e.Original == nil {
		return fmt.Sprintf("stepflow: [%s] %s", e.Category, e.Guidance)
	}
	return fmt.Sprintf("stepflow: [%s] %s: %v", e.Category, e.Guidance, e.Original)
}

// Unwrap returns the original, unclassified error.
func (e *ClassifiedError) Unwrap() error { return e.Original }

// IterationSummary is the result of dispatching a single turn to the
// external model, as returned by Dispatcher.Run.
type IterationSummary struct {
	// Iteration is the 1-indexed turn number within the run.
	Iteration int
	// AssistantResponses holds the raw textual responses produced during
	// the turn (a turn may involve more than one assistant message, e.g.
	// intermediate tool-use commentary before the final structured reply).
	AssistantResponses []string
	// ToolsUsed lists the names of any tools invoked during the turn.
	ToolsUsed []string
	// Errors collects non-fatal problems observed while producing the
	// summary (e.g. a tool call that failed but did not abort the turn).
	Errors []string
	// StructuredOutput is the parsed structured reply the Gate Interpreter
	// and Completion Chain inspect. nil when the step has no structured
	// gate and none was requested.
	StructuredOutput map[string]any
	// SessionID is an opaque identifier correlating this turn with the
	// underlying model/session transport, when one exists.
	SessionID string
}

// StepContext is the per-run mapping of stepId to that step's recorded
// output, retained for the life of the run. Writes are last-write-wins per
// step (spec.md §3 "Lifecycle").
type StepContext struct {
	entries map[string]map[string]any
}

// NewStepContext constructs an empty StepContext.
func NewStepContext() *StepContext {
	return &StepContext{entries: make(map[string]map[string]any)}
}

// Get returns the recorded data for stepID and whether an entry exists.
// The returned map is a copy; mutating it does not affect the StepContext.
func (c *StepContext) Get(stepID string) (map[string]any, bool) {
	entry, ok := c.entries[stepID]
	if !ok {
		return nil, false
	}
	return cloneMap(entry), true
}

// Set overwrites the recorded data for stepID with data, last-write-wins.
// data is copied; the caller's map may be reused afterward.
func (c *StepContext) Set(stepID string, data map[string]any) {
	c.entries[stepID] = cloneMap(data)
}

// Merge shallow-merges updates into stepID's existing entry, creating one if
// absent. Keys in updates take precedence over existing keys.
func (c *StepContext) Merge(stepID string, updates map[string]any) {
	entry, ok := c.entries[stepID]
	if !ok {
		entry = make(map[string]any, len(updates))
	} else {
		entry = cloneMap(entry)
	}
	for k, v := range updates {
		entry[k] = v
	}
	c.entries[stepID] = entry
}

// Handoff returns the merged handoff view: the union of every recorded
// step's "handoff" sub-map, later steps overriding earlier ones in the
// order given by order. Router conditional transitions read from this view
// via the interpretation's own Handoff field, not this method directly;
// Handoff is exposed for diagnostics and prompt rendering.
func (c *StepContext) Handoff(order []string) map[string]any {
	merged := make(map[string]any)
	for _, stepID := range order {
		entry, ok := c.entries[stepID]
		if !ok {
			continue
		}
		if h, ok := entry["handoff"].(map[string]any); ok {
			for k, v := range h {
				merged[k] = v
			}
		}
	}
	return merged
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
