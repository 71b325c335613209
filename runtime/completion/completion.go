// Package completion implements the Completion Chain (C4): detecting an
// AI-declared intent to close the workflow, resolving which closure step
// gates a given completion type, and validating closure against a pluggable
// CompletionValidator (spec.md §4.3).
package completion

import (
	"fmt"
	"strings"

	"github.com/stepflowhq/stepflow/runtime/model"
	"github.com/stepflowhq/stepflow/runtime/stepreg"
)

// ValidationRequest is passed to a CompletionValidator (spec.md §4.3
// "Validation flow" step 2).
type ValidationRequest struct {
	StructuredOutput map[string]any
	Conditions       []stepreg.CompletionCondition
	OutputSchema     string
}

// ValidationResult is the outcome of validating closure for a step.
type ValidationResult struct {
	Valid bool
	// RetryPrompt is a human-readable description of unmet checks, appended
	// to the next turn's prompt when Valid is false.
	RetryPrompt string
}

// CompletionValidator evaluates whether a closure step's structured output
// satisfies its completion conditions. Implementations are registered by the
// caller; when none is configured, Chain.Validate reports every closure as
// valid (DefaultValidator is not substituted).
type CompletionValidator interface {
	Validate(req ValidationRequest) ValidationResult
}

// Chain implements the three Completion Chain methods against a registry and
// an optional validator (spec.md §4.3 "Contract").
type Chain struct {
	Registry  *stepreg.Registry
	Validator CompletionValidator
}

// NewChain constructs a Chain. validator may be nil, in which case
// validation always succeeds (spec.md §4.3 "Validation flow" step 3).
func NewChain(registry *stepreg.Registry, validator CompletionValidator) *Chain {
	return &Chain{Registry: registry, Validator: validator}
}

// closingActions is the case-insensitive closed set of next_action.action
// values recognized as an AI-declared completion (spec.md §4.3
// "AI-declaration rule").
var closingActions = map[string]bool{
	"closing":  true,
	"complete": true,
}

// HasAICompletionDeclaration reports whether summary's structured output
// declares completion through the intent channel. status: "completed" alone
// is deliberately not sufficient (spec.md §4.3, §9 open question).
func HasAICompletionDeclaration(summary model.IterationSummary) bool {
	nextAction, ok := summary.StructuredOutput["next_action"].(map[string]any)
	if !ok {
		return false
	}
	action, ok := nextAction["action"].(string)
	if !ok {
		return false
	}
	return closingActions[strings.ToLower(strings.TrimSpace(action))]
}

// GetCompletionStepId resolves the closure step that gates termination for
// completionType (spec.md §4.3 "CompletionStep resolution").
func (c *Chain) GetCompletionStepId(completionType string) string {
	if c.Registry == nil {
		return GetCompletionStepId(completionType)
	}
	key := "closure." + completionType
	if c.Registry != nil && c.Registry.CompletionSteps != nil {
		if stepID, ok := c.Registry.CompletionSteps[key]; ok {
			return stepID
		}
	}
	return key
}

// GetCompletionStepId resolves the default closure step ("closure.issue")
// for callers with no registry available (spec.md §4.3 "In the absence of a
// registry, return closure.issue"). completionType is not consulted.
func GetCompletionStepId(completionType string) string {
	return "closure.issue"
}

// Validate runs the validation flow for stepId's closure, given the turn's
// summary (spec.md §4.3 "Validation flow").
func (c *Chain) Validate(stepID string, summary model.IterationSummary) ValidationResult {
	if c.Registry == nil {
		return ValidationResult{Valid: true}
	}
	stepDef, ok := c.Registry.Get(stepID)
	if !ok {
		// Step 1: unknown step is a no-op.
		return ValidationResult{Valid: true}
	}
	if stepDef.Kind() != stepreg.KindClosure {
		return ValidationResult{Valid: true}
	}
	if c.Validator == nil {
		// Step 3: graceful fallback when no validator is wired.
		return ValidationResult{Valid: true}
	}
	return c.Validator.Validate(ValidationRequest{
		StructuredOutput: summary.StructuredOutput,
		Conditions:       stepDef.CompletionConditions,
		OutputSchema:     stepDef.OutputSchema,
	})
}

// DefaultValidator checks the standard "validation" record emitted by a
// closure step's structured output (spec.md §4.3, last paragraph).
type DefaultValidator struct{}

// requiredChecks must be true. optionalChecks fail only when explicitly
// false; their absence (or any non-bool value) is treated as passing.
var requiredChecks = []string{"git_clean", "type_check_passed"}
var optionalChecks = []string{"tests_passed", "lint_passed", "format_check_passed"}

// Validate implements CompletionValidator.
func (DefaultValidator) Validate(req ValidationRequest) ValidationResult {
	validation, ok := req.StructuredOutput["validation"].(map[string]any)
	if !ok {
		validation = map[string]any{}
	}

	var unmet []string
	for _, key := range requiredChecks {
		if v, ok := validation[key].(bool); !ok || !v {
			unmet = append(unmet, fmt.Sprintf("%s is false", key))
		}
	}
	for _, key := range optionalChecks {
		if v, ok := validation[key].(bool); ok && !v {
			unmet = append(unmet, fmt.Sprintf("%s is false", key))
		}
	}

	if len(unmet) == 0 {
		return ValidationResult{Valid: true}
	}
	return ValidationResult{
		Valid:       false,
		RetryPrompt: "Closure validation failed: " + strings.Join(unmet, ", ") + ". Address these before declaring completion.",
	}
}
