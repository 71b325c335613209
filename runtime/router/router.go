// Package router implements the Workflow Router (C3): given the current
// step and a Gate Interpreter interpretation, it resolves the next step or
// signals workflow completion (spec.md §4.2).
package router

import (
	"fmt"
	"strings"

	"github.com/stepflowhq/stepflow/runtime/gate"
	"github.com/stepflowhq/stepflow/runtime/stepreg"
	"github.com/stepflowhq/stepflow/stepflowerrors"
)

// Result is the outcome of routing a single turn (spec.md §4.2 "Contract").
type Result struct {
	NextStepID       string
	SignalCompletion bool
	Reason           string
	// Warning carries a non-fatal diagnostic (e.g. a handoff emitted from
	// an initial step, or an implicit handoff-as-completion fallback).
	Warning string
}

// Route resolves the next step for currentStepID given interp, consulting
// stepDef's static transitions and reg for dynamic lookups (spec.md §4.2
// "Algorithm").
func Route(currentStepID string, stepDef stepreg.StepDefinition, interp gate.Interpretation, reg *stepreg.Registry) (Result, error) {
	kind := stepDef.Kind()

	// Step 1: intent validation.
	if !stepreg.IntentAllowedForKind(kind, interp.Intent) {
		return Result{}, &stepflowerrors.RoutingError{
			StepID:   currentStepID,
			StepKind: string(kind),
			Intent:   string(interp.Intent),
			Reason:   "intent is not permitted for this step kind",
		}
	}

	switch interp.Intent {
	case stepreg.IntentClosing, stepreg.IntentAbort:
		// Step 2: terminal intents.
		return Result{NextStepID: currentStepID, SignalCompletion: true, Reason: string(interp.Intent)}, nil

	case stepreg.IntentRepeat:
		// Step 3: repeat.
		if rule, ok := stepDef.Transitions["repeat"]; ok && kind == stepreg.KindClosure {
			return resolveDirectOrConditional(currentStepID, "repeat", rule, interp, reg)
		}
		return Result{NextStepID: currentStepID, Reason: "repeat"}, nil

	case stepreg.IntentEscalate:
		// Step 4: escalate.
		rule, ok := stepDef.Transitions["escalate"]
		if !ok || rule.Kind != stepreg.TransitionDirect || rule.Target == nil {
			return Result{}, &stepflowerrors.RoutingError{
				StepID: currentStepID, StepKind: string(kind), Intent: string(interp.Intent),
				Reason: "escalate requires a statically-defined transitions.escalate target",
			}
		}
		if !reg.Has(*rule.Target) {
			return Result{}, &stepflowerrors.RoutingError{StepID: currentStepID, Target: *rule.Target, Reason: "escalate target does not exist"}
		}
		return Result{NextStepID: *rule.Target, Reason: "escalate"}, nil

	case stepreg.IntentHandoff:
		// Step 5: handoff.
		result, err := routeHandoff(currentStepID, stepDef, interp, reg)
		if err != nil {
			return Result{}, err
		}
		return result, nil

	case stepreg.IntentJump:
		// Step 6: jump.
		if !interp.HasTarget || interp.Target == "" {
			return Result{}, &stepflowerrors.RoutingError{StepID: currentStepID, StepKind: string(kind), Intent: string(interp.Intent), Reason: "jump requires a target"}
		}
		if !reg.Has(interp.Target) {
			return Result{}, &stepflowerrors.RoutingError{StepID: currentStepID, Target: interp.Target, Reason: "jump target does not exist"}
		}
		return Result{NextStepID: interp.Target, Reason: "jump"}, nil

	default:
		// Step 7: "next" and any other non-terminal intent.
		return routeDeclaredOrDefault(currentStepID, stepDef, interp, reg)
	}
}

// routeHandoff implements spec.md §4.2 step 5.
func routeHandoff(currentStepID string, stepDef stepreg.StepDefinition, interp gate.Interpretation, reg *stepreg.Registry) (Result, error) {
	var warning string
	if stepDef.Kind() == stepreg.KindInitial {
		warning = fmt.Sprintf("handoff emitted from initial step %q", currentStepID)
	}
	rule, ok := stepDef.Transitions["handoff"]
	if !ok {
		// Open question (spec.md §9): historically, an unconfigured
		// handoff transition defaults to completion. Preserved for
		// compatibility; logged via the warning field.
		w := "handoff has no configured transition; defaulting to completion for backward compatibility"
		if warning != "" {
			warning = warning + "; " + w
		} else {
			warning = w
		}
		return Result{NextStepID: currentStepID, SignalCompletion: true, Reason: "handoff", Warning: warning}, nil
	}
	result, err := resolveDirectOrConditional(currentStepID, "handoff", rule, interp, reg)
	if err != nil {
		return Result{}, err
	}
	result.Warning = warning
	return result, nil
}

// routeDeclaredOrDefault implements spec.md §4.2 step 7 (consult the
// step's declared transition for the intent) and step 8 (the
// initial.->continuation. default transition fallback).
func routeDeclaredOrDefault(currentStepID string, stepDef stepreg.StepDefinition, interp gate.Interpretation, reg *stepreg.Registry) (Result, error) {
	if rule, ok := stepDef.Transitions[string(interp.Intent)]; ok {
		return resolveDirectOrConditional(currentStepID, string(interp.Intent), rule, interp, reg)
	}

	// Step 8: default transition.
	if rest, ok := strings.CutPrefix(currentStepID, string(stepreg.PhaseInitial)+"."); ok {
		candidate := string(stepreg.PhaseContinuation) + "." + rest
		if reg.Has(candidate) {
			return Result{NextStepID: candidate, Reason: "default initial->continuation transition"}, nil
		}
	}
	return Result{NextStepID: currentStepID, SignalCompletion: true, Reason: "no matching transition; defaulting to completion"}, nil
}

// resolveDirectOrConditional resolves a single TransitionRule, handling both
// variants (spec.md §4.2 step 7, §9 "Tagged variant TransitionRule").
func resolveDirectOrConditional(currentStepID, intentName string, rule stepreg.TransitionRule, interp gate.Interpretation, reg *stepreg.Registry) (Result, error) {
	switch rule.Kind {
	case stepreg.TransitionDirect:
		if rule.Target == nil {
			return Result{NextStepID: currentStepID, SignalCompletion: true, Reason: intentName}, nil
		}
		if !reg.Has(*rule.Target) {
			return Result{}, &stepflowerrors.RoutingError{StepID: currentStepID, Target: *rule.Target, Reason: fmt.Sprintf("transition[%s] target does not exist", intentName)}
		}
		return Result{NextStepID: *rule.Target, Reason: intentName}, nil

	case stepreg.TransitionConditional:
		value := stringifyCondition(interp.Handoff, rule.Condition)
		target, ok := rule.Targets[value]
		if !ok {
			target, ok = rule.Targets["default"]
		}
		if !ok {
			return Result{}, &stepflowerrors.RoutingError{StepID: currentStepID, Reason: fmt.Sprintf("transition[%s] condition %q=%q has no matching target and no default", intentName, rule.Condition, value)}
		}
		if target == nil {
			return Result{NextStepID: currentStepID, SignalCompletion: true, Reason: intentName}, nil
		}
		if !reg.Has(*target) {
			return Result{}, &stepflowerrors.RoutingError{StepID: currentStepID, Target: *target, Reason: fmt.Sprintf("transition[%s] target does not exist", intentName)}
		}
		return Result{NextStepID: *target, Reason: intentName}, nil

	default:
		return Result{}, &stepflowerrors.RoutingError{StepID: currentStepID, Reason: fmt.Sprintf("transition[%s] has an unknown rule kind", intentName)}
	}
}

// stringifyCondition looks up condition in handoff and stringifies it per
// spec.md §4.2 step 7: booleans become "true"/"false", undefined or nil
// becomes "default", everything else uses its default string form.
func stringifyCondition(handoff map[string]any, condition string) string {
	if handoff == nil {
		return "default"
	}
	value, ok := handoff[condition]
	if !ok || value == nil {
		return "default"
	}
	switch v := value.(type) {
	case bool:
		if v {
			return "true"
		}
		return "false"
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
