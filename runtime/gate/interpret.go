// Package gate implements the Gate Interpreter (C2): it extracts a bounded
// intent, target, handoff payload, and reason from a step's raw structured
// model output (spec.md §4.1).
//
// Dotted-path resolution (spec.md §9) is delegated to
// github.com/tidwall/gjson, present in the teacher's dependency closure:
// gjson natively treats numeric path segments as array indices and returns
// a zero Result — never a panic — for missing or non-container
// intermediates, matching the spec's "nulls or missing intermediates yield
// undefined" rule without a hand-rolled reflect-based walker.
package gate

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/stepflowhq/stepflow/runtime/stepreg"
	"github.com/stepflowhq/stepflow/stepflowerrors"
)

// Interpretation is the outcome of interpreting a step's raw structured
// output (spec.md §4.1 "Contract").
type Interpretation struct {
	Intent       stepreg.Intent
	Target       string
	HasTarget    bool
	Handoff      map[string]any
	Reason       string
	UsedFallback bool
	// Inferred reports whether the intent was found by probing the fixed
	// list of common locations rather than via an explicit IntentField.
	Inferred bool
}

// aliases maps recognized raw intent tokens (already lowercased) to their
// canonical form (spec.md §4.1 step 3). Canonical tokens map to themselves
// so the same lookup handles both raw aliases and already-canonical values.
var aliases = map[string]stepreg.Intent{
	"continue": stepreg.IntentNext,
	"proceed":  stepreg.IntentNext,
	"advance":  stepreg.IntentNext,
	"next":     stepreg.IntentNext,

	"retry": stepreg.IntentRepeat,
	"again": stepreg.IntentRepeat,
	"rerun": stepreg.IntentRepeat,
	"repeat": stepreg.IntentRepeat,

	"done":      stepreg.IntentClosing,
	"finish":    stepreg.IntentClosing,
	"complete":  stepreg.IntentClosing,
	"completed": stepreg.IntentClosing,
	"closing":   stepreg.IntentClosing,

	"stop":   stepreg.IntentAbort,
	"cancel": stepreg.IntentAbort,
	"abort":  stepreg.IntentAbort,

	"escalate": stepreg.IntentEscalate,
	"handoff":  stepreg.IntentHandoff,
	"jump":     stepreg.IntentJump,
}

// probedIntentPaths are the fixed, ordered locations probed for an intent
// string when StructuredGate.IntentField is unset (spec.md §4.1 step 2).
var probedIntentPaths = []string{"next_action.action", "action", "status", "next_action.intent", "intent"}

// probedTargetPaths are the fixed, ordered locations probed for a jump
// target when StructuredGate.TargetField is unset (spec.md §4.1 step 5).
var probedTargetPaths = []string{"target", "details.target", "jump.target"}

// probedReasonPaths are the fixed, ordered locations probed for a human
// reason (spec.md §4.1 step 7).
var probedReasonPaths = []string{"next_action.reason", "reason", "explanation"}

// Interpret extracts an Interpretation from output according to stepDef's
// StructuredGate configuration (spec.md §4.1 "Behaviour").
func Interpret(output map[string]any, stepDef stepreg.StepDefinition) (Interpretation, error) {
	if stepDef.StructuredGate == nil {
		return Interpretation{Intent: stepreg.IntentNext, UsedFallback: true, Reason: "No structuredGate configuration"}, nil
	}
	gateCfg := stepDef.StructuredGate

	raw, err := json.Marshal(output)
	if err != nil {
		raw = []byte("{}")
	}
	doc := gjson.ParseBytes(raw)

	candidate, inferred := extractIntentCandidate(doc, gateCfg.IntentField)
	canonical, recognized := normalizeIntent(candidate)

	allowed := make(map[stepreg.Intent]bool, len(gateCfg.AllowedIntents))
	for _, a := range gateCfg.AllowedIntents {
		if norm, ok := normalizeIntent(a); ok {
			allowed[norm] = true
		}
	}

	var interp Interpretation
	interp.Inferred = inferred

	switch {
	case recognized && allowed[canonical]:
		interp.Intent = canonical
	case gateCfg.FallbackIntent != "":
		fallback, ok := normalizeIntent(gateCfg.FallbackIntent)
		if !ok {
			fallback = stepreg.Intent(strings.ToLower(gateCfg.FallbackIntent))
		}
		interp.Intent = fallback
		interp.UsedFallback = true
	case allowed[stepreg.IntentNext]:
		interp.Intent = stepreg.IntentNext
		interp.UsedFallback = true
	default:
		return Interpretation{}, stepflowerrors.NewGateInterpretationError(stepDef.StepID, candidate, gateCfg.AllowedIntents, nil)
	}

	if interp.Intent == stepreg.IntentJump {
		if target, ok := extractString(doc, gateCfg.TargetField, probedTargetPaths); ok {
			interp.Target = target
			interp.HasTarget = true
		}
	}

	if len(gateCfg.HandoffFields) > 0 {
		handoff := make(map[string]any)
		for _, path := range gateCfg.HandoffFields {
			result := doc.Get(path)
			if !result.Exists() {
				continue
			}
			handoff[lastSegment(path)] = result.Value()
		}
		if len(handoff) > 0 {
			interp.Handoff = handoff
		}
	}

	if reason, ok := extractString(doc, "", probedReasonPaths); ok {
		interp.Reason = reason
	}

	return interp, nil
}

// extractIntentCandidate resolves the raw intent string either from an
// explicit field or by probing the fixed list of common locations,
// reporting whether the fixed list was used (spec.md §4.1 step 2).
func extractIntentCandidate(doc gjson.Result, intentField string) (string, bool) {
	if intentField != "" {
		result := doc.Get(intentField)
		if result.Exists() && result.Type == gjson.String {
			return result.String(), false
		}
		return "", false
	}
	for _, path := range probedIntentPaths {
		result := doc.Get(path)
		if result.Exists() && result.Type == gjson.String {
			return result.String(), true
		}
	}
	return "", true
}

// extractString resolves a string value from an explicit field, falling
// back to an ordered list of probed paths when field is empty.
func extractString(doc gjson.Result, field string, probed []string) (string, bool) {
	if field != "" {
		result := doc.Get(field)
		if result.Exists() && result.Type == gjson.String {
			return result.String(), true
		}
		return "", false
	}
	for _, path := range probed {
		result := doc.Get(path)
		if result.Exists() && result.Type == gjson.String {
			return result.String(), true
		}
	}
	return "", false
}

// normalizeIntent case-insensitively maps a raw intent token to its
// canonical form (spec.md §4.1 step 3).
func normalizeIntent(raw string) (stepreg.Intent, bool) {
	if raw == "" {
		return "", false
	}
	canonical, ok := aliases[strings.ToLower(strings.TrimSpace(raw))]
	return canonical, ok
}

// lastSegment returns the final dot-separated segment of path, used as the
// handoff key for an extracted field (spec.md §4.1 step 6).
func lastSegment(path string) string {
	if idx := strings.LastIndexByte(path, '.'); idx >= 0 {
		return path[idx+1:]
	}
	return path
}
