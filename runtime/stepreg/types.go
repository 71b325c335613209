// Package stepreg implements the Step Registry (C1): a declarative,
// immutable store of step definitions, transitions, gates, and completion
// wiring, loaded once at run start (spec.md §3, §9 "Registry ownership").
package stepreg

import (
	"fmt"

	"github.com/stepflowhq/stepflow/schema"
)

// Phase is the first dotted segment of a stepId and classifies the step's
// kind (spec.md §3 "StepDefinition").
type Phase string

const (
	PhaseInitial      Phase = "initial"
	PhaseContinuation Phase = "continuation"
	PhaseClosure      Phase = "closure"
	PhaseSection      Phase = "section"
	PhaseOther        Phase = "other"
)

// Kind is the step kind derived from a step's Phase.
type Kind string

const (
	KindInitial      Kind = "initial"
	KindWork         Kind = "work"
	KindClosure      Kind = "closure"
	KindVerification Kind = "verification"
	KindSection      Kind = "section"
)

// phaseKind maps each closed Phase to its derived Kind. Phases outside this
// set (custom/section-like phases beyond "section" itself) resolve to
// KindWork, matching the teacher convention of defaulting unknown
// classifications to the least restrictive, most common case rather than
// failing closed.
var phaseKind = map[Phase]Kind{
	PhaseInitial:      KindInitial,
	PhaseContinuation: KindWork,
	PhaseClosure:      KindClosure,
	PhaseSection:      KindSection,
	// "other"-phase steps are verification steps: support/review steps
	// that a work step's "escalate" intent routes to statically.
	PhaseOther: KindVerification,
}

// KindForPhase returns the derived step kind for phase, per spec.md §3's
// closed {initial, continuation, closure, section, other} phase set mapping
// onto the closed {initial, work, closure, verification, section} kind set.
// Unrecognized phases (a registry loaded from a future, extended format)
// conservatively resolve to KindWork, the least restrictive kind.
func KindForPhase(p Phase) Kind {
	if k, ok := phaseKind[p]; ok {
		return k
	}
	return KindWork
}

// Intent is the closed vocabulary a step's structured gate may emit
// (spec.md §3 "Intent").
type Intent string

const (
	IntentNext     Intent = "next"
	IntentRepeat   Intent = "repeat"
	IntentClosing  Intent = "closing"
	IntentHandoff  Intent = "handoff"
	IntentAbort    Intent = "abort"
	IntentEscalate Intent = "escalate"
	IntentJump     Intent = "jump"
)

// StepKindAllowedIntents is the STEP_KIND_ALLOWED_INTENTS table spec.md
// §4.2 step 1 enforces: the set of intents permitted for each step kind,
// independent of abort (universally allowed, spec.md §3 invariant 4) and
// independent of a step's own narrower StructuredGate.AllowedIntents list.
var StepKindAllowedIntents = map[Kind]map[Intent]bool{
	KindInitial: {
		IntentNext: true, IntentRepeat: true, IntentHandoff: true, IntentJump: true,
	},
	KindWork: {
		IntentNext: true, IntentRepeat: true, IntentHandoff: true, IntentJump: true,
	},
	KindClosure: {
		IntentClosing: true, IntentRepeat: true, IntentHandoff: true, IntentJump: true,
	},
	KindVerification: {
		IntentNext: true, IntentRepeat: true, IntentEscalate: true, IntentJump: true,
	},
	KindSection: {
		IntentNext: true, IntentRepeat: true, IntentHandoff: true, IntentJump: true,
	},
}

// IntentAllowedForKind reports whether intent may be emitted by a step of
// the given kind. abort is always allowed regardless of kind.
func IntentAllowedForKind(kind Kind, intent Intent) bool {
	if intent == IntentAbort {
		return true
	}
	table, ok := StepKindAllowedIntents[kind]
	if !ok {
		return false
	}
	return table[intent]
}

// StructuredGate configures how a step's raw structured model output is
// parsed into an Interpretation by the Gate Interpreter (spec.md §4.1).
type StructuredGate struct {
	// AllowedIntents is the closed set of canonical intents this step may
	// emit. The Router permits "abort" for every step kind (spec.md §3
	// invariant 4), but the Gate Interpreter accepts "abort" only when it is
	// listed here.
	AllowedIntents []string
	// IntentField is a dotted path into the structured output naming the
	// field holding the raw intent string. When empty, a fixed list of
	// common locations is probed instead (spec.md §4.1 step 2).
	IntentField string
	// TargetField is a dotted path naming the jump target field. When
	// empty, "target", "details.target", "jump.target" are tried in order.
	TargetField string
	// HandoffFields lists dotted paths to extract into the interpretation's
	// handoff map, keyed by each path's last segment.
	HandoffFields []string
	// FallbackIntent is used when the extracted intent is not a member of
	// AllowedIntents.
	FallbackIntent string
	// IntentSchemaRef optionally names a JSON Schema (resolved by package
	// schema) the structured output must satisfy before interpretation.
	IntentSchemaRef string
}

// TransitionKind distinguishes the two TransitionRule variants (spec.md §9
// "Tagged variant TransitionRule").
type TransitionKind string

const (
	TransitionDirect      TransitionKind = "direct"
	TransitionConditional TransitionKind = "conditional"
)

// TransitionRule is a sum type: a Direct rule routes unconditionally to
// Target (nil meaning terminal); a Conditional rule looks up Condition in
// the interpretation's handoff map and routes via Targets.
type TransitionRule struct {
	Kind TransitionKind

	// Direct fields.
	// Target is the next stepId, or nil for a terminal transition.
	Target *string

	// Conditional fields.
	// Condition names the handoff key inspected to select a target.
	Condition string
	// Targets maps a stringified handoff value (or "default") to a next
	// stepId, nil meaning terminal.
	Targets map[string]*string
}

// Direct constructs a Direct TransitionRule. target == nil means terminal.
func Direct(target *string) TransitionRule {
	return TransitionRule{Kind: TransitionDirect, Target: target}
}

// Conditional constructs a Conditional TransitionRule.
func Conditional(condition string, targets map[string]*string) TransitionRule {
	return TransitionRule{Kind: TransitionConditional, Condition: condition, Targets: targets}
}

// CompletionCondition describes one entry of a closure step's
// completionConditions list (spec.md §3 "used only by closure steps").
// The concrete shape is intentionally open-ended (map) because completion
// strategies are pluggable via package completion; the registry only
// carries the configuration, not the evaluation logic.
type CompletionCondition = map[string]any

// StepDefinition is the declarative record the registry stores per step
// (spec.md §3 "StepDefinition").
type StepDefinition struct {
	StepID      string
	Name        string
	FallbackKey string
	Edition     string
	UVVariables []string

	StructuredGate *StructuredGate
	Transitions    map[string]TransitionRule

	// CompletionConditions, OnFailure, and OutputSchema are used only by
	// closure steps.
	CompletionConditions []CompletionCondition
	OnFailure            map[string]any
	OutputSchema         string
}

// Phase returns the step's phase: the first dotted segment of its stepId.
func (d StepDefinition) Phase() Phase {
	for i := 0; i < len(d.StepID); i++ {
		if d.StepID[i] == '.' {
			return Phase(d.StepID[:i])
		}
	}
	return Phase(d.StepID)
}

// Kind returns the step's derived kind.
func (d StepDefinition) Kind() Kind {
	return KindForPhase(d.Phase())
}

// Registry is the ordered, immutable set of step definitions plus entry and
// completion wiring (spec.md §3 "StepRegistry"). Construct via NewRegistry
// or package registryio; the zero value is not usable.
type Registry struct {
	AgentID string
	Version string

	steps []StepDefinition
	byID  map[string]StepDefinition

	// EntryStep is used at iteration 1 when EntryStepMapping has no entry
	// for the run's completion type.
	EntryStep string
	// EntryStepMapping maps a completionType to the stepId used at
	// iteration 1.
	EntryStepMapping map[string]string
	// CompletionSteps maps "closure.<completionType>" to the step that
	// validates closure for that completion type.
	CompletionSteps map[string]string

	// Schemas compiles and caches the JSON Schemas named by steps'
	// OutputSchema and StructuredGate.IntentSchemaRef fields (spec.md §4.5
	// step 9, §11.2). NewRegistry leaves it nil; registryio always attaches
	// a Compiler, empty when the document configures no schemas. Callers
	// must treat a nil Schemas as "nothing to resolve."
	Schemas *schema.Compiler
}

// NewRegistry constructs a Registry from an ordered slice of step
// definitions, validating that stepIds are unique and that every static
// transition target (direct or conditional) resolves to a step that exists
// in steps (spec.md §3 invariant 5, §6 "All inter-step references must be
// resolvable at load time"). Conditional targets named dynamically by
// condition key are still checked here because their value set is static;
// only the *handoff value looked up at runtime* is dynamic.
func NewRegistry(steps []StepDefinition, entryStep string, entryStepMapping, completionSteps map[string]string) (*Registry, error) {
	byID := make(map[string]StepDefinition, len(steps))
	for _, s := range steps {
		if s.StepID == "" {
			return nil, fmt.Errorf("stepreg: step definition with empty stepId")
		}
		if _, dup := byID[s.StepID]; dup {
			return nil, fmt.Errorf("stepreg: duplicate stepId %q", s.StepID)
		}
		byID[s.StepID] = s
	}
	r := &Registry{
		steps:            steps,
		byID:             byID,
		EntryStep:        entryStep,
		EntryStepMapping: entryStepMapping,
		CompletionSteps:  completionSteps,
	}
	if err := r.validateTargets(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) validateTargets() error {
	for _, s := range r.steps {
		for intent, rule := range s.Transitions {
			switch rule.Kind {
			case TransitionDirect:
				if rule.Target != nil {
					if _, ok := r.byID[*rule.Target]; !ok {
						return fmt.Errorf("stepreg: step %q: transition[%s] targets unknown step %q", s.StepID, intent, *rule.Target)
					}
				}
			case TransitionConditional:
				for value, target := range rule.Targets {
					if target == nil {
						continue
					}
					if _, ok := r.byID[*target]; !ok {
						return fmt.Errorf("stepreg: step %q: transition[%s] condition %q=%q targets unknown step %q", s.StepID, intent, rule.Condition, value, *target)
					}
				}
			}
		}
	}
	if r.EntryStep != "" {
		if _, ok := r.byID[r.EntryStep]; !ok {
			return fmt.Errorf("stepreg: entryStep %q does not exist", r.EntryStep)
		}
	}
	for completionType, stepID := range r.EntryStepMapping {
		if _, ok := r.byID[stepID]; !ok {
			return fmt.Errorf("stepreg: entryStepMapping[%s] targets unknown step %q", completionType, stepID)
		}
	}
	for closureKey, stepID := range r.CompletionSteps {
		if _, ok := r.byID[stepID]; !ok {
			return fmt.Errorf("stepreg: completionSteps[%s] targets unknown step %q", closureKey, stepID)
		}
	}
	return nil
}

// Get returns the step definition for stepID and whether it exists.
func (r *Registry) Get(stepID string) (StepDefinition, bool) {
	s, ok := r.byID[stepID]
	return s, ok
}

// Has reports whether stepID exists in the registry.
func (r *Registry) Has(stepID string) bool {
	_, ok := r.byID[stepID]
	return ok
}

// Steps returns the ordered list of step definitions. The returned slice
// must not be mutated by callers.
func (r *Registry) Steps() []StepDefinition {
	return r.steps
}

// EntryStepFor resolves the iteration-1 step for completionType, per
// spec.md §4.5 step 1: prefer EntryStepMapping[completionType], falling
// back to EntryStep. Returns an error if neither resolves.
func (r *Registry) EntryStepFor(completionType string) (string, error) {
	if r.EntryStepMapping != nil {
		if stepID, ok := r.EntryStepMapping[completionType]; ok {
			return stepID, nil
		}
	}
	if r.EntryStep != "" {
		return r.EntryStep, nil
	}
	return "", fmt.Errorf("stepreg: no entry step configured for completion type %q", completionType)
}
