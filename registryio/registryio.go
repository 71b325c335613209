// Package registryio loads a step registry document from disk into a
// stepreg.Registry (spec.md §6 "Registry file format (abstract)"). Agent
// definition file I/O is explicitly outside the core's scope (spec.md §1);
// this package is the external collaborator that produces the Registry the
// core actually consumes.
//
// Grounded on integration_tests/framework/runner.go's LoadScenarios of the
// teacher repository: read the whole file with os.ReadFile, unmarshal with
// gopkg.in/yaml.v3 (YAML is a JSON superset, so the same decoder handles
// both extensions' documents once the bytes are in hand for JSON, and the
// dedicated json.Unmarshal path is kept for .json files to surface
// JSON-specific syntax errors).
package registryio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stepflowhq/stepflow/runtime/stepreg"
	"github.com/stepflowhq/stepflow/schema"
)

// document mirrors spec.md §6's abstract registry file shape.
type document struct {
	AgentID          string                    `json:"agentId" yaml:"agentId"`
	Version          string                    `json:"version" yaml:"version"`
	Steps            map[string]stepDoc        `json:"steps" yaml:"steps"`
	EntryStep        string                    `json:"entryStep,omitempty" yaml:"entryStep,omitempty"`
	EntryStepMapping map[string]string         `json:"entryStepMapping,omitempty" yaml:"entryStepMapping,omitempty"`
	CompletionSteps  map[string]string         `json:"completionSteps,omitempty" yaml:"completionSteps,omitempty"`
	// Schemas maps a schema reference (as named by a step's outputSchema or
	// structuredGate.intentSchemaRef) to its raw JSON Schema document.
	// Decoded as a generic map rather than json.RawMessage so the same field
	// works under both the JSON and YAML decoders; build re-encodes each
	// entry to feed package schema's Compiler.
	Schemas map[string]map[string]any `json:"schemas,omitempty" yaml:"schemas,omitempty"`
}

type stepDoc struct {
	Name                 string                   `json:"name,omitempty" yaml:"name,omitempty"`
	FallbackKey          string                   `json:"fallbackKey,omitempty" yaml:"fallbackKey,omitempty"`
	Edition              string                   `json:"edition,omitempty" yaml:"edition,omitempty"`
	UVVariables          []string                 `json:"uvVariables,omitempty" yaml:"uvVariables,omitempty"`
	StructuredGate       *structuredGateDoc       `json:"structuredGate,omitempty" yaml:"structuredGate,omitempty"`
	Transitions          map[string]transitionDoc `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	CompletionConditions []map[string]any         `json:"completionConditions,omitempty" yaml:"completionConditions,omitempty"`
	OnFailure            map[string]any           `json:"onFailure,omitempty" yaml:"onFailure,omitempty"`
	OutputSchema         string                   `json:"outputSchema,omitempty" yaml:"outputSchema,omitempty"`
}

type structuredGateDoc struct {
	AllowedIntents  []string `json:"allowedIntents" yaml:"allowedIntents"`
	IntentField     string   `json:"intentField,omitempty" yaml:"intentField,omitempty"`
	TargetField     string   `json:"targetField,omitempty" yaml:"targetField,omitempty"`
	HandoffFields   []string `json:"handoffFields,omitempty" yaml:"handoffFields,omitempty"`
	FallbackIntent  string   `json:"fallbackIntent,omitempty" yaml:"fallbackIntent,omitempty"`
	IntentSchemaRef string   `json:"intentSchemaRef,omitempty" yaml:"intentSchemaRef,omitempty"`
}

// transitionDoc decodes either TransitionRule variant (spec.md §9 "Tagged
// variant TransitionRule"): a Direct rule carries only target (nil meaning
// terminal, whether omitted or explicit null); a Conditional rule carries
// condition and targets.
type transitionDoc struct {
	Target    *string            `json:"target,omitempty" yaml:"target,omitempty"`
	Condition string             `json:"condition,omitempty" yaml:"condition,omitempty"`
	Targets   map[string]*string `json:"targets,omitempty" yaml:"targets,omitempty"`
}

// Load reads the registry document at path, deciding its format from its
// extension (.yaml/.yml vs .json, defaulting to JSON), and builds a
// stepreg.Registry via stepreg.NewRegistry, which independently validates
// every static inter-step reference at load time (spec.md §6).
func Load(path string) (*stepreg.Registry, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- caller-provided registry path, not user input
	if err != nil {
		return nil, fmt.Errorf("registryio: read %q: %w", path, err)
	}
	return Parse(data, path)
}

// Parse builds a stepreg.Registry from an in-memory document, given a name
// used only to select the decoder by extension (".yaml"/".yml" vs JSON) and
// for error messages. Exposed separately from Load so callers that already
// have the bytes (an embedded asset, a fetched config blob) don't need a
// filesystem round-trip.
func Parse(data []byte, name string) (*stepreg.Registry, error) {
	var doc document
	var err error
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("registryio: parse %q: %w", name, err)
	}
	return build(doc)
}

func build(doc document) (*stepreg.Registry, error) {
	steps := make([]stepreg.StepDefinition, 0, len(doc.Steps))
	for stepID, s := range doc.Steps {
		def := stepreg.StepDefinition{
			StepID:               stepID,
			Name:                 s.Name,
			FallbackKey:          s.FallbackKey,
			Edition:              s.Edition,
			UVVariables:          s.UVVariables,
			CompletionConditions: s.CompletionConditions,
			OnFailure:            s.OnFailure,
			OutputSchema:         s.OutputSchema,
		}
		if s.StructuredGate != nil {
			def.StructuredGate = &stepreg.StructuredGate{
				AllowedIntents:  s.StructuredGate.AllowedIntents,
				IntentField:     s.StructuredGate.IntentField,
				TargetField:     s.StructuredGate.TargetField,
				HandoffFields:   s.StructuredGate.HandoffFields,
				FallbackIntent:  s.StructuredGate.FallbackIntent,
				IntentSchemaRef: s.StructuredGate.IntentSchemaRef,
			}
		}
		if len(s.Transitions) > 0 {
			def.Transitions = make(map[string]stepreg.TransitionRule, len(s.Transitions))
			for intent, t := range s.Transitions {
				if t.Condition != "" || t.Targets != nil {
					def.Transitions[intent] = stepreg.Conditional(t.Condition, t.Targets)
				} else {
					def.Transitions[intent] = stepreg.Direct(t.Target)
				}
			}
		}
		steps = append(steps, def)
	}
	// Map iteration order is randomized; sort for a deterministic Registry
	// regardless of decode order.
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepID < steps[j].StepID })

	reg, err := stepreg.NewRegistry(steps, doc.EntryStep, doc.EntryStepMapping, doc.CompletionSteps)
	if err != nil {
		return nil, err
	}
	reg.AgentID = doc.AgentID
	reg.Version = doc.Version

	rawSchemas := make(map[string]json.RawMessage, len(doc.Schemas))
	for ref, body := range doc.Schemas {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("registryio: marshal schema %q: %w", ref, err)
		}
		rawSchemas[ref] = encoded
	}
	reg.Schemas = schema.NewCompiler(rawSchemas)

	return reg, nil
}
