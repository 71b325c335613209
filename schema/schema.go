// Package schema compiles and caches JSON Schemas referenced by a step
// registry's structuredGate.intentSchemaRef and outputSchema fields, and
// validates raw structured output against them before the Gate Interpreter
// or Completion Chain see it (spec.md §7, §9).
//
// Grounded on registry/service.go's validatePayloadJSONAgainstSchema of the
// teacher repository: the same "unmarshal schema doc, AddResource, Compile,
// Validate" shape using github.com/santhosh-tekuri/jsonschema/v6, extended
// here with a per-ref cache so a registry's schemas are compiled once per
// load rather than once per turn.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationFailure reports that a structured output document failed a
// referenced schema's constraints. It is the schema package's half of
// spec.md §7's ValidationFailure row: a recoverable, non-fatal outcome
// rather than a run-ending error. The Orchestrator logs it and re-runs the
// same step without gate interpretation.
type ValidationFailure struct {
	Ref    string
	Cause  error
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("schema: document does not satisfy %q: %v", e.Ref, e.Cause)
}

func (e *ValidationFailure) Unwrap() error { return e.Cause }

// Compiler compiles and caches the JSON Schemas belonging to a single
// registry load. It is not safe for concurrent use, matching the single
// logical thread a registry load and its run execute under (spec.md §5).
type Compiler struct {
	raw     map[string]json.RawMessage
	schemas map[string]*jsonschema.Schema
}

// NewCompiler constructs a Compiler over refs, a map from schema reference
// (as named by a StructuredGate.IntentSchemaRef or StepDefinition.OutputSchema)
// to its raw JSON Schema document. No compilation happens until a ref is
// first requested via Compile or Validate.
func NewCompiler(refs map[string]json.RawMessage) *Compiler {
	raw := make(map[string]json.RawMessage, len(refs))
	for ref, doc := range refs {
		raw[ref] = doc
	}
	return &Compiler{raw: raw, schemas: make(map[string]*jsonschema.Schema)}
}

// Compile returns the compiled schema named by ref, compiling and caching it
// on first use. An empty ref or one absent from the Compiler's registered
// documents is not an error: it reports ok=false so callers can treat
// "no schema configured" as "nothing to validate" (spec.md §4.1's
// intentSchemaRef and §3's outputSchema are both optional).
func (c *Compiler) Compile(ref string) (schema *jsonschema.Schema, ok bool, err error) {
	if ref == "" {
		return nil, false, nil
	}
	if cached, found := c.schemas[ref]; found {
		return cached, true, nil
	}
	doc, found := c.raw[ref]
	if !found {
		return nil, false, nil
	}

	var parsed any
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil, false, fmt.Errorf("schema: unmarshal %q: %w", ref, err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(ref, parsed); err != nil {
		return nil, false, fmt.Errorf("schema: add resource %q: %w", ref, err)
	}
	compiled, err := compiler.Compile(ref)
	if err != nil {
		return nil, false, fmt.Errorf("schema: compile %q: %w", ref, err)
	}

	c.schemas[ref] = compiled
	return compiled, true, nil
}

// Validate checks doc against the schema named by ref. A ref with no
// registered schema document is treated as "nothing to validate" and
// returns nil, matching the optional nature of intentSchemaRef/outputSchema.
// A schema violation is reported as a *ValidationFailure; a malformed
// schema document is reported as a plain error (a registry-load-time
// defect, not a per-turn validation outcome).
func (c *Compiler) Validate(ref string, doc any) error {
	compiled, ok, err := c.Compile(ref)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := compiled.Validate(doc); err != nil {
		return &ValidationFailure{Ref: ref, Cause: err}
	}
	return nil
}
