package schema_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflowhq/stepflow/schema"
)

const issueGateSchema = `{
	"type": "object",
	"required": ["intent"],
	"properties": {
		"intent": {"type": "string", "enum": ["next", "closing", "repeat"]}
	}
}`

func TestValidateAcceptsConformingDocument(t *testing.T) {
	c := schema.NewCompiler(map[string]json.RawMessage{
		"issue-gate": json.RawMessage(issueGateSchema),
	})

	err := c.Validate("issue-gate", map[string]any{"intent": "next"})
	assert.NoError(t, err)
}

func TestValidateRejectsNonConformingDocumentAsValidationFailure(t *testing.T) {
	c := schema.NewCompiler(map[string]json.RawMessage{
		"issue-gate": json.RawMessage(issueGateSchema),
	})

	err := c.Validate("issue-gate", map[string]any{"intent": "teleport"})
	require.Error(t, err)
	var failure *schema.ValidationFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "issue-gate", failure.Ref)
}

func TestValidateWithEmptyRefIsANoOp(t *testing.T) {
	c := schema.NewCompiler(nil)
	err := c.Validate("", map[string]any{"anything": true})
	assert.NoError(t, err)
}

func TestValidateWithUnregisteredRefIsANoOp(t *testing.T) {
	c := schema.NewCompiler(map[string]json.RawMessage{
		"issue-gate": json.RawMessage(issueGateSchema),
	})
	err := c.Validate("never-registered", map[string]any{"intent": "next"})
	assert.NoError(t, err)
}

func TestCompileCachesCompiledSchemaAcrossCalls(t *testing.T) {
	c := schema.NewCompiler(map[string]json.RawMessage{
		"issue-gate": json.RawMessage(issueGateSchema),
	})

	first, ok, err := c.Compile("issue-gate")
	require.NoError(t, err)
	require.True(t, ok)

	second, ok, err := c.Compile("issue-gate")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Same(t, first, second)
}

func TestCompileReportsMalformedSchemaDocumentAsPlainError(t *testing.T) {
	c := schema.NewCompiler(map[string]json.RawMessage{
		"broken": json.RawMessage(`{not valid json`),
	})
	_, ok, err := c.Compile("broken")
	assert.False(t, ok)
	require.Error(t, err)
	var failure *schema.ValidationFailure
	assert.False(t, errors.As(err, &failure), "a malformed schema document is a load-time error, not a ValidationFailure")
}
