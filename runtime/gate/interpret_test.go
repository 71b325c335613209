package gate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflowhq/stepflow/runtime/gate"
	"github.com/stepflowhq/stepflow/runtime/stepreg"
)

func TestInterpretWithoutStructuredGateFallsBackToNext(t *testing.T) {
	def := stepreg.StepDefinition{StepID: "initial.issue"}
	interp, err := gate.Interpret(map[string]any{"anything": true}, def)
	require.NoError(t, err)
	assert.Equal(t, stepreg.IntentNext, interp.Intent)
	assert.True(t, interp.UsedFallback)
}

func TestInterpretProbesCommonLocations(t *testing.T) {
	def := stepreg.StepDefinition{
		StepID: "continuation.issue",
		StructuredGate: &stepreg.StructuredGate{
			AllowedIntents: []string{"next", "handoff", "repeat", "abort"},
		},
	}
	interp, err := gate.Interpret(map[string]any{
		"next_action": map[string]any{"action": "continue"},
	}, def)
	require.NoError(t, err)
	assert.Equal(t, stepreg.IntentNext, interp.Intent)
	assert.True(t, interp.Inferred)
}

func TestInterpretNormalizesAliasesCaseInsensitively(t *testing.T) {
	def := stepreg.StepDefinition{
		StepID: "closure.issue",
		StructuredGate: &stepreg.StructuredGate{
			IntentField:    "status",
			AllowedIntents: []string{"closing", "repeat"},
		},
	}
	interp, err := gate.Interpret(map[string]any{"status": "COMPLETED"}, def)
	require.NoError(t, err)
	assert.Equal(t, stepreg.IntentClosing, interp.Intent)
}

func TestInterpretUsesFallbackIntentWhenDisallowed(t *testing.T) {
	def := stepreg.StepDefinition{
		StepID: "initial.issue",
		StructuredGate: &stepreg.StructuredGate{
			IntentField:    "action",
			AllowedIntents: []string{"next", "abort"},
			FallbackIntent: "next",
		},
	}
	interp, err := gate.Interpret(map[string]any{"action": "closing"}, def)
	require.NoError(t, err)
	assert.Equal(t, stepreg.IntentNext, interp.Intent)
	assert.True(t, interp.UsedFallback)
}

func TestInterpretRaisesGateInterpretationErrorWithoutFallback(t *testing.T) {
	def := stepreg.StepDefinition{
		StepID: "initial.issue",
		StructuredGate: &stepreg.StructuredGate{
			IntentField:    "action",
			AllowedIntents: []string{"abort"},
		},
	}
	_, err := gate.Interpret(map[string]any{"action": "closing"}, def)
	require.Error(t, err)
}

func TestInterpretExtractsDottedHandoffFieldsByLastSegment(t *testing.T) {
	def := stepreg.StepDefinition{
		StepID: "initial.issue",
		StructuredGate: &stepreg.StructuredGate{
			IntentField:    "action",
			AllowedIntents: []string{"next"},
			HandoffFields:  []string{"analysis.understanding", "tests.0.passed"},
		},
	}
	interp, err := gate.Interpret(map[string]any{
		"action": "next",
		"analysis": map[string]any{"understanding": "solid"},
		"tests":    []any{map[string]any{"passed": true}},
	}, def)
	require.NoError(t, err)
	assert.Equal(t, "solid", interp.Handoff["understanding"])
	assert.Equal(t, true, interp.Handoff["passed"])
}

func TestInterpretOmitsHandoffWhenNoFieldsMatch(t *testing.T) {
	def := stepreg.StepDefinition{
		StepID: "initial.issue",
		StructuredGate: &stepreg.StructuredGate{
			IntentField:    "action",
			AllowedIntents: []string{"next"},
			HandoffFields:  []string{"missing.path"},
		},
	}
	interp, err := gate.Interpret(map[string]any{"action": "next"}, def)
	require.NoError(t, err)
	assert.Nil(t, interp.Handoff)
}

func TestInterpretResolvesJumpTargetFromProbedPaths(t *testing.T) {
	def := stepreg.StepDefinition{
		StepID: "initial.issue",
		StructuredGate: &stepreg.StructuredGate{
			IntentField:    "action",
			AllowedIntents: []string{"jump"},
		},
	}
	interp, err := gate.Interpret(map[string]any{
		"action": "jump",
		"jump":   map[string]any{"target": "s_review"},
	}, def)
	require.NoError(t, err)
	assert.True(t, interp.HasTarget)
	assert.Equal(t, "s_review", interp.Target)
}

func TestInterpretPicksFirstAvailableReason(t *testing.T) {
	def := stepreg.StepDefinition{
		StepID: "closure.issue",
		StructuredGate: &stepreg.StructuredGate{
			IntentField:    "action",
			AllowedIntents: []string{"closing"},
		},
	}
	interp, err := gate.Interpret(map[string]any{
		"action":      "closing",
		"next_action": map[string]any{"reason": "all checks passed"},
		"reason":      "ignored",
	}, def)
	require.NoError(t, err)
	assert.Equal(t, "all checks passed", interp.Reason)
}
