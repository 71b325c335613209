package router_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflowhq/stepflow/runtime/gate"
	"github.com/stepflowhq/stepflow/runtime/router"
	"github.com/stepflowhq/stepflow/runtime/stepreg"
)

func strp(s string) *string { return &s }

func mustRegistry(t *testing.T, steps []stepreg.StepDefinition) *stepreg.Registry {
	t.Helper()
	reg, err := stepreg.NewRegistry(steps, "", nil, nil)
	require.NoError(t, err)
	return reg
}

func TestRouteClosingAlwaysTerminalAtClosureStep(t *testing.T) {
	step := stepreg.StepDefinition{StepID: "closure.issue"}
	reg := mustRegistry(t, []stepreg.StepDefinition{step})

	result, err := router.Route("closure.issue", step, gate.Interpretation{Intent: stepreg.IntentClosing}, reg)
	require.NoError(t, err)
	assert.True(t, result.SignalCompletion)
	assert.Equal(t, "closure.issue", result.NextStepID)
}

func TestRouteNextWithNilTargetSignalsCompletion(t *testing.T) {
	step := stepreg.StepDefinition{
		StepID: "continuation.issue",
		Transitions: map[string]stepreg.TransitionRule{
			"next": stepreg.Direct(nil),
		},
	}
	reg := mustRegistry(t, []stepreg.StepDefinition{step})

	result, err := router.Route("continuation.issue", step, gate.Interpretation{Intent: stepreg.IntentNext}, reg)
	require.NoError(t, err)
	assert.True(t, result.SignalCompletion)
}

func TestRouteRepeatOnClosureUsesRepeatTransition(t *testing.T) {
	step := stepreg.StepDefinition{
		StepID: "closure.issue",
		Transitions: map[string]stepreg.TransitionRule{
			"repeat": stepreg.Direct(strp("continuation.issue")),
		},
	}
	reg := mustRegistry(t, []stepreg.StepDefinition{step, {StepID: "continuation.issue"}})

	result, err := router.Route("closure.issue", step, gate.Interpretation{Intent: stepreg.IntentRepeat, Reason: "fix type errors"}, reg)
	require.NoError(t, err)
	assert.Equal(t, "continuation.issue", result.NextStepID)
	assert.False(t, result.SignalCompletion)
}

func TestRouteConditionalTransitionSelectsByHandoffValue(t *testing.T) {
	step := stepreg.StepDefinition{
		StepID: "initial.issue",
		Transitions: map[string]stepreg.TransitionRule{
			"next": stepreg.Conditional("testsPass", map[string]*string{
				"true":  strp("s_review"),
				"false": strp("s_fix"),
			}),
		},
	}
	reg := mustRegistry(t, []stepreg.StepDefinition{step, {StepID: "s_review"}, {StepID: "s_fix"}})

	result, err := router.Route("initial.issue", step, gate.Interpretation{
		Intent:  stepreg.IntentNext,
		Handoff: map[string]any{"testsPass": false},
	}, reg)
	require.NoError(t, err)
	assert.Equal(t, "s_fix", result.NextStepID)
}

func TestRouteIllegalIntentForStepKindRaisesRoutingError(t *testing.T) {
	step := stepreg.StepDefinition{StepID: "initial.issue"}
	reg := mustRegistry(t, []stepreg.StepDefinition{step})

	_, err := router.Route("initial.issue", step, gate.Interpretation{Intent: stepreg.IntentClosing}, reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial")
	assert.Contains(t, err.Error(), "closing")
}

func TestRouteDefaultInitialToContinuationFallback(t *testing.T) {
	step := stepreg.StepDefinition{StepID: "initial.issue"}
	reg := mustRegistry(t, []stepreg.StepDefinition{step, {StepID: "continuation.issue"}})

	result, err := router.Route("initial.issue", step, gate.Interpretation{Intent: stepreg.IntentNext}, reg)
	require.NoError(t, err)
	assert.Equal(t, "continuation.issue", result.NextStepID)
	assert.False(t, result.SignalCompletion)
}

func TestRouteDefaultFallbackSignalsCompletionWhenNoContinuationExists(t *testing.T) {
	step := stepreg.StepDefinition{StepID: "initial.issue"}
	reg := mustRegistry(t, []stepreg.StepDefinition{step})

	result, err := router.Route("initial.issue", step, gate.Interpretation{Intent: stepreg.IntentNext}, reg)
	require.NoError(t, err)
	assert.True(t, result.SignalCompletion)
}

func TestRouteHandoffWithoutTransitionSignalsCompletionWithWarning(t *testing.T) {
	step := stepreg.StepDefinition{StepID: "continuation.issue"}
	reg := mustRegistry(t, []stepreg.StepDefinition{step})

	result, err := router.Route("continuation.issue", step, gate.Interpretation{Intent: stepreg.IntentHandoff}, reg)
	require.NoError(t, err)
	assert.True(t, result.SignalCompletion)
	assert.NotEmpty(t, result.Warning)
}

func TestRouteHandoffFromInitialStepWarnsButProceeds(t *testing.T) {
	step := stepreg.StepDefinition{
		StepID: "initial.issue",
		Transitions: map[string]stepreg.TransitionRule{
			"handoff": stepreg.Direct(strp("closure.issue")),
		},
	}
	reg := mustRegistry(t, []stepreg.StepDefinition{step, {StepID: "closure.issue"}})

	result, err := router.Route("initial.issue", step, gate.Interpretation{Intent: stepreg.IntentHandoff}, reg)
	require.NoError(t, err)
	assert.Equal(t, "closure.issue", result.NextStepID)
	assert.Contains(t, result.Warning, "initial")
}

func TestRouteEscalateRequiresStaticTransition(t *testing.T) {
	step := stepreg.StepDefinition{StepID: "other.verify"}
	reg := mustRegistry(t, []stepreg.StepDefinition{step})

	_, err := router.Route("other.verify", step, gate.Interpretation{Intent: stepreg.IntentEscalate}, reg)
	require.Error(t, err)
}

func TestRouteJumpRequiresExistingTarget(t *testing.T) {
	step := stepreg.StepDefinition{StepID: "initial.issue"}
	reg := mustRegistry(t, []stepreg.StepDefinition{step})

	_, err := router.Route("initial.issue", step, gate.Interpretation{Intent: stepreg.IntentJump, HasTarget: true, Target: "missing"}, reg)
	require.Error(t, err)
}

func TestRouteAbortAlwaysAllowedAndTerminal(t *testing.T) {
	step := stepreg.StepDefinition{StepID: "closure.issue"}
	reg := mustRegistry(t, []stepreg.StepDefinition{step})

	result, err := router.Route("closure.issue", step, gate.Interpretation{Intent: stepreg.IntentAbort}, reg)
	require.NoError(t, err)
	assert.True(t, result.SignalCompletion)
}
