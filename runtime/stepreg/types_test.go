package stepreg_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflowhq/stepflow/runtime/stepreg"
)

func strp(s string) *string { return &s }

func TestPhaseAndKindDerivation(t *testing.T) {
	cases := []struct {
		stepID string
		phase  stepreg.Phase
		kind   stepreg.Kind
	}{
		{"initial.issue", stepreg.PhaseInitial, stepreg.KindInitial},
		{"continuation.project.preparation", stepreg.PhaseContinuation, stepreg.KindWork},
		{"closure.issue", stepreg.PhaseClosure, stepreg.KindClosure},
		{"section.plan", stepreg.PhaseSection, stepreg.KindSection},
		{"other.verify", stepreg.PhaseOther, stepreg.KindVerification},
	}
	for _, c := range cases {
		d := stepreg.StepDefinition{StepID: c.stepID}
		assert.Equal(t, c.phase, d.Phase(), c.stepID)
		assert.Equal(t, c.kind, d.Kind(), c.stepID)
	}
}

func TestIntentAllowedForKindAbortAlwaysAllowed(t *testing.T) {
	for _, kind := range []stepreg.Kind{stepreg.KindInitial, stepreg.KindWork, stepreg.KindClosure, stepreg.KindVerification, stepreg.KindSection} {
		assert.True(t, stepreg.IntentAllowedForKind(kind, stepreg.IntentAbort))
	}
}

func TestIntentAllowedForKindClosingOnlyClosure(t *testing.T) {
	assert.True(t, stepreg.IntentAllowedForKind(stepreg.KindClosure, stepreg.IntentClosing))
	for _, kind := range []stepreg.Kind{stepreg.KindInitial, stepreg.KindWork, stepreg.KindVerification, stepreg.KindSection} {
		assert.False(t, stepreg.IntentAllowedForKind(kind, stepreg.IntentClosing))
	}
}

func TestIntentAllowedForKindEscalateOnlyVerification(t *testing.T) {
	assert.True(t, stepreg.IntentAllowedForKind(stepreg.KindVerification, stepreg.IntentEscalate))
	assert.False(t, stepreg.IntentAllowedForKind(stepreg.KindWork, stepreg.IntentEscalate))
}

func TestNewRegistryRejectsDuplicateStepID(t *testing.T) {
	_, err := stepreg.NewRegistry([]stepreg.StepDefinition{
		{StepID: "initial.issue"},
		{StepID: "initial.issue"},
	}, "", nil, nil)
	require.Error(t, err)
}

func TestNewRegistryRejectsUnresolvedDirectTarget(t *testing.T) {
	_, err := stepreg.NewRegistry([]stepreg.StepDefinition{
		{
			StepID: "initial.issue",
			Transitions: map[string]stepreg.TransitionRule{
				"next": stepreg.Direct(strp("continuation.missing")),
			},
		},
	}, "", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "continuation.missing")
}

func TestNewRegistryRejectsUnresolvedConditionalTarget(t *testing.T) {
	_, err := stepreg.NewRegistry([]stepreg.StepDefinition{
		{
			StepID: "initial.issue",
			Transitions: map[string]stepreg.TransitionRule{
				"next": stepreg.Conditional("testsPass", map[string]*string{
					"true":  strp("s_review"),
					"false": strp("s_fix"),
				}),
			},
		},
		{StepID: "s_review"},
	}, "", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s_fix")
}

func TestNewRegistryAcceptsTerminalNilTargets(t *testing.T) {
	reg, err := stepreg.NewRegistry([]stepreg.StepDefinition{
		{
			StepID: "closure.issue",
			Transitions: map[string]stepreg.TransitionRule{
				"next": stepreg.Direct(nil),
			},
		},
	}, "closure.issue", nil, nil)
	require.NoError(t, err)
	step, ok := reg.Get("closure.issue")
	require.True(t, ok)
	rule := step.Transitions["next"]
	assert.Nil(t, rule.Target)
}

func TestEntryStepForPrefersMapping(t *testing.T) {
	reg, err := stepreg.NewRegistry([]stepreg.StepDefinition{
		{StepID: "initial.issue"},
		{StepID: "initial.iterate"},
	}, "initial.issue", map[string]string{"iterate": "initial.iterate"}, nil)
	require.NoError(t, err)

	stepID, err := reg.EntryStepFor("iterate")
	require.NoError(t, err)
	assert.Equal(t, "initial.iterate", stepID)

	stepID, err = reg.EntryStepFor("issue")
	require.NoError(t, err)
	assert.Equal(t, "initial.issue", stepID)
}

func TestEntryStepForErrorsWithoutAnyEntry(t *testing.T) {
	reg, err := stepreg.NewRegistry(nil, "", nil, nil)
	require.NoError(t, err)
	_, err = reg.EntryStepFor("issue")
	assert.Error(t, err)
}
