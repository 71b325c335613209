package stepflowerrors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stepflowhq/stepflow/stepflowerrors"
)

func TestGateInterpretationErrorMessageDistinguishesNoCandidateFromDisallowed(t *testing.T) {
	noCandidate := stepflowerrors.NewGateInterpretationError("initial.issue", "", []string{"next"}, nil)
	assert.Contains(t, noCandidate.Error(), "no intent could be extracted")

	disallowed := stepflowerrors.NewGateInterpretationError("initial.issue", "escalate", []string{"next"}, nil)
	assert.Contains(t, disallowed.Error(), `intent "escalate"`)
}

func TestGateInterpretationErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("malformed json")
	err := stepflowerrors.NewGateInterpretationError("initial.issue", "", nil, cause)
	assert.ErrorIs(t, err, cause)
}

func TestRoutingErrorDistinguishesMissingTargetFromDisallowedIntent(t *testing.T) {
	missingTarget := &stepflowerrors.RoutingError{StepID: "a", Target: "b", Reason: "not in registry"}
	assert.Contains(t, missingTarget.Error(), `target "b" does not exist`)

	disallowed := &stepflowerrors.RoutingError{StepID: "a", StepKind: "work", Intent: "escalate", Reason: "not in allowed set"}
	assert.Contains(t, disallowed.Error(), `intent "escalate" is not permitted`)
}

func TestAgentMaxIterationsErrorReportsTheConfiguredBudget(t *testing.T) {
	err := &stepflowerrors.AgentMaxIterationsError{MaxIterations: 100}
	assert.Contains(t, err.Error(), "100")
}

func TestAgentCancelledUnwrapsTheContextCause(t *testing.T) {
	cause := errors.New("context deadline exceeded")
	err := &stepflowerrors.AgentCancelled{Cause: cause}
	assert.ErrorIs(t, err, cause)
}
