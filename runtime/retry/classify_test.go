package retry_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"

	"github.com/stepflowhq/stepflow/runtime/model"
	"github.com/stepflowhq/stepflow/runtime/retry"
)

func TestClassifyContextDeadlineIsRecoverableNetwork(t *testing.T) {
	classified := retry.Classify(context.DeadlineExceeded)
	assert.Equal(t, model.CategoryNetwork, classified.Category)
	assert.True(t, classified.Recoverable)
}

func TestClassifyContextCancelledIsNotRecoverable(t *testing.T) {
	classified := retry.Classify(context.Canceled)
	assert.False(t, classified.Recoverable)
}

func TestClassifyEnvironmentPhraseIsNotRecoverable(t *testing.T) {
	classified := retry.Classify(errors.New("write /tmp/out: permission denied"))
	assert.Equal(t, model.CategoryEnvironment, classified.Category)
	assert.False(t, classified.Recoverable)
}

func TestClassifyRateLimitPhraseIsRecoverableAPI(t *testing.T) {
	classified := retry.Classify(errors.New("provider returned: rate limit exceeded"))
	assert.Equal(t, model.CategoryAPI, classified.Category)
	assert.True(t, classified.Recoverable)
}

func TestClassifyUnrecognizedErrorFallsBackToUnknown(t *testing.T) {
	classified := retry.Classify(errors.New("something truly novel"))
	assert.Equal(t, model.CategoryUnknown, classified.Category)
	assert.False(t, classified.Recoverable)
}

func TestClassifyNilErrorReturnsNil(t *testing.T) {
	assert.Nil(t, retry.Classify(nil))
}

func TestClassifyRateLimitedSentinelIsRecoverableAPI(t *testing.T) {
	classified := retry.Classify(fmt.Errorf("dispatch/anthropic: %w", model.ErrRateLimited))
	assert.Equal(t, model.CategoryAPI, classified.Category)
	assert.True(t, classified.Recoverable)
}

func TestClassifyBedrockErrorRecognizesThrottlingExceptionAsRecoverableAPI(t *testing.T) {
	classified := retry.ClassifyBedrockError(&smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"})
	assert.Equal(t, model.CategoryAPI, classified.Category)
	assert.True(t, classified.Recoverable)
}

func TestClassifyBedrockErrorRecognizesValidationExceptionAsNonRecoverableInput(t *testing.T) {
	classified := retry.ClassifyBedrockError(&smithy.GenericAPIError{Code: "ValidationException", Message: "bad payload"})
	assert.Equal(t, model.CategoryInput, classified.Category)
	assert.False(t, classified.Recoverable)
}

func TestClassifyBedrockErrorFallsBackToClassifyForUntypedErrors(t *testing.T) {
	classified := retry.ClassifyBedrockError(errors.New("provider returned: rate limit exceeded"))
	assert.Equal(t, model.CategoryAPI, classified.Category)
	assert.True(t, classified.Recoverable)
}

func TestClassifyBedrockErrorNilReturnsNil(t *testing.T) {
	assert.Nil(t, retry.ClassifyBedrockError(nil))
}
