package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflowhq/stepflow/runtime/model"
	"github.com/stepflowhq/stepflow/runtime/retry"
)

func classifyAlwaysRecoverableNetwork(err error) *model.ClassifiedError {
	return &model.ClassifiedError{Category: model.CategoryNetwork, Recoverable: true, Original: err}
}

func classifyNonRecoverable(err error) *model.ClassifiedError {
	return &model.ClassifiedError{Category: model.CategoryInput, Recoverable: false, Original: err}
}

func TestExecuteWithRetrySucceedsWithoutRetryOnFirstTry(t *testing.T) {
	calls := 0
	result, err := retry.ExecuteWithRetry(context.Background(),
		func(ctx context.Context) (int, error) {
			calls++
			return 42, nil
		}, classifyAlwaysRecoverableNetwork, retry.DEFAULT, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithRetryRetriesRecoverableFailureUntilSuccess(t *testing.T) {
	calls := 0
	var retriedAttempts []int
	result, err := retry.ExecuteWithRetry(context.Background(),
		func(ctx context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("boom")
			}
			return "ok", nil
		}, classifyAlwaysRecoverableNetwork, withZeroDelay(retry.DEFAULT), func(attempt int, delay time.Duration, classified *model.ClassifiedError) {
			retriedAttempts = append(retriedAttempts, attempt)
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{0, 1}, retriedAttempts)
}

func TestExecuteWithRetryStopsAfterMaxRetriesAndReturnsLastError(t *testing.T) {
	calls := 0
	sentinel := errors.New("persistent failure")
	_, err := retry.ExecuteWithRetry(context.Background(),
		func(ctx context.Context) (int, error) {
			calls++
			return 0, sentinel
		}, classifyAlwaysRecoverableNetwork, withZeroDelay(retry.Policy{MaxRetries: 2, RetryableCategories: map[model.ErrorCategory]bool{model.CategoryNetwork: true}}), nil)
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestExecuteWithRetryDoesNotRetryNonRecoverableErrors(t *testing.T) {
	calls := 0
	_, err := retry.ExecuteWithRetry(context.Background(),
		func(ctx context.Context) (int, error) {
			calls++
			return 0, errors.New("bad input")
		}, classifyNonRecoverable, retry.DEFAULT, nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithRetryDoesNotRetryCategoryOutsidePolicy(t *testing.T) {
	calls := 0
	classify := func(err error) *model.ClassifiedError {
		return &model.ClassifiedError{Category: model.CategoryInput, Recoverable: true, Original: err}
	}
	_, err := retry.ExecuteWithRetry(context.Background(),
		func(ctx context.Context) (int, error) {
			calls++
			return 0, errors.New("x")
		}, classify, retry.DEFAULT, nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestNonePolicyNeverRetries(t *testing.T) {
	calls := 0
	_, err := retry.ExecuteWithRetry(context.Background(),
		func(ctx context.Context) (int, error) {
			calls++
			return 0, errors.New("x")
		}, classifyAlwaysRecoverableNetwork, retry.NONE, nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithRetryHonorsContextCancellationDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := retry.ExecuteWithRetry(ctx,
		func(ctx context.Context) (int, error) {
			return 0, errors.New("boom")
		}, classifyAlwaysRecoverableNetwork, retry.DEFAULT, nil)
	require.ErrorIs(t, err, context.Canceled)
}

// withZeroDelay returns a copy of p with its delays zeroed, so tests don't
// wait on real backoff sleeps.
func withZeroDelay(p retry.Policy) retry.Policy {
	p.InitialDelay = 0
	p.MaxDelay = 0
	return p
}
