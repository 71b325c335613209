// Package retry implements the Retry Executor (C5): exact exponential
// backoff over a classified-error taxonomy, and the three predefined retry
// policies spec.md §4.4 names.
//
// Grounded on runtime/a2a/retry/retry.go of the teacher repository: the same
// attempt-loop-with-calculateBackoff shape, generalized from a single
// IsRetryable predicate to the spec's {category, recoverable} classification
// and made generic over the executed function's return type.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/stepflowhq/stepflow/runtime/model"
)

// Policy configures ExecuteWithRetry (spec.md §4.4 "Predefined policies").
type Policy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	RetryableCategories map[model.ErrorCategory]bool
}

// DEFAULT is the standard policy: 3 retries, 1s initial delay doubling up to
// 30s, retrying NETWORK, API, and INTERNAL failures.
var DEFAULT = Policy{
	MaxRetries:        3,
	InitialDelay:      time.Second,
	MaxDelay:          30 * time.Second,
	BackoffMultiplier: 2,
	RetryableCategories: map[model.ErrorCategory]bool{
		model.CategoryNetwork:  true,
		model.CategoryAPI:      true,
		model.CategoryInternal: true,
	},
}

// NONE disables retrying entirely.
var NONE = Policy{
	MaxRetries:          0,
	RetryableCategories: map[model.ErrorCategory]bool{},
}

// AGGRESSIVE retries more eagerly: 5 retries, 500ms initial delay doubling
// up to 60s, same retryable categories as DEFAULT.
var AGGRESSIVE = Policy{
	MaxRetries:        5,
	InitialDelay:      500 * time.Millisecond,
	MaxDelay:          60 * time.Second,
	BackoffMultiplier: 2,
	RetryableCategories: map[model.ErrorCategory]bool{
		model.CategoryNetwork:  true,
		model.CategoryAPI:      true,
		model.CategoryInternal: true,
	},
}

// Classifier converts a raw error into a ClassifiedError (spec.md §4.4
// "Error classifier").
type Classifier func(err error) *model.ClassifiedError

// OnRetry is invoked before each sleep, given the attempt number (0-indexed),
// the computed delay, and the classification that triggered the retry.
type OnRetry func(attempt int, delay time.Duration, classified *model.ClassifiedError)

// ExecuteWithRetry invokes fn, retrying on classified, recoverable,
// policy-eligible failures with exact exponential backoff (spec.md §4.4
// "Semantics"). ctx governs cancellation during the backoff sleep; fn
// itself is responsible for honoring ctx during its own work.
func ExecuteWithRetry[T any](ctx context.Context, fn func(ctx context.Context) (T, error), classify Classifier, policy Policy, onRetry OnRetry) (T, error) {
	var zero T
	attempt := 0
	for {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		classified := classify(err)
		if !shouldRetry(attempt, classified, policy) {
			return zero, err
		}

		delay := calculateDelay(policy, attempt)
		if onRetry != nil {
			onRetry(attempt, delay, classified)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		attempt++
	}
}

// shouldRetry implements spec.md §4.4's shouldRetry decision table.
func shouldRetry(attempt int, classified *model.ClassifiedError, policy Policy) bool {
	if attempt >= policy.MaxRetries {
		return false
	}
	if classified == nil || !classified.Recoverable {
		return false
	}
	return policy.RetryableCategories[classified.Category]
}

// calculateDelay computes min(initialDelay * multiplier^attempt, maxDelay),
// exactly (spec.md §4.4 "Otherwise compute delay"; §8's testable properties
// require calculateDelay(0, p) == p.initialDelay and calculateDelay(a, p) <=
// p.maxDelay for every attempt, both of which a jittered delay would
// violate).
func calculateDelay(policy Policy, attempt int) time.Duration {
	delay := float64(policy.InitialDelay) * math.Pow(policy.BackoffMultiplier, float64(attempt))
	if delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}
	return time.Duration(delay)
}
