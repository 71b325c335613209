package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/stepflowhq/stepflow/runtime/model"
)

// pattern is one ordered rule in the default classifier (spec.md §4.4
// "Error classifier"): a predicate over the raw error paired with the
// classification to produce when it matches.
type pattern struct {
	name      string
	matches   func(err error) bool
	category  model.ErrorCategory
	recoverable bool
	guidance  string
}

// rateLimitOrNetworkPhrases are substrings of an error's message recognized
// as transient provider or transport trouble when no typed error matches.
var rateLimitOrNetworkPhrases = []string{"rate limit", "too many requests", "connection reset", "connection refused", "timeout", "temporary failure"}

var environmentPhrases = []string{"permission denied", "sandbox", "read-only file system", "disk quota"}

// DefaultPatterns is the ordered rule set Classify applies.
var DefaultPatterns = []pattern{
	{
		name: "context-cancelled",
		matches: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
		category: model.CategoryInternal, recoverable: false,
		guidance: "operation was cancelled",
	},
	{
		name: "context-deadline",
		matches: func(err error) bool {
			return errors.Is(err, context.DeadlineExceeded)
		},
		category: model.CategoryNetwork, recoverable: true,
		guidance: "operation timed out",
	},
	{
		name: "net-error",
		matches: func(err error) bool {
			var netErr net.Error
			return errors.As(err, &netErr)
		},
		category: model.CategoryNetwork, recoverable: true,
		guidance: "network error communicating with the model provider",
	},
	{
		name: "dns-error",
		matches: func(err error) bool {
			var dnsErr *net.DNSError
			return errors.As(err, &dnsErr)
		},
		category: model.CategoryNetwork, recoverable: true,
		guidance: "DNS resolution failure",
	},
	{
		name: "environment",
		matches: func(err error) bool {
			return containsAny(err.Error(), environmentPhrases)
		},
		category: model.CategoryEnvironment, recoverable: false,
		guidance: "execution environment rejected the operation",
	},
	{
		name: "rate-limited-sentinel",
		matches: func(err error) bool {
			return errors.Is(err, model.ErrRateLimited)
		},
		category: model.CategoryAPI, recoverable: true,
		guidance: "provider rate limit reached",
	},
	{
		name: "rate-limit-or-network-phrase",
		matches: func(err error) bool {
			return containsAny(err.Error(), rateLimitOrNetworkPhrases)
		},
		category: model.CategoryAPI, recoverable: true,
		guidance: "provider reported a transient failure",
	},
}

func containsAny(haystack string, needles []string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// Classify converts a raw dispatch error into a ClassifiedError by matching
// DefaultPatterns in order; the first match wins. Errors matching nothing
// fall back to CategoryUnknown, non-recoverable (spec.md §4.4 "Error
// classifier").
func Classify(err error) *model.ClassifiedError {
	if err == nil {
		return nil
	}
	for _, p := range DefaultPatterns {
		if p.matches(err) {
			return &model.ClassifiedError{
				Category:       p.category,
				Recoverable:    p.recoverable,
				Guidance:       p.guidance,
				MatchedPattern: p.name,
				Original:       err,
			}
		}
	}
	return &model.ClassifiedError{
		Category:    model.CategoryUnknown,
		Recoverable: false,
		Guidance:    "unrecognized failure",
		Original:    err,
	}
}

// bedrockThrottleCodes are the smithy.APIError codes the AWS Bedrock
// Converse API returns for throttling, distinct from the HTTP-level 429
// dispatch/bedrock also watches for.
var bedrockThrottleCodes = map[string]bool{
	"ThrottlingException":     true,
	"TooManyRequestsException": true,
}

// bedrockInputCodes are the smithy.APIError codes that indicate the caller's
// request was malformed rather than a transient provider condition.
var bedrockInputCodes = map[string]bool{
	"ValidationException":  true,
	"ModelErrorException":  true,
}

// ClassifyBedrockError specializes Classify for errors surfaced by
// dispatch/bedrock: it recognizes the AWS smithy-go typed error shapes
// (smithy.APIError error codes, a 429 smithy-go/transport/http.ResponseError)
// the generic substring-matching patterns in DefaultPatterns cannot see,
// grounded on features/model/bedrock/client.go's isRateLimited. Errors it
// does not recognize fall through to Classify.
func ClassifyBedrockError(err error) *model.ClassifiedError {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch {
		case bedrockThrottleCodes[apiErr.ErrorCode()]:
			return &model.ClassifiedError{
				Category: model.CategoryAPI, Recoverable: true,
				Guidance: "bedrock throttled the request", MatchedPattern: "bedrock-throttle",
				Original: err,
			}
		case bedrockInputCodes[apiErr.ErrorCode()]:
			return &model.ClassifiedError{
				Category: model.CategoryInput, Recoverable: false,
				Guidance: "bedrock rejected the request", MatchedPattern: "bedrock-input",
				Original: err,
			}
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return &model.ClassifiedError{
			Category: model.CategoryAPI, Recoverable: true,
			Guidance: "bedrock returned HTTP 429", MatchedPattern: "bedrock-http-429",
			Original: err,
		}
	}
	return Classify(err)
}
