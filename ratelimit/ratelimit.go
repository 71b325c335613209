// Package ratelimit wraps an orchestrator.Dispatcher with an adaptive,
// process-local token-bucket limiter (spec.md §11.4 in the full
// specification's domain stack).
//
// Grounded on features/model/middleware/ratelimit.go of the teacher
// repository: the same AIMD shape over golang.org/x/time/rate, an estimated
// token cost gating WaitN, and a halved-on-failure / additive-on-success
// budget. The teacher's cluster coordination (goa.design/pulse/rmap +
// Redis, shared TPM across processes) is dropped here -- see DESIGN.md --
// since spec.md §5 runs a single workflow per process and has no
// cross-process budget to coordinate.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/stepflowhq/stepflow/runtime/model"
	"github.com/stepflowhq/stepflow/runtime/orchestrator"
	"github.com/stepflowhq/stepflow/runtime/retry"
)

// Limiter applies an AIMD-style adaptive token bucket in front of a
// Dispatcher. It estimates the token cost of each turn's prompt, blocks
// until budget is available, and adjusts its effective tokens-per-minute
// ceiling in response to API-classified dispatch failures.
type Limiter struct {
	mu sync.Mutex

	rateLimiter *rate.Limiter

	currentTPM float64
	minTPM     float64
	maxTPM     float64

	recoveryRate float64

	classify retry.Classifier

	onBackoff func(newTPM float64)
	onProbe   func(newTPM float64)
}

type limitedDispatcher struct {
	next    orchestrator.Dispatcher
	limiter *Limiter
}

// New constructs a Limiter with a tokens-per-minute budget. initialTPM
// defaults to 60000 when non-positive; maxTPM is clamped up to initialTPM
// when it is lower.
func New(initialTPM, maxTPM float64) *Limiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}

	return &Limiter{
		rateLimiter:  rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
		classify:     retry.Classify,
	}
}

// WithClassifier overrides the classifier used to decide whether a dispatch
// failure should trigger a backoff. retry.Classify is used by default.
func (l *Limiter) WithClassifier(classify retry.Classifier) *Limiter {
	l.mu.Lock()
	l.classify = classify
	l.mu.Unlock()
	return l
}

// OnBackoff registers a callback invoked whenever the limiter halves its
// budget in response to a rate-limited dispatch.
func (l *Limiter) OnBackoff(fn func(newTPM float64)) {
	l.mu.Lock()
	l.onBackoff = fn
	l.mu.Unlock()
}

// OnProbe registers a callback invoked whenever the limiter raises its
// budget after a successful dispatch.
func (l *Limiter) OnProbe(fn func(newTPM float64)) {
	l.mu.Lock()
	l.onProbe = fn
	l.mu.Unlock()
}

// CurrentTPM reports the limiter's current effective tokens-per-minute
// budget.
func (l *Limiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// Middleware returns a Dispatcher decorator enforcing this limiter's budget.
func (l *Limiter) Middleware() func(orchestrator.Dispatcher) orchestrator.Dispatcher {
	return func(next orchestrator.Dispatcher) orchestrator.Dispatcher {
		if next == nil {
			return nil
		}
		return &limitedDispatcher{next: next, limiter: l}
	}
}

// Run enforces the limiter before delegating to the wrapped Dispatcher.
func (d *limitedDispatcher) Run(ctx context.Context, prompt orchestrator.ResolvedPrompt) (model.IterationSummary, error) {
	if err := d.limiter.wait(ctx, prompt); err != nil {
		return model.IterationSummary{}, err
	}
	summary, err := d.next.Run(ctx, prompt)
	d.limiter.observe(err)
	return summary, err
}

func (l *Limiter) wait(ctx context.Context, prompt orchestrator.ResolvedPrompt) error {
	tokens := estimateTokens(prompt.Content)
	return l.rateLimiter.WaitN(ctx, tokens)
}

func (l *Limiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	l.mu.Lock()
	classify := l.classify
	l.mu.Unlock()
	if classify == nil {
		return
	}
	classified := classify(err)
	if classified != nil && classified.Category == model.CategoryAPI && classified.Recoverable {
		l.backoff()
	}
}

func (l *Limiter) backoff() {
	l.mu.Lock()

	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.rateLimiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.rateLimiter.SetBurst(int(newTPM))

	cb := l.onBackoff
	l.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

func (l *Limiter) probe() {
	l.mu.Lock()

	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.rateLimiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.rateLimiter.SetBurst(int(newTPM))

	cb := l.onProbe
	l.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

// estimateTokens computes a cheap heuristic for the number of tokens in a
// resolved prompt: roughly one token per three characters, plus a fixed
// buffer for provider framing and system-prompt overhead.
func estimateTokens(content string) int {
	if len(content) == 0 {
		return 500
	}
	tokens := len(content) / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
