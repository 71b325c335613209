// Command stepflowctl loads a step registry file and runs one workflow to
// completion, printing the resulting RunResult (spec.md §11.6 in the full
// specification's domain stack). It mirrors the teacher's unadorned
// cmd/demo/main.go: a flag-based entry point with no CLI framework, wiring
// the pieces together and panicking on setup failure.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/stepflowhq/stepflow/dispatch/anthropic"
	"github.com/stepflowhq/stepflow/ratelimit"
	"github.com/stepflowhq/stepflow/registryio"
	"github.com/stepflowhq/stepflow/runtime/hooks"
	"github.com/stepflowhq/stepflow/runtime/model"
	"github.com/stepflowhq/stepflow/runtime/orchestrator"
	"github.com/stepflowhq/stepflow/runtime/telemetry"
)

// stubDispatcher is the default Dispatcher used when no real provider is
// selected: it replies with a single "closing" intent so a registry can be
// smoke-tested end-to-end without API credentials.
type stubDispatcher struct{}

func (stubDispatcher) Run(ctx context.Context, prompt orchestrator.ResolvedPrompt) (model.IterationSummary, error) {
	return model.IterationSummary{
		StructuredOutput: map[string]any{"next_action": map[string]any{"action": "closing"}},
	}, nil
}

// stubPromptResolver resolves every step to its own stepID as the prompt
// content; a real deployment supplies rendered templates instead.
type stubPromptResolver struct{}

func (stubPromptResolver) Resolve(ctx context.Context, stepID string, vars map[string]any, adaptationOverride string) (orchestrator.ResolvedPrompt, error) {
	return orchestrator.ResolvedPrompt{Content: stepID, Source: "stub"}, nil
}

// loggingSubscriber prints every emitted event to stderr.
type loggingSubscriber struct{}

func (loggingSubscriber) HandleEvent(ctx context.Context, event hooks.Event) error {
	fmt.Fprintf(os.Stderr, "[%s] %+v\n", event.Type(), event)
	return nil
}

func main() {
	registryPath := flag.String("registry", "", "path to a registry file (JSON or YAML)")
	completionType := flag.String("completion-type", "", "completion policy / entry step selector")
	provider := flag.String("provider", "stub", "dispatcher to use: stub or anthropic")
	anthropicModel := flag.String("anthropic-model", "", "Claude model identifier (required when -provider=anthropic)")
	rateLimit := flag.Bool("rate-limit", false, "wrap the dispatcher in an adaptive tokens-per-minute limiter")
	rateLimitTPM := flag.Float64("rate-limit-tpm", 60000, "initial tokens-per-minute budget when -rate-limit is set")
	flag.Parse()

	if *registryPath == "" {
		fmt.Fprintln(os.Stderr, "stepflowctl: -registry is required")
		os.Exit(2)
	}

	reg, err := registryio.Load(*registryPath)
	if err != nil {
		panic(err)
	}

	dispatcher, err := buildDispatcher(*provider, *anthropicModel)
	if err != nil {
		panic(err)
	}
	if *rateLimit {
		dispatcher = ratelimit.New(*rateLimitTPM, 0).Middleware()(dispatcher)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Registry:       reg,
		Dispatcher:     dispatcher,
		PromptResolver: stubPromptResolver{},
		CompletionType: *completionType,
		Logger:         telemetry.NewNoopLogger(),
		Metrics:        telemetry.NewNoopMetrics(),
		Tracer:         telemetry.NewNoopTracer(),
	})
	if err != nil {
		panic(err)
	}
	orch.Subscribe(loggingSubscriber{})

	result := orch.Run(context.Background())
	out, err := json.MarshalIndent(map[string]any{
		"runId":      result.RunID,
		"completed":  result.Completed,
		"reason":     result.Reason,
		"stepId":     result.StepID,
		"iterations": result.Iterations,
		"err":        errString(result.Err),
	}, "", "  ")
	if err != nil {
		panic(err)
	}
	fmt.Println(string(out))
}

func buildDispatcher(provider, model string) (orchestrator.Dispatcher, error) {
	switch provider {
	case "", "stub":
		return stubDispatcher{}, nil
	case "anthropic":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("stepflowctl: ANTHROPIC_API_KEY is required for -provider=anthropic")
		}
		if model == "" {
			return nil, fmt.Errorf("stepflowctl: -anthropic-model is required for -provider=anthropic")
		}
		return anthropic.NewFromAPIKey(apiKey, model, anthropic.Options{})
	default:
		return nil, fmt.Errorf("stepflowctl: unknown provider %q", provider)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
