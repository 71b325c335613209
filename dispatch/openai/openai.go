// Package openai is an orchestrator.Dispatcher backed by the OpenAI Chat
// Completions API (spec.md §11.1), demonstrating that the core is
// provider-agnostic: it is wired the same way dispatch/anthropic is, against
// a different vendor SDK, github.com/openai/openai-go.
//
// Unlike dispatch/anthropic and dispatch/bedrock, no call site of
// openai-go appears anywhere in the retrieved example pack -- this package
// is grounded on dispatch/anthropic's interface-subset/Options/New shape
// rather than on an observed openai-go usage, and on openai-go's published
// API surface (Chat Completions function calling) rather than a pack
// example; see DESIGN.md.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/stepflowhq/stepflow/runtime/model"
	"github.com/stepflowhq/stepflow/runtime/orchestrator"
)

const respondToolName = "respond"

// ChatClient captures the subset of the OpenAI SDK client the adapter
// calls. It is satisfied by the client's Chat.Completions service so
// callers can pass either the real service or a test double.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the OpenAI dispatcher.
type Options struct {
	// Model is the OpenAI model identifier. Required.
	Model string
	// MaxTokens caps the completion length. Defaults to 4096 when zero.
	MaxTokens int
	// Temperature is passed through when positive.
	Temperature float64
	// OutputSchema is the JSON Schema the step's structured reply must
	// satisfy, exposed to the model as the respond function's parameters.
	// When empty, the adapter does not declare tools and StructuredOutput
	// is left nil.
	OutputSchema json.RawMessage
}

// Client implements orchestrator.Dispatcher on top of Chat Completions.
type Client struct {
	chat        ChatClient
	model       string
	maxTokens   int
	temperature float64
	schema      json.RawMessage
}

// New builds an OpenAI-backed Dispatcher from a Chat Completions client and
// configuration options.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("dispatch/openai: chat client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("dispatch/openai: model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{
		chat:        chat,
		model:       opts.Model,
		maxTokens:   maxTokens,
		temperature: opts.Temperature,
		schema:      opts.OutputSchema,
	}, nil
}

// NewFromAPIKey constructs a dispatcher using the default OpenAI HTTP
// client, reading OPENAI_API_KEY conventions via option.WithAPIKey.
func NewFromAPIKey(apiKey, model string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("dispatch/openai: api key is required")
	}
	opts.Model = model
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, opts)
}

// Run implements orchestrator.Dispatcher: it issues a single chat completion
// request and translates the reply into an IterationSummary.
func (c *Client) Run(ctx context.Context, prompt orchestrator.ResolvedPrompt) (model.IterationSummary, error) {
	params, err := c.prepareRequest(prompt)
	if err != nil {
		return model.IterationSummary{}, err
	}
	resp, err := c.chat.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return model.IterationSummary{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.IterationSummary{}, fmt.Errorf("dispatch/openai: chat.completions.new: %w", err)
	}
	return translateCompletion(resp), nil
}

func (c *Client) prepareRequest(prompt orchestrator.ResolvedPrompt) (*openai.ChatCompletionNewParams, error) {
	if prompt.Content == "" {
		return nil, errors.New("dispatch/openai: prompt content is required")
	}
	params := &openai.ChatCompletionNewParams{
		Model:               c.model,
		Messages:            []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt.Content)},
		MaxCompletionTokens: openai.Int(int64(c.maxTokens)),
	}
	if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}
	if len(c.schema) > 0 {
		var schemaFields map[string]any
		if err := json.Unmarshal(c.schema, &schemaFields); err != nil {
			return nil, fmt.Errorf("dispatch/openai: output schema: %w", err)
		}
		params.Tools = []openai.ChatCompletionToolParam{
			{
				Function: openai.FunctionDefinitionParam{
					Name:        respondToolName,
					Description: openai.String("Submit the structured summary of this turn."),
					Parameters:  openai.FunctionParameters(schemaFields),
				},
			},
		}
	}
	return params, nil
}

func translateCompletion(resp *openai.ChatCompletion) model.IterationSummary {
	summary := model.IterationSummary{SessionID: resp.ID}
	if len(resp.Choices) == 0 {
		return summary
	}
	msg := resp.Choices[0].Message
	if msg.Content != "" {
		summary.AssistantResponses = append(summary.AssistantResponses, msg.Content)
	}
	for _, call := range msg.ToolCalls {
		summary.ToolsUsed = append(summary.ToolsUsed, call.Function.Name)
		if call.Function.Name != respondToolName {
			continue
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(call.Function.Arguments), &out); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("dispatch/openai: decoding %s tool arguments: %v", respondToolName, err))
			continue
		}
		summary.StructuredOutput = out
	}
	return summary
}

// isRateLimited reports whether err represents OpenAI API rate limiting.
// The SDK formats a 429 response as a "429 Too Many Requests" prefix in the
// returned error's message; detection relies on that substring rather than
// a typed accessor, mirroring dispatch/anthropic's approach.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit")
}
