// Package anthropic is an orchestrator.Dispatcher backed by the Anthropic
// Claude Messages API (spec.md §11.1 in the full specification's domain
// stack). It sends the resolved prompt as a single user turn, asks Claude to
// reply with a forced call to a synthetic "respond" tool shaped by the
// step's outputSchema, and decodes that tool call's input back into
// model.IterationSummary.StructuredOutput.
//
// Grounded on features/model/anthropic/client.go of the teacher repository:
// the same MessagesClient interface-subset (so tests can pass a fake in
// place of *sdk.MessageService), the same Options/New/NewFromAPIKey
// constructor shape, and the same model.ErrRateLimited wrapping convention.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/stepflowhq/stepflow/runtime/model"
	"github.com/stepflowhq/stepflow/runtime/orchestrator"
)

// respondToolName is the synthetic tool the adapter forces Claude to call so
// its reply arrives as typed JSON rather than prose.
const respondToolName = "respond"

// MessagesClient captures the subset of the Anthropic SDK client the adapter
// calls. It is satisfied by *sdk.MessageService so callers can pass either
// the real client or a test double.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the Claude dispatcher.
type Options struct {
	// Model is the Claude model identifier. Required.
	Model string
	// MaxTokens caps the completion length. Defaults to 4096 when zero.
	MaxTokens int
	// Temperature is passed through when positive; Claude's own default
	// applies otherwise.
	Temperature float64
	// OutputSchema is the JSON Schema document the step's structured reply
	// must satisfy, used as the respond tool's input schema. When empty,
	// the adapter asks for free-form text and StructuredOutput is left nil.
	OutputSchema json.RawMessage
}

// Client implements orchestrator.Dispatcher on top of Claude Messages.
type Client struct {
	msg         MessagesClient
	model       string
	maxTokens   int
	temperature float64
	schema      json.RawMessage
}

// New builds a Claude-backed Dispatcher from an Anthropic Messages client
// and configuration options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("dispatch/anthropic: messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("dispatch/anthropic: model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{
		msg:         msg,
		model:       opts.Model,
		maxTokens:   maxTokens,
		temperature: opts.Temperature,
		schema:      opts.OutputSchema,
	}, nil
}

// NewFromAPIKey constructs a dispatcher using the default Anthropic HTTP
// client, reading ANTHROPIC_API_KEY conventions via option.WithAPIKey.
func NewFromAPIKey(apiKey, model string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("dispatch/anthropic: api key is required")
	}
	opts.Model = model
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Run implements orchestrator.Dispatcher: it issues a single Messages.New
// request and translates the reply into an IterationSummary.
func (c *Client) Run(ctx context.Context, prompt orchestrator.ResolvedPrompt) (model.IterationSummary, error) {
	params, err := c.prepareRequest(prompt)
	if err != nil {
		return model.IterationSummary{}, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return model.IterationSummary{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.IterationSummary{}, fmt.Errorf("dispatch/anthropic: messages.new: %w", err)
	}
	return translateMessage(msg), nil
}

func (c *Client) prepareRequest(prompt orchestrator.ResolvedPrompt) (*sdk.MessageNewParams, error) {
	if prompt.Content == "" {
		return nil, errors.New("dispatch/anthropic: prompt content is required")
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(c.maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt.Content))},
	}
	if c.temperature > 0 {
		params.Temperature = sdk.Float(c.temperature)
	}
	if len(c.schema) > 0 {
		var schemaFields map[string]any
		if err := json.Unmarshal(c.schema, &schemaFields); err != nil {
			return nil, fmt.Errorf("dispatch/anthropic: output schema: %w", err)
		}
		tool := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schemaFields}, respondToolName)
		if tool.OfTool != nil {
			tool.OfTool.Description = sdk.String("Submit the structured summary of this turn.")
		}
		params.Tools = []sdk.ToolUnionParam{tool}
		params.ToolChoice = sdk.ToolChoiceParamOfTool(respondToolName)
	}
	return &params, nil
}

func translateMessage(msg *sdk.Message) model.IterationSummary {
	summary := model.IterationSummary{SessionID: msg.ID}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				summary.AssistantResponses = append(summary.AssistantResponses, block.Text)
			}
		case "tool_use":
			summary.ToolsUsed = append(summary.ToolsUsed, block.Name)
			if block.Name != respondToolName {
				continue
			}
			var out map[string]any
			if err := json.Unmarshal(block.Input, &out); err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("dispatch/anthropic: decoding %s tool input: %v", respondToolName, err))
				continue
			}
			summary.StructuredOutput = out
		}
	}
	return summary
}

// isRateLimited reports whether err represents Claude API rate limiting.
// The Anthropic API reports this as a "rate_limit_error" type in its JSON
// error body, which the SDK surfaces in the formatted error string.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "rate_limit_error") || strings.Contains(err.Error(), "429")
}
