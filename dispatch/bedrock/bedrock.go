// Package bedrock is an orchestrator.Dispatcher backed by the AWS Bedrock
// Converse API (spec.md §11.1). It sends the resolved prompt as a single
// user turn and, when the step carries an outputSchema, forces a call to a
// synthetic "respond" tool so the reply arrives as typed JSON.
//
// Grounded on features/model/bedrock/client.go of the teacher repository:
// the same RuntimeClient interface-subset of *bedrockruntime.Client, the
// same Options/New constructor shape, and retry.ClassifyBedrockError for
// the smithy-go typed error detection client.go's isRateLimited performs
// inline.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/stepflowhq/stepflow/runtime/model"
	"github.com/stepflowhq/stepflow/runtime/orchestrator"
	"github.com/stepflowhq/stepflow/runtime/retry"
)

const respondToolName = "respond"

// RuntimeClient is the subset of *bedrockruntime.Client the adapter calls.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock dispatcher.
type Options struct {
	// ModelID is the Bedrock model identifier (an inference profile ARN or
	// a foundation model ID). Required.
	ModelID string
	// MaxTokens caps the completion length. Defaults to 4096 when zero.
	MaxTokens int32
	// Temperature is passed through when positive.
	Temperature float32
	// OutputSchema is the JSON Schema the step's structured reply must
	// satisfy, used as the respond tool's input schema. When empty, the
	// adapter does not configure tools and StructuredOutput is left nil.
	OutputSchema json.RawMessage
}

// Client implements orchestrator.Dispatcher on top of Bedrock Converse.
type Client struct {
	runtime     RuntimeClient
	modelID     string
	maxTokens   int32
	temperature float32
	schema      json.RawMessage
}

// New builds a Bedrock-backed Dispatcher from a runtime client and options.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("dispatch/bedrock: runtime client is required")
	}
	if opts.ModelID == "" {
		return nil, errors.New("dispatch/bedrock: model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{
		runtime:     runtime,
		modelID:     opts.ModelID,
		maxTokens:   maxTokens,
		temperature: opts.Temperature,
		schema:      opts.OutputSchema,
	}, nil
}

// Run implements orchestrator.Dispatcher: it issues a single Converse call
// and translates the reply into an IterationSummary.
func (c *Client) Run(ctx context.Context, prompt orchestrator.ResolvedPrompt) (model.IterationSummary, error) {
	input, err := c.buildInput(prompt)
	if err != nil {
		return model.IterationSummary{}, err
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		classified := retry.ClassifyBedrockError(err)
		if classified != nil && classified.Category == model.CategoryAPI && classified.Recoverable {
			return model.IterationSummary{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.IterationSummary{}, fmt.Errorf("dispatch/bedrock: converse: %w", err)
	}
	return translateOutput(output)
}

func (c *Client) buildInput(prompt orchestrator.ResolvedPrompt) (*bedrockruntime.ConverseInput, error) {
	if prompt.Content == "" {
		return nil, errors.New("dispatch/bedrock: prompt content is required")
	}
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(c.modelID),
		Messages: []brtypes.Message{
			{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt.Content}},
			},
		},
		InferenceConfig: &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(c.maxTokens)},
	}
	if c.temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(c.temperature)
	}
	if len(c.schema) > 0 {
		var schemaFields map[string]any
		if err := json.Unmarshal(c.schema, &schemaFields); err != nil {
			return nil, fmt.Errorf("dispatch/bedrock: output schema: %w", err)
		}
		input.ToolConfig = &brtypes.ToolConfiguration{
			Tools: []brtypes.Tool{
				&brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
					Name:        aws.String(respondToolName),
					Description: aws.String("Submit the structured summary of this turn."),
					InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(&schemaFields)},
				}},
			},
			ToolChoice: &brtypes.ToolChoiceMemberTool{Value: brtypes.SpecificToolChoice{Name: aws.String(respondToolName)}},
		}
	}
	return input, nil
}

func translateOutput(output *bedrockruntime.ConverseOutput) (model.IterationSummary, error) {
	if output == nil {
		return model.IterationSummary{}, errors.New("dispatch/bedrock: converse output is nil")
	}
	summary := model.IterationSummary{}
	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return summary, nil
	}
	for _, block := range msg.Value.Content {
		switch v := block.(type) {
		case *brtypes.ContentBlockMemberText:
			if v.Value != "" {
				summary.AssistantResponses = append(summary.AssistantResponses, v.Value)
			}
		case *brtypes.ContentBlockMemberToolUse:
			name := ""
			if v.Value.Name != nil {
				name = *v.Value.Name
			}
			summary.ToolsUsed = append(summary.ToolsUsed, name)
			if name != respondToolName || v.Value.Input == nil {
				continue
			}
			raw, err := v.Value.Input.MarshalSmithyDocument()
			if err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("dispatch/bedrock: marshaling %s tool input: %v", respondToolName, err))
				continue
			}
			var out map[string]any
			if err := json.Unmarshal(raw, &out); err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("dispatch/bedrock: decoding %s tool input: %v", respondToolName, err))
				continue
			}
			summary.StructuredOutput = out
		}
	}
	return summary, nil
}
