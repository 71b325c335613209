// Package grpcremote is an orchestrator.Dispatcher that forwards turns to a
// remote model-serving process over gRPC (spec.md §11.1), the seam a
// production deployment would use to keep the orchestrator process thin and
// run model calls in a separate, independently-scaled service.
//
// Grounded on runtime/registry/grpc_client_adapter.go of the teacher
// repository: GRPCClientAdapter there wraps a generated
// registrypb.RegistryClient and implements the runtime's own RegistryClient
// interface, with zero protobuf-specific code in the adapter itself -- the
// generated client does the wire work. This package follows the identical
// shape: Client wraps a caller-supplied DispatchServiceClient (the interface
// a protoc-gen-go-grpc client built from a dispatch.proto contract would
// satisfy) and contains no protobuf wire code of its own. Dial is a thin
// convenience for opening the underlying connection; constructing the
// concrete generated client from it is left to that generated package, which
// this module does not vendor.
package grpcremote

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"

	"github.com/stepflowhq/stepflow/runtime/model"
	"github.com/stepflowhq/stepflow/runtime/orchestrator"
)

// DispatchRequest is the wire request a generated dispatch.proto client
// would send. Field shape mirrors orchestrator.ResolvedPrompt.
type DispatchRequest struct {
	StepID     string
	Content    string
	Source     string
	PromptPath string
}

// DispatchResponse is the wire response a generated dispatch.proto client
// would receive. Field shape mirrors model.IterationSummary.
type DispatchResponse struct {
	AssistantResponses []string
	ToolsUsed          []string
	Errors             []string
	StructuredOutput   map[string]any
	SessionID          string
}

// DispatchServiceClient is the subset of a generated gRPC client this
// adapter wraps. A real deployment satisfies this with the client type
// protoc-gen-go-grpc emits for a dispatch.proto service's single Dispatch
// RPC; this package never constructs that type itself.
type DispatchServiceClient interface {
	Dispatch(ctx context.Context, in *DispatchRequest, opts ...grpc.CallOption) (*DispatchResponse, error)
}

// Client implements orchestrator.Dispatcher by forwarding each turn to a
// DispatchServiceClient.
type Client struct {
	stepID string
	client DispatchServiceClient
}

// New wraps a generated dispatch client. stepID is stamped onto every
// outgoing request so the remote service can apply step-specific routing or
// model selection; it is not otherwise interpreted by this package.
func New(client DispatchServiceClient, stepID string) (*Client, error) {
	if client == nil {
		return nil, errors.New("grpcremote: dispatch client is required")
	}
	return &Client{stepID: stepID, client: client}, nil
}

// Dial opens a gRPC connection to target using the given dial options. The
// caller constructs the generated DispatchServiceClient from the returned
// connection and passes it to New.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpcremote: dial %q: %w", target, err)
	}
	return conn, nil
}

// Run implements orchestrator.Dispatcher by invoking the remote service's
// Dispatch RPC and translating its response into an IterationSummary.
func (c *Client) Run(ctx context.Context, prompt orchestrator.ResolvedPrompt) (model.IterationSummary, error) {
	req := &DispatchRequest{
		StepID:     c.stepID,
		Content:    prompt.Content,
		Source:     prompt.Source,
		PromptPath: prompt.PromptPath,
	}
	resp, err := c.client.Dispatch(ctx, req)
	if err != nil {
		return model.IterationSummary{}, fmt.Errorf("grpcremote: dispatch rpc: %w", err)
	}
	if resp == nil {
		return model.IterationSummary{}, errors.New("grpcremote: dispatch rpc returned a nil response")
	}
	return model.IterationSummary{
		AssistantResponses: resp.AssistantResponses,
		ToolsUsed:          resp.ToolsUsed,
		Errors:             resp.Errors,
		StructuredOutput:   resp.StructuredOutput,
		SessionID:          resp.SessionID,
	}, nil
}
