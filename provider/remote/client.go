// Package remote implements provider.Client by delegating to a companion
// gRPC server instead of calling an LLM vendor directly, for deployments
// that broker all outbound model traffic through a dedicated gateway
// process. Adapted from features/model/gateway/remote_client.go's
// caller-supplied-function shape into a concrete gRPC transport: the
// request/response envelope is JSON bytes wrapped in the well-known
// wrapperspb.BytesValue type, so the RPC contract does not depend on a
// generated service stub. Streaming is not supported, per spec.
package remote

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"goa.design/conduit/conduiterr"
	"goa.design/conduit/generation"
	"goa.design/conduit/provider"
)

const (
	completeMethod = "/conduit.remote.RemoteProvider/Complete"
	tokenizeMethod = "/conduit.remote.RemoteProvider/Tokenize"
)

// Client implements provider.Client by invoking a companion gRPC server.
type Client struct {
	conn grpc.ClientConnInterface
}

var _ provider.Client = (*Client)(nil)

// New builds a Client over an established gRPC connection. The caller owns
// the connection's lifecycle (dialing and closing it).
func New(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Complete implements provider.Client by round-tripping req as JSON through
// the companion server's Complete RPC.
func (c *Client) Complete(ctx context.Context, req generation.Request) (*generation.Response, *conduiterr.Error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, conduiterr.Wrap(conduiterr.CategoryClient, conduiterr.CodeValidationError, "remote: marshal request", err)
	}
	in := wrapperspb.Bytes(payload)
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, completeMethod, in, out); err != nil {
		return nil, conduiterr.Wrap(conduiterr.CategoryNetwork, conduiterr.CodeConnectionError, "remote: complete rpc failed", err)
	}
	var resp generation.Response
	if err := json.Unmarshal(out.GetValue(), &resp); err != nil {
		return nil, conduiterr.Wrap(conduiterr.CategoryParsing, conduiterr.CodeMalformedProviderResponse, "remote: unmarshal response", err)
	}
	return &resp, nil
}

// Stream implements provider.Client. The remote gateway protocol carries no
// streaming RPC, matching spec.md's explicit non-goal for this adapter.
func (c *Client) Stream(context.Context, generation.Request) (provider.Streamer, *conduiterr.Error) {
	return nil, provider.ErrStreamingUnsupported
}

// Tokenize implements provider.Client by delegating token counting to the
// companion server, which has access to the concrete provider's tokenizer.
func (c *Client) Tokenize(ctx context.Context, model string, payload any) (int, *conduiterr.Error) {
	body, err := json.Marshal(struct {
		Model   string `json:"model"`
		Payload any    `json:"payload"`
	}{Model: model, Payload: payload})
	if err != nil {
		return 0, conduiterr.Wrap(conduiterr.CategoryClient, conduiterr.CodeValidationError, "remote: marshal tokenize request", err)
	}
	in := wrapperspb.Bytes(body)
	out := new(wrapperspb.Int64Value)
	if err := c.conn.Invoke(ctx, tokenizeMethod, in, out); err != nil {
		return 0, conduiterr.Wrap(conduiterr.CategoryNetwork, conduiterr.CodeConnectionError, "remote: tokenize rpc failed", err)
	}
	return int(out.GetValue()), nil
}
