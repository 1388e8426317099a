// Package provider defines the Client contract that every LLM provider
// adapter implements: translate a generation.Request to and from a
// provider's wire format, perform the network call, and tokenize text or
// message histories using the provider's native tokenizer when available.
// Grounded on runtime/agent/model/model.go's Client/Streamer interfaces.
package provider

import (
	"context"

	"goa.design/conduit/conduiterr"
	"goa.design/conduit/generation"
)

// Client is implemented by every provider adapter (anthropic, openaicompat,
// ollama, remote).
type Client interface {
	// Complete performs a non-streaming generation call.
	Complete(ctx context.Context, req generation.Request) (*generation.Response, *conduiterr.Error)
	// Stream performs a streaming generation call. Providers that do not
	// support streaming return ErrStreamingUnsupported.
	Stream(ctx context.Context, req generation.Request) (Streamer, *conduiterr.Error)
	// Tokenize counts tokens for a string or a message history. Per
	// spec.md §4.1, a message-list payload's count includes the
	// provider's message overhead (role markers, turn separators); a
	// plain string returns the raw token weight.
	Tokenize(ctx context.Context, model string, payload any) (int, *conduiterr.Error)
}

// Streamer is an open streaming response. Recv returns io.EOF-equivalent
// by returning (Chunk{}, false, nil) when the stream ends normally.
type Streamer interface {
	Recv(ctx context.Context) (Chunk, bool, *conduiterr.Error)
	Close() error
}

// ChunkType discriminates the payload carried by a Chunk.
type ChunkType string

const (
	ChunkText         ChunkType = "text"
	ChunkToolCallDelta ChunkType = "tool_call_delta"
	ChunkUsage        ChunkType = "usage"
	ChunkStopReason   ChunkType = "stop_reason"
)

// Chunk is one unit of a streamed response.
type Chunk struct {
	Type        ChunkType
	Text        string
	ToolCallID  string
	ToolCallDelta string
	InputTokens int
	OutputTokens int
	StopReason  string
}

// ErrStreamingUnsupported is returned by Stream on providers that do not
// support it (the Remote adapter, per spec.md §4.1).
var ErrStreamingUnsupported = conduiterr.New(conduiterr.CategoryClient, "streaming_unsupported", "this provider does not support streaming")

// ErrRateLimited is the canonical rate-limit error: adapters return errors
// with its category and code, so errors.Is(err, ErrRateLimited) matches
// them, and middleware.AdaptiveRateLimiter backs off future calls when a
// call fails with that code, without the middleware itself retrying.
var ErrRateLimited = conduiterr.New(conduiterr.CategoryServer, conduiterr.CodeRateLimited, "provider rate limit exceeded")
