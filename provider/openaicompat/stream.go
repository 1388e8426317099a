package openaicompat

import (
	"context"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/conduit/conduiterr"
	"goa.design/conduit/provider"
)

type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	chunks chan provider.Chunk

	errMu sync.Mutex
	err   error

	toolCallIDs map[int64]string
}

func (c *Client) stream(ctx context.Context, params openai.ChatCompletionNewParams) (provider.Streamer, *conduiterr.Error) {
	stream := c.chat.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		if isRateLimited(err) {
			return nil, conduiterr.Wrap(conduiterr.CategoryServer, conduiterr.CodeRateLimited, "openaicompat rate limited", err)
		}
		return nil, conduiterr.Wrap(conduiterr.CategoryServer, conduiterr.CodeProvider5xx, "openaicompat streaming chat.completions.new", err)
	}
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:         cctx,
		cancel:      cancel,
		stream:      stream,
		chunks:      make(chan provider.Chunk, 32),
		toolCallIDs: make(map[int64]string),
	}
	go s.run()
	return s, nil
}

var _ provider.Streamer = (*streamer)(nil)

func (s *streamer) Recv(ctx context.Context) (provider.Chunk, bool, *conduiterr.Error) {
	select {
	case chunk, ok := <-s.chunks:
		if !ok {
			if err := s.getErr(); err != nil {
				return provider.Chunk{}, false, conduiterr.Wrap(conduiterr.CategoryNetwork, conduiterr.CodeStreamInterrupted, "openaicompat stream interrupted", err)
			}
			return provider.Chunk{}, false, nil
		}
		return chunk, true, nil
	case <-ctx.Done():
		return provider.Chunk{}, false, conduiterr.Wrap(conduiterr.CategoryNetwork, conduiterr.CodeTimeout, "openaicompat stream recv canceled", ctx.Err())
	}
}

func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *streamer) getErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(err)
			}
			return
		}
		if !s.handle(s.stream.Current()) {
			return
		}
	}
}

func (s *streamer) handle(chunk openai.ChatCompletionChunk) bool {
	if chunk.Usage.TotalTokens > 0 {
		if !s.emit(provider.Chunk{
			Type:         provider.ChunkUsage,
			InputTokens:  int(chunk.Usage.PromptTokens),
			OutputTokens: int(chunk.Usage.CompletionTokens),
		}) {
			return false
		}
	}
	if len(chunk.Choices) == 0 {
		return true
	}
	choice := chunk.Choices[0]
	if choice.Delta.Content != "" {
		if !s.emit(provider.Chunk{Type: provider.ChunkText, Text: choice.Delta.Content}) {
			return false
		}
	}
	for _, tc := range choice.Delta.ToolCalls {
		id := s.toolCallIDs[tc.Index]
		if tc.ID != "" {
			id = tc.ID
			s.toolCallIDs[tc.Index] = id
		}
		if tc.Function.Arguments == "" {
			continue
		}
		if !s.emit(provider.Chunk{Type: provider.ChunkToolCallDelta, ToolCallID: id, ToolCallDelta: tc.Function.Arguments}) {
			return false
		}
	}
	if choice.FinishReason != "" {
		if !s.emit(provider.Chunk{Type: provider.ChunkStopReason, StopReason: string(choice.FinishReason)}) {
			return false
		}
	}
	return true
}

func (s *streamer) emit(c provider.Chunk) bool {
	select {
	case <-s.ctx.Done():
		s.setErr(s.ctx.Err())
		return false
	case s.chunks <- c:
		return true
	}
}
