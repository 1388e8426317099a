package anthropic

import (
	"context"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/conduit/conduiterr"
	"goa.design/conduit/provider"
)

// streamer adapts an Anthropic Messages SSE stream to provider.Streamer,
// decoding incremental text, tool-call JSON fragments, and usage deltas on a
// background goroutine and delivering them through a buffered channel.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan provider.Chunk

	errMu sync.Mutex
	err   error

	toolBlocks map[int]*toolBuffer
	nameMap    map[string]string
	stopReason string
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], nameMap map[string]string) *streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:        cctx,
		cancel:     cancel,
		stream:     stream,
		chunks:     make(chan provider.Chunk, 32),
		toolBlocks: make(map[int]*toolBuffer),
		nameMap:    nameMap,
	}
	go s.run()
	return s
}

var _ provider.Streamer = (*streamer)(nil)

// Recv implements provider.Streamer.
func (s *streamer) Recv(ctx context.Context) (provider.Chunk, bool, *conduiterr.Error) {
	select {
	case chunk, ok := <-s.chunks:
		if !ok {
			if err := s.getErr(); err != nil {
				return provider.Chunk{}, false, conduiterr.Wrap(conduiterr.CategoryNetwork, conduiterr.CodeStreamInterrupted, "anthropic stream interrupted", err)
			}
			return provider.Chunk{}, false, nil
		}
		return chunk, true, nil
	case <-ctx.Done():
		return provider.Chunk{}, false, conduiterr.Wrap(conduiterr.CategoryNetwork, conduiterr.CodeTimeout, "anthropic stream recv canceled", ctx.Err())
	}
}

// Close implements provider.Streamer.
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

// handle decodes one SSE event and emits zero or more Chunks; returns false
// to stop the stream (context canceled mid-emit).
func (s *streamer) handle(event sdk.MessageStreamEventUnion) bool {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		s.toolBlocks = make(map[int]*toolBuffer)
		s.stopReason = ""
		return true

	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			name := toolUse.Name
			if canonical, ok := s.nameMap[toolUse.Name]; ok {
				name = canonical
			}
			s.toolBlocks[idx] = &toolBuffer{id: toolUse.ID, name: name}
		}
		return true

	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return true
			}
			return s.emit(provider.Chunk{Type: provider.ChunkText, Text: delta.Text})
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" {
				return true
			}
			tb := s.toolBlocks[idx]
			if tb == nil {
				return true
			}
			tb.fragments = append(tb.fragments, delta.PartialJSON)
			return s.emit(provider.Chunk{Type: provider.ChunkToolCallDelta, ToolCallID: tb.id, ToolCallDelta: delta.PartialJSON})
		default:
			return true
		}

	case sdk.ContentBlockStopEvent:
		delete(s.toolBlocks, int(ev.Index))
		return true

	case sdk.MessageDeltaEvent:
		s.stopReason = string(ev.Delta.StopReason)
		return s.emit(provider.Chunk{
			Type:         provider.ChunkUsage,
			InputTokens:  int(ev.Usage.InputTokens),
			OutputTokens: int(ev.Usage.OutputTokens),
		})

	case sdk.MessageStopEvent:
		return s.emit(provider.Chunk{Type: provider.ChunkStopReason, StopReason: s.stopReason})

	default:
		return true
	}
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
