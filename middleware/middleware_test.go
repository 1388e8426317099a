package middleware

import (
	"context"
	"testing"

	"goa.design/conduit/conduiterr"
	"goa.design/conduit/generation"
	"goa.design/conduit/message"
)

type memCache struct {
	entries map[string]*generation.Response
}

func newMemCache() *memCache { return &memCache{entries: map[string]*generation.Response{}} }

func (c *memCache) Get(key string) (*generation.Response, bool) {
	r, ok := c.entries[key]
	return r, ok
}

func (c *memCache) Set(key string, resp *generation.Response) {
	c.entries[key] = resp
}

type memSink struct {
	events []TokenEvent
}

func (s *memSink) Emit(e TokenEvent) { s.events = append(s.events, e) }

func TestWrapEmitsTelemetryOnSuccess(t *testing.T) {
	sink := &memSink{}
	calls := 0
	next := func(ctx context.Context, req generation.Request) (*generation.Response, *conduiterr.Error) {
		calls++
		return &generation.Response{
			Message:  message.NewAssistant("hi"),
			Metadata: generation.Metadata{InputTokens: 3, OutputTokens: 5},
		}, nil
	}
	chain := Chain{Telemetry: sink, Provider: func(string) (string, bool) { return "anthropic", true }}
	pipe := chain.Wrap(next)

	req := generation.Request{Messages: []message.Message{message.NewUser("hi")}, Params: generation.Params{Model: "claude-sonnet-4-5"}}
	_, cerr := pipe(context.Background(), req)
	if cerr != nil {
		t.Fatalf("pipe: %v", cerr)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one call, got %d", calls)
	}
	if len(sink.events) != 1 || sink.events[0].Provider != "anthropic" || sink.events[0].InputTokens != 3 {
		t.Fatalf("unexpected telemetry events %+v", sink.events)
	}
}

func TestWrapCacheHitSkipsNext(t *testing.T) {
	cache := newMemCache()
	calls := 0
	next := func(ctx context.Context, req generation.Request) (*generation.Response, *conduiterr.Error) {
		calls++
		return &generation.Response{Message: message.NewAssistant("hi")}, nil
	}
	chain := Chain{Cache: cache}
	pipe := chain.Wrap(next)

	req := generation.Request{Messages: []message.Message{message.NewUser("hi")}, Params: generation.Params{Model: "gpt-4o-mini"}}
	if _, cerr := pipe(context.Background(), req); cerr != nil {
		t.Fatalf("pipe: %v", cerr)
	}
	if _, cerr := pipe(context.Background(), req); cerr != nil {
		t.Fatalf("pipe: %v", cerr)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one underlying call across two identical requests, got %d", calls)
	}
}

func TestWrapDoesNotCacheOrEmitOnError(t *testing.T) {
	cache := newMemCache()
	sink := &memSink{}
	next := func(ctx context.Context, req generation.Request) (*generation.Response, *conduiterr.Error) {
		return nil, conduiterr.New(conduiterr.CategoryServer, conduiterr.CodeProvider5xx, "boom")
	}
	chain := Chain{Cache: cache, Telemetry: sink}
	pipe := chain.Wrap(next)

	req := generation.Request{Messages: []message.Message{message.NewUser("hi")}, Params: generation.Params{Model: "gpt-4o-mini"}}
	_, cerr := pipe(context.Background(), req)
	if cerr == nil {
		t.Fatalf("expected error to propagate")
	}
	if len(cache.entries) != 0 {
		t.Fatalf("expected no cache writes on error")
	}
	if len(sink.events) != 0 {
		t.Fatalf("expected no telemetry on error")
	}
}

func TestWrapDisplayLifecycle(t *testing.T) {
	display := &recordingDisplay{}
	next := func(ctx context.Context, req generation.Request) (*generation.Response, *conduiterr.Error) {
		return &generation.Response{Message: message.NewAssistant("hi")}, nil
	}
	chain := Chain{Display: display}
	pipe := chain.Wrap(next)
	req := generation.Request{Messages: []message.Message{message.NewUser("hi")}, Params: generation.Params{Model: "gpt-4o-mini"}}
	if _, cerr := pipe(context.Background(), req); cerr != nil {
		t.Fatalf("pipe: %v", cerr)
	}
	if !display.started || !display.completed {
		t.Fatalf("expected display to start and complete, got %+v", display)
	}
}

type recordingDisplay struct {
	started, completed, failed bool
}

func (d *recordingDisplay) Start(string, string) DisplayHandle {
	d.started = true
	return &recordingHandle{d}
}

type recordingHandle struct{ d *recordingDisplay }

func (h *recordingHandle) Complete()             { h.d.completed = true }
func (h *recordingHandle) Fail(*conduiterr.Error) { h.d.failed = true }
