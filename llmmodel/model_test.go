package llmmodel

import (
	"context"
	"testing"

	"goa.design/conduit/conduiterr"
	"goa.design/conduit/generation"
	"goa.design/conduit/message"
	"goa.design/conduit/modelcatalog"
	"goa.design/conduit/provider"
)

type stubClient struct {
	resp *generation.Response
	err  *conduiterr.Error
}

func (s *stubClient) Complete(context.Context, generation.Request) (*generation.Response, *conduiterr.Error) {
	return s.resp, s.err
}

func (s *stubClient) Stream(context.Context, generation.Request) (provider.Streamer, *conduiterr.Error) {
	return nil, nil
}

func (s *stubClient) Tokenize(context.Context, string, any) (int, *conduiterr.Error) {
	return 42, nil
}

func TestPipeStampsModelAndDelegates(t *testing.T) {
	want := &generation.Response{Message: message.NewAssistant("hi")}
	m := New("claude-sonnet-4-5", &stubClient{resp: want})
	resp, cerr := m.Pipe(context.Background(), generation.Request{Messages: []message.Message{message.NewUser("hi")}})
	if cerr != nil {
		t.Fatalf("Pipe: %v", cerr)
	}
	if resp != want {
		t.Fatalf("expected stubbed response to pass through")
	}
}

func TestPipeRejectsMismatchedModel(t *testing.T) {
	m := New("claude-sonnet-4-5", &stubClient{})
	_, cerr := m.Pipe(context.Background(), generation.Request{Params: generation.Params{Model: "gpt-4o"}})
	if cerr == nil {
		t.Fatalf("expected validation error for mismatched model")
	}
}

func TestTokenizeDelegates(t *testing.T) {
	m := New("claude-sonnet-4-5", &stubClient{})
	n, cerr := m.Tokenize(context.Background(), "hello")
	if cerr != nil {
		t.Fatalf("Tokenize: %v", cerr)
	}
	if n != 42 {
		t.Fatalf("unexpected token count %d", n)
	}
}

func TestPrepareRequestNormalizesStringInput(t *testing.T) {
	msgs, params, cerr := PrepareRequest("claude-sonnet-4-5", "hello", generation.Params{}, nil)
	if cerr != nil {
		t.Fatalf("PrepareRequest: %v", cerr)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("unexpected normalized messages %+v", msgs)
	}
	if params.Model != "claude-sonnet-4-5" {
		t.Fatalf("expected model to be stamped, got %q", params.Model)
	}
}

func TestPrepareRequestRejectsVisionWhenUnsupported(t *testing.T) {
	catalog := modelcatalog.New(map[string]modelcatalog.Capabilities{
		"text-only-model": {Provider: "openai", SupportsVision: false},
	})
	blocks := []message.Block{message.TextBlock{Text: "describe"}, message.ImageBlock{URLOrDataURI: "https://example.com/x.png"}}
	msg := message.NewUserMultimodal("", blocks...)
	_, _, cerr := PrepareRequest("text-only-model", []message.Message{msg}, generation.Params{}, catalog)
	if cerr == nil || cerr.Info.Code != conduiterr.CodeUnsupportedModality {
		t.Fatalf("expected unsupported modality error, got %v", cerr)
	}
}

func TestModelStoreRegisterAndResolve(t *testing.T) {
	catalog := modelcatalog.New(map[string]modelcatalog.Capabilities{
		"claude-sonnet-4-5": {Provider: "anthropic", ContextWindow: 200000},
	})
	store := NewModelStore(catalog)
	store.Register("claude-sonnet-4-5", ExecutionSync, &stubClient{})

	m, ok := store.GetModel("claude-sonnet-4-5", ExecutionSync)
	if !ok || m.Name() != "claude-sonnet-4-5" {
		t.Fatalf("expected resolved model, got %v %v", m, ok)
	}
	if _, ok := store.GetModel("claude-sonnet-4-5", ExecutionAsync); ok {
		t.Fatalf("expected no client registered for async mode")
	}
	if p, ok := store.IdentifyProvider("claude-sonnet-4-5"); !ok || p != "anthropic" {
		t.Fatalf("unexpected provider identification %q %v", p, ok)
	}
	if w := store.GetContextWindow("claude-sonnet-4-5", 1); w != 200000 {
		t.Fatalf("unexpected context window %d", w)
	}
	if w := store.GetContextWindow("unknown", 1234); w != 1234 {
		t.Fatalf("expected fallback context window, got %d", w)
	}
}
