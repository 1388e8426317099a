package conduit

import (
	"context"
	"testing"

	"goa.design/conduit/conduiterr"
	"goa.design/conduit/conversation"
	"goa.design/conduit/generation"
	"goa.design/conduit/llmmodel"
	"goa.design/conduit/message"
	"goa.design/conduit/modelcatalog"
	"goa.design/conduit/provider"
)

func newTestConduit(reply func(req generation.Request) message.Message) (*Conduit, *conversation.MemoryRepository) {
	store := llmmodel.NewModelStore(modelcatalog.New(nil))
	store.Register("test-model", llmmodel.ExecutionSync, &echoClient{reply: reply})
	c := New(store)
	repo := conversation.NewMemoryRepository()
	return c, repo
}

// echoClient implements provider.Client with only Complete meaningfully
// wired; Stream/Tokenize are not exercised by Conduit.Run.
type echoClient struct {
	reply func(req generation.Request) message.Message
}

func (c *echoClient) Complete(ctx context.Context, req generation.Request) (*generation.Response, *conduiterr.Error) {
	return &generation.Response{Message: c.reply(req)}, nil
}
func (c *echoClient) Stream(ctx context.Context, req generation.Request) (provider.Streamer, *conduiterr.Error) {
	return nil, conduiterr.New(conduiterr.CategoryClient, "unsupported", "unsupported in stub")
}
func (c *echoClient) Tokenize(ctx context.Context, model string, payload any) (int, *conduiterr.Error) {
	return 0, nil
}

func TestRunPromptSimpleTurnTerminates(t *testing.T) {
	c, repo := newTestConduit(func(req generation.Request) message.Message {
		return message.NewAssistant("hi there")
	})
	opts := Options{Repository: repo}
	out, cerr := c.RunPrompt(context.Background(), "conv-1", "hello", generation.Params{Model: "test-model"}, opts)
	if cerr != nil {
		t.Fatalf("run: %v", cerr)
	}
	if out.State() != conversation.StateTerminate {
		t.Fatalf("expected TERMINATE, got %v", out.State())
	}
	if len(out.Messages) != 2 {
		t.Fatalf("expected [user, assistant], got %d messages", len(out.Messages))
	}

	loaded, err := repo.Load(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("load persisted conversation: %v", err)
	}
	if len(loaded.Messages) != 2 {
		t.Fatalf("expected persisted conversation to have 2 messages, got %d", len(loaded.Messages))
	}
}

func TestRunTemplateRendersVars(t *testing.T) {
	var captured string
	c, repo := newTestConduit(func(req generation.Request) message.Message {
		captured = req.Messages[len(req.Messages)-1].Content
		return message.NewAssistant("ok")
	})
	opts := Options{Repository: repo}
	_, cerr := c.Run(context.Background(), "conv-2", "hello {{.Name}}", map[string]any{"Name": "Ada"}, generation.Params{Model: "test-model"}, opts)
	if cerr != nil {
		t.Fatalf("run: %v", cerr)
	}
	if captured != "hello Ada" {
		t.Fatalf("expected rendered prompt %q, got %q", "hello Ada", captured)
	}
}

func TestRunUnknownModelFails(t *testing.T) {
	c, repo := newTestConduit(func(req generation.Request) message.Message { return message.Message{} })
	opts := Options{Repository: repo}
	_, cerr := c.RunPrompt(context.Background(), "conv-3", "hi", generation.Params{Model: "nonexistent-model"}, opts)
	if cerr == nil {
		t.Fatalf("expected unknown_model error")
	}
	if cerr.Info.Code != conduiterr.CodeUnknownModel {
		t.Fatalf("unexpected code %q", cerr.Info.Code)
	}
}

// TestCrashRecoveryDropsTrailingUser exercises spec.md S5: a conversation
// left with a dangling trailing USER message (simulating a prior crash)
// is trimmed before the new turn is appended.
func TestCrashRecoveryDropsTrailingUser(t *testing.T) {
	c, repo := newTestConduit(func(req generation.Request) message.Message {
		return message.NewAssistant("hello")
	})

	stale := &conversation.Conversation{ID: "conv-4"}
	stale.Append(message.NewSystem("hi"))
	stale.Append(message.NewUser("hi"))
	stale.Append(message.NewAssistant("hello"))
	stale.Append(message.NewUser("what?")) // dangling: prior run crashed here
	if err := repo.Save(context.Background(), stale); err != nil {
		t.Fatalf("seed repository: %v", err)
	}

	opts := Options{Repository: repo, Options: generation.Options{PersistenceMode: generation.PersistenceResume}}
	out, cerr := c.RunPrompt(context.Background(), "conv-4", "how are you?", generation.Params{Model: "test-model", System: "hi"}, opts)
	if cerr != nil {
		t.Fatalf("run: %v", cerr)
	}
	if len(out.Messages) != 5 {
		t.Fatalf("expected 5 messages ([sys, user, assistant, user, assistant]), got %d: %+v", len(out.Messages), out.Messages)
	}
	if out.Messages[3].Content != "how are you?" {
		t.Fatalf("expected the dangling user turn to be dropped and replaced, got %+v", out.Messages[3])
	}
}
