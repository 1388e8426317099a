package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"goa.design/conduit/conduit"
	"goa.design/conduit/conduiterr"
	"goa.design/conduit/conversation"
	"goa.design/conduit/generation"
	"goa.design/conduit/llmmodel"
	"goa.design/conduit/message"
	"goa.design/conduit/modelcatalog"
	"goa.design/conduit/provider"
)

// countingClient tracks the number of in-flight Complete calls so tests can
// assert the batch never exceeds MaxConcurrent.
type countingClient struct {
	mu      sync.Mutex
	inFlt   int32
	maxSeen int32
	fail    func(prompt string) bool
}

func (c *countingClient) Complete(ctx context.Context, req generation.Request) (*generation.Response, *conduiterr.Error) {
	n := atomic.AddInt32(&c.inFlt, 1)
	defer atomic.AddInt32(&c.inFlt, -1)

	c.mu.Lock()
	if n > c.maxSeen {
		c.maxSeen = n
	}
	c.mu.Unlock()

	prompt := req.Messages[len(req.Messages)-1].Content
	if c.fail != nil && c.fail(prompt) {
		return nil, conduiterr.New(conduiterr.CategoryServer, conduiterr.CodeValidationError, "simulated failure for "+prompt)
	}
	return &generation.Response{Message: message.NewAssistant("reply to " + prompt)}, nil
}

func (c *countingClient) Stream(ctx context.Context, req generation.Request) (provider.Streamer, *conduiterr.Error) {
	return nil, conduiterr.New(conduiterr.CategoryClient, "unsupported", "unsupported in stub")
}

func (c *countingClient) Tokenize(ctx context.Context, model string, payload any) (int, *conduiterr.Error) {
	return 0, nil
}

func newTestBatch(client *countingClient) (*Batch, *conversation.MemoryRepository) {
	store := llmmodel.NewModelStore(modelcatalog.New(nil))
	store.Register("test-model", llmmodel.ExecutionSync, client)
	c := conduit.New(store)
	repo := conversation.NewMemoryRepository()
	c.MaxSteps = 10
	return New(c), repo
}

// TestRunStringsBoundedConcurrencyPreservesOrder exercises spec.md S6: 20
// prompts dispatched with MaxConcurrent=4 never run more than 4 at once, and
// results[i] corresponds to prompts[i] regardless of completion order.
func TestRunStringsBoundedConcurrencyPreservesOrder(t *testing.T) {
	client := &countingClient{}
	b, repo := newTestBatch(client)

	const n = 20
	ids := make([]string, n)
	prompts := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("conv-%d", i)
		prompts[i] = fmt.Sprintf("prompt-%d", i)
	}

	opts := Options{MaxConcurrent: 4}
	opts.Repository = repo
	results := b.RunStrings(context.Background(), ids, prompts, generation.Params{Model: "test-model"}, opts)

	if len(results) != n {
		t.Fatalf("expected %d results, got %d", n, len(results))
	}
	if client.maxSeen > 4 {
		t.Fatalf("expected at most 4 in-flight calls, observed %d", client.maxSeen)
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("result %d: unexpected error %v", i, r.Err)
		}
		want := fmt.Sprintf("reply to prompt-%d", i)
		last := r.Conversation.Messages[len(r.Conversation.Messages)-1]
		if last.Content != want {
			t.Fatalf("result %d: expected %q, got %q", i, want, last.Content)
		}
	}
}

// TestRunStringsFailSoftContinuesAndRecordsError checks the default
// fail-soft policy: one failing sub-run does not abort the others, and its
// Result carries the error rather than aborting the batch.
func TestRunStringsFailSoftContinuesAndRecordsError(t *testing.T) {
	client := &countingClient{fail: func(prompt string) bool { return prompt == "prompt-1" }}
	b, repo := newTestBatch(client)

	ids := []string{"conv-0", "conv-1", "conv-2"}
	prompts := []string{"prompt-0", "prompt-1", "prompt-2"}

	opts := Options{}
	opts.Repository = repo
	results := b.RunStrings(context.Background(), ids, prompts, generation.Params{Model: "test-model"}, opts)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[1].Err == nil {
		t.Fatalf("expected result 1 to carry an error")
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("expected results 0 and 2 to succeed, got %+v / %+v", results[0].Err, results[2].Err)
	}
}

// TestRunStringsFailFastCancelsRemaining checks the opt-in fail-fast policy:
// once one sub-run fails, undispatched work is canceled rather than
// launched.
func TestRunStringsFailFastCancelsRemaining(t *testing.T) {
	client := &countingClient{fail: func(prompt string) bool { return prompt == "prompt-0" }}
	b, repo := newTestBatch(client)

	const n = 50
	ids := make([]string, n)
	prompts := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("conv-%d", i)
		prompts[i] = fmt.Sprintf("prompt-%d", i)
	}

	opts := Options{MaxConcurrent: 1, FailFast: true}
	opts.Repository = repo
	results := b.RunStrings(context.Background(), ids, prompts, generation.Params{Model: "test-model"}, opts)

	if len(results) != n {
		t.Fatalf("expected %d results even under fail-fast, got %d", n, len(results))
	}

	var canceled, ran int
	for _, r := range results {
		if r.Err == nil {
			ran++
			continue
		}
		if r.Conversation == nil {
			canceled++
		}
	}
	if canceled == 0 {
		t.Fatalf("expected at least one undispatched task to be canceled under fail-fast")
	}
}

type warmFlushSpy struct {
	warmedUp int32
	flushed  int32
}

func (s *warmFlushSpy) WarmUp(ctx context.Context) error {
	atomic.AddInt32(&s.warmedUp, 1)
	return nil
}

func (s *warmFlushSpy) Flush(ctx context.Context) error {
	atomic.AddInt32(&s.flushed, 1)
	return nil
}

// TestRunStringsWarmsUpOnceAndFlushesOnceOnCompletion checks spec.md §4.7's
// DB-pool warm-up before dispatch and single telemetry flush on completion.
func TestRunStringsWarmsUpOnceAndFlushesOnceOnCompletion(t *testing.T) {
	client := &countingClient{}
	b, repo := newTestBatch(client)
	spy := &warmFlushSpy{}

	opts := Options{MaxConcurrent: 3, WarmUp: spy, Flush: spy}
	opts.Repository = repo
	ids := []string{"conv-0", "conv-1", "conv-2"}
	prompts := []string{"a", "b", "c"}
	_ = b.RunStrings(context.Background(), ids, prompts, generation.Params{Model: "test-model"}, opts)

	if spy.warmedUp != 1 {
		t.Fatalf("expected exactly one warm-up call, got %d", spy.warmedUp)
	}
	if spy.flushed != 1 {
		t.Fatalf("expected exactly one flush call, got %d", spy.flushed)
	}
}

// TestRunTemplateRendersPerInputVars checks template mode: one template
// rendered against each entry of varsList.
func TestRunTemplateRendersPerInputVars(t *testing.T) {
	client := &countingClient{}
	b, repo := newTestBatch(client)

	ids := []string{"conv-0", "conv-1"}
	varsList := []map[string]any{
		{"Name": "Ada"},
		{"Name": "Grace"},
	}
	opts := Options{}
	opts.Repository = repo
	results := b.RunTemplate(context.Background(), ids, "hello {{.Name}}", varsList, generation.Params{Model: "test-model"}, opts)

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	want := []string{"reply to hello Ada", "reply to hello Grace"}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("result %d: unexpected error %v", i, r.Err)
		}
		last := r.Conversation.Messages[len(r.Conversation.Messages)-1]
		if last.Content != want[i] {
			t.Fatalf("result %d: expected %q, got %q", i, want[i], last.Content)
		}
	}
}
