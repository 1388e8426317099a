package openaicompat

import (
	"context"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/conduit/generation"
	"goa.design/conduit/message"
)

type stubChatClient struct {
	resp *openai.ChatCompletion
	err  error
}

func (s *stubChatClient) New(context.Context, openai.ChatCompletionNewParams, ...option.RequestOption) (*openai.ChatCompletion, error) {
	return s.resp, s.err
}

func (s *stubChatClient) NewStreaming(context.Context, openai.ChatCompletionNewParams, ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk] {
	return nil
}

func TestCompleteTextOnly(t *testing.T) {
	stub := &stubChatClient{
		resp: &openai.ChatCompletion{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Content: "world"}, FinishReason: "stop"},
			},
			Usage: openai.CompletionUsage{PromptTokens: 10, CompletionTokens: 5},
		},
	}
	cl, err := New(stub, Options{DefaultModel: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := generation.Request{Messages: []message.Message{message.NewUser("hello")}}
	resp, cerr := cl.Complete(context.Background(), req)
	if cerr != nil {
		t.Fatalf("Complete: %v", cerr)
	}
	if resp.Message.Content != "world" {
		t.Fatalf("unexpected content %q", resp.Message.Content)
	}
	if resp.Metadata.InputTokens != 10 || resp.Metadata.OutputTokens != 5 {
		t.Fatalf("unexpected usage %+v", resp.Metadata)
	}
}

func TestPrepareRequestRejectsEmptyMessages(t *testing.T) {
	cl, _ := New(&stubChatClient{}, Options{DefaultModel: "gpt-4o-mini"})
	_, cerr := cl.prepareRequest(generation.Request{})
	if cerr == nil {
		t.Fatalf("expected validation error for empty messages")
	}
}
