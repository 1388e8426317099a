package middleware

import (
	"context"
	"testing"

	"goa.design/conduit/conduiterr"
	"goa.design/conduit/generation"
	"goa.design/conduit/message"
)

func TestAdaptiveRateLimiterWrapsAndObserves(t *testing.T) {
	l := NewAdaptiveRateLimiter(600000, 600000)
	calls := 0
	next := func(ctx context.Context, req generation.Request) (*generation.Response, *conduiterr.Error) {
		calls++
		return &generation.Response{Message: message.NewAssistant("hi")}, nil
	}
	pipe := l.Wrap(next)
	req := generation.Request{Messages: []message.Message{message.NewUser("hi")}}
	if _, cerr := pipe(context.Background(), req); cerr != nil {
		t.Fatalf("pipe: %v", cerr)
	}
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}

func TestAdaptiveRateLimiterBacksOffOnRateLimit(t *testing.T) {
	l := NewAdaptiveRateLimiter(1000, 1000)
	before := l.currentTPM
	next := func(ctx context.Context, req generation.Request) (*generation.Response, *conduiterr.Error) {
		return nil, conduiterr.New(conduiterr.CategoryServer, conduiterr.CodeRateLimited, "rate limited")
	}
	pipe := l.Wrap(next)
	req := generation.Request{Messages: []message.Message{message.NewUser("hi")}}
	if _, cerr := pipe(context.Background(), req); cerr == nil {
		t.Fatalf("expected rate-limited error to propagate")
	}
	if l.currentTPM >= before {
		t.Fatalf("expected backoff to reduce currentTPM, before=%v after=%v", before, l.currentTPM)
	}
}

func TestAdaptiveRateLimiterProbesOnSuccess(t *testing.T) {
	l := NewAdaptiveRateLimiter(1000, 2000)
	l.currentTPM = 1000
	next := func(ctx context.Context, req generation.Request) (*generation.Response, *conduiterr.Error) {
		return &generation.Response{Message: message.NewAssistant("hi")}, nil
	}
	pipe := l.Wrap(next)
	req := generation.Request{Messages: []message.Message{message.NewUser("hi")}}
	if _, cerr := pipe(context.Background(), req); cerr != nil {
		t.Fatalf("pipe: %v", cerr)
	}
	if l.currentTPM <= 1000 {
		t.Fatalf("expected probe to increase currentTPM above 1000, got %v", l.currentTPM)
	}
}
