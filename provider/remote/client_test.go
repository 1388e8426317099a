package remote

import (
	"context"
	"encoding/json"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"goa.design/conduit/generation"
	"goa.design/conduit/message"
)

type stubConn struct {
	method string
	reply  any
	err    error
}

func (s *stubConn) Invoke(_ context.Context, method string, _, reply any, _ ...grpc.CallOption) error {
	s.method = method
	if s.err != nil {
		return s.err
	}
	switch r := reply.(type) {
	case *wrapperspb.BytesValue:
		*r = *s.reply.(*wrapperspb.BytesValue)
	case *wrapperspb.Int64Value:
		*r = *s.reply.(*wrapperspb.Int64Value)
	}
	return nil
}

func (s *stubConn) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, nil
}

func TestCompleteMarshalsAndUnmarshalsOverGRPC(t *testing.T) {
	respBytes, _ := json.Marshal(generation.Response{Message: message.NewAssistant("hi")})
	stub := &stubConn{reply: wrapperspb.Bytes(respBytes)}
	cl := New(stub)

	req := generation.Request{Messages: []message.Message{message.NewUser("hi")}}
	resp, cerr := cl.Complete(context.Background(), req)
	if cerr != nil {
		t.Fatalf("Complete: %v", cerr)
	}
	if resp.Message.Content != "hi" {
		t.Fatalf("unexpected response content %q", resp.Message.Content)
	}
	if stub.method != completeMethod {
		t.Fatalf("unexpected method %q", stub.method)
	}
}

func TestStreamUnsupported(t *testing.T) {
	cl := New(&stubConn{})
	_, cerr := cl.Stream(context.Background(), generation.Request{})
	if cerr == nil || cerr.Info.Code != "streaming_unsupported" {
		t.Fatalf("expected streaming unsupported error, got %v", cerr)
	}
}

func TestTokenizeRoundTrips(t *testing.T) {
	stub := &stubConn{reply: wrapperspb.Int64(42)}
	cl := New(stub)
	n, cerr := cl.Tokenize(context.Background(), "claude-3.5-sonnet", "hello world")
	if cerr != nil {
		t.Fatalf("Tokenize: %v", cerr)
	}
	if n != 42 {
		t.Fatalf("unexpected token count %d", n)
	}
	if stub.method != tokenizeMethod {
		t.Fatalf("unexpected method %q", stub.method)
	}
}
