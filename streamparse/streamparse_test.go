package streamparse

import (
	"context"
	"testing"

	"goa.design/conduit/conduiterr"
	"goa.design/conduit/provider"
)

// fakeStreamer replays a fixed sequence of text chunks, tracking whether
// Close was called.
type fakeStreamer struct {
	chunks []string
	i      int
	closed bool
}

func (s *fakeStreamer) Recv(ctx context.Context) (provider.Chunk, bool, *conduiterr.Error) {
	if s.i >= len(s.chunks) {
		return provider.Chunk{}, false, nil
	}
	c := provider.Chunk{Type: provider.ChunkText, Text: s.chunks[s.i]}
	s.i++
	return c, true, nil
}

func (s *fakeStreamer) Close() error {
	s.closed = true
	return nil
}

func TestParseXMLMatchWithinSingleChunk(t *testing.T) {
	s := &fakeStreamer{chunks: []string{"hello <tool>do_thing</tool> world"}}
	res := Parse(context.Background(), s, ModeXML, "tool", true)
	if !res.Matched {
		t.Fatalf("expected a match")
	}
	if res.PreMatchText != "hello " {
		t.Fatalf("unexpected pre-match text %q", res.PreMatchText)
	}
	if res.Match != "<tool>do_thing</tool>" {
		t.Fatalf("unexpected match %q", res.Match)
	}
	if !s.closed {
		t.Fatalf("expected stream to be closed on match with closeOnMatch=true")
	}
}

func TestParseXMLMatchStraddlesChunkBoundary(t *testing.T) {
	s := &fakeStreamer{chunks: []string{"pre <to", "ol>payload</to", "ol> post"}}
	res := Parse(context.Background(), s, ModeXML, "tool", true)
	if !res.Matched {
		t.Fatalf("expected a match spanning chunk boundaries")
	}
	if res.Match != "<tool>payload</tool>" {
		t.Fatalf("unexpected match %q", res.Match)
	}
}

func TestParseXMLNoMatchReturnsFullBufferOnEOF(t *testing.T) {
	s := &fakeStreamer{chunks: []string{"no tags here"}}
	res := Parse(context.Background(), s, ModeXML, "tool", true)
	if res.Matched {
		t.Fatalf("expected no match")
	}
	if res.FullBuffer != "no tags here" {
		t.Fatalf("unexpected buffer %q", res.FullBuffer)
	}
	if res.PreMatchText != res.FullBuffer {
		t.Fatalf("expected pre-match text to equal full buffer when no match found")
	}
}

func TestParseJSONMatchesBalancedObject(t *testing.T) {
	s := &fakeStreamer{chunks: []string{`prefix {"a": {"b": 1}, "c": "}"} suffix`}}
	res := Parse(context.Background(), s, ModeJSON, "", true)
	if !res.Matched {
		t.Fatalf("expected a match")
	}
	if res.Match != `{"a": {"b": 1}, "c": "}"}` {
		t.Fatalf("unexpected match %q", res.Match)
	}
	if res.PreMatchText != "prefix " {
		t.Fatalf("unexpected pre-match text %q", res.PreMatchText)
	}
}

func TestParseJSONIgnoresBracesInsideStrings(t *testing.T) {
	s := &fakeStreamer{chunks: []string{`{"note": "use { and } carefully"}`}}
	res := Parse(context.Background(), s, ModeJSON, "", true)
	if !res.Matched {
		t.Fatalf("expected a match")
	}
	if res.Match != `{"note": "use { and } carefully"}` {
		t.Fatalf("unexpected match %q", res.Match)
	}
}

func TestParseWithoutCloseOnMatchKeepsDraining(t *testing.T) {
	s := &fakeStreamer{chunks: []string{"<tool>x</tool>", " trailing text"}}
	res := Parse(context.Background(), s, ModeXML, "tool", false)
	if !res.Matched {
		t.Fatalf("expected a match")
	}
	if res.FullBuffer != "<tool>x</tool> trailing text" {
		t.Fatalf("expected draining to continue after match, got %q", res.FullBuffer)
	}
	if !s.closed {
		t.Fatalf("expected stream closed via defer once draining finished")
	}
}

// cancelingStreamer returns a context-canceled error on the first Recv,
// simulating an aborted consumer; Parse must not panic and must still
// close the stream.
type cancelingStreamer struct {
	closed bool
}

func (s *cancelingStreamer) Recv(ctx context.Context) (provider.Chunk, bool, *conduiterr.Error) {
	return provider.Chunk{}, false, conduiterr.New(conduiterr.CategoryClient, "canceled", "context canceled")
}

func (s *cancelingStreamer) Close() error {
	s.closed = true
	return nil
}

func TestParseClosesStreamAndReturnsPartialBufferOnCancellation(t *testing.T) {
	s := &cancelingStreamer{}
	res := Parse(context.Background(), s, ModeXML, "tool", true)
	if res.Matched {
		t.Fatalf("expected no match on immediate cancellation")
	}
	if !s.closed {
		t.Fatalf("expected stream to be closed even on cancellation")
	}
}
