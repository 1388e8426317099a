package streamparse

import (
	"context"
	"testing"
)

// TestScenarioS4StreamingEarlyTermination is spec.md §8 scenario S4: once
// the configured tag's closing element is seen, Parse returns immediately
// without reading the chunk that follows, and the pre-match/match text
// match the scenario's exact wording.
func TestScenarioS4StreamingEarlyTermination(t *testing.T) {
	s := &fakeStreamer{chunks: []string{
		"Thinking... <function_calls><invoke name='x'/></function_calls>",
		" and more...",
	}}
	res := Parse(context.Background(), s, ModeXML, "function_calls", true)

	if !res.Matched {
		t.Fatalf("expected a match")
	}
	if res.PreMatchText != "Thinking... " {
		t.Fatalf("unexpected pre-match text %q", res.PreMatchText)
	}
	if res.Match != "<function_calls><invoke name='x'/></function_calls>" {
		t.Fatalf("unexpected match %q", res.Match)
	}
	if !s.closed {
		t.Fatalf("expected the stream to be closed once the match completed")
	}
	if s.i != 1 {
		t.Fatalf("expected the stream to stop after the first chunk, consumed %d", s.i)
	}
}
