// Package streamparse consumes a provider chunk stream incrementally,
// accumulating a buffer, and locates either a complete XML element with a
// configured tag name or a balanced JSON object, per spec.md §4.4.
//
// Grounded on the original StreamToolParser (original_source/src/conduit/
// capabilities/skills/stream_parser.py): buffer-accumulate-and-rescan on
// every chunk, non-nested first-tag-pair matching, and the
// must-not-raise-on-cancellation contract (the Python version swallows
// KeyboardInterrupt and still returns the partial buffer; here the same
// guarantee is expressed as "Parse never returns an error, only a partial
// Result"). JSON brace-matching is new relative to the original (XML-only)
// since spec.md requires both modes.
package streamparse

import (
	"context"
	"strings"

	"goa.design/conduit/provider"
)

// Mode selects which matching rule Parse applies to the accumulated buffer.
type Mode string

const (
	ModeXML  Mode = "xml"
	ModeJSON Mode = "json"
)

// Result is the outcome of Parse: the text preceding a match, the matched
// payload (empty/Matched=false if none was found before the stream ended
// or was canceled), and the full accumulated buffer.
type Result struct {
	PreMatchText string
	Match        string
	Matched      bool
	FullBuffer   string
}

// Parse drains stream, accumulating text chunks into a buffer that is
// rescanned after every chunk for a complete match in mode. When tag is
// set (ModeXML), it is wrapped as "<tag>"/"</tag>"; JSON mode ignores tag.
//
// On match with closeOnMatch, Parse closes stream and returns immediately.
// Without closeOnMatch, Parse keeps draining remaining chunks into
// FullBuffer after the first match, without searching for a second one.
//
// Parse never returns an error: on context cancellation, a stream error,
// or plain EOF, it closes the stream and returns whatever was accumulated,
// with Matched=false if no match had yet been found.
func Parse(ctx context.Context, stream provider.Streamer, mode Mode, tag string, closeOnMatch bool) Result {
	defer stream.Close()

	var buf strings.Builder
	matched := false
	var pre, match string

	for {
		chunk, ok, cerr := stream.Recv(ctx)
		if cerr != nil || !ok {
			break
		}
		if chunk.Type != provider.ChunkText {
			continue
		}
		buf.WriteString(chunk.Text)
		if matched {
			continue
		}

		text := buf.String()
		start, end, found := findMatch(text, mode, tag)
		if !found {
			continue
		}
		matched = true
		pre = text[:start]
		match = text[start:end]
		if closeOnMatch {
			return Result{PreMatchText: pre, Match: match, Matched: true, FullBuffer: text}
		}
	}

	full := buf.String()
	if matched {
		return Result{PreMatchText: pre, Match: match, Matched: true, FullBuffer: full}
	}
	return Result{PreMatchText: full, FullBuffer: full, Matched: false}
}

func findMatch(text string, mode Mode, tag string) (start, end int, ok bool) {
	switch mode {
	case ModeXML:
		return findXMLElement(text, tag)
	case ModeJSON:
		return findJSONObject(text)
	default:
		return 0, 0, false
	}
}

// findXMLElement finds the first "<tag>...</tag>" pair in text. Nested
// identical tags are not handled, matching the original's single-pass
// find/find contract.
func findXMLElement(text, tag string) (start, end int, ok bool) {
	if tag == "" {
		return 0, 0, false
	}
	open := "<" + tag + ">"
	closeTag := "</" + tag + ">"

	startIdx := strings.Index(text, open)
	if startIdx == -1 {
		return 0, 0, false
	}
	endIdxStart := strings.Index(text[startIdx:], closeTag)
	if endIdxStart == -1 {
		return 0, 0, false
	}
	endIdx := startIdx + endIdxStart + len(closeTag)
	return startIdx, endIdx, true
}

// findJSONObject finds the first balanced "{...}" object in text, starting
// from the first unescaped "{", tracking brace depth while skipping
// characters inside string literals delimited by unescaped quotes.
func findJSONObject(text string) (start, end int, ok bool) {
	startIdx := strings.IndexByte(text, '{')
	if startIdx == -1 {
		return 0, 0, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := startIdx; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return startIdx, i + 1, true
			}
		}
	}
	return 0, 0, false
}
