package message

import "encoding/json"

// Message and Block need a wire-format round trip for the cache and for
// any store that persists JSON rather than the driver-native document
// shape conversation/mongostore uses directly. Grounded on
// conversation/mongostore/store.go's blockDocument: a flat, kind-tagged
// struct big enough to hold every Block variant's fields, discriminated
// by a Kind string rather than Go's type switch (which JSON cannot see
// through an interface-typed field).

const (
	kindText            = "text"
	kindImage           = "image"
	kindAudio           = "audio"
	kindToolCall        = "tool_call"
	kindToolResult      = "tool_result"
	kindDocument        = "document"
	kindCitations       = "citations"
	kindThinking        = "thinking"
	kindCacheCheckpoint = "cache_checkpoint"
)

type wireBlock struct {
	Kind string `json:"kind"`

	Text string `json:"text,omitempty"`

	URLOrDataURI string      `json:"url_or_data_uri,omitempty"`
	Detail       ImageDetail `json:"detail,omitempty"`

	Base64Data string      `json:"base64_data,omitempty"`
	Format     AudioFormat `json:"format,omitempty"`

	ToolCallID string         `json:"tool_call_id,omitempty"`
	Function   string         `json:"function,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Content    string         `json:"content,omitempty"`

	Title           string `json:"title,omitempty"`
	MediaType       string `json:"media_type,omitempty"`
	EnableCitations bool   `json:"enable_citations,omitempty"`

	Citations []wireCitation `json:"citations,omitempty"`

	Signature string `json:"signature,omitempty"`
}

type wireCitation struct {
	DocumentTitle string `json:"document_title,omitempty"`
	LocationKind  string `json:"location_kind,omitempty"`
	StartIndex    int    `json:"start_index,omitempty"`
	EndIndex      int    `json:"end_index,omitempty"`
	URL           string `json:"url,omitempty"`
	CitedText     string `json:"cited_text,omitempty"`
}

func toWireBlock(b Block) wireBlock {
	switch v := b.(type) {
	case TextBlock:
		return wireBlock{Kind: kindText, Text: v.Text}
	case ImageBlock:
		return wireBlock{Kind: kindImage, URLOrDataURI: v.URLOrDataURI, Detail: v.Detail}
	case AudioBlock:
		return wireBlock{Kind: kindAudio, Base64Data: v.Base64Data, Format: v.Format}
	case ToolCallBlock:
		return wireBlock{Kind: kindToolCall, ToolCallID: v.ID, Function: v.Function, Arguments: v.Arguments}
	case ToolResultBlock:
		return wireBlock{Kind: kindToolResult, ToolCallID: v.ToolCallID, Content: v.Content}
	case DocumentBlock:
		return wireBlock{
			Kind: kindDocument, Title: v.Title, MediaType: v.MediaType,
			Base64Data: v.Base64Data, EnableCitations: v.EnableCitations,
		}
	case CitationsBlock:
		cites := make([]wireCitation, len(v.Citations))
		for i, c := range v.Citations {
			cites[i] = wireCitation{
				DocumentTitle: c.DocumentTitle,
				LocationKind:  c.Location.Kind,
				StartIndex:    c.Location.StartIndex,
				EndIndex:      c.Location.EndIndex,
				URL:           c.URL,
				CitedText:     c.CitedText,
			}
		}
		return wireBlock{Kind: kindCitations, Text: v.Text, Citations: cites}
	case ThinkingBlock:
		return wireBlock{Kind: kindThinking, Text: v.Text, Signature: v.Signature}
	case CacheCheckpointBlock:
		return wireBlock{Kind: kindCacheCheckpoint}
	default:
		return wireBlock{Kind: kindText}
	}
}

func (d wireBlock) toBlock() Block {
	switch d.Kind {
	case kindImage:
		return ImageBlock{URLOrDataURI: d.URLOrDataURI, Detail: d.Detail}
	case kindAudio:
		return AudioBlock{Base64Data: d.Base64Data, Format: d.Format}
	case kindToolCall:
		return ToolCallBlock{ID: d.ToolCallID, Function: d.Function, Arguments: d.Arguments}
	case kindToolResult:
		return ToolResultBlock{ToolCallID: d.ToolCallID, Content: d.Content}
	case kindDocument:
		return DocumentBlock{
			Title: d.Title, MediaType: d.MediaType, Base64Data: d.Base64Data,
			EnableCitations: d.EnableCitations,
		}
	case kindCitations:
		cites := make([]Citation, len(d.Citations))
		for i, c := range d.Citations {
			cites[i] = Citation{
				DocumentTitle: c.DocumentTitle,
				Location:      CitationLocation{Kind: c.LocationKind, StartIndex: c.StartIndex, EndIndex: c.EndIndex},
				URL:           c.URL,
				CitedText:     c.CitedText,
			}
		}
		return CitationsBlock{Text: d.Text, Citations: cites}
	case kindThinking:
		return ThinkingBlock{Text: d.Text, Signature: d.Signature}
	case kindCacheCheckpoint:
		return CacheCheckpointBlock{}
	default:
		return TextBlock{Text: d.Text}
	}
}

type wireMessage struct {
	Role       Role            `json:"role"`
	Content    string          `json:"content,omitempty"`
	Blocks     []wireBlock     `json:"blocks,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []wireBlock     `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	AudioID    string          `json:"audio_id,omitempty"`
}

// MarshalJSON renders m as a kind-tagged wire document so the Blocks
// interface slice survives a round trip.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		Role: m.Role, Content: m.Content, Name: m.Name,
		ToolCallID: m.ToolCallID, AudioID: m.AudioID,
	}
	if len(m.Blocks) > 0 {
		w.Blocks = make([]wireBlock, len(m.Blocks))
		for i, b := range m.Blocks {
			w.Blocks[i] = toWireBlock(b)
		}
	}
	if len(m.ToolCalls) > 0 {
		w.ToolCalls = make([]wireBlock, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			w.ToolCalls[i] = toWireBlock(tc)
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON restores a Message from the wire document MarshalJSON
// produces.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role, m.Content, m.Name, m.ToolCallID, m.AudioID = w.Role, w.Content, w.Name, w.ToolCallID, w.AudioID
	if len(w.Blocks) > 0 {
		m.Blocks = make([]Block, len(w.Blocks))
		for i, wb := range w.Blocks {
			m.Blocks[i] = wb.toBlock()
		}
	}
	if len(w.ToolCalls) > 0 {
		m.ToolCalls = make([]ToolCallBlock, len(w.ToolCalls))
		for i, wb := range w.ToolCalls {
			m.ToolCalls[i] = ToolCallBlock{ID: wb.ToolCallID, Function: wb.Function, Arguments: wb.Arguments}
		}
	}
	return nil
}
