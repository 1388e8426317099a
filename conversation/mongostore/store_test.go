package mongostore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/conduit/conversation"
	"goa.design/conduit/message"
)

func TestConversationDocumentRoundTrip(t *testing.T) {
	c := conversation.New("support")
	c.Session = "sess_1"
	c.Append(message.NewSystem("be concise"))
	c.Append(message.NewUserMultimodal("alice",
		message.TextBlock{Text: "what is this?"},
		message.ImageBlock{URLOrDataURI: "https://example.com/a.png", Detail: message.DetailHigh},
	))
	c.Append(message.NewAssistant("", message.ToolCallBlock{
		ID: "call_1", Function: "lookup", Arguments: map[string]any{"q": "a.png"},
	}))
	c.Append(message.NewTool("call_1", "it's a cat"))

	doc := fromConversation(c)
	require.Equal(t, c.ID, doc.ConversationID)
	require.Equal(t, "sess_1", doc.Session)
	require.Len(t, doc.Messages, 4)

	back := doc.toConversation()
	require.Equal(t, c.ID, back.ID)
	require.Equal(t, c.Session, back.Session)
	require.Len(t, back.Messages, 4)
	require.Equal(t, message.RoleUser, back.Messages[1].Role)
	require.Len(t, back.Messages[1].Blocks, 2)
	require.Equal(t, message.ImageBlock{URLOrDataURI: "https://example.com/a.png", Detail: message.DetailHigh}, back.Messages[1].Blocks[1])
	require.Equal(t, "call_1", back.Messages[2].ToolCalls[0].ID)
	require.Equal(t, "call_1", back.Messages[3].ToolCallID)
}

func TestBlockDocumentRoundTripAllKinds(t *testing.T) {
	blocks := []message.Block{
		message.TextBlock{Text: "hi"},
		message.ImageBlock{URLOrDataURI: "data:image/png;base64,AA", Detail: message.DetailAuto},
		message.AudioBlock{Base64Data: "AA==", Format: message.AudioFormatWAV},
		message.ToolCallBlock{ID: "c1", Function: "f", Arguments: map[string]any{"x": 1.0}},
		message.ToolResultBlock{ToolCallID: "c1", Content: "done"},
		message.DocumentBlock{Title: "report.pdf", MediaType: "application/pdf", Base64Data: "AA==", EnableCitations: true},
		message.CitationsBlock{
			Text: "cats are cute",
			Citations: []message.Citation{
				{DocumentTitle: "report.pdf", Location: message.CitationLocation{Kind: "page", StartIndex: 1, EndIndex: 2}, CitedText: "cats"},
			},
		},
		message.ThinkingBlock{Text: "reasoning...", Signature: "sig"},
		message.CacheCheckpointBlock{},
	}
	for _, b := range blocks {
		doc := toBlockDocument(b)
		require.Equal(t, b, doc.toBlock())
	}
}
