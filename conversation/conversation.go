// Package conversation defines the ordered-message-sequence container that
// Engine drives through GENERATE/EXECUTE/TERMINATE and that Conduit loads
// from and saves to a Repository. State is always derived from the trailing
// message(s), never stored, mirroring the teacher's session.Session split
// between durable lifecycle metadata (kept here as Topic/Leaf/Session) and
// the message transcript itself (runtime/agent/session/session.go).
package conversation

import (
	"crypto/rand"
	"encoding/hex"
	"errors"

	"goa.design/conduit/message"
)

// State is the derived execution state of a Conversation; see spec.md §3.
type State string

const (
	// StateGenerate means the trailing message is from the user and the
	// Engine should call the model.
	StateGenerate State = "generate"
	// StateExecute means the trailing message is an assistant message with
	// pending tool calls.
	StateExecute State = "execute"
	// StateTerminate means the trailing message is a final assistant reply.
	StateTerminate State = "terminate"
	// StateIncomplete means the conversation is malformed: it does not open
	// with a system/user message, or a tool call has no matching result.
	StateIncomplete State = "incomplete"
)

// Conversation is an ordered sequence of messages together with branching
// and session metadata. Conversations exclusively own their Messages (see
// spec.md §3 Ownership); callers that need to mutate a borrowed
// Conversation must clone it first via Clone.
type Conversation struct {
	ID       string
	Topic    string
	Messages []message.Message
	Leaf     string
	Session  string
}

// New creates an empty Conversation with a fresh ID and the given topic.
func New(topic string) *Conversation {
	return &Conversation{ID: newID(), Topic: topic}
}

// Append adds msg to the end of the conversation and updates Leaf. Append is
// the only method that adds messages; DropTrailingIfUser and TruncateHistory
// are the only ones that remove them.
func (c *Conversation) Append(msg message.Message) {
	c.Messages = append(c.Messages, msg)
	c.Leaf = leafID(c.ID, len(c.Messages))
}

// Last returns the trailing message and true, or the zero Message and false
// when the conversation is empty.
func (c *Conversation) Last() (message.Message, bool) {
	if len(c.Messages) == 0 {
		return message.Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// State derives the Engine-facing state from the trailing message(s),
// exactly as specified in spec.md §3: GENERATE if the last message is from
// the user, EXECUTE if the last is an assistant message with pending tool
// calls, TERMINATE if the last is an assistant message with none, and
// INCOMPLETE if the transcript does not open with SYSTEM/USER or a tool
// call is left unanswered.
func (c *Conversation) State() State {
	if len(c.Messages) == 0 {
		return StateIncomplete
	}
	first := c.Messages[0]
	if first.Role != message.RoleSystem && first.Role != message.RoleUser {
		return StateIncomplete
	}
	if c.hasHangingToolCall() {
		return StateIncomplete
	}
	last := c.Messages[len(c.Messages)-1]
	switch last.Role {
	case message.RoleUser:
		return StateGenerate
	case message.RoleAssistant:
		if len(last.ToolCalls) > 0 {
			return StateExecute
		}
		return StateTerminate
	case message.RoleTool:
		// A trailing tool result (with no hanging call, already ruled
		// out above) means the EXECUTE step just finished: the Engine's
		// transition table sends this straight back to GENERATE.
		return StateGenerate
	default:
		return StateIncomplete
	}
}

// hasHangingToolCall reports whether any ToolCallBlock emitted by an
// assistant message lacks a matching Tool message later in the transcript.
// Only the trailing assistant turn can legitimately have pending calls (that
// is StateExecute); any earlier unanswered call means the transcript was
// corrupted or truncated.
func (c *Conversation) hasHangingToolCall() bool {
	answered := make(map[string]bool)
	for _, m := range c.Messages {
		if m.Role == message.RoleTool {
			answered[m.ToolCallID] = true
		}
	}
	for i, m := range c.Messages {
		if m.Role != message.RoleAssistant || len(m.ToolCalls) == 0 {
			continue
		}
		isTrailing := i == len(c.Messages)-1
		for _, tc := range m.ToolCalls {
			if !answered[tc.ID] && !isTrailing {
				return true
			}
		}
	}
	return false
}

// Validate checks structural invariants from spec.md §3: at most one system
// message, present only at index 0; every tool message correlates to a
// prior tool call.
func (c *Conversation) Validate() error {
	seenSystem := false
	known := make(map[string]bool)
	for i, m := range c.Messages {
		if err := m.Validate(); err != nil {
			return err
		}
		if m.Role == message.RoleSystem {
			if i != 0 {
				return errors.New("conversation: system message must be at index 0")
			}
			if seenSystem {
				return errors.New("conversation: at most one system message allowed")
			}
			seenSystem = true
		}
		for _, tc := range m.ToolCalls {
			known[tc.ID] = true
		}
		if m.Role == message.RoleTool && !known[m.ToolCallID] {
			return errors.New("conversation: tool message references unknown tool_call_id " + m.ToolCallID)
		}
	}
	return nil
}

// Clone deep-copies the conversation's message slice so a borrowed
// Conversation can be mutated without aliasing the caller's copy.
func (c *Conversation) Clone() *Conversation {
	out := &Conversation{ID: c.ID, Topic: c.Topic, Leaf: c.Leaf, Session: c.Session}
	out.Messages = append([]message.Message(nil), c.Messages...)
	for i := range out.Messages {
		out.Messages[i].ToolCalls = append([]message.ToolCallBlock(nil), out.Messages[i].ToolCalls...)
		out.Messages[i].Blocks = append([]message.Block(nil), out.Messages[i].Blocks...)
	}
	return out
}

// DropTrailingIfUser implements the Conduit crash-recovery rule (spec.md
// §4.6): when the trailing message is a user turn, a previous run crashed
// before the assistant replied. Dropping it yields idempotent resubmission.
// Returns true if a message was dropped.
func (c *Conversation) DropTrailingIfUser() bool {
	if len(c.Messages) == 0 {
		return false
	}
	if c.Messages[len(c.Messages)-1].Role != message.RoleUser {
		return false
	}
	c.Messages = c.Messages[:len(c.Messages)-1]
	if len(c.Messages) == 0 {
		c.Leaf = ""
		return true
	}
	c.Leaf = leafID(c.ID, len(c.Messages))
	return true
}

// TruncateHistory drops the oldest messages so at most max remain, always
// keeping a leading system message if one is present. max <= 0 means no
// truncation.
func (c *Conversation) TruncateHistory(max int) {
	if max <= 0 || len(c.Messages) <= max {
		return
	}
	hasSystem := len(c.Messages) > 0 && c.Messages[0].Role == message.RoleSystem
	if !hasSystem {
		c.Messages = c.Messages[len(c.Messages)-max:]
		return
	}
	keep := max - 1
	if keep < 0 {
		keep = 0
	}
	tail := c.Messages[len(c.Messages)-keep:]
	c.Messages = append([]message.Message{c.Messages[0]}, tail...)
}

func leafID(conversationID string, n int) string {
	return conversationID + ":" + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func newID() string {
	var b [16]byte
	_, _ = rand.Read(b)
	return hex.EncodeToString(b[:])
}
