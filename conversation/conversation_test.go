package conversation_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/conduit/conversation"
	"goa.design/conduit/message"
)

func TestStateEmptyIsIncomplete(t *testing.T) {
	c := conversation.New("t")
	require.Equal(t, conversation.StateIncomplete, c.State())
}

func TestStateGenerateAfterUserMessage(t *testing.T) {
	c := conversation.New("t")
	c.Append(message.NewUser("hello"))
	require.Equal(t, conversation.StateGenerate, c.State())
}

func TestStateExecuteWithPendingToolCalls(t *testing.T) {
	c := conversation.New("t")
	c.Append(message.NewUser("list files"))
	c.Append(message.NewAssistant("", message.ToolCallBlock{ID: "call_1", Function: "ls"}))
	require.Equal(t, conversation.StateExecute, c.State())
}

func TestStateTerminateAfterFinalAssistantReply(t *testing.T) {
	c := conversation.New("t")
	c.Append(message.NewUser("hi"))
	c.Append(message.NewAssistant("hello there"))
	require.Equal(t, conversation.StateTerminate, c.State())
}

func TestStateIncompleteWithoutLeadingSystemOrUser(t *testing.T) {
	c := &conversation.Conversation{
		Messages: []message.Message{message.NewAssistant("hi")},
	}
	require.Equal(t, conversation.StateIncomplete, c.State())
}

func TestStateIncompleteWithHangingToolCall(t *testing.T) {
	c := &conversation.Conversation{
		Messages: []message.Message{
			message.NewUser("do it"),
			message.NewAssistant("", message.ToolCallBlock{ID: "call_1", Function: "ls"}),
			message.NewUser("another turn snuck in"),
		},
	}
	require.Equal(t, conversation.StateIncomplete, c.State())
}

func TestDropTrailingIfUser(t *testing.T) {
	c := conversation.New("t")
	c.Append(message.NewUser("hi"))
	c.Append(message.NewAssistant("hello"))
	c.Append(message.NewUser("crashed before reply"))

	dropped := c.DropTrailingIfUser()
	require.True(t, dropped)
	require.Len(t, c.Messages, 2)
	require.Equal(t, conversation.StateTerminate, c.State())

	dropped = c.DropTrailingIfUser()
	require.False(t, dropped)
}

func TestTruncateHistoryKeepsLeadingSystem(t *testing.T) {
	c := conversation.New("t")
	c.Append(message.NewSystem("be concise"))
	for i := 0; i < 5; i++ {
		c.Append(message.NewUser("turn"))
		c.Append(message.NewAssistant("reply"))
	}
	c.TruncateHistory(4)
	require.Len(t, c.Messages, 4)
	require.Equal(t, message.RoleSystem, c.Messages[0].Role)
}

func TestValidateRejectsMisplacedSystemMessage(t *testing.T) {
	c := &conversation.Conversation{
		Messages: []message.Message{
			message.NewUser("hi"),
			message.NewSystem("too late"),
		},
	}
	require.Error(t, c.Validate())
}

func TestValidateRejectsUnknownToolCallID(t *testing.T) {
	c := &conversation.Conversation{
		Messages: []message.Message{
			message.NewUser("hi"),
			message.NewTool("call_nonexistent", "result"),
		},
	}
	require.Error(t, c.Validate())
}

func TestMemoryRepositoryRoundTrip(t *testing.T) {
	repo := conversation.NewMemoryRepository()
	ctx := context.Background()

	_, err := repo.Load(ctx, "missing")
	require.ErrorIs(t, err, conversation.ErrNotFound)

	c := conversation.New("t")
	c.Append(message.NewUser("hi"))
	require.NoError(t, repo.Save(ctx, c))

	loaded, err := repo.Load(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, c.ID, loaded.ID)
	require.Len(t, loaded.Messages, 1)

	// Mutating the loaded copy must not affect the stored state.
	loaded.Append(message.NewAssistant("hello"))
	reloaded, err := repo.Load(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, reloaded.Messages, 1)
}
