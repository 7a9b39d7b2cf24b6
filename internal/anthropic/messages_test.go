package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageContentStringShorthand(t *testing.T) {
	var req MessagesRequest
	err := json.Unmarshal([]byte(`{
		"model": "claude-sonnet-4-5",
		"max_tokens": 100,
		"messages": [{"role": "user", "content": "hello there"}]
	}`), &req)
	require.NoError(t, err)
	require.Len(t, req.Messages, 1)
	require.Len(t, req.Messages[0].Content, 1)
	assert.Equal(t, BlockText, req.Messages[0].Content[0].Type)
	assert.Equal(t, "hello there", req.Messages[0].Content[0].Text)
}

func TestSystemPromptBothForms(t *testing.T) {
	var req MessagesRequest
	err := json.Unmarshal([]byte(`{"model":"m","max_tokens":1,"system":"be brief","messages":[]}`), &req)
	require.NoError(t, err)
	assert.Equal(t, "be brief", req.System.Text())

	err = json.Unmarshal([]byte(`{"model":"m","max_tokens":1,
		"system":[{"type":"text","text":"one"},{"type":"text","text":"two"}],"messages":[]}`), &req)
	require.NoError(t, err)
	assert.Equal(t, "one\n\ntwo", req.System.Text())
}

func TestToolResultStringContent(t *testing.T) {
	var msg Message
	err := json.Unmarshal([]byte(`{
		"role": "user",
		"content": [{"type": "tool_result", "tool_use_id": "toolu_abc", "content": "42 files"}]
	}`), &msg)
	require.NoError(t, err)
	require.Len(t, msg.Content, 1)
	blk := msg.Content[0]
	assert.Equal(t, BlockToolResult, blk.Type)
	assert.Equal(t, "toolu_abc", blk.ToolUseID)
	require.Len(t, blk.Content, 1)
	assert.Equal(t, "42 files", blk.Content[0].Text)
}

func TestThinkingConfigEnabled(t *testing.T) {
	var cfg *ThinkingConfig
	assert.False(t, cfg.Enabled(), "nil config must not panic")
	assert.True(t, (&ThinkingConfig{Type: "enabled", BudgetTokens: 2048}).Enabled())
	assert.False(t, (&ThinkingConfig{Type: "disabled"}).Enabled())
}

func TestResponseEmitsNullStops(t *testing.T) {
	out, err := json.Marshal(MessagesResponse{
		ID:      "msg_x",
		Type:    "message",
		Role:    "assistant",
		Model:   "claude-sonnet-4-5",
		Content: []ContentBlock{},
	})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"stop_reason":null`)
	assert.Contains(t, string(out), `"stop_sequence":null`)
}

func TestIDFormats(t *testing.T) {
	msgID := NewMessageID()
	assert.Regexp(t, `^msg_[0-9a-f]{32}$`, msgID)

	toolID := NewToolUseID()
	assert.Regexp(t, `^call_[0-9a-f]{12}$`, toolID)

	assert.NotEqual(t, NewMessageID(), NewMessageID())
}
