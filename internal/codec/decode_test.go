package codec

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/cloudrelay/internal/anthropic"
)

func TestFromGoogleMergesTextRuns(t *testing.T) {
	resp := &GenerateContentResponse{
		Candidates: []Candidate{{
			Content: Content{Role: "model", Parts: []Part{
				{Text: "reasoning", Thought: true, ThoughtSignature: strings.Repeat("x", 64)},
				{Text: "Hel"},
				{Text: "lo "},
				{Text: "world"},
			}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &UsageMetadata{PromptTokenCount: 12, CandidatesTokenCount: 7},
	}

	out := FromGoogle(resp, "claude-opus-4-6-thinking", nil)

	require.Len(t, out.Content, 2)
	assert.Equal(t, anthropic.BlockThinking, out.Content[0].Type)
	assert.Equal(t, "reasoning", out.Content[0].Thinking)
	assert.Equal(t, anthropic.BlockText, out.Content[1].Type)
	assert.Equal(t, "Hello world", out.Content[1].Text)

	require.NotNil(t, out.StopReason)
	assert.Equal(t, anthropic.StopEndTurn, *out.StopReason)
	assert.Equal(t, 12, out.Usage.InputTokens)
	assert.Equal(t, 7, out.Usage.OutputTokens)
	assert.Regexp(t, `^msg_[0-9a-f]{32}$`, out.ID)
	assert.Equal(t, "assistant", out.Role)
}

func TestFromGoogleFunctionCall(t *testing.T) {
	resp := &GenerateContentResponse{
		Candidates: []Candidate{{
			Content: Content{Parts: []Part{
				{Text: "Let me check."},
				{FunctionCall: &FunctionCall{Name: "get_weather", Args: json.RawMessage(`{"city":"Oslo"}`)}},
			}},
			FinishReason: "STOP",
		}},
	}

	out := FromGoogle(resp, "gemini-3-flash", nil)

	require.Len(t, out.Content, 2)
	call := out.Content[1]
	assert.Equal(t, anthropic.BlockToolUse, call.Type)
	assert.Equal(t, "get_weather", call.Name)
	assert.Regexp(t, `^call_[0-9a-f]{12}$`, call.ID)
	assert.Equal(t, json.RawMessage(`{"city":"Oslo"}`), call.Input)

	// Function calls force tool_use even though the upstream said STOP.
	assert.Equal(t, anthropic.StopToolUse, *out.StopReason)
}

func TestFromGoogleKeepsUpstreamCallID(t *testing.T) {
	resp := &GenerateContentResponse{
		Candidates: []Candidate{{
			Content: Content{Parts: []Part{
				{FunctionCall: &FunctionCall{ID: "upstream-id-1", Name: "search"}},
			}},
		}},
	}
	out := FromGoogle(resp, "gemini-3-flash", nil)
	assert.Equal(t, "upstream-id-1", out.Content[0].ID)
	assert.Equal(t, json.RawMessage("{}"), out.Content[0].Input)
}

func TestFromGoogleFinishReasons(t *testing.T) {
	cases := []struct {
		finish string
		want   string
	}{
		{"STOP", anthropic.StopEndTurn},
		{"", anthropic.StopEndTurn},
		{"MAX_TOKENS", anthropic.StopMaxTokens},
		{"SAFETY", anthropic.StopStopSequence},
		{"RECITATION", anthropic.StopStopSequence},
		{"OTHER", anthropic.StopEndTurn},
	}
	for _, tc := range cases {
		resp := &GenerateContentResponse{
			Candidates: []Candidate{{
				Content:      Content{Parts: []Part{{Text: "x"}}},
				FinishReason: tc.finish,
			}},
		}
		out := FromGoogle(resp, "gemini-3-flash", nil)
		assert.Equal(t, tc.want, *out.StopReason, "finish=%q", tc.finish)
	}
}

func TestFromGoogleBlockedResponseNotice(t *testing.T) {
	resp := &GenerateContentResponse{
		Candidates: []Candidate{{FinishReason: "SAFETY"}},
	}
	out := FromGoogle(resp, "gemini-3-flash", nil)

	require.Len(t, out.Content, 1)
	assert.Equal(t, anthropic.BlockText, out.Content[0].Type)
	assert.Contains(t, out.Content[0].Text, "SAFETY")
	assert.Equal(t, anthropic.StopStopSequence, *out.StopReason)
}

func TestFromGoogleCachesSignatures(t *testing.T) {
	longSig := strings.Repeat("s", 80)
	sigs := NewSignatureCache(time.Hour)
	resp := &GenerateContentResponse{
		Candidates: []Candidate{{
			Content: Content{Parts: []Part{
				{Text: "deep thought", Thought: true, ThoughtSignature: longSig},
				{Text: "shallow thought", Thought: true, ThoughtSignature: "short"},
			}},
		}},
	}

	out := FromGoogle(resp, "claude-opus-4-6-thinking", sigs)

	assert.Equal(t, longSig, out.Content[0].Signature)
	cached, ok := sigs.Get("deep thought")
	require.True(t, ok)
	assert.Equal(t, longSig, cached)

	// Short signatures neither surface nor cache.
	assert.Empty(t, out.Content[1].Signature)
	_, ok = sigs.Get("shallow thought")
	assert.False(t, ok)
}

func TestIsEmpty(t *testing.T) {
	assert.True(t, IsEmpty(&GenerateContentResponse{}))
	assert.True(t, IsEmpty(&GenerateContentResponse{
		Candidates: []Candidate{{Content: Content{Parts: []Part{{}}}}},
	}))
	assert.False(t, IsEmpty(&GenerateContentResponse{
		Candidates: []Candidate{{Content: Content{Parts: []Part{{Text: "hi"}}}}},
	}))
	assert.False(t, IsEmpty(&GenerateContentResponse{
		Candidates: []Candidate{{Content: Content{Parts: []Part{
			{FunctionCall: &FunctionCall{Name: "f"}},
		}}}},
	}))
	assert.False(t, IsEmpty(&GenerateContentResponse{
		UsageMetadata: &UsageMetadata{CandidatesTokenCount: 3},
	}))
}

func TestUnwrapResponse(t *testing.T) {
	wrapped := []byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}}`)
	resp, err := UnwrapResponse(wrapped)
	require.NoError(t, err)
	require.Len(t, resp.Candidates, 1)
	assert.Equal(t, "hi", resp.Candidates[0].Content.Parts[0].Text)

	bare := []byte(`{"candidates":[{"content":{"parts":[{"text":"yo"}]}}]}`)
	resp, err = UnwrapResponse(bare)
	require.NoError(t, err)
	assert.Equal(t, "yo", resp.Candidates[0].Content.Parts[0].Text)

	_, err = UnwrapResponse([]byte(`not json`))
	assert.Error(t, err)
}

// An assistant turn encoded for the upstream and fed back as a candidate
// must reconstruct the same blocks, ids included.
func TestRoundTripAssistantBlocks(t *testing.T) {
	sig := strings.Repeat("s", 64)
	req := &anthropic.MessagesRequest{
		Model:     "claude-opus-4-6-thinking",
		MaxTokens: 512,
		Messages: []anthropic.Message{
			textMessage("user", "look this up"),
			{Role: "assistant", Content: anthropic.BlockList{
				{Type: anthropic.BlockThinking, Thinking: "weighing options", Signature: sig},
				{Type: anthropic.BlockText, Text: "Checking now."},
				{Type: anthropic.BlockToolUse, ID: "call_1234567890ab", Name: "lookup", Input: json.RawMessage(`{"q":1}`)},
			}},
		},
	}

	enc := ToGoogle(req, Options{})
	require.Len(t, enc.Contents, 2)
	turn := enc.Contents[1]
	require.Equal(t, "model", turn.Role)

	out := FromGoogle(&GenerateContentResponse{
		Candidates: []Candidate{{Content: turn, FinishReason: "STOP"}},
	}, req.Model, nil)

	require.Len(t, out.Content, 3)
	assert.Equal(t, anthropic.BlockThinking, out.Content[0].Type)
	assert.Equal(t, "weighing options", out.Content[0].Thinking)
	assert.Equal(t, sig, out.Content[0].Signature)
	assert.Equal(t, anthropic.BlockText, out.Content[1].Type)
	assert.Equal(t, "Checking now.", out.Content[1].Text)
	call := out.Content[2]
	assert.Equal(t, anthropic.BlockToolUse, call.Type)
	assert.Equal(t, "call_1234567890ab", call.ID)
	assert.Equal(t, "lookup", call.Name)
	assert.Equal(t, json.RawMessage(`{"q":1}`), call.Input)
	assert.Equal(t, anthropic.StopToolUse, *out.StopReason)
}
