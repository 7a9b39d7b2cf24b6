package codec

import (
	"encoding/json"
	"fmt"

	"github.com/howard-nolan/cloudrelay/internal/anthropic"
)

// FromGoogle translates a complete upstream response into a Messages
// response. Contiguous plain text parts collapse into one block; thought
// parts and function calls each get their own. Observed signatures land in
// the cache so later turns can replay them.
func FromGoogle(resp *GenerateContentResponse, model string, sigs *SignatureCache) *anthropic.MessagesResponse {
	out := &anthropic.MessagesResponse{
		ID:      anthropic.NewMessageID(),
		Type:    "message",
		Role:    "assistant",
		Model:   model,
		Content: []anthropic.ContentBlock{},
	}

	finish := ""
	sawTool := false
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		finish = cand.FinishReason

		text := ""
		flush := func() {
			if text != "" {
				out.Content = append(out.Content, anthropic.ContentBlock{
					Type: anthropic.BlockText,
					Text: text,
				})
				text = ""
			}
		}
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				flush()
				id := p.FunctionCall.ID
				if id == "" {
					id = anthropic.NewToolUseID()
				}
				args := p.FunctionCall.Args
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				out.Content = append(out.Content, anthropic.ContentBlock{
					Type:  anthropic.BlockToolUse,
					ID:    id,
					Name:  p.FunctionCall.Name,
					Input: args,
				})
				sawTool = true
			case p.Thought:
				flush()
				if sigs != nil {
					sigs.Put(p.Text, p.ThoughtSignature)
				}
				sig := p.ThoughtSignature
				if !ValidSignature(sig) {
					sig = ""
				}
				out.Content = append(out.Content, anthropic.ContentBlock{
					Type:      anthropic.BlockThinking,
					Thinking:  p.Text,
					Signature: sig,
				})
			case p.Text != "":
				text += p.Text
			}
		}
		flush()
	}

	stop := StopReason(finish, sawTool)
	if stop == anthropic.StopStopSequence && len(out.Content) == 0 {
		out.Content = append(out.Content, anthropic.ContentBlock{
			Type: anthropic.BlockText,
			Text: fmt.Sprintf("[Response blocked by upstream: %s]", finish),
		})
	}
	out.StopReason = anthropic.StopReasonPtr(stop)

	if u := resp.UsageMetadata; u != nil {
		out.Usage.InputTokens = u.PromptTokenCount
		out.Usage.OutputTokens = u.CandidatesTokenCount
	}
	return out
}

// StopReason maps an upstream finish reason onto the Messages vocabulary.
// A response carrying function calls is always tool_use regardless of what
// the upstream reports.
func StopReason(finish string, sawTool bool) string {
	if sawTool {
		return anthropic.StopToolUse
	}
	switch finish {
	case "MAX_TOKENS":
		return anthropic.StopMaxTokens
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII":
		return anthropic.StopStopSequence
	}
	return anthropic.StopEndTurn
}

// IsEmpty reports whether the upstream produced no usable output: no text,
// no thoughts, no function calls, and no counted output tokens. These
// responses show up intermittently and warrant a retry.
func IsEmpty(resp *GenerateContentResponse) bool {
	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			if p.Text != "" || p.FunctionCall != nil {
				return false
			}
		}
	}
	if u := resp.UsageMetadata; u != nil && u.CandidatesTokenCount > 0 {
		return false
	}
	return true
}
