// Package anthropic defines the wire types for the Messages API surface the
// relay exposes. The shapes follow the public API closely enough that
// official SDKs can talk to the relay unmodified.
package anthropic

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Content block types.
const (
	BlockText             = "text"
	BlockThinking         = "thinking"
	BlockRedactedThinking = "redacted_thinking"
	BlockToolUse          = "tool_use"
	BlockToolResult       = "tool_result"
	BlockImage            = "image"
)

// Stop reasons.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopToolUse      = "tool_use"
	StopStopSequence = "stop_sequence"
)

// MessagesRequest is the POST /v1/messages body.
type MessagesRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	Messages      []Message       `json:"messages"`
	System        SystemPrompt    `json:"system,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// Message is one conversation turn. Content accepts both the string
// shorthand and the block array form.
type Message struct {
	Role    string    `json:"role"`
	Content BlockList `json:"content"`
}

// ContentBlock is one element of a message's content array. The populated
// fields depend on Type.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking / redacted_thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string    `json:"tool_use_id,omitempty"`
	Content   BlockList `json:"content,omitempty"`
	IsError   bool      `json:"is_error,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource is the payload of an image block.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// BlockList is a content value that arrives either as a plain string or as
// an array of blocks. A bare string decodes to a single text block.
type BlockList []ContentBlock

func (b *BlockList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*b = nil
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = BlockList{{Type: BlockText, Text: s}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*b = blocks
	return nil
}

// Text concatenates the text of every text block.
func (b BlockList) Text() string {
	var sb strings.Builder
	for _, blk := range b {
		if blk.Type == BlockText {
			sb.WriteString(blk.Text)
		}
	}
	return sb.String()
}

// SystemPrompt accepts the string form and the block array form of the
// system field.
type SystemPrompt []ContentBlock

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	var blocks BlockList
	if err := blocks.UnmarshalJSON(data); err != nil {
		return err
	}
	*s = SystemPrompt(blocks)
	return nil
}

// Text joins the system blocks into one prompt string.
func (s SystemPrompt) Text() string {
	parts := make([]string, 0, len(s))
	for _, blk := range s {
		if blk.Type == BlockText && blk.Text != "" {
			parts = append(parts, blk.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Tool declares a callable tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolChoice steers tool selection. Type is one of auto, any, tool, none.
type ToolChoice struct {
	Type                   string `json:"type"`
	Name                   string `json:"name,omitempty"`
	DisableParallelToolUse bool   `json:"disable_parallel_tool_use,omitempty"`
}

// ThinkingConfig enables extended thinking on the request.
type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Enabled reports whether the request asked for thinking output.
func (t *ThinkingConfig) Enabled() bool {
	return t != nil && t.Type == "enabled"
}

// MessagesResponse is the non-streaming response body, and doubles as the
// message skeleton inside message_start events.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// Usage reports token consumption for a message.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// NewMessageID mints a response id in the public API's format.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewToolUseID mints an id for a tool_use block when the upstream call
// carried none.
func NewToolUseID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// StopReasonPtr is a convenience for the nullable stop_reason field.
func StopReasonPtr(reason string) *string {
	return &reason
}
