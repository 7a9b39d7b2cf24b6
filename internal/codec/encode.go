package codec

import (
	"encoding/json"

	"github.com/howard-nolan/cloudrelay/internal/anthropic"
	"github.com/howard-nolan/cloudrelay/internal/catalog"
)

// Options tune the request translation.
type Options struct {
	// SystemPrefix is the identity preamble, prepended to any caller
	// system text on every request.
	SystemPrefix string
	// GeminiMaxTokens caps maxOutputTokens for the Gemini family.
	GeminiMaxTokens int
	// Signatures re-attaches thought signatures the client stripped.
	Signatures *SignatureCache
}

// ToGoogle translates a Messages request into the upstream request object.
// Unknown block types are dropped; a message whose blocks all drop is
// omitted entirely.
func ToGoogle(req *anthropic.MessagesRequest, opts Options) *Request {
	out := &Request{}

	// tool_use ids map to declaration names so tool results can name the
	// function they answer. Clients echo ids, not names.
	names := make(map[string]string)
	for _, msg := range req.Messages {
		for _, b := range msg.Content {
			if b.Type == anthropic.BlockToolUse && b.ID != "" {
				names[b.ID] = b.Name
			}
		}
	}

	for _, msg := range req.Messages {
		role := msg.Role
		if role == "assistant" {
			role = "model"
		}
		var parts []Part
		for _, b := range msg.Content {
			switch b.Type {
			case anthropic.BlockText:
				if b.Text != "" {
					parts = append(parts, Part{Text: b.Text})
				}
			case anthropic.BlockThinking:
				parts = append(parts, Part{
					Text:             b.Thinking,
					Thought:          true,
					ThoughtSignature: opts.signatureFor(b.Thinking, b.Signature),
				})
			case anthropic.BlockToolUse:
				args := b.Input
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				parts = append(parts, Part{
					// Replayed calls never carry a live signature.
					ThoughtSignature: SkipSignatureSentinel,
					FunctionCall: &FunctionCall{
						ID:   b.ID,
						Name: b.Name,
						Args: args,
					},
				})
			case anthropic.BlockToolResult:
				name := names[b.ToolUseID]
				if name == "" {
					name = b.ToolUseID
				}
				parts = append(parts, Part{
					FunctionResponse: &FunctionResponse{
						ID:       b.ToolUseID,
						Name:     name,
						Response: toolResultPayload(b),
					},
				})
			case anthropic.BlockImage:
				if b.Source != nil && b.Source.Data != "" {
					parts = append(parts, Part{
						InlineData: &Blob{
							MimeType: b.Source.MediaType,
							Data:     b.Source.Data,
						},
					})
				}
			}
		}
		if len(parts) > 0 {
			out.Contents = append(out.Contents, Content{Role: role, Parts: parts})
		}
	}

	if text := systemText(opts.SystemPrefix, req.System); text != "" {
		out.SystemInstruction = &Content{
			Role:  "user",
			Parts: []Part{{Text: text}},
		}
	}

	out.Tools, out.ToolConfig = toGoogleTools(req.Tools, req.ToolChoice)

	out.GenerationConfig = GenerationConfig{
		CandidateCount:  1,
		MaxOutputTokens: catalog.ClampMaxTokens(req.Model, req.MaxTokens, opts.GeminiMaxTokens),
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		StopSequences:   req.StopSequences,
	}
	if catalog.IsThinking(req.Model) {
		tc := &ThinkingConfig{IncludeThoughts: true}
		if req.Thinking.Enabled() && req.Thinking.BudgetTokens > 0 {
			tc.ThinkingBudget = req.Thinking.BudgetTokens
		}
		out.GenerationConfig.ThinkingConfig = tc
	}

	return out
}

// signatureFor picks which thought signature to send: the client's when it
// looks real, a cached one when the client stripped it, the skip sentinel
// otherwise.
func (o Options) signatureFor(content, provided string) string {
	if ValidSignature(provided) {
		return provided
	}
	if o.Signatures != nil {
		if sig, ok := o.Signatures.Get(content); ok {
			return sig
		}
	}
	return SkipSignatureSentinel
}

func systemText(prefix string, system anthropic.SystemPrompt) string {
	caller := system.Text()
	switch {
	case prefix == "":
		return caller
	case caller == "":
		return prefix
	}
	return prefix + "\n\n" + caller
}

// toolResultPayload shapes a tool_result's content for functionResponse.
// The upstream wants a JSON object: structured output passes through,
// plain text rides in a result field.
func toolResultPayload(b anthropic.ContentBlock) map[string]any {
	text := b.Content.Text()
	key := "result"
	if b.IsError {
		key = "error"
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(text), &parsed); err == nil && parsed != nil {
		return map[string]any{key: parsed}
	}
	return map[string]any{key: text}
}

func toGoogleTools(tools []anthropic.Tool, choice *anthropic.ToolChoice) ([]Tool, *ToolConfig) {
	var decls []FunctionDeclaration
	for _, t := range tools {
		if t.Name == "" {
			continue
		}
		var schema map[string]any
		if len(t.InputSchema) > 0 {
			// A schema that fails to parse is sent without parameters
			// rather than failing the whole request.
			_ = json.Unmarshal(t.InputSchema, &schema)
		}
		decls = append(decls, FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  CleanSchema(schema),
		})
	}
	if len(decls) == 0 {
		return nil, nil
	}

	fc := &FunctionCallingConfig{Mode: "AUTO"}
	if choice != nil {
		switch choice.Type {
		case "any":
			fc.Mode = "ANY"
		case "tool":
			fc.Mode = "ANY"
			if choice.Name != "" {
				fc.AllowedFunctionNames = []string{choice.Name}
			}
		case "none":
			fc.Mode = "NONE"
		}
	}
	return []Tool{{FunctionDeclarations: decls}}, &ToolConfig{FunctionCallingConfig: fc}
}
