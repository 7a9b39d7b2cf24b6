// Package catalog is the static table of models the relay serves: which
// family they belong to, whether they emit thinking output, their token
// limits, and the cross-family fallback used when a family's quota is
// exhausted.
package catalog

import (
	"regexp"
	"strconv"
	"strings"
)

// Family identifies the upstream model family. The two families speak the
// same generateContent protocol but differ in header requirements, output
// token caps, and thought-signature handling.
type Family string

const (
	FamilyClaude  Family = "claude"
	FamilyGemini  Family = "gemini"
	FamilyUnknown Family = "unknown"
)

// Model describes one servable model.
type Model struct {
	ID            string
	DisplayName   string
	Family        Family
	Thinking      bool
	MaxTokens     int // hard cap on maxOutputTokens for this model
	ContextWindow int
}

// models is the serving table, in the order /v1/models reports them.
// The upstream accepts exactly these identifiers.
var models = []Model{
	{ID: "claude-opus-4-6-thinking", DisplayName: "Claude Opus 4.6 (Thinking)", Family: FamilyClaude, Thinking: true, MaxTokens: 64000, ContextWindow: 200000},
	{ID: "claude-sonnet-4-5-thinking", DisplayName: "Claude Sonnet 4.5 (Thinking)", Family: FamilyClaude, Thinking: true, MaxTokens: 64000, ContextWindow: 200000},
	{ID: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5", Family: FamilyClaude, Thinking: false, MaxTokens: 64000, ContextWindow: 200000},
	{ID: "gemini-3-pro-high", DisplayName: "Gemini 3 Pro (High)", Family: FamilyGemini, Thinking: true, MaxTokens: 16384, ContextWindow: 1048576},
	{ID: "gemini-3-pro-low", DisplayName: "Gemini 3 Pro (Low)", Family: FamilyGemini, Thinking: true, MaxTokens: 16384, ContextWindow: 1048576},
	{ID: "gemini-3-flash", DisplayName: "Gemini 3 Flash", Family: FamilyGemini, Thinking: true, MaxTokens: 16384, ContextWindow: 1048576},
}

// fallbacks maps a model to the cross-family substitute used when every
// account is exhausted for the primary. The mapping deliberately crosses
// families: quota is tracked per family upstream, so the sibling family
// usually still has headroom.
var fallbacks = map[string]string{
	"gemini-3-pro-high":          "claude-opus-4-6-thinking",
	"gemini-3-pro-low":           "claude-sonnet-4-5",
	"gemini-3-flash":             "claude-sonnet-4-5-thinking",
	"claude-opus-4-6-thinking":   "gemini-3-pro-high",
	"claude-sonnet-4-5-thinking": "gemini-3-flash",
	"claude-sonnet-4-5":          "gemini-3-flash",
}

// List returns the serving table. Callers must not mutate the result.
func List() []Model {
	return models
}

// Lookup returns the catalog entry for id. Context-window suffixes such as
// "[1m]" are stripped before matching, so "gemini-3-pro-high[1m]" resolves
// to the gemini-3-pro-high entry.
func Lookup(id string) (Model, bool) {
	base := StripSuffix(id)
	for _, m := range models {
		if m.ID == base {
			return m, true
		}
	}
	return Model{}, false
}

// StripSuffix removes a trailing bracketed context-window marker, e.g.
// "gemini-3-flash[1m]" -> "gemini-3-flash".
func StripSuffix(id string) string {
	if i := strings.IndexByte(id, '['); i > 0 && strings.HasSuffix(id, "]") {
		return id[:i]
	}
	return id
}

var geminiVersion = regexp.MustCompile(`gemini-(\d+)`)

// FamilyOf detects the family from a model name. Detection is substring
// based so unknown variants of a known family still route correctly.
func FamilyOf(model string) Family {
	lower := strings.ToLower(model)
	if strings.Contains(lower, "claude") {
		return FamilyClaude
	}
	if strings.Contains(lower, "gemini") {
		return FamilyGemini
	}
	return FamilyUnknown
}

// IsThinking reports whether a model emits reasoning as thought parts.
// Claude models opt in via a "-thinking" name; Gemini models are thinking
// models from generation 3 on, or when the name says so explicitly.
func IsThinking(model string) bool {
	lower := strings.ToLower(StripSuffix(model))
	switch FamilyOf(lower) {
	case FamilyClaude:
		return strings.Contains(lower, "thinking")
	case FamilyGemini:
		if strings.Contains(lower, "thinking") {
			return true
		}
		if m := geminiVersion.FindStringSubmatch(lower); len(m) == 2 {
			if v, err := strconv.Atoi(m[1]); err == nil {
				return v >= 3
			}
		}
	}
	return false
}

// Fallback returns the cross-family substitute for model, if one is mapped.
func Fallback(model string) (string, bool) {
	fb, ok := fallbacks[StripSuffix(model)]
	return fb, ok
}

// ClampMaxTokens bounds a requested max_tokens to what the model accepts.
// Zero or negative requests get the model's full budget. geminiCap is the
// configured ceiling applied to the Gemini family on top of the per-model
// limit (the upstream rejects larger values with INVALID_ARGUMENT).
func ClampMaxTokens(model string, requested, geminiCap int) int {
	limit := 0
	if m, ok := Lookup(model); ok {
		limit = m.MaxTokens
	}
	if FamilyOf(model) == FamilyGemini && geminiCap > 0 && (limit == 0 || geminiCap < limit) {
		limit = geminiCap
	}
	if requested <= 0 {
		if limit > 0 {
			return limit
		}
		return 4096
	}
	if limit > 0 && requested > limit {
		return limit
	}
	return requested
}
