// Package cloudcode speaks the upstream Cloud Code protocol: the request
// envelope and header set, the endpoint fallback order, and the dispatch
// engine that coordinates accounts, retries, and streaming.
package cloudcode

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/google/uuid"

	"github.com/howard-nolan/cloudrelay/internal/anthropic"
	"github.com/howard-nolan/cloudrelay/internal/catalog"
	"github.com/howard-nolan/cloudrelay/internal/codec"
)

// Upstream hosts in generateContent fallback order. The daily host runs
// ahead of production and accepts the newest models, so it goes first.
const (
	EndpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	EndpointProd  = "https://cloudcode-pa.googleapis.com"
)

// DiscoveryEndpoints orders loadCodeAssist the other way round: production
// provisions fresh accounts more reliably than daily.
var DiscoveryEndpoints = []string{EndpointProd, EndpointDaily}

// DefaultProject serves accounts whose discovery returns no managed
// project.
const DefaultProject = "rising-fact-p41fc"

// clientVersion is the Antigravity build the relay impersonates. The
// upstream gates model access on the client identification headers.
const clientVersion = "1.16.5"

// ClientMetadata enum values from the v1internal ClientMetadata message.
const (
	ideTypeAntigravity = 6
	pluginTypeGemini   = 2

	platformWindows = 1
	platformLinux   = 2
	platformMacOS   = 3
)

func platformEnum() int {
	switch runtime.GOOS {
	case "windows":
		return platformWindows
	case "linux":
		return platformLinux
	case "darwin":
		return platformMacOS
	}
	return 0
}

// UserAgent identifies the relay as the Antigravity client on this host.
func UserAgent() string {
	return fmt.Sprintf("antigravity/%s %s/%s", clientVersion, runtime.GOOS, runtime.GOARCH)
}

// Metadata is the client metadata object sent on discovery calls.
func Metadata() map[string]any {
	return map[string]any{
		"ideType":    ideTypeAntigravity,
		"platform":   platformEnum(),
		"pluginType": pluginTypeGemini,
	}
}

// BaseHeaders is the identification header set every upstream call carries.
func BaseHeaders() map[string]string {
	meta, _ := json.Marshal(Metadata())
	return map[string]string{
		"User-Agent":        UserAgent(),
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":   string(meta),
	}
}

// RequestHeaders builds the header set for one generateContent call.
// Claude thinking models need the interleaved-thinking flag or the
// upstream rejects replayed thought blocks.
func RequestHeaders(token, model string, stream bool) map[string]string {
	h := BaseHeaders()
	h["Content-Type"] = "application/json"
	h["Authorization"] = "Bearer " + token
	if stream {
		h["Accept"] = "text/event-stream"
	}
	if catalog.FamilyOf(model) == catalog.FamilyClaude && catalog.IsThinking(model) {
		h["anthropic-beta"] = "interleaved-thinking-2025-05-14"
	}
	return h
}

// Envelope is the outer payload of a generateContent call.
type Envelope struct {
	Project     string         `json:"project"`
	RequestID   string         `json:"requestId"`
	Model       string         `json:"model"`
	UserAgent   string         `json:"userAgent"`
	RequestType string         `json:"requestType"`
	Request     *codec.Request `json:"request"`
}

// NewEnvelope wraps an encoded request for dispatch under an account's
// project. The request id is fresh per call; the session id is pinned to
// the conversation so retries and later turns hash identically and hit the
// upstream prompt cache.
func NewEnvelope(project, model string, req *anthropic.MessagesRequest, inner *codec.Request) *Envelope {
	inner.SessionID = SessionID(req)
	return &Envelope{
		Project:     project,
		RequestID:   "agent-" + uuid.NewString(),
		Model:       catalog.StripSuffix(model),
		UserAgent:   "antigravity",
		RequestType: "agent",
		Request:     inner,
	}
}

// SessionID derives the stable conversation id from the first user
// message. Messages without text fall back to their raw content, keeping
// the digest deterministic for tool-result-only turns.
func SessionID(req *anthropic.MessagesRequest) string {
	for _, msg := range req.Messages {
		if msg.Role != "user" {
			continue
		}
		text := msg.Content.Text()
		if text == "" {
			raw, _ := json.Marshal(msg.Content)
			text = string(raw)
		}
		sum := sha256.Sum256([]byte(text))
		return hex.EncodeToString(sum[:])
	}
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}
