package anthropic

// Server-sent event names, in the order a well-formed stream emits them.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventError             = "error"
)

// Delta types inside content_block_delta.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaSignature = "signature_delta"
	DeltaInputJSON = "input_json_delta"
)

// Event is one streaming payload. EventName selects the SSE event line it
// is written under.
type Event interface {
	EventName() string
}

type MessageStartEvent struct {
	Type    string           `json:"type"`
	Message MessagesResponse `json:"message"`
}

func (MessageStartEvent) EventName() string { return EventMessageStart }

type ContentBlockStartEvent struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

func (ContentBlockStartEvent) EventName() string { return EventContentBlockStart }

// ContentDelta is the delta member of content_block_delta. Exactly one of
// the value fields is set, matching Type.
type ContentDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type ContentBlockDeltaEvent struct {
	Type  string       `json:"type"`
	Index int          `json:"index"`
	Delta ContentDelta `json:"delta"`
}

func (ContentBlockDeltaEvent) EventName() string { return EventContentBlockDelta }

type ContentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

func (ContentBlockStopEvent) EventName() string { return EventContentBlockStop }

// MessageDeltaBody carries the final stop reason.
type MessageDeltaBody struct {
	StopReason   *string `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// MessageDeltaUsage reports cumulative output tokens at end of stream.
type MessageDeltaUsage struct {
	OutputTokens int `json:"output_tokens"`
}

type MessageDeltaEvent struct {
	Type  string            `json:"type"`
	Delta MessageDeltaBody  `json:"delta"`
	Usage MessageDeltaUsage `json:"usage"`
}

func (MessageDeltaEvent) EventName() string { return EventMessageDelta }

type MessageStopEvent struct {
	Type string `json:"type"`
}

func (MessageStopEvent) EventName() string { return EventMessageStop }

// Error types from the public API's taxonomy.
const (
	ErrInvalidRequest = "invalid_request_error"
	ErrAuthentication = "authentication_error"
	ErrPermission     = "permission_error"
	ErrNotFound       = "not_found_error"
	ErrRateLimit      = "rate_limit_error"
	ErrAPI            = "api_error"
	ErrOverloaded     = "overloaded_error"
)

// ErrorResponse is the error body for both plain responses and error
// events on a stream.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

func (ErrorResponse) EventName() string { return EventError }

type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewError builds an ErrorResponse with the envelope type set.
func NewError(errType, message string) ErrorResponse {
	return ErrorResponse{
		Type:  "error",
		Error: ErrorDetail{Type: errType, Message: message},
	}
}

// ErrorTypeForStatus maps an HTTP status to the API error type emitted in
// the body alongside it.
func ErrorTypeForStatus(status int) string {
	switch status {
	case 400:
		return ErrInvalidRequest
	case 401:
		return ErrAuthentication
	case 403:
		return ErrPermission
	case 404:
		return ErrNotFound
	case 429:
		return ErrRateLimit
	case 529:
		return ErrOverloaded
	default:
		return ErrAPI
	}
}
