package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/howard-nolan/cloudrelay/internal/anthropic"
)

// Writer sends events to an HTTP client as server-sent events. Headers go
// out with the first event, not at construction, so a request that fails
// before producing output can still receive a plain JSON error with a real
// status code.
type Writer struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	committed bool
}

// NewWriter wraps w. It fails when the ResponseWriter cannot flush, since
// buffered SSE defeats the point of streaming.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// Committed reports whether any event has reached the client. Once true,
// the response can only end via the stream itself.
func (sw *Writer) Committed() bool { return sw.committed }

// Send writes one event in the standard framing and flushes it out:
//
//	event: content_block_delta
//	data: {...}
//
// The blank line terminates the event; flushing after each one keeps
// delivery incremental.
func (sw *Writer) Send(ev anthropic.Event) error {
	if !sw.committed {
		h := sw.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		sw.w.WriteHeader(http.StatusOK)
		sw.committed = true
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", ev.EventName(), err)
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", ev.EventName(), data); err != nil {
		return fmt.Errorf("writing %s event: %w", ev.EventName(), err)
	}
	sw.flusher.Flush()
	return nil
}
