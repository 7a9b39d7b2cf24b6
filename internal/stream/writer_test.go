package stream

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/howard-nolan/cloudrelay/internal/anthropic"
)

func TestWriterLazyHeaderCommit(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	if w.Committed() {
		t.Fatal("Committed() = true before any event")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "" {
		t.Fatalf("headers written early: Content-Type = %q", ct)
	}

	if err := w.Send(anthropic.MessageStopEvent{Type: anthropic.EventMessageStop}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if !w.Committed() {
		t.Error("Committed() = false after Send")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", cc)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if !rec.Flushed {
		t.Error("response was not flushed")
	}
}

func TestWriterEventFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	w, _ := NewWriter(rec)

	ev := anthropic.ContentBlockDeltaEvent{
		Type:  anthropic.EventContentBlockDelta,
		Index: 0,
		Delta: anthropic.ContentDelta{Type: anthropic.DeltaText, Text: "hi"},
	}
	if err := w.Send(ev); err != nil {
		t.Fatalf("Send: %v", err)
	}

	want := "event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}` +
		"\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

// flushless hides the Flusher that ResponseRecorder normally exposes.
type flushless struct{ http.ResponseWriter }

func TestWriterRequiresFlusher(t *testing.T) {
	if _, err := NewWriter(flushless{httptest.NewRecorder()}); err == nil {
		t.Fatal("NewWriter accepted a non-flushing writer")
	}
}
