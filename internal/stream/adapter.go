// Package stream turns the upstream server-sent event protocol into the
// Messages API event sequence and writes it to HTTP clients.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/howard-nolan/cloudrelay/internal/anthropic"
	"github.com/howard-nolan/cloudrelay/internal/codec"
)

// Upstream fragments can carry whole model outputs on one data line, so the
// scanner needs room well beyond the bufio default.
const (
	scanBufSize = 64 * 1024
	scanBufMax  = 8 * 1024 * 1024
)

// eventBuffer bounds the adapter's output channel. A slow client backs the
// channel up, which stalls the upstream socket read instead of growing an
// unbounded queue.
const eventBuffer = 64

// fragments parses an SSE body line by line, invoking fn for each decoded
// data payload. It returns when the body ends, a [DONE] marker arrives, or
// fn asks to stop. Blank lines, comments, and undecodable payloads are
// skipped.
func fragments(body io.Reader, fn func(*codec.GenerateContentResponse) bool) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, scanBufSize), scanBufMax)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return nil
		}
		frag, err := codec.UnwrapResponse([]byte(payload))
		if err != nil {
			continue
		}
		if !fn(frag) {
			return nil
		}
	}
	return sc.Err()
}

// Adapter converts one upstream stream into Messages API events. Run parses
// the body and pushes events; Events delivers them. The adapter starts the
// message lazily on the first piece of content, so a stream that produces
// nothing emits zero events and the caller is free to retry. Accessors
// other than Events are valid once the event channel has closed.
type Adapter struct {
	model string
	sigs  *codec.SignatureCache

	events chan anthropic.Event

	started      bool
	index        int
	openKind     string
	openSig      string
	thinkingBuf  strings.Builder
	sawTool      bool
	finishReason string
	inputTokens  int
	outputTokens int
	err          error
}

func NewAdapter(model string, sigs *codec.SignatureCache) *Adapter {
	return &Adapter{
		model:  model,
		sigs:   sigs,
		events: make(chan anthropic.Event, eventBuffer),
	}
}

// Events yields the translated stream. The channel closes when Run returns.
func (a *Adapter) Events() <-chan anthropic.Event { return a.events }

// Err reports why the stream ended early: a transport failure or the
// consumer's cancelled context. Nil after a clean end of stream.
func (a *Adapter) Err() error { return a.err }

// Empty reports whether the upstream finished without producing any
// content or counted output tokens. Empty responses happen intermittently
// upstream and are worth retrying.
func (a *Adapter) Empty() bool { return !a.started && a.outputTokens == 0 }

// Run consumes the upstream SSE body until it ends, fails, or ctx is
// cancelled, then closes Events. Every opened block is stopped before the
// final event, and block indices count up from zero.
func (a *Adapter) Run(ctx context.Context, body io.Reader) {
	defer close(a.events)

	err := fragments(body, func(frag *codec.GenerateContentResponse) bool {
		return a.apply(ctx, frag)
	})
	if a.err != nil {
		return
	}
	if err != nil {
		a.abort(ctx, err)
		return
	}
	a.closeStream(ctx)
}

func (a *Adapter) apply(ctx context.Context, frag *codec.GenerateContentResponse) bool {
	if u := frag.UsageMetadata; u != nil {
		a.inputTokens = u.PromptTokenCount
		a.outputTokens = u.CandidatesTokenCount
	}
	if len(frag.Candidates) == 0 {
		return true
	}
	cand := frag.Candidates[0]
	if cand.FinishReason != "" {
		a.finishReason = cand.FinishReason
	}
	for _, p := range cand.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			if !a.emitToolUse(ctx, p.FunctionCall) {
				return false
			}
		case p.Thought:
			if !a.emitThinking(ctx, p) {
				return false
			}
		case p.Text != "":
			if !a.emitText(ctx, p.Text) {
				return false
			}
		}
	}
	return true
}

// start emits message_start once, carrying whatever prompt token count has
// been seen so far.
func (a *Adapter) start(ctx context.Context) bool {
	if a.started {
		return true
	}
	a.started = true
	return a.send(ctx, anthropic.MessageStartEvent{
		Type: anthropic.EventMessageStart,
		Message: anthropic.MessagesResponse{
			ID:      anthropic.NewMessageID(),
			Type:    "message",
			Role:    "assistant",
			Model:   a.model,
			Content: []anthropic.ContentBlock{},
			Usage:   anthropic.Usage{InputTokens: a.inputTokens},
		},
	})
}

func (a *Adapter) emitText(ctx context.Context, text string) bool {
	if !a.start(ctx) {
		return false
	}
	if a.openKind != anthropic.BlockText {
		if !a.closeBlock(ctx) {
			return false
		}
		a.openKind = anthropic.BlockText
		if !a.send(ctx, anthropic.ContentBlockStartEvent{
			Type:         anthropic.EventContentBlockStart,
			Index:        a.index,
			ContentBlock: anthropic.ContentBlock{Type: anthropic.BlockText},
		}) {
			return false
		}
	}
	return a.send(ctx, anthropic.ContentBlockDeltaEvent{
		Type:  anthropic.EventContentBlockDelta,
		Index: a.index,
		Delta: anthropic.ContentDelta{Type: anthropic.DeltaText, Text: text},
	})
}

func (a *Adapter) emitThinking(ctx context.Context, p codec.Part) bool {
	if !a.start(ctx) {
		return false
	}
	if a.openKind != anthropic.BlockThinking {
		if !a.closeBlock(ctx) {
			return false
		}
		a.openKind = anthropic.BlockThinking
		a.openSig = ""
		a.thinkingBuf.Reset()
		if !a.send(ctx, anthropic.ContentBlockStartEvent{
			Type:         anthropic.EventContentBlockStart,
			Index:        a.index,
			ContentBlock: anthropic.ContentBlock{Type: anthropic.BlockThinking},
		}) {
			return false
		}
	}
	if p.ThoughtSignature != "" {
		a.openSig = p.ThoughtSignature
	}
	if p.Text == "" {
		return true
	}
	a.thinkingBuf.WriteString(p.Text)
	return a.send(ctx, anthropic.ContentBlockDeltaEvent{
		Type:  anthropic.EventContentBlockDelta,
		Index: a.index,
		Delta: anthropic.ContentDelta{Type: anthropic.DeltaThinking, Thinking: p.Text},
	})
}

// emitToolUse opens, fills, and closes a tool_use block in one go. The
// upstream hands over complete call arguments, so the input arrives as a
// single input_json_delta rather than simulated partial chunks.
func (a *Adapter) emitToolUse(ctx context.Context, fc *codec.FunctionCall) bool {
	if !a.start(ctx) {
		return false
	}
	if !a.closeBlock(ctx) {
		return false
	}
	a.sawTool = true

	id := fc.ID
	if id == "" {
		id = anthropic.NewToolUseID()
	}
	args := fc.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	if !a.send(ctx, anthropic.ContentBlockStartEvent{
		Type:  anthropic.EventContentBlockStart,
		Index: a.index,
		ContentBlock: anthropic.ContentBlock{
			Type:  anthropic.BlockToolUse,
			ID:    id,
			Name:  fc.Name,
			Input: json.RawMessage("{}"),
		},
	}) {
		return false
	}
	if !a.send(ctx, anthropic.ContentBlockDeltaEvent{
		Type:  anthropic.EventContentBlockDelta,
		Index: a.index,
		Delta: anthropic.ContentDelta{Type: anthropic.DeltaInputJSON, PartialJSON: string(args)},
	}) {
		return false
	}
	if !a.send(ctx, anthropic.ContentBlockStopEvent{
		Type:  anthropic.EventContentBlockStop,
		Index: a.index,
	}) {
		return false
	}
	a.index++
	return true
}

// closeBlock stops the open text or thinking block, flushing the block's
// signature first when one was observed.
func (a *Adapter) closeBlock(ctx context.Context) bool {
	if a.openKind == "" {
		return true
	}
	if a.openKind == anthropic.BlockThinking && codec.ValidSignature(a.openSig) {
		if a.sigs != nil {
			a.sigs.Put(a.thinkingBuf.String(), a.openSig)
		}
		if !a.send(ctx, anthropic.ContentBlockDeltaEvent{
			Type:  anthropic.EventContentBlockDelta,
			Index: a.index,
			Delta: anthropic.ContentDelta{Type: anthropic.DeltaSignature, Signature: a.openSig},
		}) {
			return false
		}
	}
	a.openKind = ""
	a.openSig = ""
	a.thinkingBuf.Reset()
	if !a.send(ctx, anthropic.ContentBlockStopEvent{
		Type:  anthropic.EventContentBlockStop,
		Index: a.index,
	}) {
		return false
	}
	a.index++
	return true
}

func (a *Adapter) closeStream(ctx context.Context) {
	if !a.started {
		return
	}
	if !a.closeBlock(ctx) {
		return
	}
	stop := codec.StopReason(a.finishReason, a.sawTool)
	if !a.send(ctx, anthropic.MessageDeltaEvent{
		Type:  anthropic.EventMessageDelta,
		Delta: anthropic.MessageDeltaBody{StopReason: anthropic.StopReasonPtr(stop)},
		Usage: anthropic.MessageDeltaUsage{OutputTokens: a.outputTokens},
	}) {
		return
	}
	a.send(ctx, anthropic.MessageStopEvent{Type: anthropic.EventMessageStop})
}

// abort handles a broken upstream read. If nothing was emitted yet the
// stream just ends and the caller may retry; otherwise the client has seen
// partial output, so open blocks are closed and a terminal error event is
// sent.
func (a *Adapter) abort(ctx context.Context, err error) {
	a.err = err
	if !a.started {
		return
	}
	if !a.closeBlock(ctx) {
		return
	}
	a.send(ctx, anthropic.NewError(anthropic.ErrAPI, "upstream disconnected mid-stream"))
}

func (a *Adapter) send(ctx context.Context, ev anthropic.Event) bool {
	if ctx.Err() != nil {
		a.err = ctx.Err()
		return false
	}
	select {
	case a.events <- ev:
		return true
	case <-ctx.Done():
		a.err = ctx.Err()
		return false
	}
}
