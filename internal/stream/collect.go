package stream

import (
	"io"

	"github.com/howard-nolan/cloudrelay/internal/codec"
)

// Collect drains an upstream SSE body into one assembled response, for
// requests the client wants whole but the upstream only serves as a
// stream. Adjacent fragments of the same text or thought run are merged
// back together; the last finish reason and usage win.
func Collect(body io.Reader) (*codec.GenerateContentResponse, error) {
	merged := &codec.GenerateContentResponse{Candidates: []codec.Candidate{{}}}
	cand := &merged.Candidates[0]

	err := fragments(body, func(frag *codec.GenerateContentResponse) bool {
		if u := frag.UsageMetadata; u != nil {
			merged.UsageMetadata = u
		}
		if len(frag.Candidates) == 0 {
			return true
		}
		fc := frag.Candidates[0]
		if fc.FinishReason != "" {
			cand.FinishReason = fc.FinishReason
		}
		for _, p := range fc.Content.Parts {
			appendPart(&cand.Content.Parts, p)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// appendPart extends the trailing part when the new one continues the same
// run of text or thought, otherwise appends. Later signatures replace
// earlier ones; the upstream sends the real signature on the final
// fragment of a thought.
func appendPart(parts *[]codec.Part, p codec.Part) {
	if n := len(*parts); n > 0 {
		last := &(*parts)[n-1]
		if mergeable(*last) && mergeable(p) && last.Thought == p.Thought {
			last.Text += p.Text
			if p.ThoughtSignature != "" {
				last.ThoughtSignature = p.ThoughtSignature
			}
			return
		}
	}
	*parts = append(*parts, p)
}

func mergeable(p codec.Part) bool {
	return p.FunctionCall == nil && p.FunctionResponse == nil && p.InlineData == nil
}
