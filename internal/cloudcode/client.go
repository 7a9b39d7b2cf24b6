package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	pathGenerate = "/v1internal:generateContent"
	pathStream   = "/v1internal:streamGenerateContent?alt=sse"
)

// Client posts request envelopes to upstream endpoints.
type Client struct {
	httpc *http.Client
}

// NewClient builds a client whose timeout covers the whole exchange,
// including streaming reads, so it should be generous.
func NewClient(timeout time.Duration) *Client {
	return &Client{httpc: &http.Client{Timeout: timeout}}
}

// Call posts env to one endpoint; stream selects the SSE method. The
// caller owns the response body.
func (c *Client) Call(ctx context.Context, endpoint, token string, env *Envelope, stream bool) (*http.Response, error) {
	path := pathGenerate
	if stream {
		path = pathStream
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	for k, v := range RequestHeaders(token, env.Model, stream) {
		req.Header.Set(k, v)
	}
	return c.httpc.Do(req)
}

// readBody consumes and closes an error response body, bounded so a
// misbehaving upstream cannot balloon memory.
func readBody(resp *http.Response) []byte {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	return body
}

// drain discards a body so the connection can be reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}
