package cloudcode

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNoAccounts means the pool has nothing to dispatch on.
	ErrNoAccounts = errors.New("no accounts available")
	// ErrMaxRetries means the attempt budget ran out without a usable
	// response.
	ErrMaxRetries = errors.New("max retries exceeded")
)

// RateLimitError is a classified 429. Exhausted marks a long-horizon quota
// exhaustion rather than a momentary cooldown.
type RateLimitError struct {
	Model      string
	ResetAfter time.Duration
	Exhausted  bool
	Message    string
}

func (e *RateLimitError) Error() string {
	kind := "rate limited"
	if e.Exhausted {
		kind = "quota exhausted"
	}
	return fmt.Sprintf("%s %s, resets in %s", e.Model, kind, e.ResetAfter.Round(time.Second))
}

// UpstreamError is a non-429 upstream failure carrying the original status
// and body. 4xx statuses other than 401/429 pass through to the client
// unchanged.
type UpstreamError struct {
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Status)
}

// googleError is the standard error envelope on upstream failure bodies.
type googleError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type       string `json:"@type"`
			Reason     string `json:"reason,omitempty"`
			RetryDelay string `json:"retryDelay,omitempty"`
			Metadata   struct {
				Model               string `json:"model,omitempty"`
				QuotaResetDelay     string `json:"quotaResetDelay,omitempty"`
				QuotaResetTimeStamp string `json:"quotaResetTimeStamp,omitempty"`
			} `json:"metadata,omitempty"`
		} `json:"details,omitempty"`
	} `json:"error"`
}

// ParseRateLimit classifies a 429 response. Reset timing is taken in
// preference order: the Retry-After header, google.rpc.RetryInfo's
// retryDelay, then the QUOTA_EXHAUSTED detail's reset delay or timestamp.
// When nothing parses, fallback is used.
func ParseRateLimit(model string, header http.Header, body []byte, fallback time.Duration) *RateLimitError {
	rl := &RateLimitError{Model: model, ResetAfter: fallback}

	var parsed googleError
	if err := json.Unmarshal(body, &parsed); err == nil {
		rl.Message = parsed.Error.Message
	}

	if ra := strings.TrimSpace(header.Get("Retry-After")); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			rl.ResetAfter = time.Duration(secs) * time.Second
			rl.classify(&parsed)
			return rl
		}
	}

	for _, d := range parsed.Error.Details {
		if d.RetryDelay == "" {
			continue
		}
		if delay, err := time.ParseDuration(d.RetryDelay); err == nil && delay > 0 {
			rl.ResetAfter = delay
			rl.classify(&parsed)
			return rl
		}
	}

	if parsed.Error.Status == "RESOURCE_EXHAUSTED" {
		for _, d := range parsed.Error.Details {
			if d.Reason != "QUOTA_EXHAUSTED" {
				continue
			}
			rl.Exhausted = true
			if d.Metadata.QuotaResetDelay != "" {
				if delay, err := time.ParseDuration(d.Metadata.QuotaResetDelay); err == nil && delay > 0 {
					rl.ResetAfter = delay
					return rl
				}
			}
			if d.Metadata.QuotaResetTimeStamp != "" {
				if at, err := time.Parse(time.RFC3339, d.Metadata.QuotaResetTimeStamp); err == nil {
					if delay := time.Until(at); delay > 0 {
						rl.ResetAfter = delay
					}
					return rl
				}
			}
		}
	}

	return rl
}

// classify marks quota exhaustion even when the reset came from a header
// or RetryInfo detail.
func (e *RateLimitError) classify(parsed *googleError) {
	if parsed.Error.Status != "RESOURCE_EXHAUSTED" {
		return
	}
	for _, d := range parsed.Error.Details {
		if d.Reason == "QUOTA_EXHAUSTED" {
			e.Exhausted = true
			return
		}
	}
}
