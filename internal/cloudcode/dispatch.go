package cloudcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/howard-nolan/cloudrelay/internal/account"
	"github.com/howard-nolan/cloudrelay/internal/anthropic"
	"github.com/howard-nolan/cloudrelay/internal/auth"
	"github.com/howard-nolan/cloudrelay/internal/catalog"
	"github.com/howard-nolan/cloudrelay/internal/codec"
	"github.com/howard-nolan/cloudrelay/internal/config"
	"github.com/howard-nolan/cloudrelay/internal/metrics"
	"github.com/howard-nolan/cloudrelay/internal/stream"
)

// A 429 whose reset is at or under this is waited out against the same
// endpoint; anything longer parks the account and rotates.
const shortRetryMax = 10 * time.Second

// serverErrorWait spaces out endpoint and account rotation after 5xx and
// transport failures.
const serverErrorWait = time.Second

// emptyRetryBase doubles per empty-response retry: 500ms, then 1s.
const emptyRetryBase = 500 * time.Millisecond

const maxResponseBytes = 32 << 20

// emptyFallbackText is the synthetic reply sent when every empty-response
// retry also came back empty.
const emptyFallbackText = "[No response after retries - please try again]"

// EventSink receives streaming events as the adapter produces them.
// Committed reports whether anything has reached the client yet; once it
// has, the dispatch may not retry.
type EventSink interface {
	Send(ev anthropic.Event) error
	Committed() bool
}

// step tells the attempt loop what to do after an upstream 200 was
// consumed.
type step int

const (
	stepDone step = iota
	stepRetrySame
	stepNextAccount
)

// Engine coordinates accounts, endpoints, and retries for one upstream
// dispatch. Safe for concurrent use.
type Engine struct {
	cfg    *config.Config
	pool   *account.Pool
	auth   *auth.Cache
	client *Client
	sigs   *codec.SignatureCache
	met    *metrics.Metrics
	log    zerolog.Logger
}

func NewEngine(cfg *config.Config, pool *account.Pool, authc *auth.Cache, sigs *codec.SignatureCache, met *metrics.Metrics, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		pool:   pool,
		auth:   authc,
		client: NewClient(cfg.Upstream.RequestTimeout),
		sigs:   sigs,
		met:    met,
		log:    log,
	}
}

// Send dispatches req and returns the complete response.
func (e *Engine) Send(ctx context.Context, req *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error) {
	return e.dispatch(ctx, req, nil, true)
}

// SendStream dispatches req, forwarding events to sink as they arrive.
// A nil return means the stream completed; if sink.Committed() is true on
// error, the failure was already delivered as a terminal error event.
func (e *Engine) SendStream(ctx context.Context, req *anthropic.MessagesRequest, sink EventSink) error {
	_, err := e.dispatch(ctx, req, sink, true)
	return err
}

func (e *Engine) dispatch(ctx context.Context, req *anthropic.MessagesRequest, sink EventSink, allowFallback bool) (*anthropic.MessagesResponse, error) {
	model := req.Model
	log := e.log.With().Str("model", model).Logger()

	if e.pool.Len() == 0 {
		return nil, ErrNoAccounts
	}

	inner := codec.ToGoogle(req, codec.Options{
		SystemPrefix:    Preamble,
		GeminiMaxTokens: e.cfg.Upstream.GeminiMaxOutputTokens,
		Signatures:      e.sigs,
	})

	// Thinking models only deliver thought parts over the streaming
	// method, so one-shot requests to them stream upstream and are
	// reassembled locally.
	useSSE := sink != nil || catalog.IsThinking(model)

	attempts := e.cfg.Dispatch.MaxRetries
	if n := e.pool.Len() + 1; n > attempts {
		attempts = n
	}

	emptyRetries := 0
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.pool.ClearExpired()

		if len(e.pool.AvailableFor(model)) == 0 {
			if !e.pool.AllLimited(model) {
				return nil, ErrNoAccounts
			}
			wait, _ := e.pool.MinWait(model)
			if wait > e.cfg.Dispatch.MaxWait {
				if allowFallback && e.cfg.Dispatch.FallbackEnabled {
					if fb, ok := catalog.Fallback(model); ok {
						log.Warn().Str("fallback", fb).Dur("reset", wait).
							Msg("model exhausted on all accounts, hopping to fallback")
						e.met.FallbackHops.Inc()
						hop := *req
						hop.Model = fb
						return e.dispatch(ctx, &hop, sink, false)
					}
				}
				// Drop the limit state so the next request probes the
				// upstream instead of inheriting a long park.
				e.pool.ResetAll(model)
				return nil, &RateLimitError{
					Model:      model,
					ResetAfter: wait,
					Exhausted:  true,
					Message:    "all accounts exhausted for this model",
				}
			}
			log.Info().Dur("wait", wait).Msg("all accounts limited, waiting for reset")
			if err := e.sleep(ctx, wait+500*time.Millisecond); err != nil {
				return nil, err
			}
			continue
		}

		acct, ok := e.pool.Sticky(model)
		if !ok {
			if acct, ok = e.pool.PickNext(model); !ok {
				continue
			}
		}

		token, project, err := e.credentials(ctx, acct)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn().Err(err).Str("account", acct.Email).Msg("credential resolution failed, rotating account")
			lastErr = err
			e.pool.PickNext(model)
			continue
		}

		env := NewEnvelope(project, model, req, inner)
		retried429 := false
		reauthed := false

	endpoints:
		for ei := 0; ei < len(e.cfg.Upstream.Endpoints); ei++ {
			endpoint := e.cfg.Upstream.Endpoints[ei]
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			resp, err := e.client.Call(ctx, endpoint, token, env, useSSE)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				e.met.Attempt(endpoint, 0)
				log.Warn().Err(err).Str("endpoint", endpoint).Msg("upstream call failed, rotating account")
				lastErr = err
				if err := e.sleep(ctx, serverErrorWait); err != nil {
					return nil, err
				}
				e.pool.PickNext(model)
				break endpoints
			}
			e.met.Attempt(endpoint, resp.StatusCode)

			switch {
			case resp.StatusCode == http.StatusOK:
				out, next, err := e.consume(ctx, resp, model, sink, useSSE, &emptyRetries)
				switch next {
				case stepDone:
					return out, err
				case stepRetrySame:
					ei--
					continue
				default:
					log.Warn().Err(err).Str("endpoint", endpoint).Msg("upstream stream broke, rotating account")
					lastErr = err
					if err := e.sleep(ctx, serverErrorWait); err != nil {
						return nil, err
					}
					e.pool.PickNext(model)
					break endpoints
				}

			case resp.StatusCode == http.StatusUnauthorized:
				drain(resp)
				log.Warn().Str("account", acct.Email).Str("endpoint", endpoint).
					Msg("upstream rejected token, refreshing credentials")
				e.auth.InvalidateToken(acct.Email)
				e.auth.InvalidateProject(acct.Email)
				lastErr = &UpstreamError{Status: resp.StatusCode}
				if reauthed {
					continue
				}
				reauthed = true
				if token, project, err = e.credentials(ctx, acct); err != nil {
					if ctx.Err() != nil {
						return nil, ctx.Err()
					}
					lastErr = err
					e.pool.PickNext(model)
					break endpoints
				}
				env.Project = project
				continue

			case resp.StatusCode == http.StatusTooManyRequests:
				rl := ParseRateLimit(model, resp.Header, readBody(resp), e.cfg.Dispatch.DefaultCooldown)
				e.met.RateLimited.WithLabelValues(model).Inc()
				lastErr = rl
				if rl.ResetAfter > shortRetryMax || retried429 {
					log.Info().Str("account", acct.Email).Dur("reset", rl.ResetAfter).
						Bool("exhausted", rl.Exhausted).Msg("account rate limited, rotating")
					e.pool.MarkLimited(acct.Email, model, rl.ResetAfter)
					break endpoints
				}
				retried429 = true
				log.Debug().Dur("wait", rl.ResetAfter).Msg("short rate limit, retrying same endpoint")
				if err := e.sleep(ctx, rl.ResetAfter); err != nil {
					return nil, err
				}
				ei--
				continue

			case resp.StatusCode >= 500:
				drain(resp)
				log.Warn().Int("status", resp.StatusCode).Str("endpoint", endpoint).
					Msg("upstream server error, trying next endpoint")
				lastErr = &UpstreamError{Status: resp.StatusCode}
				if err := e.sleep(ctx, serverErrorWait); err != nil {
					return nil, err
				}
				continue

			default:
				// Remaining 4xx mean the request itself is bad; surface
				// the upstream's status and body untouched.
				return nil, &UpstreamError{Status: resp.StatusCode, Body: readBody(resp)}
			}
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrMaxRetries, lastErr)
	}
	return nil, ErrMaxRetries
}

// credentials resolves the token and project for an account, retrying once
// with invalidated caches when discovery reports a 401.
func (e *Engine) credentials(ctx context.Context, acct account.Account) (token, project string, err error) {
	token, err = e.auth.TokenFor(ctx, acct)
	if err != nil {
		return "", "", err
	}
	project, err = e.auth.ProjectFor(ctx, acct, token)
	if errors.Is(err, auth.ErrUnauthorized) {
		e.auth.InvalidateToken(acct.Email)
		e.auth.InvalidateProject(acct.Email)
		if token, err = e.auth.TokenFor(ctx, acct); err == nil {
			project, err = e.auth.ProjectFor(ctx, acct, token)
		}
	}
	if err != nil {
		return "", "", err
	}
	return token, project, nil
}

func (e *Engine) consume(ctx context.Context, resp *http.Response, model string, sink EventSink, sse bool, emptyRetries *int) (*anthropic.MessagesResponse, step, error) {
	if sink != nil {
		return e.consumeStream(ctx, resp, model, sink, emptyRetries)
	}
	return e.consumeWhole(ctx, resp, model, sse, emptyRetries)
}

// consumeWhole reads a complete upstream response, over SSE or plain JSON,
// and translates it.
func (e *Engine) consumeWhole(ctx context.Context, resp *http.Response, model string, sse bool, emptyRetries *int) (*anthropic.MessagesResponse, step, error) {
	var (
		parsed *codec.GenerateContentResponse
		err    error
	)
	if sse {
		parsed, err = stream.Collect(resp.Body)
		resp.Body.Close()
	} else {
		var body []byte
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if err == nil {
			parsed, err = codec.UnwrapResponse(body)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, stepDone, ctx.Err()
		}
		return nil, stepNextAccount, err
	}

	if codec.IsEmpty(parsed) {
		e.met.EmptyResponses.Inc()
		if *emptyRetries < e.cfg.Dispatch.MaxEmptyRetries {
			delay := emptyRetryBase << *emptyRetries
			*emptyRetries++
			e.log.Warn().Str("model", model).Dur("wait", delay).Msg("empty response, retrying")
			if err := e.sleep(ctx, delay); err != nil {
				return nil, stepDone, err
			}
			return nil, stepRetrySame, nil
		}
		e.log.Warn().Str("model", model).Msg("still empty after retries, synthesizing fallback reply")
		return syntheticResponse(model), stepDone, nil
	}

	return codec.FromGoogle(parsed, model, e.sigs), stepDone, nil
}

// consumeStream pumps adapter events into the sink. Retry is only possible
// while nothing has been forwarded; after that the stream must end on its
// own terms.
func (e *Engine) consumeStream(ctx context.Context, resp *http.Response, model string, sink EventSink, emptyRetries *int) (*anthropic.MessagesResponse, step, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ad := stream.NewAdapter(model, e.sigs)
	go func() {
		defer resp.Body.Close()
		ad.Run(sctx, resp.Body)
	}()

	forwarded := 0
	var sinkErr error
	for ev := range ad.Events() {
		if sinkErr != nil {
			continue
		}
		if err := sink.Send(ev); err != nil {
			sinkErr = err
			cancel()
			continue
		}
		forwarded++
	}

	if sinkErr != nil {
		return nil, stepDone, fmt.Errorf("writing to client: %w", sinkErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, stepDone, err
	}

	if err := ad.Err(); err != nil {
		if forwarded > 0 {
			// The terminal error event was already delivered in-stream.
			return nil, stepDone, fmt.Errorf("stream aborted: %w", err)
		}
		return nil, stepNextAccount, err
	}

	if forwarded == 0 {
		e.met.EmptyResponses.Inc()
		if ad.Empty() && *emptyRetries < e.cfg.Dispatch.MaxEmptyRetries {
			delay := emptyRetryBase << *emptyRetries
			*emptyRetries++
			e.log.Warn().Str("model", model).Dur("wait", delay).Msg("empty stream, retrying")
			if err := e.sleep(ctx, delay); err != nil {
				return nil, stepDone, err
			}
			return nil, stepRetrySame, nil
		}
		e.log.Warn().Str("model", model).Msg("still empty after retries, synthesizing fallback reply")
		return nil, stepDone, e.syntheticStream(sink, model)
	}

	return nil, stepDone, nil
}

func syntheticResponse(model string) *anthropic.MessagesResponse {
	return &anthropic.MessagesResponse{
		ID:         anthropic.NewMessageID(),
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    []anthropic.ContentBlock{{Type: anthropic.BlockText, Text: emptyFallbackText}},
		StopReason: anthropic.StopReasonPtr(anthropic.StopEndTurn),
	}
}

// syntheticStream delivers the fallback text as a minimal well-formed
// event sequence.
func (e *Engine) syntheticStream(sink EventSink, model string) error {
	events := []anthropic.Event{
		anthropic.MessageStartEvent{
			Type: anthropic.EventMessageStart,
			Message: anthropic.MessagesResponse{
				ID:      anthropic.NewMessageID(),
				Type:    "message",
				Role:    "assistant",
				Model:   model,
				Content: []anthropic.ContentBlock{},
			},
		},
		anthropic.ContentBlockStartEvent{
			Type:         anthropic.EventContentBlockStart,
			ContentBlock: anthropic.ContentBlock{Type: anthropic.BlockText},
		},
		anthropic.ContentBlockDeltaEvent{
			Type:  anthropic.EventContentBlockDelta,
			Delta: anthropic.ContentDelta{Type: anthropic.DeltaText, Text: emptyFallbackText},
		},
		anthropic.ContentBlockStopEvent{Type: anthropic.EventContentBlockStop},
		anthropic.MessageDeltaEvent{
			Type:  anthropic.EventMessageDelta,
			Delta: anthropic.MessageDeltaBody{StopReason: anthropic.StopReasonPtr(anthropic.StopEndTurn)},
		},
		anthropic.MessageStopEvent{Type: anthropic.EventMessageStop},
	}
	for _, ev := range events {
		if err := sink.Send(ev); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
