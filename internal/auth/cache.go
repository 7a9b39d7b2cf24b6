// Package auth caches per-account access tokens and project ids. Tokens
// come from the OAuth refresh-token grant; project ids from the upstream
// loadCodeAssist discovery call. Both caches are invalidated on 401 so the
// dispatch engine can retry with fresh credentials.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/howard-nolan/cloudrelay/internal/account"
)

// ErrUnauthorized reports a 401 from the upstream during discovery. The
// caller invalidates the account's token and retries once.
var ErrUnauthorized = errors.New("upstream rejected credentials")

// tokenEarlyExpiry refreshes tokens this long before their stated expiry,
// so a token never goes stale mid-dispatch.
const tokenEarlyExpiry = 60 * time.Second

// Config wires the cache to the upstream. The protocol headers and
// metadata are supplied by the caller so this package stays independent of
// the wire layer.
type Config struct {
	TokenURL           string
	DiscoveryEndpoints []string
	DefaultProject     string
	Headers            map[string]string
	Metadata           map[string]any
	HTTPClient         *http.Client
}

// Cache holds token sources and discovered project ids keyed by account
// email.
type Cache struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	sources  map[string]oauth2.TokenSource
	projects map[string]string
}

// NewCache returns an empty cache.
func NewCache(cfg Config, log zerolog.Logger) *Cache {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Cache{
		cfg:      cfg,
		log:      log,
		sources:  make(map[string]oauth2.TokenSource),
		projects: make(map[string]string),
	}
}

// TokenFor returns a valid access token for the account, refreshing through
// the OAuth endpoint when the cached token is within 60s of expiry.
func (c *Cache) TokenFor(ctx context.Context, a account.Account) (string, error) {
	c.mu.Lock()
	src, ok := c.sources[a.Email]
	if !ok {
		conf := &oauth2.Config{
			ClientID:     a.ClientID,
			ClientSecret: a.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL: c.cfg.TokenURL,
				// Google expects client credentials in the POST body.
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}
		// The source outlives any single request, so it is bound to the
		// cache's HTTP client rather than the request context.
		base := context.WithValue(context.Background(), oauth2.HTTPClient, c.cfg.HTTPClient)
		src = oauth2.ReuseTokenSourceWithExpiry(nil,
			conf.TokenSource(base, &oauth2.Token{RefreshToken: a.RefreshToken}),
			tokenEarlyExpiry)
		c.sources[a.Email] = src
	}
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("refreshing token for %s: %w", a.Email, err)
	}
	return tok.AccessToken, nil
}

// ProjectFor returns the account's project id, discovering it on first use.
// Discovery that finds no project settles on the default project id.
func (c *Cache) ProjectFor(ctx context.Context, a account.Account, token string) (string, error) {
	c.mu.Lock()
	if pid, ok := c.projects[a.Email]; ok {
		c.mu.Unlock()
		return pid, nil
	}
	c.mu.Unlock()

	pid, err := c.discover(ctx, token)
	if err != nil {
		return "", err
	}
	if pid == "" {
		pid = c.cfg.DefaultProject
		c.log.Warn().Str("account", a.Email).Str("project", pid).
			Msg("no project discovered, using default")
	}

	c.mu.Lock()
	c.projects[a.Email] = pid
	c.mu.Unlock()
	c.log.Debug().Str("account", a.Email).Str("project", pid).Msg("project resolved")
	return pid, nil
}

// discover asks each discovery endpoint in order for the account's managed
// project. A 401 aborts immediately; other failures try the next endpoint,
// and exhausting all endpoints falls back to the default project.
func (c *Cache) discover(ctx context.Context, token string) (string, error) {
	payload, err := json.Marshal(map[string]any{"metadata": c.cfg.Metadata})
	if err != nil {
		return "", fmt.Errorf("encoding discovery request: %w", err)
	}

	var lastErr error
	for _, endpoint := range c.cfg.DiscoveryEndpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			endpoint+"/v1internal:loadCodeAssist", bytes.NewReader(payload))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		for k, v := range c.cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := c.cfg.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return "", ErrUnauthorized
		case resp.StatusCode != http.StatusOK:
			lastErr = fmt.Errorf("loadCodeAssist on %s: status %d", endpoint, resp.StatusCode)
			continue
		}

		var out struct {
			CloudAICompanionProject string `json:"cloudaicompanionProject"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			lastErr = fmt.Errorf("decoding loadCodeAssist response: %w", err)
			continue
		}
		return out.CloudAICompanionProject, nil
	}

	if lastErr != nil {
		c.log.Warn().Err(lastErr).Msg("project discovery failed on all endpoints")
	}
	return "", nil
}

// InvalidateToken drops the cached token source for email. The next
// TokenFor builds a fresh source and forces a refresh.
func (c *Cache) InvalidateToken(email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, email)
}

// InvalidateProject drops the cached project id for email.
func (c *Cache) InvalidateProject(email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.projects, email)
}
