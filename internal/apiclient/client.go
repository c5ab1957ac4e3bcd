// Package apiclient is the outbound JSON client for the main application
// API: bearer-token auth, bounded retries for transient failures, and a
// short-lived response cache for reads.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"master-session-service/internal/config"
	"master-session-service/internal/util"
)

// APIError is a non-2xx response from the upstream API. Client errors
// (4xx) are final; server errors are retried before surfacing.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api request failed with status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying could help.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500
}

// Client talks to the application API. GET responses are cached briefly
// and deduplicated in flight; writes always go to the wire.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	config     config.APIClientConfig
	cache      *responseCache
	group      singleflight.Group
	logger     *zap.Logger
	now        func() time.Time
}

func NewClient(cfg *config.Config, logger *zap.Logger) *Client {
	return &Client{
		baseURL:   cfg.APIClient.BaseURL,
		authToken: cfg.APIClient.AuthToken,
		httpClient: &http.Client{
			Timeout: cfg.APIClient.Timeout,
		},
		config: cfg.APIClient,
		cache:  newResponseCache(cfg.APIClient.CacheTTL, cfg.APIClient.CacheMaxEntries),
		logger: logger,
		now:    time.Now,
	}
}

// Get fetches path and decodes the JSON response into out. A fresh cached
// response short-circuits the wire; concurrent misses for the same path
// collapse into one upstream request.
func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	if cached, ok := c.cache.Get(path); ok {
		return json.Unmarshal(cached, out)
	}

	raw, err, _ := c.group.Do(path, func() (interface{}, error) {
		body, err := c.doWithRetry(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		c.cache.Set(path, body)
		return body, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(raw.([]byte), out)
}

// GetUncached fetches path and decodes the JSON response into out, always
// going to the wire. Authorization reads use this: a role grant or
// revocation must be visible immediately, never served from the cache.
func (c *Client) GetUncached(ctx context.Context, path string, out interface{}) error {
	body, err := c.doWithRetry(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// Post sends body as JSON to path and decodes the response into out. Writes
// bypass the cache. A nil out discards the response body.
func (c *Client) Post(ctx context.Context, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	raw, err := c.doWithRetry(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// doWithRetry runs the request up to the configured attempt count. Network
// errors and 5xx responses back off linearly between attempts; 4xx
// responses are returned immediately.
func (c *Client) doWithRetry(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= c.config.RetryCount; attempt++ {
		if attempt > 1 {
			delay := c.config.RetryDelay * time.Duration(attempt-1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, err := c.do(ctx, method, path, payload)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if apiErr, ok := err.(*APIError); ok && !apiErr.Temporary() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, lastErr
		}

		c.logger.Warn("API request failed, retrying",
			util.String("method", method),
			util.String("path", path),
			util.Int("attempt", attempt),
			util.ErrorField(err),
		)
	}

	return nil, fmt.Errorf("api request failed after %d attempts: %w", c.config.RetryCount, lastErr)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Time", c.now().UTC().Format(time.RFC3339))
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// InvalidateCache drops all cached GET responses.
func (c *Client) InvalidateCache() {
	c.cache.Clear()
}
