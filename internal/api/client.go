// Package api is the REST client for the consulting endpoints.
//
// Streaming analyses go through the sse package; this package covers the
// plain request/response calls: listing sessions, loading one session, and
// syncing checklist state.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mistakr/consulting-client/internal/auth"
)

// DefaultTimeout bounds each REST call.
const DefaultTimeout = 30 * time.Second

// Opts holds configuration for a Client.
type Opts struct {
	BaseURL    string
	Prefix     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Tokens     auth.TokenProvider
}

// Option defines a functional option for configuring a Client.
type Option func(*Opts)

// WithBaseURL sets the scheme and host of the backend.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithPrefix sets the API path prefix, e.g. "/api/v1".
func WithPrefix(p string) Option {
	return func(o *Opts) { o.Prefix = p }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithTokenProvider sets the source of the bearer credential.
func WithTokenProvider(t auth.TokenProvider) Option {
	return func(o *Opts) { o.Tokens = t }
}

// Client calls the consulting REST endpoints.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	tokens  auth.TokenProvider
}

// NewClient creates a REST client from the given options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("api client base URL not set")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Tokens == nil {
		cfg.Tokens = auth.StaticToken("")
	}
	slog.Debug("api.NewClient", "base_url", cfg.BaseURL, "prefix", cfg.Prefix)
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/") + cfg.Prefix,
		timeout: cfg.Timeout,
		http:    cfg.HTTPClient,
		tokens:  cfg.Tokens,
	}, nil
}

// do sends one request and decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	url := c.baseURL + endpoint
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("obtain access token: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	slog.Debug("api.Client request", "method", method, "url", url, "request_id", requestID)
	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("api.Client request failed", "method", method, "url", url, "request_id", requestID, "error", err)
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if err := readJSONResponse(resp, out); err != nil {
		return err
	}
	slog.Debug("api.Client request succeeded", "method", method, "url", url, "status", resp.StatusCode, "request_id", requestID)
	return nil
}
