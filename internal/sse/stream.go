package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mistakr/consulting-client/internal/auth"
)

const (
	// DefaultTimeout is the ceiling on a whole stream; analyses can take minutes.
	DefaultTimeout = 180 * time.Second
	// SessionIDHeader carries the correlating session id.
	SessionIDHeader = "X-Session-Id"
	// RequestIDHeader carries a client-generated id for log correlation.
	RequestIDHeader = "X-Request-Id"

	readBufferSize = 4096
)

// ErrStreamTimeout is reported through OnError when the stream outlives its timeout.
var ErrStreamTimeout = errors.New("stream timed out")

// StatusError is reported when the server answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream request failed with status %d: %s", e.StatusCode, e.Body)
}

// Handler receives the callbacks of one stream. Any field may be nil.
// OnOpen runs once the server accepts the request, with the X-Session-Id
// header value ("" when absent). Exactly one of OnComplete or OnError is
// called, after zero or more OnEvent calls.
type Handler struct {
	OnOpen     func(sessionID string)
	OnEvent    func(Event)
	OnError    func(error)
	OnComplete func()
}

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

// WithHTTPClient sets the underlying HTTP client. Its own Timeout should be zero.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithTokenProvider sets the source of the bearer credential.
func WithTokenProvider(t auth.TokenProvider) Option {
	return func(o *Opts) { o.Tokens = t }
}

// Client opens analysis streams against one backend.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	tokens  auth.TokenProvider
}

// NewClient creates a stream client from the given options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("stream client base URL not set")
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
	slog.Debug("sse.NewClient", "base_url", cfg.BaseURL, "prefix", cfg.Prefix, "timeout", cfg.Timeout)
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/") + cfg.Prefix,
		timeout: cfg.Timeout,
		http:    cfg.HTTPClient,
		tokens:  cfg.Tokens,
	}, nil
}

// Stream is one in-flight streaming request.
type Stream struct {
	cancel    context.CancelFunc
	aborted   atomic.Bool
	done      chan struct{}
	mu        sync.Mutex
	sessionID string
}

// Open issues a POST with body encoded as JSON and starts delivering events
// to h on a separate goroutine. The returned error covers only failures that
// happen before the request is sent; everything later goes to h.OnError.
func (c *Client) Open(ctx context.Context, endpoint string, body any, h Handler) (*Stream, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal stream body: %w", err)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtain access token: %w", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, c.timeout)
	url := c.baseURL + endpoint
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(RequestIDHeader, requestID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	s := &Stream{cancel: cancel, done: make(chan struct{})}
	slog.Debug("sse.Client Open", "url", url, "request_id", requestID)
	go s.run(streamCtx, c.http, req, h, requestID)
	return s, nil
}

// SessionID returns the id from the X-Session-Id header, or "" if none arrived yet.
func (s *Stream) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Abort cancels the request. It is idempotent and safe after completion.
// Once it returns no new callback starts; one already running is not interrupted.
func (s *Stream) Abort() {
	if s.aborted.CompareAndSwap(false, true) {
		slog.Debug("sse.Stream aborted")
	}
	s.cancel()
}

// Done is closed when the stream goroutine has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) setSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID == "" {
		s.sessionID = id
	}
}

func (s *Stream) run(ctx context.Context, client *http.Client, req *http.Request, h Handler, requestID string) {
	defer close(s.done)
	defer s.cancel()

	fail := func(err error) {
		if s.aborted.Load() {
			slog.Debug("sse.Stream error after abort suppressed", "request_id", requestID, "error", err)
			return
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrStreamTimeout, err)
		}
		slog.Error("sse.Stream failed", "request_id", requestID, "error", err)
		if h.OnError != nil {
			h.OnError(err)
		}
	}
	emit := func(events []Event) bool {
		for _, ev := range events {
			if s.aborted.Load() {
				return false
			}
			if h.OnEvent != nil {
				h.OnEvent(ev)
			}
		}
		return !s.aborted.Load()
	}

	resp, err := client.Do(req)
	if err != nil {
		fail(fmt.Errorf("stream connection failed: %w", err))
		return
	}
	defer resp.Body.Close()

	if id := resp.Header.Get(SessionIDHeader); id != "" {
		s.setSessionID(id)
		slog.Debug("sse.Stream session id from header", "request_id", requestID, "session_id", id)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		fail(&StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)})
		return
	}
	if s.aborted.Load() {
		return
	}
	if h.OnOpen != nil {
		h.OnOpen(s.SessionID())
	}

	parser := NewParser()
	buf := make([]byte, readBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 && !emit(parser.Feed(buf[:n])) {
			return
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			fail(fmt.Errorf("stream read failed: %w", readErr))
			return
		}
	}

	if !emit(parser.Flush()) {
		return
	}
	slog.Debug("sse.Stream completed", "request_id", requestID, "session_id", s.SessionID())
	if h.OnComplete != nil {
		h.OnComplete()
	}
}
