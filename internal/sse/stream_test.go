package sse

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mistakr/consulting-client/internal/auth"
)

// recorder collects handler callbacks and signals when the stream settles.
type recorder struct {
	mu        sync.Mutex
	events    []Event
	opened    []string
	err       error
	completed int
	errored   int
	settled   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{settled: make(chan struct{}, 2)}
}

func (r *recorder) handler() Handler {
	return Handler{
		OnOpen: func(sessionID string) {
			r.mu.Lock()
			r.opened = append(r.opened, sessionID)
			r.mu.Unlock()
		},
		OnEvent: func(ev Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.err = err
			r.errored++
			r.mu.Unlock()
			r.settled <- struct{}{}
		},
		OnComplete: func() {
			r.mu.Lock()
			r.completed++
			r.mu.Unlock()
			r.settled <- struct{}{}
		},
	}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.settled:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not settle")
	}
}

func newTestClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(append([]Option{WithBaseURL(url), WithPrefix("/api/v1")}, opts...)...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return c
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	if _, err := NewClient(); err == nil {
		t.Error("expected error without base URL")
	}
}

func TestStream_DeliversEventsAndHeaders(t *testing.T) {
	type captured struct {
		path    string
		headers http.Header
		body    map[string]any
	}
	requests := make(chan captured, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := captured{path: r.URL.Path, headers: r.Header.Clone()}
		_ = json.NewDecoder(r.Body).Decode(&c.body)
		requests <- c

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("x-session-id", "hdr-1")
		flusher := w.(http.Flusher)
		parts := []string{
			"data: {\"phase\":\"matching\",\"data\":{\"progress\":20}}\n",
			"\ndata: {\"phase\":\"analyzing\",\"chu",
			"nk\":\"a\"}\n\n",
			// Final frame without a trailing delimiter is recovered by the flush.
			"data: {\"phase\":\"completed\",\"data\":{\"session_id\":\"s1\"}}",
		}
		for _, part := range parts {
			_, _ = io.WriteString(w, part)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithTokenProvider(auth.StaticToken("tok")))
	rec := newRecorder()
	stream, err := c.Open(context.Background(), "/consulting/sessions", map[string]any{"idea_id": 42}, rec.handler())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec.wait(t)
	<-stream.Done()

	req := <-requests
	gotHeaders := req.headers
	if req.path != "/api/v1/consulting/sessions" {
		t.Errorf("unexpected path %q", req.path)
	}
	if req.body["idea_id"] != float64(42) {
		t.Errorf("unexpected body %v", req.body)
	}
	if gotHeaders.Get("Accept") != "text/event-stream" {
		t.Errorf("unexpected Accept header %q", gotHeaders.Get("Accept"))
	}
	if gotHeaders.Get("Authorization") != "Bearer tok" {
		t.Errorf("unexpected Authorization header %q", gotHeaders.Get("Authorization"))
	}
	if gotHeaders.Get(RequestIDHeader) == "" {
		t.Error("expected a request id header")
	}
	if stream.SessionID() != "hdr-1" {
		t.Errorf("expected header session id, got %q", stream.SessionID())
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.completed != 1 || rec.errored != 0 {
		t.Fatalf("expected exactly one completion, got completed=%d errored=%d", rec.completed, rec.errored)
	}
	if len(rec.opened) != 1 || rec.opened[0] != "hdr-1" {
		t.Errorf("expected one OnOpen with the header id, got %v", rec.opened)
	}
	if len(rec.events) != 3 {
		t.Fatalf("expected 3 events, got %+v", rec.events)
	}
	if rec.events[1].Chunk != "a" || rec.events[2].Phase != PhaseCompleted {
		t.Errorf("unexpected events: %+v", rec.events)
	}
}

func TestStream_NoTokenNoAuthorizationHeader(t *testing.T) {
	authHeaders := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeaders <- r.Header.Get("Authorization")
	}))
	defer srv.Close()

	rec := newRecorder()
	if _, err := newTestClient(t, srv.URL).Open(context.Background(), "/x", nil, rec.handler()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec.wait(t)
	if authHeader := <-authHeaders; authHeader != "" {
		t.Errorf("expected no Authorization header, got %q", authHeader)
	}
}

func TestStream_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "idea not found", http.StatusNotFound)
	}))
	defer srv.Close()

	rec := newRecorder()
	if _, err := newTestClient(t, srv.URL).Open(context.Background(), "/consulting/sessions", nil, rec.handler()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var statusErr *StatusError
	if !errors.As(rec.err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected StatusError 404, got %v", rec.err)
	}
	if !strings.Contains(statusErr.Body, "idea not found") {
		t.Errorf("expected body in error, got %q", statusErr.Body)
	}
	if rec.completed != 0 {
		t.Error("OnComplete must not fire after OnError")
	}
	if len(rec.opened) != 0 {
		t.Error("OnOpen must not fire for a rejected request")
	}
}

func TestStream_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: {\"phase\":\"matching\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	rec := newRecorder()
	c := newTestClient(t, srv.URL, WithTimeout(200*time.Millisecond))
	if _, err := c.Open(context.Background(), "/x", nil, rec.handler()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !errors.Is(rec.err, ErrStreamTimeout) {
		t.Fatalf("expected ErrStreamTimeout, got %v", rec.err)
	}
	if len(rec.events) != 1 {
		t.Errorf("expected the event sent before the timeout, got %+v", rec.events)
	}
}

func TestStream_AbortSuppressesCallbacks(t *testing.T) {
	sent := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: {\"phase\":\"matching\"}\n\n")
		w.(http.Flusher).Flush()
		close(sent)
		select {
		case <-release:
		case <-r.Context().Done():
		}
		_, _ = io.WriteString(w, "data: {\"phase\":\"generating\"}\n\n")
	}))
	defer srv.Close()
	defer close(release)

	rec := newRecorder()
	stream, err := newTestClient(t, srv.URL).Open(context.Background(), "/x", nil, rec.handler())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-sent
	stream.Abort()
	stream.Abort()

	select {
	case <-stream.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream goroutine did not exit after abort")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.completed != 0 || rec.errored != 0 {
		t.Errorf("no terminal callback expected after abort, got completed=%d errored=%d", rec.completed, rec.errored)
	}
	for _, ev := range rec.events {
		if ev.Phase == PhaseGenerating {
			t.Error("event delivered after abort")
		}
	}
}

func TestStream_AbortAfterCompletionIsNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	rec := newRecorder()
	stream, err := newTestClient(t, srv.URL).Open(context.Background(), "/x", nil, rec.handler())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec.wait(t)
	<-stream.Done()
	stream.Abort()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.completed != 1 || rec.errored != 0 {
		t.Errorf("expected one completion, got completed=%d errored=%d", rec.completed, rec.errored)
	}
}

func TestStream_TokenProviderError(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", WithTokenProvider(auth.TokenFunc(func(context.Context) (string, error) {
		return "", errors.New("signed out")
	})))
	if _, err := c.Open(context.Background(), "/x", nil, Handler{}); err == nil || !strings.Contains(err.Error(), "signed out") {
		t.Errorf("expected token error, got %v", err)
	}
}
