// Package testutil provides common test helpers for the consulting client:
// scripted analysis streams, canned REST backends, and state assertions.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mistakr/consulting-client/internal/models"
	"github.com/mistakr/consulting-client/internal/sse"
	"github.com/mistakr/consulting-client/internal/store"
)

// Frame encodes one stream frame, including the trailing blank line.
// data may be nil, a JSON string, or any value that marshals to JSON.
func Frame(t *testing.T, phase string, data any, chunk string) string {
	t.Helper()
	ev := map[string]any{"phase": phase}
	switch d := data.(type) {
	case nil:
	case string:
		ev["data"] = json.RawMessage(d)
	default:
		ev["data"] = d
	}
	if chunk != "" {
		ev["chunk"] = chunk
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("failed to marshal frame: %v", err)
	}
	return sse.DataPrefix + string(b) + sse.FrameDelimiter
}

// StreamScript describes how a fake backend answers an analysis request.
type StreamScript struct {
	// SessionID is sent in the X-Session-Id header when set.
	SessionID string
	// Status defaults to 200.
	Status int
	// Writes are flushed one at a time, so a frame may be split across writes.
	Writes []string
}

// StreamHandler serves script as an event stream.
func StreamHandler(script StreamScript) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if script.SessionID != "" {
			w.Header().Set(sse.SessionIDHeader, script.SessionID)
		}
		status := script.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		flusher, _ := w.(http.Flusher)
		for _, part := range script.Writes {
			if r.Context().Err() != nil {
				return
			}
			_, _ = io.WriteString(w, part)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// JSONHandler answers every request with status and the body wrapped in a data envelope.
func JSONHandler(status int, data string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"data":`+data+`}`)
	}
}

// NewServer starts an httptest server for the given "METHOD /path" routes and
// closes it when the test ends.
func NewServer(t *testing.T, routes map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, h := range routes {
		mux.HandleFunc(pattern, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// AssertPhase checks the phase and, for failed states, that an error is present.
func AssertPhase(t *testing.T, st models.StreamingState, want models.StreamingPhase) {
	t.Helper()
	if st.Phase != want {
		t.Errorf("expected phase %s, got %s (%+v)", want, st.Phase, st)
	}
	if st.Phase == models.PhaseFailed && strings.TrimSpace(st.Error) == "" {
		t.Error("failed state must carry an error message")
	}
}

// SeedSessionList persists items as the cached session list.
func SeedSessionList(t *testing.T, st store.Store, items ...models.SessionListItem) {
	t.Helper()
	if err := store.SaveSessionList(st, items); err != nil {
		t.Fatalf("failed to seed session list: %v", err)
	}
}
