package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// maxErrorBody bounds how much of a failed response is kept for the error message.
const maxErrorBody = 1024

// envelope is the shape every consulting endpoint answers with.
type envelope struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// readJSONResponse checks the status and decodes the envelope's data into out.
// out may be nil when the caller only cares about success.
func readJSONResponse(resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		slog.Error("api.readJSONResponse: failed to decode response", "error", err, "status", resp.StatusCode)
		return fmt.Errorf("decode response: %w", err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("response has no data")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

// statusError builds a StatusError, preferring the envelope's message over the raw body.
func statusError(resp *http.Response) *StatusError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))

	var env envelope
	if json.Unmarshal(raw, &env) == nil {
		switch {
		case env.Message != "":
			msg = env.Message
		case env.Error != "":
			msg = env.Error
		}
	}
	slog.Warn("api: request failed", "status", resp.StatusCode, "message", msg)
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}
