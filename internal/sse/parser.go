// Package sse implements the client side of the consulting event stream.
//
// The wire format is a text body of frames separated by a blank line. Each
// line of a frame prefixed with "data: " carries one JSON event.
package sse

import (
	"bytes"
	"encoding/json"
	"log/slog"
)

// Wire format constants.
const (
	FrameDelimiter = "\n\n"
	DataPrefix     = "data: "
	doneSentinel   = "[DONE]"
)

// PhaseTag is the server-declared stage carried by an event.
type PhaseTag string

const (
	PhaseMatching   PhaseTag = "matching"
	PhaseAnalyzing  PhaseTag = "analyzing"
	PhaseGenerating PhaseTag = "generating"
	PhaseCompleted  PhaseTag = "completed"
	PhaseError      PhaseTag = "error"
)

// Event is one decoded record of the stream.
type Event struct {
	Phase PhaseTag        `json:"phase"`
	Data  json.RawMessage `json:"data,omitempty"`
	Chunk string          `json:"chunk,omitempty"`
}

// Parser splits a growing byte stream into events.
// It retains an incomplete trailing frame between calls. Not safe for concurrent use.
type Parser struct {
	buf []byte
}

// NewParser creates an empty parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends newly received bytes and returns every event of the frames
// completed by them, in stream order.
func (p *Parser) Feed(chunk []byte) []Event {
	if len(chunk) == 0 {
		return nil
	}
	p.buf = append(p.buf, chunk...)

	var events []Event
	delim := []byte(FrameDelimiter)
	for {
		idx := bytes.Index(p.buf, delim)
		if idx < 0 {
			break
		}
		events = append(events, parseFrame(p.buf[:idx])...)
		p.buf = p.buf[idx+len(delim):]
	}
	// Drop the consumed prefix so the backing array doesn't grow unbounded.
	if len(p.buf) == 0 {
		p.buf = nil
	} else {
		p.buf = append([]byte(nil), p.buf...)
	}
	return events
}

// Flush parses whatever remains buffered as a final frame and empties the buffer.
func (p *Parser) Flush() []Event {
	if len(p.buf) == 0 {
		return nil
	}
	events := parseFrame(p.buf)
	p.buf = nil
	return events
}

// Buffered returns the number of bytes held for an incomplete frame.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

func parseFrame(frame []byte) []Event {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil
	}

	var events []Event
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, []byte(DataPrefix)) {
			continue
		}
		payload := line[len(DataPrefix):]
		if string(bytes.TrimSpace(payload)) == doneSentinel {
			slog.Debug("sse.Parser: done sentinel skipped")
			continue
		}
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			slog.Warn("sse.Parser: dropping malformed frame", "error", err, "line", truncate(string(line), 200))
			continue
		}
		events = append(events, ev)
	}
	return events
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
