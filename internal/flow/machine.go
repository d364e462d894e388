// Package flow drives the phase state machine of an analysis stream.
package flow

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mistakr/consulting-client/internal/mapper"
	"github.com/mistakr/consulting-client/internal/models"
	"github.com/mistakr/consulting-client/internal/sse"
)

// DefaultErrorMessage is used when an error event carries no message.
const DefaultErrorMessage = "analysis failed"

// ErrInvalidCompletedPayload marks a completed event whose data could not be decoded.
var ErrInvalidCompletedPayload = errors.New("invalid completed payload")

// AnalysisError is a failure reported by the server through an error event.
type AnalysisError struct {
	Message string
}

func (e *AnalysisError) Error() string {
	return e.Message
}

// Step describes the effect of one event.
type Step struct {
	// Changed is false when the event was ignored.
	Changed bool
	// Terminal is true when the event moved the machine to completed or failed.
	Terminal bool
	// Session is set on completion.
	Session *models.ConsultingSession
	// Err is set on failure.
	Err error
}

// eventData is the subset of data fields the non-terminal phases read.
type eventData struct {
	Progress     *float64                    `json:"progress"`
	MatchedCases []mapper.MatchedCasePayload `json:"matched_cases"`
	Message      string                      `json:"message"`
}

// Machine holds the streaming state of one session. Not safe for concurrent use;
// the session store serializes access.
type Machine struct {
	state models.StreamingState
}

// NewMachine creates a machine in the idle phase.
func NewMachine() *Machine {
	return &Machine{state: models.IdleState()}
}

// State returns a copy of the current state.
func (m *Machine) State() models.StreamingState {
	return m.state.Clone()
}

// Reset returns the machine to idle.
func (m *Machine) Reset() {
	m.state = models.IdleState()
}

// Begin starts a new session in the matching phase.
func (m *Machine) Begin() {
	m.state = models.StreamingState{Phase: models.PhaseMatching}
}

// Fail forces the machine into the failed phase. An empty message is replaced
// so that a failed state always carries an error.
func (m *Machine) Fail(message string) {
	if message == "" {
		message = DefaultErrorMessage
	}
	m.state = models.StreamingState{
		Phase:        models.PhaseFailed,
		Error:        message,
		MatchedCases: m.state.MatchedCases,
	}
}

// Apply feeds one event through the transition table.
func (m *Machine) Apply(ev sse.Event) Step {
	if m.state.Phase.IsTerminal() {
		slog.Debug("flow.Machine: event after terminal state ignored", "phase", ev.Phase, "state", m.state.Phase)
		return Step{}
	}

	var data eventData
	if len(ev.Data) > 0 && ev.Phase != sse.PhaseCompleted {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			slog.Warn("flow.Machine: event data not an object, fields ignored", "phase", ev.Phase, "error", err)
			data = eventData{}
		}
	}

	switch ev.Phase {
	case sse.PhaseMatching:
		m.state.Phase = models.PhaseMatching
		m.applyProgress(data.Progress)
		if data.MatchedCases != nil {
			m.state.MatchedCases = mapper.MapMatchedCases(data.MatchedCases)
			slog.Debug("flow.Machine: matched cases received", "count", len(m.state.MatchedCases))
		}

	case sse.PhaseAnalyzing:
		m.state.Phase = models.PhaseAnalyzing
		m.applyProgress(data.Progress)
		m.state.CurrentText += ev.Chunk

	case sse.PhaseGenerating:
		m.state.Phase = models.PhaseGenerating
		m.applyProgress(data.Progress)

	case sse.PhaseCompleted:
		session, err := mapper.DecodeSessionCompleted(ev.Data)
		if err != nil {
			slog.Error("flow.Machine: completed payload rejected", "error", err)
			m.Fail(ErrInvalidCompletedPayload.Error())
			return Step{Changed: true, Terminal: true, Err: errors.Join(ErrInvalidCompletedPayload, err)}
		}
		m.state = models.StreamingState{
			Phase:        models.PhaseCompleted,
			Progress:     100,
			MatchedCases: m.state.MatchedCases,
		}
		if len(session.MatchedCases) > 0 {
			m.state.MatchedCases = session.MatchedCases
		}
		return Step{Changed: true, Terminal: true, Session: session}

	case sse.PhaseError:
		m.Fail(data.Message)
		return Step{Changed: true, Terminal: true, Err: &AnalysisError{Message: m.state.Error}}

	default:
		slog.Warn("flow.Machine: unknown phase ignored", "phase", ev.Phase)
		return Step{}
	}

	return Step{Changed: true}
}

// applyProgress clamps to [0,100] and never lets progress move backwards.
func (m *Machine) applyProgress(p *float64) {
	if p == nil {
		return
	}
	f := *p
	if f < 0 {
		f = 0
	}
	if f > 100 {
		f = 100
	}
	v := int(f)
	if v < m.state.Progress {
		slog.Debug("flow.Machine: progress regression ignored", "current", m.state.Progress, "received", v)
		return
	}
	m.state.Progress = v
}
