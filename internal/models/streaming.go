// Package models defines the live streaming state of an in-flight analysis.
package models

// StreamingPhase is the client-side phase of an analysis stream.
// It is a superset of the server phases and adds idle and failed.
type StreamingPhase string

const (
	PhaseIdle       StreamingPhase = "idle"
	PhaseMatching   StreamingPhase = "matching"
	PhaseAnalyzing  StreamingPhase = "analyzing"
	PhaseGenerating StreamingPhase = "generating"
	PhaseCompleted  StreamingPhase = "completed"
	PhaseFailed     StreamingPhase = "failed"
)

// IsTerminal reports whether the phase is completed or failed.
func (p StreamingPhase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// StreamingState is the observable projection of at most one in-flight analysis.
// Error is non-empty exactly when Phase is PhaseFailed.
type StreamingState struct {
	Phase        StreamingPhase `json:"phase"`
	Progress     int            `json:"progress"`
	CurrentText  string         `json:"current_text"`
	Error        string         `json:"error,omitempty"`
	MatchedCases []MatchedCase  `json:"matched_cases,omitempty"`
}

// IdleState returns the state used before any session starts.
func IdleState() StreamingState {
	return StreamingState{Phase: PhaseIdle}
}

// Clone returns a copy that shares no slices with the receiver.
func (s StreamingState) Clone() StreamingState {
	s.MatchedCases = cloneMatchedCases(s.MatchedCases)
	return s
}
