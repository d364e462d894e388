package flow

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/mistakr/consulting-client/internal/models"
	"github.com/mistakr/consulting-client/internal/sse"
)

func event(phase sse.PhaseTag, data string, chunk string) sse.Event {
	ev := sse.Event{Phase: phase, Chunk: chunk}
	if data != "" {
		ev.Data = json.RawMessage(data)
	}
	return ev
}

func TestMachine_HappyPath(t *testing.T) {
	m := NewMachine()
	if m.State().Phase != models.PhaseIdle {
		t.Fatalf("expected idle, got %q", m.State().Phase)
	}
	m.Begin()

	m.Apply(event(sse.PhaseMatching, `{"progress":10}`, ""))
	if st := m.State(); st.Phase != models.PhaseMatching || st.Progress != 10 {
		t.Errorf("unexpected state after matching: %+v", st)
	}

	m.Apply(event(sse.PhaseAnalyzing, "", "a"))
	m.Apply(event(sse.PhaseAnalyzing, `{"progress":40}`, "b"))
	if st := m.State(); st.CurrentText != "ab" || st.Phase != models.PhaseAnalyzing || st.Progress != 40 {
		t.Errorf("unexpected state after analyzing: %+v", st)
	}

	m.Apply(event(sse.PhaseGenerating, `{"progress":80}`, ""))
	if st := m.State(); st.Phase != models.PhaseGenerating || st.CurrentText != "ab" {
		t.Errorf("unexpected state after generating: %+v", st)
	}

	step := m.Apply(event(sse.PhaseCompleted, `{"session_id":"s1","risk_scores":{"overall":72}}`, ""))
	if !step.Terminal || step.Err != nil || step.Session == nil {
		t.Fatalf("unexpected step: %+v", step)
	}
	if step.Session.ID != "s1" || step.Session.RiskScore.Overall != 72 {
		t.Errorf("unexpected session: %+v", step.Session)
	}
	st := m.State()
	if st.Phase != models.PhaseCompleted || st.Progress != 100 || st.CurrentText != "" {
		t.Errorf("unexpected completed state: %+v", st)
	}
}

func TestMachine_MatchedCasesBeforeCompletion(t *testing.T) {
	m := NewMachine()
	m.Begin()
	m.Apply(event(sse.PhaseMatching, `{"matched_cases":[{"case_id":1,"company_name":"Quibi","similarity":0.8}]}`, ""))
	st := m.State()
	if len(st.MatchedCases) != 1 || st.MatchedCases[0].CompanyName != "Quibi" {
		t.Fatalf("expected matched cases in state, got %+v", st.MatchedCases)
	}

	// Matched cases survive a later failure so callers can still read them.
	m.Apply(event(sse.PhaseError, `{"message":"llm quota exceeded"}`, ""))
	if st := m.State(); len(st.MatchedCases) != 1 {
		t.Errorf("matched cases lost on failure: %+v", st)
	}
}

func TestMachine_ErrorEvent(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantMsg string
	}{
		{"with message", `{"message":"idea not analyzable"}`, "idea not analyzable"},
		{"without message", ``, DefaultErrorMessage},
		{"non-object data", `"oops"`, DefaultErrorMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine()
			m.Begin()
			m.Apply(event(sse.PhaseAnalyzing, `{"progress":30}`, "partial"))
			step := m.Apply(event(sse.PhaseError, tt.data, ""))

			var analysisErr *AnalysisError
			if !errors.As(step.Err, &analysisErr) || analysisErr.Message != tt.wantMsg {
				t.Fatalf("expected AnalysisError %q, got %v", tt.wantMsg, step.Err)
			}
			st := m.State()
			if st.Phase != models.PhaseFailed || st.Error != tt.wantMsg || st.CurrentText != "" {
				t.Errorf("unexpected failed state: %+v", st)
			}
		})
	}
}

func TestMachine_ProgressIsClampedAndMonotonic(t *testing.T) {
	m := NewMachine()
	m.Begin()
	steps := []struct {
		data string
		want int
	}{
		{`{"progress":30}`, 30},
		{`{"progress":20}`, 30},
		{`{"progress":150}`, 100},
		{`{"progress":-5}`, 100},
		{`{}`, 100},
	}
	for i, s := range steps {
		m.Apply(event(sse.PhaseGenerating, s.data, ""))
		if got := m.State().Progress; got != s.want {
			t.Errorf("step %d: expected progress %d, got %d", i, s.want, got)
		}
	}
}

func TestMachine_ProgressOutOfIntRange(t *testing.T) {
	tests := []struct {
		name  string
		steps []string
		want  int
	}{
		{"huge", []string{`{"progress":1e300}`}, 100},
		{"huge after partial", []string{`{"progress":40}`, `{"progress":1e300}`}, 100},
		{"hugely negative", []string{`{"progress":-1e300}`}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine()
			m.Begin()
			for _, data := range tt.steps {
				m.Apply(event(sse.PhaseAnalyzing, data, ""))
			}
			if got := m.State().Progress; got != tt.want {
				t.Errorf("expected progress %d, got %d", tt.want, got)
			}
		})
	}
}

func TestMachine_TerminalStatesAreSticky(t *testing.T) {
	m := NewMachine()
	m.Begin()
	m.Apply(event(sse.PhaseCompleted, `{"session_id":"s1"}`, ""))
	if step := m.Apply(event(sse.PhaseAnalyzing, "", "late")); step.Changed {
		t.Error("event after completion must be ignored")
	}
	if st := m.State(); st.Phase != models.PhaseCompleted || st.CurrentText != "" {
		t.Errorf("terminal state changed: %+v", st)
	}

	m.Reset()
	if m.State().Phase != models.PhaseIdle {
		t.Error("reset should return to idle")
	}
}

func TestMachine_InvalidCompletedPayload(t *testing.T) {
	m := NewMachine()
	m.Begin()
	step := m.Apply(event(sse.PhaseCompleted, "", ""))
	if !step.Terminal || !errors.Is(step.Err, ErrInvalidCompletedPayload) {
		t.Fatalf("expected invalid payload failure, got %+v", step)
	}
	if st := m.State(); st.Phase != models.PhaseFailed || st.Error == "" {
		t.Errorf("failed state must carry an error: %+v", st)
	}
}

func TestMachine_UnknownPhaseIgnored(t *testing.T) {
	m := NewMachine()
	m.Begin()
	if step := m.Apply(event("heartbeat", "", "")); step.Changed {
		t.Error("unknown phase should not change state")
	}
	if m.State().Phase != models.PhaseMatching {
		t.Errorf("unexpected phase %q", m.State().Phase)
	}
}

func TestMachine_FailAlwaysHasMessage(t *testing.T) {
	m := NewMachine()
	m.Fail("")
	if st := m.State(); st.Phase != models.PhaseFailed || st.Error != DefaultErrorMessage {
		t.Errorf("unexpected state: %+v", st)
	}
}
