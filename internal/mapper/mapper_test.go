package mapper

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/mistakr/consulting-client/internal/models"
)

func TestIDUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want ID
	}{
		{"string", `"s1"`, "s1"},
		{"integer", `42`, "42"},
		{"null", `null`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id ID
			if err := json.Unmarshal([]byte(tt.in), &id); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id != tt.want {
				t.Errorf("expected %q, got %q", tt.want, id)
			}
		})
	}

	var id ID
	if err := json.Unmarshal([]byte(`{"x":1}`), &id); err == nil {
		t.Error("expected error for object id")
	}
}

func TestDecodeSessionCompleted_RiskScoresKey(t *testing.T) {
	raw := json.RawMessage(`{
		"session_id": "s1",
		"idea_id": 42,
		"risk_scores": {"overall": 72, "pmf": 78, "competition": 85},
		"matched_cases": [{"case_id": 7, "company_name": "Quibi", "similarity": 0.82, "key_lesson": "validate first"}],
		"timeline_predictions": [{"event": "runway ends", "month": 9, "confidence": 0.6}],
		"checklist": [{"id": 3, "action": "interview users", "priority": "urgent", "reason": "pmf"}],
		"threats": ["churn"],
		"created_at": "2026-01-15T00:00:00Z"
	}`)

	s, err := DecodeSessionCompleted(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ID != "s1" || s.StartupIdeaID != "42" {
		t.Errorf("unexpected ids: %q %q", s.ID, s.StartupIdeaID)
	}
	if s.Status != models.SessionStatusCompleted {
		t.Errorf("expected completed status, got %q", s.Status)
	}
	if s.RiskScore.Overall != 72 || s.RiskScore.PMFRisk != 78 || s.RiskScore.CompetitionRisk != 85 || s.RiskScore.TeamRisk != 0 {
		t.Errorf("unexpected risk score: %+v", s.RiskScore)
	}
	if len(s.MatchedCases) != 1 || s.MatchedCases[0].CaseID != "7" || s.MatchedCases[0].KeyLessons[0] != "validate first" {
		t.Errorf("unexpected matched cases: %+v", s.MatchedCases)
	}
	if len(s.Checklist) != 1 || s.Checklist[0].ID != "3" || s.Checklist[0].Priority != models.PriorityMedium {
		t.Errorf("unexpected checklist: %+v", s.Checklist)
	}
	if s.TimelinePredictions[0].Milestone != "runway ends" || s.TimelinePredictions[0].PredictedMonth != 9 {
		t.Errorf("unexpected timeline: %+v", s.TimelinePredictions)
	}
	if s.TopOpportunities == nil || len(s.TopOpportunities) != 0 {
		t.Errorf("expected empty opportunities, got %v", s.TopOpportunities)
	}
	if s.CreatedAt.Year() != 2026 {
		t.Errorf("unexpected created_at: %v", s.CreatedAt)
	}
}

func TestDecodeSessionCompleted_FallbackKeys(t *testing.T) {
	s, err := DecodeSessionCompleted(json.RawMessage(`{"id": 9, "risk_score": {"overall": 40}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ID != "9" || s.RiskScore.Overall != 40 {
		t.Errorf("fallback keys not applied: %+v", s)
	}
}

func TestDecodeSessionCompleted_Invalid(t *testing.T) {
	if _, err := DecodeSessionCompleted(nil); err == nil {
		t.Error("expected error for empty data")
	}
	if _, err := DecodeSessionCompleted(json.RawMessage(`[1,2]`)); err == nil {
		t.Error("expected error for array data")
	}
}

func TestMapSession_REST(t *testing.T) {
	var p SessionPayload
	raw := `{"id": 5, "user_id": 1, "idea_id": 42, "idea_name": "FreshMeal",
		"risk_score": {"overall": 55}, "risk_scores": {"overall": 99},
		"status": "completed", "session_number": 2, "previous_session_id": 4,
		"checklist": [{"id": "a", "priority": "high", "is_completed": true, "deadline": "2026-03-01"}]}`
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := MapSession(p)
	if s.RiskScore.Overall != 55 {
		t.Errorf("REST mapping must read risk_score, got %d", s.RiskScore.Overall)
	}
	if s.UserID != "1" || s.PreviousSessionID != "4" || s.SessionNumber != 2 {
		t.Errorf("unexpected session metadata: %+v", s)
	}
	if !s.Checklist[0].IsCompleted || s.Checklist[0].Deadline != "2026-03-01" || s.Checklist[0].Priority != models.PriorityHigh {
		t.Errorf("unexpected checklist item: %+v", s.Checklist[0])
	}
}

func TestMapSessionList_Defaults(t *testing.T) {
	item := MapSessionList(SessionListPayload{ID: "1"})
	if item.Status != models.SessionStatusPending {
		t.Errorf("expected pending default, got %q", item.Status)
	}
	if item.RiskOverall != nil {
		t.Errorf("expected nil risk, got %v", *item.RiskOverall)
	}
}

func TestDecodeSessionCompleted_FractionalNumbers(t *testing.T) {
	s, err := DecodeSessionCompleted(json.RawMessage(`{
		"session_id": "s1", "idea_id": 42,
		"risk_scores": {"overall": 72.5, "pmf": 60, "team": 33.2},
		"timeline_predictions": [{"event": "seed round", "month": 5.7}]
	}`))
	if err != nil {
		t.Fatalf("fractional numbers must decode: %v", err)
	}
	if s.RiskScore.Overall != 73 || s.RiskScore.PMFRisk != 60 || s.RiskScore.TeamRisk != 33 {
		t.Errorf("unexpected risk score: %+v", s.RiskScore)
	}
	if len(s.TimelinePredictions) != 1 || s.TimelinePredictions[0].PredictedMonth != 6 {
		t.Errorf("unexpected timeline: %+v", s.TimelinePredictions)
	}
}

func TestMapSessionList_FractionalNumbers(t *testing.T) {
	var p SessionListPayload
	if err := json.Unmarshal([]byte(`{"id": 3, "risk_overall": 41.6, "checklist_total": 5.0, "checklist_completed": 2}`), &p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	item := MapSessionList(p)
	if item.RiskOverall == nil || *item.RiskOverall != 42 {
		t.Errorf("expected risk 42, got %v", item.RiskOverall)
	}
	if item.ChecklistTotal != 5 || item.ChecklistCompleted != 2 {
		t.Errorf("unexpected checklist counts %d/%d", item.ChecklistCompleted, item.ChecklistTotal)
	}
}

func TestRoundInt(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{72.5, 73},
		{72.4, 72},
		{-0.5, -1},
		{0, 0},
		{1e300, math.MaxInt32},
		{-1e300, math.MinInt32},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		if got := roundInt(tt.in); got != tt.want {
			t.Errorf("roundInt(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
