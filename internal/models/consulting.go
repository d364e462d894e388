// Package models defines the core data structures for the consulting client.
//
// It includes the finalized consulting session, its list projection and the
// live streaming state observed while an analysis is in flight.
package models

import (
	"errors"
	"time"
)

// ConsultingSessionStatus is the server-side lifecycle status of a session.
type ConsultingSessionStatus string

const (
	SessionStatusPending    ConsultingSessionStatus = "pending"
	SessionStatusAnalyzing  ConsultingSessionStatus = "analyzing"
	SessionStatusMatching   ConsultingSessionStatus = "matching"
	SessionStatusGenerating ConsultingSessionStatus = "generating"
	SessionStatusCompleted  ConsultingSessionStatus = "completed"
	SessionStatusFailed     ConsultingSessionStatus = "failed"
)

// ChecklistPriority ranks checklist items.
type ChecklistPriority string

const (
	PriorityCritical ChecklistPriority = "critical"
	PriorityHigh     ChecklistPriority = "high"
	PriorityMedium   ChecklistPriority = "medium"
	PriorityLow      ChecklistPriority = "low"
)

// Error variables shared by the session store and the REST client.
var (
	ErrSessionNotFound       = errors.New("consulting session not found")
	ErrChecklistItemNotFound = errors.New("checklist item not found")
)

// IsValidPriority checks if the given priority is one of the known tiers.
func IsValidPriority(p ChecklistPriority) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// RiskScore is the per-axis risk breakdown, every axis on a 0-100 scale.
type RiskScore struct {
	Overall         int `json:"overall"`
	PMFRisk         int `json:"pmf_risk"`
	FinancialRisk   int `json:"financial_risk"`
	TeamRisk        int `json:"team_risk"`
	MarketRisk      int `json:"market_risk"`
	TimingRisk      int `json:"timing_risk"`
	CompetitionRisk int `json:"competition_risk"`
	ExecutionRisk   int `json:"execution_risk"`
}

// MatchedCase is a historical failure case matched against the idea.
type MatchedCase struct {
	CaseID               string   `json:"case_id"`
	CompanyName          string   `json:"company_name"`
	Industry             string   `json:"industry,omitempty"`
	SimilarityScore      float64  `json:"similarity_score"` // 0-1
	MatchReasons         []string `json:"match_reasons"`
	KeyLessons           []string `json:"key_lessons"`
	RelevantWarningSigns []string `json:"relevant_warning_signs,omitempty"`
}

// TimelinePrediction is a predicted milestone, expressed as a month offset.
type TimelinePrediction struct {
	Milestone      string   `json:"milestone"`
	PredictedMonth int      `json:"predicted_month"`
	Confidence     float64  `json:"confidence"` // 0-1
	RiskLevel      string   `json:"risk_level,omitempty"`
	BasedOnCases   []string `json:"based_on_cases,omitempty"`
	Description    string   `json:"description,omitempty"`
}

// ChecklistItem is one actionable recommendation of a completed session.
type ChecklistItem struct {
	ID          string            `json:"id"`
	Action      string            `json:"action"`
	Priority    ChecklistPriority `json:"priority"`
	Category    string            `json:"category"`
	Deadline    string            `json:"deadline,omitempty"`
	BasedOnCase string            `json:"based_on_case,omitempty"`
	Reason      string            `json:"reason"`
	IsCompleted bool              `json:"is_completed"`
}

// ConsultingSession is the finalized result of one analysis.
type ConsultingSession struct {
	ID                  string                  `json:"id"`
	UserID              string                  `json:"user_id,omitempty"`
	StartupIdeaID       string                  `json:"startup_idea_id"`
	StartupIdeaName     string                  `json:"startup_idea_name,omitempty"`
	RiskScore           RiskScore               `json:"risk_score"`
	MatchedCases        []MatchedCase           `json:"matched_cases"`
	TimelinePredictions []TimelinePrediction    `json:"timeline_predictions"`
	Checklist           []ChecklistItem         `json:"checklist"`
	ExecutiveSummary    string                  `json:"executive_summary"`
	TopThreats          []string                `json:"top_threats"`
	TopOpportunities    []string                `json:"top_opportunities"`
	Status              ConsultingSessionStatus `json:"status"`
	SessionNumber       int                     `json:"session_number,omitempty"`
	PreviousSessionID   string                  `json:"previous_session_id,omitempty"`
	CreatedAt           time.Time               `json:"created_at"`
}

// ChecklistProgress returns the number of completed items and the total.
func (s *ConsultingSession) ChecklistProgress() (completed, total int) {
	for _, item := range s.Checklist {
		if item.IsCompleted {
			completed++
		}
	}
	return completed, len(s.Checklist)
}

// FindChecklistItem returns the index of the item with the given id, or -1.
func (s *ConsultingSession) FindChecklistItem(itemID string) int {
	for i, item := range s.Checklist {
		if item.ID == itemID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so callers can't mutate store-owned slices.
func (s *ConsultingSession) Clone() *ConsultingSession {
	if s == nil {
		return nil
	}
	c := *s
	c.MatchedCases = cloneMatchedCases(s.MatchedCases)
	c.TimelinePredictions = append([]TimelinePrediction(nil), s.TimelinePredictions...)
	c.Checklist = append([]ChecklistItem(nil), s.Checklist...)
	c.TopThreats = append([]string(nil), s.TopThreats...)
	c.TopOpportunities = append([]string(nil), s.TopOpportunities...)
	return &c
}

// SessionListItem is the lightweight projection shown in session lists.
type SessionListItem struct {
	ID                 string                  `json:"id"`
	IdeaName           string                  `json:"idea_name"`
	Status             ConsultingSessionStatus `json:"status"`
	RiskOverall        *int                    `json:"risk_overall"`
	ChecklistTotal     int                     `json:"checklist_total"`
	ChecklistCompleted int                     `json:"checklist_completed"`
	CreatedAt          string                  `json:"created_at"`
}

// SessionListItemFromSession projects a full session into its list form.
func SessionListItemFromSession(s *ConsultingSession) SessionListItem {
	completed, total := s.ChecklistProgress()
	overall := s.RiskScore.Overall
	item := SessionListItem{
		ID:                 s.ID,
		IdeaName:           s.StartupIdeaName,
		Status:             s.Status,
		ChecklistTotal:     total,
		ChecklistCompleted: completed,
	}
	if s.Status == SessionStatusCompleted {
		item.RiskOverall = &overall
	}
	if !s.CreatedAt.IsZero() {
		item.CreatedAt = s.CreatedAt.UTC().Format(time.RFC3339)
	}
	return item
}

func cloneMatchedCases(in []MatchedCase) []MatchedCase {
	if in == nil {
		return nil
	}
	out := make([]MatchedCase, len(in))
	copy(out, in)
	return out
}
