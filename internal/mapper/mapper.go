// Package mapper converts raw backend payloads into the domain models.
//
// The backend speaks snake_case, omits optional fields freely, encodes ids as
// either numbers or strings and is inconsistent about a few key names
// (risk_scores on the stream, risk_score on REST). All of that is absorbed
// here so the rest of the client only sees models types.
package mapper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/mistakr/consulting-client/internal/models"
)

// ID accepts a JSON string or number and keeps its textual form.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id is neither string nor number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// RiskScorePayload is the server form of a risk breakdown. Axes may be fractional.
type RiskScorePayload struct {
	Overall     *float64 `json:"overall"`
	PMF         *float64 `json:"pmf"`
	Financial   *float64 `json:"financial"`
	Team        *float64 `json:"team"`
	Market      *float64 `json:"market"`
	Timing      *float64 `json:"timing"`
	Competition *float64 `json:"competition"`
	Execution   *float64 `json:"execution"`
}

// MatchedCasePayload is the server form of a matched case.
type MatchedCasePayload struct {
	CaseID               ID       `json:"case_id"`
	CompanyName          string   `json:"company_name"`
	Industry             string   `json:"industry"`
	Similarity           float64  `json:"similarity"`
	MatchReasons         []string `json:"match_reasons"`
	KeyLesson            string   `json:"key_lesson"`
	KeyLessons           []string `json:"key_lessons"`
	RelevantWarningSigns []string `json:"relevant_warning_signs"`
}

// TimelinePayload is the server form of a timeline prediction.
type TimelinePayload struct {
	Event        string   `json:"event"`
	Month        float64  `json:"month"`
	Confidence   float64  `json:"confidence"`
	RiskLevel    string   `json:"risk_level"`
	BasedOnCases []string `json:"based_on_cases"`
	Description  string   `json:"description"`
}

// ChecklistPayload is the server form of a checklist item.
type ChecklistPayload struct {
	ID          ID      `json:"id"`
	Action      string  `json:"action"`
	Priority    string  `json:"priority"`
	Category    string  `json:"category"`
	Deadline    *string `json:"deadline"`
	BasedOnCase *string `json:"based_on_case"`
	Reason      string  `json:"reason"`
	IsCompleted bool    `json:"is_completed"`
}

// SessionPayload covers both the REST detail body and the completed event body.
type SessionPayload struct {
	ID                  ID                   `json:"id"`
	SessionID           ID                   `json:"session_id"`
	UserID              ID                   `json:"user_id"`
	IdeaID              ID                   `json:"idea_id"`
	IdeaName            string               `json:"idea_name"`
	RiskScore           *RiskScorePayload    `json:"risk_score"`
	RiskScores          *RiskScorePayload    `json:"risk_scores"`
	MatchedCases        []MatchedCasePayload `json:"matched_cases"`
	TimelinePredictions []TimelinePayload    `json:"timeline_predictions"`
	Checklist           []ChecklistPayload   `json:"checklist"`
	ExecutiveSummary    string               `json:"executive_summary"`
	Threats             []string             `json:"threats"`
	Opportunities       []string             `json:"opportunities"`
	Status              string               `json:"status"`
	SessionNumber       float64              `json:"session_number"`
	PreviousSessionID   ID                   `json:"previous_session_id"`
	CreatedAt           string               `json:"created_at"`
}

// SessionListPayload is the server form of a session list entry.
type SessionListPayload struct {
	ID                 ID       `json:"id"`
	IdeaName           string   `json:"idea_name"`
	Status             string   `json:"status"`
	RiskOverall        *float64 `json:"risk_overall"`
	ChecklistTotal     float64  `json:"checklist_total"`
	ChecklistCompleted float64  `json:"checklist_completed"`
	CreatedAt          string   `json:"created_at"`
}

// MapRiskScore converts a risk breakdown; missing axes become 0.
func MapRiskScore(p *RiskScorePayload) models.RiskScore {
	if p == nil {
		return models.RiskScore{}
	}
	return models.RiskScore{
		Overall:         intOr(p.Overall),
		PMFRisk:         intOr(p.PMF),
		FinancialRisk:   intOr(p.Financial),
		TeamRisk:        intOr(p.Team),
		MarketRisk:      intOr(p.Market),
		TimingRisk:      intOr(p.Timing),
		CompetitionRisk: intOr(p.Competition),
		ExecutionRisk:   intOr(p.Execution),
	}
}

// MapMatchedCase converts a matched case. A singular key_lesson wins over key_lessons.
func MapMatchedCase(p MatchedCasePayload) models.MatchedCase {
	lessons := p.KeyLessons
	if p.KeyLesson != "" {
		lessons = []string{p.KeyLesson}
	}
	return models.MatchedCase{
		CaseID:               string(p.CaseID),
		CompanyName:          p.CompanyName,
		Industry:             p.Industry,
		SimilarityScore:      p.Similarity,
		MatchReasons:         orEmpty(p.MatchReasons),
		KeyLessons:           orEmpty(lessons),
		RelevantWarningSigns: orEmpty(p.RelevantWarningSigns),
	}
}

// MapMatchedCases converts a list of matched cases.
func MapMatchedCases(ps []MatchedCasePayload) []models.MatchedCase {
	out := make([]models.MatchedCase, 0, len(ps))
	for _, p := range ps {
		out = append(out, MapMatchedCase(p))
	}
	return out
}

// MapTimeline converts a timeline prediction.
func MapTimeline(p TimelinePayload) models.TimelinePrediction {
	return models.TimelinePrediction{
		Milestone:      p.Event,
		PredictedMonth: roundInt(p.Month),
		Confidence:     p.Confidence,
		RiskLevel:      p.RiskLevel,
		BasedOnCases:   orEmpty(p.BasedOnCases),
		Description:    p.Description,
	}
}

// MapChecklist converts a checklist item. Unknown priorities fall back to medium.
func MapChecklist(p ChecklistPayload) models.ChecklistItem {
	priority := models.ChecklistPriority(p.Priority)
	if !models.IsValidPriority(priority) {
		priority = models.PriorityMedium
	}
	item := models.ChecklistItem{
		ID:          string(p.ID),
		Action:      p.Action,
		Priority:    priority,
		Category:    p.Category,
		Reason:      p.Reason,
		IsCompleted: p.IsCompleted,
	}
	if p.Deadline != nil {
		item.Deadline = *p.Deadline
	}
	if p.BasedOnCase != nil {
		item.BasedOnCase = *p.BasedOnCase
	}
	return item
}

// MapSession converts the REST session detail body.
func MapSession(p SessionPayload) *models.ConsultingSession {
	s := mapSessionCommon(p, p.RiskScore)
	s.ID = string(p.ID)
	s.UserID = string(p.UserID)
	s.Status = models.ConsultingSessionStatus(p.Status)
	if s.Status == "" {
		s.Status = models.SessionStatusPending
	}
	s.SessionNumber = roundInt(p.SessionNumber)
	s.PreviousSessionID = string(p.PreviousSessionID)
	return s
}

// MapSessionCompleted converts the data of a completed stream event.
// The stream uses session_id and risk_scores; id and risk_score are accepted as fallbacks.
func MapSessionCompleted(p SessionPayload) *models.ConsultingSession {
	risk := p.RiskScores
	if risk == nil {
		risk = p.RiskScore
	}
	s := mapSessionCommon(p, risk)
	s.ID = string(p.SessionID)
	if s.ID == "" {
		s.ID = string(p.ID)
	}
	s.Status = models.SessionStatusCompleted
	return s
}

// DecodeSessionCompleted decodes and maps raw completed event data.
func DecodeSessionCompleted(data json.RawMessage) (*models.ConsultingSession, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("completed event carries no data")
	}
	var p SessionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode completed session: %w", err)
	}
	return MapSessionCompleted(p), nil
}

// MapSessionList converts a session list entry.
func MapSessionList(p SessionListPayload) models.SessionListItem {
	status := models.ConsultingSessionStatus(p.Status)
	if status == "" {
		status = models.SessionStatusPending
	}
	var risk *int
	if p.RiskOverall != nil {
		v := roundInt(*p.RiskOverall)
		risk = &v
	}
	return models.SessionListItem{
		ID:                 string(p.ID),
		IdeaName:           p.IdeaName,
		Status:             status,
		RiskOverall:        risk,
		ChecklistTotal:     roundInt(p.ChecklistTotal),
		ChecklistCompleted: roundInt(p.ChecklistCompleted),
		CreatedAt:          p.CreatedAt,
	}
}

func mapSessionCommon(p SessionPayload, risk *RiskScorePayload) *models.ConsultingSession {
	s := &models.ConsultingSession{
		StartupIdeaID:       string(p.IdeaID),
		StartupIdeaName:     p.IdeaName,
		RiskScore:           MapRiskScore(risk),
		MatchedCases:        MapMatchedCases(p.MatchedCases),
		TimelinePredictions: make([]models.TimelinePrediction, 0, len(p.TimelinePredictions)),
		Checklist:           make([]models.ChecklistItem, 0, len(p.Checklist)),
		ExecutiveSummary:    p.ExecutiveSummary,
		TopThreats:          orEmpty(p.Threats),
		TopOpportunities:    orEmpty(p.Opportunities),
		CreatedAt:           parseTime(p.CreatedAt),
	}
	for _, t := range p.TimelinePredictions {
		s.TimelinePredictions = append(s.TimelinePredictions, MapTimeline(t))
	}
	for _, c := range p.Checklist {
		s.Checklist = append(s.Checklist, MapChecklist(c))
	}
	return s
}

// parseTime accepts RFC 3339 with or without a zone; anything else maps to now.
func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC()
	}
	return time.Now().UTC()
}

func intOr(v *float64) int {
	if v == nil {
		return 0
	}
	return roundInt(*v)
}

// roundInt rounds half away from zero. NaN maps to 0 and values beyond the
// int32 range saturate.
func roundInt(v float64) int {
	switch {
	case math.IsNaN(v):
		return 0
	case v > math.MaxInt32:
		return math.MaxInt32
	case v < math.MinInt32:
		return math.MinInt32
	}
	return int(math.Round(v))
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
