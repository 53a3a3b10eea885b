package services

import "math"

type DashboardStore interface {
	CountEvents() (int, error)
	CountEventsByRiskClass(classes ...string) (int, error)
	CountEventsByStatus(status string) (int, error)
	CountEventsComplete() (int, error) // empty missing_fields
	CountQuestions() (int, error)
	CountAnsweredQuestions() (int, error)
}

type DashboardMetrics struct {
	TotalEvents           int     `json:"total_events"`
	HighRiskCount         int     `json:"high_risk_count"`
	PendingFollowups      int     `json:"pending_followups"`
	ResponseRate          float64 `json:"response_rate"`
	MissingFieldReduction float64 `json:"missing_field_reduction"`
	QuestionsSent         int     `json:"questions_sent"`
	QuestionsAnswered     int     `json:"questions_answered"`
}

// DashboardService aggregates derived counts for the review dashboard.
// Nothing here bears state; every number is recomputed from the store.
type DashboardService struct {
	store DashboardStore
}

func NewDashboardService(store DashboardStore) *DashboardService {
	return &DashboardService{store: store}
}

func (s *DashboardService) Metrics() (*DashboardMetrics, error) {
	total, err := s.store.CountEvents()
	if err != nil {
		return nil, err
	}
	highRisk, err := s.store.CountEventsByRiskClass(RiskHigh, RiskCritical)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.CountEventsByStatus(FollowupPending)
	if err != nil {
		return nil, err
	}
	complete, err := s.store.CountEventsComplete()
	if err != nil {
		return nil, err
	}
	questions, err := s.store.CountQuestions()
	if err != nil {
		return nil, err
	}
	answered, err := s.store.CountAnsweredQuestions()
	if err != nil {
		return nil, err
	}
	m := &DashboardMetrics{
		TotalEvents:       total,
		HighRiskCount:     highRisk,
		PendingFollowups:  pending,
		QuestionsSent:     questions,
		QuestionsAnswered: answered,
	}
	if questions > 0 {
		m.ResponseRate = round2(float64(answered) / float64(questions) * 100)
	}
	if total > 0 {
		m.MissingFieldReduction = round2(float64(complete) / float64(total) * 100)
	}
	return m, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
