package services

import "testing"

type stubDashboardStore struct {
	events    int
	highRisk  int
	pending   int
	complete  int
	questions int
	answered  int
}

func (s *stubDashboardStore) CountEvents() (int, error)                        { return s.events, nil }
func (s *stubDashboardStore) CountEventsByRiskClass(...string) (int, error)    { return s.highRisk, nil }
func (s *stubDashboardStore) CountEventsByStatus(status string) (int, error)   { return s.pending, nil }
func (s *stubDashboardStore) CountEventsComplete() (int, error)                { return s.complete, nil }
func (s *stubDashboardStore) CountQuestions() (int, error)                     { return s.questions, nil }
func (s *stubDashboardStore) CountAnsweredQuestions() (int, error)             { return s.answered, nil }

func TestDashboardMetrics(t *testing.T) {
	svc := NewDashboardService(&stubDashboardStore{
		events: 8, highRisk: 2, pending: 3, complete: 6, questions: 3, answered: 2,
	})
	m, err := svc.Metrics()
	if err != nil {
		t.Fatalf("Metrics error: %v", err)
	}
	if m.TotalEvents != 8 || m.HighRiskCount != 2 || m.PendingFollowups != 3 {
		t.Fatalf("unexpected counts: %+v", m)
	}
	if m.ResponseRate != 66.67 {
		t.Fatalf("expected 66.67 response rate, got %v", m.ResponseRate)
	}
	if m.MissingFieldReduction != 75 {
		t.Fatalf("expected 75 reduction, got %v", m.MissingFieldReduction)
	}
}

func TestDashboardMetricsEmptyStore(t *testing.T) {
	svc := NewDashboardService(&stubDashboardStore{})
	m, err := svc.Metrics()
	if err != nil {
		t.Fatalf("Metrics error: %v", err)
	}
	if m.ResponseRate != 0 || m.MissingFieldReduction != 0 {
		t.Fatalf("zero-count rates must be zero, got %+v", m)
	}
}
