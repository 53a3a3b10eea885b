package services

import (
	"log"
	"time"
)

type RiskStore interface {
	GetEvent(id string) (*Event, error)
	// SetRisk persists the assessment and, when escalate is true, moves the
	// event to escalated. Escalation is one-way: a later lower-risk
	// assessment never moves the status back.
	SetRisk(eventID string, r *RiskAssessment, escalate bool, audit *AuditEntry) error
}

type RiskAssessment struct {
	Score               int     `json:"risk_score"`
	Class               string  `json:"risk_class"`
	HospitalizationRisk float64 `json:"hospitalization_risk"`
	MortalityRisk       float64 `json:"mortality_risk"`
	Reasoning           string  `json:"reasoning,omitempty"`
}

type RiskService struct {
	store  RiskStore
	oracle Oracle
	now    func() time.Time
}

func NewRiskService(store RiskStore, oracle Oracle) *RiskService {
	return &RiskService{
		store:  store,
		oracle: oracle,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ClassForScore maps a 0-100 score onto the four inclusive bins.
func ClassForScore(score int) string {
	switch {
	case score <= 25:
		return RiskLow
	case score <= 50:
		return RiskMedium
	case score <= 75:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// Escalates reports whether a class triggers the sticky follow-up escalation.
func Escalates(class string) bool {
	return class == RiskHigh || class == RiskCritical
}

// Assess asks the oracle for a severity assessment of the snapshot. Oracle
// failure is absorbed into a fixed conservative default so intake always
// completes with some classification.
func (s *RiskService) Assess(snapshot map[string]string) *RiskAssessment {
	res, err := s.oracle.ScoreRisk(snapshot)
	if err != nil {
		log.Printf("risk: oracle unavailable, using conservative default: %v", err)
		return &RiskAssessment{
			Score:               50,
			Class:               RiskMedium,
			HospitalizationRisk: 0.3,
			MortalityRisk:       0.1,
			Reasoning:           "Unable to complete automated assessment",
		}
	}
	return &RiskAssessment{
		Score: res.Score,
		// The class is always rederived from the score; the oracle's own
		// label is advisory.
		Class:               ClassForScore(res.Score),
		HospitalizationRisk: res.HospitalizationRisk,
		MortalityRisk:       res.MortalityRisk,
		Reasoning:           res.Reasoning,
	}
}

// Recompute snapshots the event, assesses it and persists the result,
// escalating the follow-up status for high and critical classes.
func (s *RiskService) Recompute(eventID string) (*RiskAssessment, error) {
	ev, err := s.store.GetEvent(eventID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, NewNotFoundError("event not found")
	}
	assessment := s.Assess(RiskSnapshot(ev))
	escalate := Escalates(assessment.Class)
	audit := &AuditEntry{
		EventID:    ev.ID,
		ReporterID: ev.ReporterID,
		Action:     "RISK_SCORED",
		Meta:       map[string]any{"risk_score": assessment.Score, "risk_class": assessment.Class},
		Time:       s.now(),
	}
	if err := s.store.SetRisk(ev.ID, assessment, escalate, audit); err != nil {
		return nil, err
	}
	return assessment, nil
}

// RiskSnapshot carries the clinical fields the risk prompt looks at.
func RiskSnapshot(ev *Event) map[string]string {
	return map[string]string{
		"suspected_drug":  ev.SuspectedDrug,
		"adverse_effect":  ev.AdverseEffect,
		"seriousness":     ev.Seriousness,
		"hospitalization": ev.Hospitalization,
		"outcome":         ev.Outcome,
		"comorbidities":   ev.Comorbidities,
	}
}

// EventSnapshot carries every enumerated clinical field; empty values read
// as "NOT PROVIDED" in the rendered prompt.
func EventSnapshot(ev *Event) map[string]string {
	return map[string]string{
		"suspected_drug":  ev.SuspectedDrug,
		"dose":            ev.Dose,
		"frequency":       ev.Frequency,
		"start_date":      ev.StartDate,
		"stop_date":       ev.StopDate,
		"adverse_effect":  ev.AdverseEffect,
		"seriousness":     ev.Seriousness,
		"hospitalization": ev.Hospitalization,
		"outcome":         ev.Outcome,
		"comorbidities":   ev.Comorbidities,
		"medications":     ev.Medications,
	}
}
