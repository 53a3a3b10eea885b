package services

import (
	"bytes"
	"encoding/csv"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ExportEventsCSV renders the event register for regulatory review, one row
// per event, stably ordered by creation time then id.
func ExportEventsCSV(events []*Event) ([]byte, error) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write([]string{
		"event_id", "reporter_id", "suspected_drug", "dose", "frequency",
		"start_date", "stop_date", "adverse_effect", "seriousness",
		"hospitalization", "outcome", "comorbidities", "medications",
		"missing_fields", "followup_status", "risk_score", "risk_class",
		"hospitalization_risk", "mortality_risk", "created_at",
	})
	for _, ev := range events {
		rec := []string{
			ev.ID,
			ev.ReporterID,
			ev.SuspectedDrug,
			ev.Dose,
			ev.Frequency,
			ev.StartDate,
			ev.StopDate,
			ev.AdverseEffect,
			ev.Seriousness,
			ev.Hospitalization,
			ev.Outcome,
			ev.Comorbidities,
			ev.Medications,
			strings.Join(ev.MissingFields, " | "),
			ev.FollowupStatus,
			strconv.Itoa(ev.RiskScore),
			ev.RiskClass,
			strconv.FormatFloat(ev.HospitalizationRisk, 'f', 2, 64),
			strconv.FormatFloat(ev.MortalityRisk, 'f', 2, 64),
			ev.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// ExportAuditCSV renders an event's audit trail, oldest first.
func ExportAuditCSV(entries []*AuditEntry) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write([]string{"id", "event_id", "reporter_id", "action", "channel", "at"})
	for _, e := range entries {
		rec := []string{e.ID, e.EventID, e.ReporterID, e.Action, e.Channel, e.Time.UTC().Format(time.RFC3339)}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
