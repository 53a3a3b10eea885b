package services

import (
	"strings"
	"testing"
	"time"
)

func TestExportEventsCSVStableOrder(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	events := []*Event{
		{ID: "e2", ReporterID: "r1", SuspectedDrug: "warfarin", RiskScore: 60, RiskClass: RiskHigh, CreatedAt: t0.Add(time.Hour)},
		{ID: "e1", ReporterID: "r1", SuspectedDrug: "amoxicillin", MissingFields: []string{"dose", "outcome"}, CreatedAt: t0},
	}
	b, err := ExportEventsCSV(events)
	if err != nil {
		t.Fatalf("ExportEventsCSV error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[1], "e1,") || !strings.HasPrefix(lines[2], "e2,") {
		t.Fatalf("rows not ordered by creation time: %v", lines)
	}
	if !strings.Contains(lines[1], "dose | outcome") {
		t.Fatalf("missing fields not joined: %q", lines[1])
	}
}

func TestExportAuditCSV(t *testing.T) {
	entries := []*AuditEntry{
		{ID: "a1", EventID: "e1", Action: "OTP_SENT", Channel: ChannelSMS, Time: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		{ID: "a2", EventID: "e1", Action: "FOLLOWUP_SENT", Channel: ChannelWhatsApp, Time: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)},
	}
	b, err := ExportAuditCSV(entries)
	if err != nil {
		t.Fatalf("ExportAuditCSV error: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, "OTP_SENT") || !strings.Contains(out, "FOLLOWUP_SENT") {
		t.Fatalf("actions missing: %s", out)
	}
}
