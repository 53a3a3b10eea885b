package services

import (
	"errors"
	"reflect"
	"testing"
)

type stubMissingStore struct {
	event  *Event
	fields []string
	audit  *AuditEntry
}

func (s *stubMissingStore) GetEvent(id string) (*Event, error) {
	if s.event != nil && s.event.ID == id {
		copy := *s.event
		return &copy, nil
	}
	return nil, nil
}

func (s *stubMissingStore) SetMissingFields(eventID string, fields []string, audit *AuditEntry) error {
	s.fields = fields
	s.audit = audit
	return nil
}

func TestDetectStoresRequiredBeforeOptional(t *testing.T) {
	store := &stubMissingStore{event: &Event{ID: "e1", ReporterID: "r1"}}
	oracle := &fakeOracle{missing: &MissingFieldsResult{
		Required: []string{"dose", "frequency"},
		Optional: []string{"comorbidities"},
	}}
	svc := NewMissingFieldService(store, oracle)

	res, err := svc.Detect("e1")
	if err != nil {
		t.Fatalf("Detect error: %v", err)
	}
	want := []string{"dose", "frequency", "comorbidities"}
	if !reflect.DeepEqual(store.fields, want) {
		t.Fatalf("stored %v, want %v", store.fields, want)
	}
	if !reflect.DeepEqual(res.Required, []string{"dose", "frequency"}) {
		t.Fatalf("unexpected required: %v", res.Required)
	}
	if store.audit == nil || store.audit.Action != "MISSING_FIELDS_DETECTED" {
		t.Fatalf("expected audit, got %+v", store.audit)
	}
}

func TestDetectDropsUnknownAndDuplicateFields(t *testing.T) {
	store := &stubMissingStore{event: &Event{ID: "e1"}}
	oracle := &fakeOracle{missing: &MissingFieldsResult{
		Required: []string{"dose", "dose", "patient_ssn; DROP TABLE events"},
		Optional: []string{"dose", "outcome", "freeform_notes"},
	}}
	svc := NewMissingFieldService(store, oracle)

	if _, err := svc.Detect("e1"); err != nil {
		t.Fatalf("Detect error: %v", err)
	}
	want := []string{"dose", "outcome"}
	if !reflect.DeepEqual(store.fields, want) {
		t.Fatalf("stored %v, want %v", store.fields, want)
	}
}

func TestDetectOracleFailureDegradesToEmptySet(t *testing.T) {
	store := &stubMissingStore{event: &Event{ID: "e1"}}
	svc := NewMissingFieldService(store, &fakeOracle{missingErr: errors.New("down")})

	res, err := svc.Detect("e1")
	if err != nil {
		t.Fatalf("Detect must absorb oracle failure, got %v", err)
	}
	if len(store.fields) != 0 {
		t.Fatalf("expected empty set, got %v", store.fields)
	}
	if res.Reasoning != "Error analyzing fields" {
		t.Fatalf("unexpected reasoning: %q", res.Reasoning)
	}
}

func TestDetectUnknownEvent(t *testing.T) {
	svc := NewMissingFieldService(&stubMissingStore{}, &fakeOracle{})
	_, err := svc.Detect("missing")
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestRemoveMissingFieldKeepsOrder(t *testing.T) {
	got := RemoveMissingField([]string{"dose", "frequency", "outcome"}, "frequency")
	if !reflect.DeepEqual(got, []string{"dose", "outcome"}) {
		t.Fatalf("unexpected result: %v", got)
	}
	got = RemoveMissingField(got, "absent")
	if !reflect.DeepEqual(got, []string{"dose", "outcome"}) {
		t.Fatalf("removing an absent name must be a no-op: %v", got)
	}
}
