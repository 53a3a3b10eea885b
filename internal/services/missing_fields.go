package services

import (
	"log"
	"time"
)

type MissingFieldStore interface {
	GetEvent(id string) (*Event, error)
	// SetMissingFields replaces the event's working missing-field set.
	SetMissingFields(eventID string, fields []string, audit *AuditEntry) error
}

// MissingFieldService asks the oracle which regulatory fields an event still
// lacks and stores the result as the event's working set, required fields
// first.
type MissingFieldService struct {
	store  MissingFieldStore
	oracle Oracle
	now    func() time.Time
}

func NewMissingFieldService(store MissingFieldStore, oracle Oracle) *MissingFieldService {
	return &MissingFieldService{
		store:  store,
		oracle: oracle,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Detect runs the oracle over the event's current field values and replaces
// missing_fields with required ++ optional, keeping the oracle's own order
// within each group. Oracle failure degrades to an empty set: under-asking
// beats blocking intake on an external outage.
func (s *MissingFieldService) Detect(eventID string) (*MissingFieldsResult, error) {
	ev, err := s.store.GetEvent(eventID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, NewNotFoundError("event not found")
	}
	res, err := s.oracle.DetectMissingFields(EventSnapshot(ev))
	if err != nil {
		log.Printf("missing fields: oracle unavailable for event %s: %v", eventID, err)
		res = &MissingFieldsResult{Reasoning: "Error analyzing fields"}
	}
	required := filterKnownFields(res.Required, nil)
	optional := filterKnownFields(res.Optional, required)
	merged := append(append([]string{}, required...), optional...)
	audit := &AuditEntry{
		EventID:    ev.ID,
		ReporterID: ev.ReporterID,
		Action:     "MISSING_FIELDS_DETECTED",
		Meta:       map[string]any{"required": required, "optional": optional},
		Time:       s.now(),
	}
	if err := s.store.SetMissingFields(ev.ID, merged, audit); err != nil {
		return nil, err
	}
	return &MissingFieldsResult{Required: required, Optional: optional, Reasoning: res.Reasoning}, nil
}

// filterKnownFields drops names outside the event-field enumeration and
// duplicates, including anything already in seen. Free-form oracle output
// never reaches a column name.
func filterKnownFields(names []string, seen []string) []string {
	have := make(map[string]bool, len(seen))
	for _, f := range seen {
		have[f] = true
	}
	out := []string{}
	for _, name := range names {
		if !KnownEventField(name) || have[name] {
			continue
		}
		have[name] = true
		out = append(out, name)
	}
	return out
}
