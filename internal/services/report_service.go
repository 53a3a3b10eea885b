package services

import (
	"encoding/json"
	"log"
	"strings"
	"time"
)

type ReportStore interface {
	CreateReporter(r *Reporter, audit *AuditEntry) error
	GetReporter(id string) (*Reporter, error)
	// DeleteReporter removes the reporter and all dependent events, tokens
	// and questions; the cascade is part of this contract, not a storage
	// engine detail.
	DeleteReporter(id string, audit *AuditEntry) (bool, error)
	CreateEvent(e *Event, audit *AuditEntry) error
	GetEvent(id string) (*Event, error)
	AddAudit(entry *AuditEntry) error
}

// ReportService handles intake: reporters, events, and the ICSR narrative.
// On event creation it runs the missing-field tracker and the risk trigger
// so every stored event carries a working follow-up set and a
// classification.
type ReportService struct {
	store  ReportStore
	fields *MissingFieldService
	risk   *RiskService
	oracle Oracle
	cipher *PHICipher
	now    func() time.Time
	idGen  func() string
}

func NewReportService(store ReportStore, fields *MissingFieldService, risk *RiskService, oracle Oracle, cipher *PHICipher) *ReportService {
	return &ReportService{
		store:  store,
		fields: fields,
		risk:   risk,
		oracle: oracle,
		cipher: cipher,
		now:    func() time.Time { return time.Now().UTC() },
		idGen:  func() string { return shortID(16) },
	}
}

type ReporterInput struct {
	ReporterType string `json:"reporter_type"`
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Email        string `json:"email"`
	Language     string `json:"language"`
}

func (s *ReportService) CreateReporter(in ReporterInput) (*Reporter, error) {
	if in.ReporterType != ReporterPatient && in.ReporterType != ReporterHCP {
		return nil, NewInvalidError("reporter_type must be patient or hcp")
	}
	if strings.TrimSpace(in.Phone) == "" && strings.TrimSpace(in.Email) == "" {
		return nil, NewInvalidError("phone or email required")
	}
	if in.Language == "" {
		in.Language = "en"
	}
	now := s.now()
	r := &Reporter{
		ID:           s.idGen(),
		ReporterType: in.ReporterType,
		Name:         in.Name,
		Phone:        strings.TrimSpace(in.Phone),
		Email:        strings.TrimSpace(in.Email),
		Language:     in.Language,
		CreatedAt:    now,
	}
	r.EncryptedData = s.sealPHI(map[string]string{"name": r.Name, "phone": r.Phone, "email": r.Email})
	audit := &AuditEntry{
		ReporterID: r.ID,
		Action:     "REPORTER_CREATED",
		Meta:       map[string]any{"reporter_type": r.ReporterType},
		Time:       now,
	}
	if err := s.store.CreateReporter(r, audit); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *ReportService) GetReporter(id string) (*Reporter, error) {
	r, err := s.store.GetReporter(id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, NewNotFoundError("reporter not found")
	}
	return r, nil
}

func (s *ReportService) DeleteReporter(id string) error {
	ok, err := s.store.DeleteReporter(id, &AuditEntry{
		ReporterID: id,
		Action:     "REPORTER_DELETED",
		Time:       s.now(),
	})
	if err != nil {
		return err
	}
	if !ok {
		return NewNotFoundError("reporter not found")
	}
	return nil
}

type EventInput struct {
	ReporterID      string `json:"reporter_id"`
	SuspectedDrug   string `json:"suspected_drug"`
	Dose            string `json:"dose"`
	Frequency       string `json:"frequency"`
	StartDate       string `json:"start_date"`
	StopDate        string `json:"stop_date"`
	AdverseEffect   string `json:"adverse_effect"`
	Seriousness     string `json:"seriousness"`
	Hospitalization string `json:"hospitalization"`
	Outcome         string `json:"outcome"`
	Comorbidities   string `json:"comorbidities"`
	Medications     string `json:"medications"`
}

// CreateEvent stores the report, detects missing fields and classifies risk
// before returning the refreshed event. The oracle-backed steps degrade to
// their conservative fallbacks, so intake never fails on an external outage.
func (s *ReportService) CreateEvent(in EventInput) (*Event, error) {
	reporter, err := s.store.GetReporter(in.ReporterID)
	if err != nil {
		return nil, err
	}
	if reporter == nil {
		return nil, NewInvalidError("unknown reporter")
	}
	now := s.now()
	ev := &Event{
		ID:              s.idGen(),
		ReporterID:      reporter.ID,
		SuspectedDrug:   in.SuspectedDrug,
		Dose:            in.Dose,
		Frequency:       in.Frequency,
		StartDate:       in.StartDate,
		StopDate:        in.StopDate,
		AdverseEffect:   in.AdverseEffect,
		Seriousness:     in.Seriousness,
		Hospitalization: in.Hospitalization,
		Outcome:         in.Outcome,
		Comorbidities:   in.Comorbidities,
		Medications:     in.Medications,
		MissingFields:   []string{},
		FollowupStatus:  FollowupPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	ev.EncryptedData = s.sealPHI(EventSnapshot(ev))
	if err := s.store.CreateEvent(ev, nil); err != nil {
		return nil, err
	}
	detected, err := s.fields.Detect(ev.ID)
	if err != nil {
		return nil, err
	}
	assessment, err := s.risk.Recompute(ev.ID)
	if err != nil {
		return nil, err
	}
	if err := s.store.AddAudit(&AuditEntry{
		EventID:    ev.ID,
		ReporterID: reporter.ID,
		Action:     "EVENT_CREATED",
		Meta: map[string]any{
			"risk_class":           assessment.Class,
			"missing_fields_count": len(detected.Required) + len(detected.Optional),
		},
		Time: s.now(),
	}); err != nil {
		return nil, err
	}
	return s.GetEvent(ev.ID)
}

func (s *ReportService) GetEvent(id string) (*Event, error) {
	ev, err := s.store.GetEvent(id)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, NewNotFoundError("event not found")
	}
	return ev, nil
}

type Narrative struct {
	EventID     string    `json:"event_id"`
	Narrative   string    `json:"narrative"`
	GeneratedAt time.Time `json:"generated_at"`
}

// GenerateNarrative renders the ICSR regulatory narrative for an event.
func (s *ReportService) GenerateNarrative(eventID string) (*Narrative, error) {
	ev, err := s.GetEvent(eventID)
	if err != nil {
		return nil, err
	}
	snapshot := EventSnapshot(ev)
	if reporter, rerr := s.store.GetReporter(ev.ReporterID); rerr == nil && reporter != nil {
		snapshot["reporter_type"] = reporter.ReporterType
	}
	text, err := s.oracle.RenderNarrative(snapshot)
	if err != nil || strings.TrimSpace(text) == "" {
		log.Printf("report: narrative generation failed for event %s: %v", eventID, err)
		text = "Automated narrative generation unavailable. Manual review required."
	}
	if err := s.store.AddAudit(&AuditEntry{
		EventID: ev.ID,
		Action:  "NARRATIVE_GENERATED",
		Meta:    map[string]any{"narrative_length": len(text)},
		Time:    s.now(),
	}); err != nil {
		return nil, err
	}
	return &Narrative{EventID: ev.ID, Narrative: text, GeneratedAt: s.now()}, nil
}

// sealPHI encrypts the payload when a cipher is configured; without one the
// blob column stays empty.
func (s *ReportService) sealPHI(payload map[string]string) []byte {
	if s.cipher == nil {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	sealed, err := s.cipher.Encrypt(b)
	if err != nil {
		log.Printf("report: seal phi: %v", err)
		return nil
	}
	return sealed
}
