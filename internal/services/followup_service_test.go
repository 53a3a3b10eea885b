package services

import (
	"errors"
	"strings"
	"testing"
	"time"
)

type stubFollowupStore struct {
	event    *Event
	reporter *Reporter
	question *FollowupQuestion
	patch    *AnswerPatch
	audits   []*AuditEntry
}

func (s *stubFollowupStore) GetEvent(id string) (*Event, error) {
	if s.event != nil && s.event.ID == id {
		copy := *s.event
		return &copy, nil
	}
	return nil, nil
}

func (s *stubFollowupStore) GetReporter(id string) (*Reporter, error) {
	if s.reporter != nil && s.reporter.ID == id {
		copy := *s.reporter
		return &copy, nil
	}
	return nil, nil
}

func (s *stubFollowupStore) GetQuestion(id string) (*FollowupQuestion, error) {
	if s.question != nil && s.question.ID == id {
		copy := *s.question
		return &copy, nil
	}
	return nil, nil
}

func (s *stubFollowupStore) ListQuestions(eventID string) ([]*FollowupQuestion, error) {
	if s.question == nil || s.question.EventID != eventID {
		return []*FollowupQuestion{}, nil
	}
	copy := *s.question
	return []*FollowupQuestion{&copy}, nil
}

func (s *stubFollowupStore) RecordQuestion(q *FollowupQuestion) error {
	copy := *q
	s.question = &copy
	if s.event.FollowupStatus == FollowupPending {
		s.event.FollowupStatus = FollowupInProgress
	}
	return nil
}

func (s *stubFollowupStore) ApplyAnswer(p *AnswerPatch) error {
	if s.question != nil && s.question.ID == p.QuestionID && s.question.Answered {
		return NewConflictError("question already answered")
	}
	s.patch = p
	if s.question != nil && s.question.ID == p.QuestionID {
		s.question.Answered = true
		s.question.AnswerText = p.AnswerText
	}
	return nil
}

func (s *stubFollowupStore) AddAudit(entry *AuditEntry) error {
	s.audits = append(s.audits, entry)
	return nil
}

func answerVerifier(claims *TokenClaims, err error) TokenVerifier {
	return func(token string) (*TokenClaims, error) { return claims, err }
}

func newTestFollowupService(store *stubFollowupStore, oracle *fakeOracle, messenger *recordingMessenger, verifier TokenVerifier) *FollowupService {
	risk := NewRiskService(&stubRiskStore{}, oracle)
	signer := func(subject, eventID, kind string, ttl time.Duration) (string, error) {
		if kind != TokenKindAnswer {
			return "", errors.New("dispatch must sign answer tokens")
		}
		return "answer-token", nil
	}
	svc := NewFollowupService(store, oracle, messenger, risk, signer, verifier, FollowupConfig{AnswerBaseURL: "https://answers.example/answer"})
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	svc.idGen = func() string { return "Q1" }
	return svc
}

func TestDispatchNextSendsFirstMissingField(t *testing.T) {
	store := &stubFollowupStore{
		event:    &Event{ID: "e1", ReporterID: "r1", MissingFields: []string{"dose", "frequency"}, FollowupStatus: FollowupPending},
		reporter: &Reporter{ID: "r1", ReporterType: ReporterPatient, Phone: "+15551234567", Language: "es"},
	}
	messenger := &recordingMessenger{}
	oracle := &fakeOracle{question: "¿Qué dosis estaba tomando?"}
	svc := newTestFollowupService(store, oracle, messenger, nil)

	res, err := svc.DispatchNext("e1")
	if err != nil {
		t.Fatalf("DispatchNext error: %v", err)
	}
	if res.FieldName != "dose" || res.QuestionID != "Q1" || res.Channel != ChannelWhatsApp || !res.Delivered {
		t.Fatalf("unexpected result: %+v", res)
	}
	if store.question == nil || store.question.FieldName != "dose" || store.question.Language != "es" {
		t.Fatalf("question not recorded: %+v", store.question)
	}
	if store.event.FollowupStatus != FollowupInProgress {
		t.Fatalf("event not moved to in_progress")
	}
	if !strings.Contains(messenger.message, "https://answers.example/answer?token=answer-token&question=Q1") {
		t.Fatalf("answer link missing from message: %q", messenger.message)
	}
	if !strings.Contains(messenger.message, "¿Qué dosis estaba tomando?") {
		t.Fatalf("question text missing from message")
	}
	if len(store.audits) != 1 || store.audits[0].Action != "FOLLOWUP_SENT" {
		t.Fatalf("expected FOLLOWUP_SENT audit, got %+v", store.audits)
	}
}

func TestDispatchNextQuestionFallback(t *testing.T) {
	store := &stubFollowupStore{
		event:    &Event{ID: "e1", ReporterID: "r1", MissingFields: []string{"outcome"}},
		reporter: &Reporter{ID: "r1", ReporterType: ReporterPatient, Email: "p@example.com"},
	}
	messenger := &recordingMessenger{}
	svc := newTestFollowupService(store, &fakeOracle{questionErr: errors.New("down")}, messenger, nil)

	res, err := svc.DispatchNext("e1")
	if err != nil {
		t.Fatalf("DispatchNext error: %v", err)
	}
	if res.Channel != ChannelEmail {
		t.Fatalf("email-only reporter should get email, got %q", res.Channel)
	}
	if !strings.Contains(store.question.QuestionText, "We need information about: outcome") {
		t.Fatalf("expected template fallback, got %q", store.question.QuestionText)
	}
}

func TestDispatchNextDeliveryFailureStillRecords(t *testing.T) {
	store := &stubFollowupStore{
		event:    &Event{ID: "e1", ReporterID: "r1", MissingFields: []string{"dose"}},
		reporter: &Reporter{ID: "r1", Phone: "+15551234567"},
	}
	messenger := &recordingMessenger{fail: true}
	svc := newTestFollowupService(store, &fakeOracle{question: "How much?"}, messenger, nil)

	res, err := svc.DispatchNext("e1")
	if err != nil {
		t.Fatalf("DispatchNext error: %v", err)
	}
	if res.Delivered {
		t.Fatalf("expected delivered=false")
	}
	if store.question == nil {
		t.Fatalf("question must survive delivery failure")
	}
	if store.audits[0].Meta["delivered"] != false {
		t.Fatalf("audit must record the failed delivery")
	}
}

func TestDispatchNextNoMissingFields(t *testing.T) {
	store := &stubFollowupStore{
		event:    &Event{ID: "e1", ReporterID: "r1", MissingFields: []string{}},
		reporter: &Reporter{ID: "r1", Phone: "+15551234567"},
	}
	svc := newTestFollowupService(store, &fakeOracle{}, &recordingMessenger{}, nil)
	_, err := svc.DispatchNext("e1")
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorInvalid {
		t.Fatalf("expected invalid, got %v", err)
	}
}

func TestSubmitAnswerPatchesFieldAndRecomputesRisk(t *testing.T) {
	store := &stubFollowupStore{
		event:    &Event{ID: "e1", ReporterID: "r1", MissingFields: []string{"dose", "frequency"}},
		question: &FollowupQuestion{ID: "Q1", EventID: "e1", FieldName: "dose", Channel: ChannelWhatsApp},
	}
	oracle := &fakeOracle{risk: &RiskResult{Score: 80, Reasoning: "overdose range"}}
	verifier := answerVerifier(&TokenClaims{Subject: "r1", EventID: "e1", Kind: TokenKindAnswer}, nil)
	svc := newTestFollowupService(store, oracle, &recordingMessenger{}, verifier)

	res, err := svc.SubmitAnswer("Q1", "tok", "10mg")
	if err != nil {
		t.Fatalf("SubmitAnswer error: %v", err)
	}
	if res.FieldName != "dose" || res.Risk == nil || res.Risk.Class != RiskCritical {
		t.Fatalf("unexpected result: %+v", res)
	}
	p := store.patch
	if p == nil || p.FieldName != "dose" || p.AnswerText != "10mg" || !p.Escalate {
		t.Fatalf("unexpected patch: %+v", p)
	}
	if p.Audit == nil || p.Audit.Action != "FOLLOWUP_ANSWERED" {
		t.Fatalf("audit must ride the patch transaction: %+v", p.Audit)
	}
}

func TestSubmitAnswerRejectsSessionToken(t *testing.T) {
	store := &stubFollowupStore{
		question: &FollowupQuestion{ID: "Q1", EventID: "e1"},
	}
	verifier := answerVerifier(&TokenClaims{Subject: "r1", Kind: TokenKindSession}, nil)
	svc := newTestFollowupService(store, &fakeOracle{}, &recordingMessenger{}, verifier)

	_, err := svc.SubmitAnswer("Q1", "tok", "10mg")
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestSubmitAnswerExactlyOnce(t *testing.T) {
	store := &stubFollowupStore{
		event:    &Event{ID: "e1", ReporterID: "r1"},
		question: &FollowupQuestion{ID: "Q1", EventID: "e1", FieldName: "dose"},
	}
	verifier := answerVerifier(&TokenClaims{Subject: "r1", EventID: "e1", Kind: TokenKindAnswer}, nil)
	svc := newTestFollowupService(store, &fakeOracle{}, &recordingMessenger{}, verifier)

	if _, err := svc.SubmitAnswer("Q1", "tok", "10mg"); err != nil {
		t.Fatalf("first answer: %v", err)
	}
	_, err := svc.SubmitAnswer("Q1", "tok", "20mg")
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorConflict {
		t.Fatalf("expected conflict on replay, got %v", err)
	}
	if store.question.AnswerText != "10mg" {
		t.Fatalf("replay must not overwrite the answer")
	}
}

func TestSubmitAnswerTokenReusableForNextQuestion(t *testing.T) {
	store := &stubFollowupStore{
		event:    &Event{ID: "e1", ReporterID: "r1", MissingFields: []string{"dose", "frequency"}},
		question: &FollowupQuestion{ID: "Q1", EventID: "e1", FieldName: "dose"},
	}
	verifier := answerVerifier(&TokenClaims{Subject: "r1", EventID: "e1", Kind: TokenKindAnswer}, nil)
	svc := newTestFollowupService(store, &fakeOracle{}, &recordingMessenger{}, verifier)

	if _, err := svc.SubmitAnswer("Q1", "tok", "10mg"); err != nil {
		t.Fatalf("first answer: %v", err)
	}
	// The token stays valid for its TTL; only the answered flag guards
	// replay, so the same token answers the next question.
	store.question = &FollowupQuestion{ID: "Q2", EventID: "e1", FieldName: "frequency"}
	res, err := svc.SubmitAnswer("Q2", "tok", "twice daily")
	if err != nil {
		t.Fatalf("second answer with same token: %v", err)
	}
	if res.QuestionID != "Q2" || res.FieldName != "frequency" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if store.patch == nil || store.patch.AnswerText != "twice daily" {
		t.Fatalf("second answer not committed: %+v", store.patch)
	}
}

func TestSubmitAnswerTokenBoundToReporter(t *testing.T) {
	store := &stubFollowupStore{
		event:    &Event{ID: "e1", ReporterID: "r1"},
		question: &FollowupQuestion{ID: "Q1", EventID: "e1", FieldName: "dose"},
	}
	// An eventless answer token still authorizes only its own reporter.
	verifier := answerVerifier(&TokenClaims{Subject: "someone-else", Kind: TokenKindAnswer}, nil)
	svc := newTestFollowupService(store, &fakeOracle{}, &recordingMessenger{}, verifier)

	_, err := svc.SubmitAnswer("Q1", "tok", "10mg")
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestSubmitAnswerTokenBoundToEvent(t *testing.T) {
	store := &stubFollowupStore{
		event:    &Event{ID: "e1", ReporterID: "r1"},
		question: &FollowupQuestion{ID: "Q1", EventID: "e1", FieldName: "dose"},
	}
	verifier := answerVerifier(&TokenClaims{Subject: "r1", EventID: "other-event", Kind: TokenKindAnswer}, nil)
	svc := newTestFollowupService(store, &fakeOracle{}, &recordingMessenger{}, verifier)

	_, err := svc.SubmitAnswer("Q1", "tok", "10mg")
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestSubmitAnswerExpiredToken(t *testing.T) {
	svc := newTestFollowupService(&stubFollowupStore{}, &fakeOracle{}, &recordingMessenger{},
		answerVerifier(nil, errors.New("token is expired")))
	_, err := svc.SubmitAnswer("Q1", "tok", "10mg")
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestQuestionsUnknownEvent(t *testing.T) {
	svc := newTestFollowupService(&stubFollowupStore{}, &fakeOracle{}, &recordingMessenger{}, nil)
	_, err := svc.Questions("missing")
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}
