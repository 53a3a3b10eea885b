package services

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/openvigil/openvigil/internal/utils"
)

type FollowupStore interface {
	GetEvent(id string) (*Event, error)
	GetReporter(id string) (*Reporter, error)
	GetQuestion(id string) (*FollowupQuestion, error)
	ListQuestions(eventID string) ([]*FollowupQuestion, error)
	// RecordQuestion inserts the question and moves the event to in_progress
	// in one transaction. Events already in_progress stay put; escalated
	// events are never downgraded.
	RecordQuestion(q *FollowupQuestion) error
	// ApplyAnswer commits the answer, the field patch, the missing-field
	// removal, the risk persist and the audit entry as one transaction.
	ApplyAnswer(p *AnswerPatch) error
	AddAudit(entry *AuditEntry) error
}

// AnswerPatch is the atomic unit committed when a question is answered.
type AnswerPatch struct {
	QuestionID string
	EventID    string
	FieldName  string // empty means no event patch
	AnswerText string
	AnsweredAt time.Time
	Risk       *RiskAssessment // nil means risk untouched
	Escalate   bool
	Audit      *AuditEntry
}

type FollowupConfig struct {
	AnswerBaseURL string        // public answer page, token appended as query
	AnswerTTL     time.Duration // answer-token lifetime
}

// FollowupService drives the question/answer cycle: it picks the next
// missing field, renders and dispatches a question behind a signed answer
// link, and folds answers back into the event.
type FollowupService struct {
	store       FollowupStore
	oracle      Oracle
	messenger   Messenger
	risk        *RiskService
	signToken   TokenSigner
	verifyToken TokenVerifier
	cfg         FollowupConfig
	now         func() time.Time
	idGen       func() string
}

func NewFollowupService(store FollowupStore, oracle Oracle, messenger Messenger, risk *RiskService, signer TokenSigner, verifier TokenVerifier, cfg FollowupConfig) *FollowupService {
	if cfg.AnswerTTL <= 0 {
		cfg.AnswerTTL = 15 * time.Minute
	}
	if strings.TrimSpace(cfg.AnswerBaseURL) == "" {
		cfg.AnswerBaseURL = "http://localhost:3000/answer"
	}
	return &FollowupService{
		store:       store,
		oracle:      oracle,
		messenger:   messenger,
		risk:        risk,
		signToken:   signer,
		verifyToken: verifier,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
		idGen:       func() string { return shortID(16) },
	}
}

type DispatchResult struct {
	QuestionID string `json:"question_id"`
	FieldName  string `json:"field_name"`
	Channel    string `json:"channel"`
	Delivered  bool   `json:"delivered"`
}

// DispatchNext asks about the first entry of missing_fields (FIFO; required
// fields were stored ahead of optional ones). The stored question and its
// audit entry survive delivery failure: transport is best-effort.
func (s *FollowupService) DispatchNext(eventID string) (*DispatchResult, error) {
	ev, err := s.store.GetEvent(eventID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, NewNotFoundError("event not found")
	}
	if len(ev.MissingFields) == 0 {
		return nil, NewInvalidError("no missing fields to follow up on")
	}
	reporter, err := s.store.GetReporter(ev.ReporterID)
	if err != nil {
		return nil, err
	}
	if reporter == nil {
		return nil, NewInvalidError("no reporter associated with event")
	}
	fieldName := ev.MissingFields[0]
	lang := reporter.Language
	if lang == "" {
		lang = "en"
	}
	questionText, err := s.oracle.RenderQuestion(fieldName, map[string]string{
		"suspected_drug": ev.SuspectedDrug,
		"adverse_effect": ev.AdverseEffect,
	}, lang, reporter.ReporterType)
	if err != nil || strings.TrimSpace(questionText) == "" {
		log.Printf("followup: question generation failed for event %s field %s: %v", ev.ID, fieldName, err)
		questionText = fmt.Sprintf("We need information about: %s. Can you provide this detail?", fieldName)
	}
	if s.signToken == nil {
		return nil, NewInvalidError("token signer not configured")
	}
	answerToken, err := s.signToken(reporter.ID, ev.ID, TokenKindAnswer, s.cfg.AnswerTTL)
	if err != nil {
		return nil, err
	}
	destination, channel := reporter.Contact()
	if strings.TrimSpace(destination) == "" {
		return nil, NewInvalidError("reporter has no contact")
	}
	q := &FollowupQuestion{
		ID:           s.idGen(),
		EventID:      ev.ID,
		QuestionText: questionText,
		FieldName:    fieldName,
		Language:     lang,
		Channel:      channel,
		SentAt:       s.now(),
	}
	if err := s.store.RecordQuestion(q); err != nil {
		return nil, err
	}
	link := fmt.Sprintf("%s?token=%s&question=%s", s.cfg.AnswerBaseURL, answerToken, q.ID)
	message := fmt.Sprintf("%s\n\n%s\n%s\n\n%s",
		questionText,
		utils.T(lang, "followup.answer_link"),
		link,
		utils.T(lang, "followup.disclaimer"))
	delivered := s.messenger.Send(destination, message, channel)
	if err := s.store.AddAudit(&AuditEntry{
		EventID:    ev.ID,
		ReporterID: reporter.ID,
		Action:     "FOLLOWUP_SENT",
		Channel:    channel,
		Meta:       map[string]any{"field_name": fieldName, "question_id": q.ID, "delivered": delivered},
		Time:       s.now(),
	}); err != nil {
		return nil, err
	}
	return &DispatchResult{QuestionID: q.ID, FieldName: fieldName, Channel: channel, Delivered: delivered}, nil
}

type AnswerResult struct {
	QuestionID string          `json:"question_id"`
	FieldName  string          `json:"field_name,omitempty"`
	Risk       *RiskAssessment `json:"risk,omitempty"`
}

// SubmitAnswer folds an out-of-band answer back into the event. The answered
// flag is the replay guard, not the token: tokens stay valid for their TTL
// and authorize the reporter/event pair, so the same token may answer a
// different unanswered question.
func (s *FollowupService) SubmitAnswer(questionID, token, answerText string) (*AnswerResult, error) {
	if s.verifyToken == nil {
		return nil, NewInvalidError("token verifier not configured")
	}
	claims, err := s.verifyToken(token)
	if err != nil || claims == nil || claims.Kind != TokenKindAnswer {
		return nil, NewUnauthorizedError("invalid or expired token")
	}
	q, err := s.store.GetQuestion(questionID)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, NewNotFoundError("question not found")
	}
	if q.Answered {
		return nil, NewConflictError("question already answered")
	}
	ev, err := s.store.GetEvent(q.EventID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, NewNotFoundError("event not found")
	}
	if claims.EventID != "" {
		if claims.EventID != ev.ID {
			return nil, NewUnauthorizedError("token not valid for this event")
		}
	} else if claims.Subject != ev.ReporterID {
		// Tokens without an event claim still authorize only their reporter.
		return nil, NewUnauthorizedError("token not valid for this reporter")
	}
	now := s.now()
	patch := &AnswerPatch{
		QuestionID: q.ID,
		EventID:    ev.ID,
		AnswerText: answerText,
		AnsweredAt: now,
		Audit: &AuditEntry{
			EventID:    ev.ID,
			ReporterID: ev.ReporterID,
			Action:     "FOLLOWUP_ANSWERED",
			Channel:    q.Channel,
			Meta:       map[string]any{"question_id": q.ID, "field_name": q.FieldName},
			Time:       now,
		},
	}
	result := &AnswerResult{QuestionID: q.ID}
	if q.FieldName != "" {
		if !KnownEventField(q.FieldName) {
			return nil, NewInvalidError("question is bound to an unknown event field")
		}
		// Assess against the patched snapshot before committing, so risk is
		// never stale relative to the new field value.
		patched := *ev
		ApplyEventField(&patched, q.FieldName, answerText)
		assessment := s.risk.Assess(RiskSnapshot(&patched))
		patch.FieldName = q.FieldName
		patch.Risk = assessment
		patch.Escalate = Escalates(assessment.Class)
		result.FieldName = q.FieldName
		result.Risk = assessment
	}
	if err := s.store.ApplyAnswer(patch); err != nil {
		return nil, err
	}
	return result, nil
}

// Questions lists the follow-up questions dispatched for an event, newest
// first.
func (s *FollowupService) Questions(eventID string) ([]*FollowupQuestion, error) {
	ev, err := s.store.GetEvent(eventID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, NewNotFoundError("event not found")
	}
	return s.store.ListQuestions(eventID)
}
