package services

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ErrorCode string

const (
	ErrorInvalid         ErrorCode = "invalid"
	ErrorNotFound        ErrorCode = "not_found"
	ErrorConflict        ErrorCode = "conflict"
	ErrorUnauthorized    ErrorCode = "unauthorized"
	ErrorForbidden       ErrorCode = "forbidden"
	ErrorBadGateway      ErrorCode = "bad_gateway"
	ErrorTooManyRequests ErrorCode = "too_many_requests"
)

type ServiceError struct {
	Code    ErrorCode
	Message string
}

func (e *ServiceError) Error() string { return e.Message }

func NewInvalidError(msg string) error   { return &ServiceError{Code: ErrorInvalid, Message: msg} }
func NewNotFoundError(msg string) error  { return &ServiceError{Code: ErrorNotFound, Message: msg} }
func NewConflictError(msg string) error  { return &ServiceError{Code: ErrorConflict, Message: msg} }
func NewForbiddenError(msg string) error { return &ServiceError{Code: ErrorForbidden, Message: msg} }
func NewUnauthorizedError(msg string) error {
	return &ServiceError{Code: ErrorUnauthorized, Message: msg}
}

func NewBadGatewayError(msg string) error { return &ServiceError{Code: ErrorBadGateway, Message: msg} }

func NewTooManyRequestsError(msg string) error {
	return &ServiceError{Code: ErrorTooManyRequests, Message: msg}
}

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Reporter types and delivery channels.
const (
	ReporterPatient = "patient"
	ReporterHCP     = "hcp"

	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
	ChannelEmail    = "email"
)

// Follow-up lifecycle. Completed is defined for dashboard filtering but no
// core operation assigns it.
const (
	FollowupPending    = "pending"
	FollowupInProgress = "in_progress"
	FollowupEscalated  = "escalated"
	FollowupCompleted  = "completed"
)

// Risk classes derived from the 0-100 score.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

type Reporter struct {
	ID            string    `json:"id"`
	ReporterType  string    `json:"reporter_type"`
	Name          string    `json:"name,omitempty"`
	Phone         string    `json:"phone,omitempty"`
	Email         string    `json:"email,omitempty"`
	Language      string    `json:"language"`
	Verified      bool      `json:"verified"`
	EncryptedData []byte    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// Contact returns the destination and channel follow-ups should use.
// Phone wins over email.
func (r *Reporter) Contact() (destination, channel string) {
	if strings.TrimSpace(r.Phone) != "" {
		return r.Phone, ChannelWhatsApp
	}
	return r.Email, ChannelEmail
}

type Event struct {
	ID         string `json:"id"`
	ReporterID string `json:"reporter_id"`

	SuspectedDrug   string `json:"suspected_drug,omitempty"`
	Dose            string `json:"dose,omitempty"`
	Frequency       string `json:"frequency,omitempty"`
	StartDate       string `json:"start_date,omitempty"`
	StopDate        string `json:"stop_date,omitempty"`
	AdverseEffect   string `json:"adverse_effect,omitempty"`
	Seriousness     string `json:"seriousness,omitempty"`
	Hospitalization string `json:"hospitalization,omitempty"`
	Outcome         string `json:"outcome,omitempty"`
	Comorbidities   string `json:"comorbidities,omitempty"`
	Medications     string `json:"medications,omitempty"`

	MissingFields  []string `json:"missing_fields"`
	FollowupStatus string   `json:"followup_status"`

	RiskScore           int     `json:"risk_score"`
	RiskClass           string  `json:"risk_class,omitempty"`
	HospitalizationRisk float64 `json:"hospitalization_risk"`
	MortalityRisk       float64 `json:"mortality_risk"`

	EncryptedData []byte    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type OTPToken struct {
	ID          string     `json:"id"`
	ReporterID  string     `json:"reporter_id,omitempty"`
	CodeHash    string     `json:"-"`
	Channel     string     `json:"channel"`
	Destination string     `json:"destination"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Verified    bool       `json:"verified"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
}

type FollowupQuestion struct {
	ID           string     `json:"id"`
	EventID      string     `json:"event_id"`
	QuestionText string     `json:"question_text"`
	FieldName    string     `json:"field_name"`
	Language     string     `json:"language"`
	Channel      string     `json:"channel"`
	SentAt       time.Time  `json:"sent_at"`
	Answered     bool       `json:"answered"`
	AnswerText   string     `json:"answer_text,omitempty"`
	AnsweredAt   *time.Time `json:"answered_at,omitempty"`
}

type AuditEntry struct {
	ID         string         `json:"id"`
	EventID    string         `json:"event_id,omitempty"`
	ReporterID string         `json:"reporter_id,omitempty"`
	Action     string         `json:"action"`
	Channel    string         `json:"channel,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	Time       time.Time      `json:"time"`
}

// eventFields enumerates the event columns an oracle-proposed field name may
// refer to. Anything outside this set is rejected rather than patched.
var eventFields = map[string]func(*Event, string){
	"suspected_drug":  func(e *Event, v string) { e.SuspectedDrug = v },
	"dose":            func(e *Event, v string) { e.Dose = v },
	"frequency":       func(e *Event, v string) { e.Frequency = v },
	"start_date":      func(e *Event, v string) { e.StartDate = v },
	"stop_date":       func(e *Event, v string) { e.StopDate = v },
	"adverse_effect":  func(e *Event, v string) { e.AdverseEffect = v },
	"seriousness":     func(e *Event, v string) { e.Seriousness = v },
	"hospitalization": func(e *Event, v string) { e.Hospitalization = v },
	"outcome":         func(e *Event, v string) { e.Outcome = v },
	"comorbidities":   func(e *Event, v string) { e.Comorbidities = v },
	"medications":     func(e *Event, v string) { e.Medications = v },
}

// KnownEventField reports whether name maps to an event column.
func KnownEventField(name string) bool {
	_, ok := eventFields[name]
	return ok
}

// ApplyEventField writes value verbatim into the named column. It returns
// false for names outside the enumeration and patches nothing.
func ApplyEventField(e *Event, name, value string) bool {
	set, ok := eventFields[name]
	if !ok {
		return false
	}
	set(e, value)
	return true
}

// FieldValue reads the named column back; ok is false for unknown names.
func FieldValue(e *Event, name string) (string, bool) {
	switch name {
	case "suspected_drug":
		return e.SuspectedDrug, true
	case "dose":
		return e.Dose, true
	case "frequency":
		return e.Frequency, true
	case "start_date":
		return e.StartDate, true
	case "stop_date":
		return e.StopDate, true
	case "adverse_effect":
		return e.AdverseEffect, true
	case "seriousness":
		return e.Seriousness, true
	case "hospitalization":
		return e.Hospitalization, true
	case "outcome":
		return e.Outcome, true
	case "comorbidities":
		return e.Comorbidities, true
	case "medications":
		return e.Medications, true
	}
	return "", false
}

// RemoveMissingField removes name from the set, preserving the relative
// order of the rest. Removing an absent name is a no-op.
func RemoveMissingField(fields []string, name string) []string {
	out := fields[:0:0]
	for _, f := range fields {
		if f != name {
			out = append(out, f)
		}
	}
	return out
}

func shortID(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}
