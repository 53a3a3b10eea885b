package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openvigil/openvigil/internal/services"
)

// SQLiteStore is the transactional persistence layer behind every service
// store interface. Operations the services describe as atomic commit inside
// a single transaction here, audit entry included: no audit row is written
// for a transaction that did not commit.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func toNullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func toNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeStringSlice(ns sql.NullString) []string {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return []string{}
	}
	return out
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *SQLiteStore) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertAudit(e execer, entry *services.AuditEntry) error {
	if entry == nil {
		return nil
	}
	if entry.ID == "" {
		entry.ID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	meta, err := encodeJSON(entry.Meta)
	if err != nil {
		return err
	}
	_, err = e.Exec(`INSERT INTO audit_logs (id, event_id, reporter_id, action, channel, meta, at)
      VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, toNullString(entry.EventID), toNullString(entry.ReporterID),
		entry.Action, toNullString(entry.Channel), meta, formatTime(entry.Time))
	return err
}

// AddAudit appends a standalone audit entry outside any state change.
func (s *SQLiteStore) AddAudit(entry *services.AuditEntry) error {
	return insertAudit(s.db, entry)
}

// ListAudit returns the audit trail for an event, oldest first.
func (s *SQLiteStore) ListAudit(eventID string) ([]*services.AuditEntry, error) {
	rows, err := s.db.Query(`SELECT id, event_id, reporter_id, action, channel, meta, at
      FROM audit_logs WHERE event_id = ? ORDER BY at ASC`, eventID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := []*services.AuditEntry{}
	for rows.Next() {
		var e services.AuditEntry
		var evID, repID, channel, meta sql.NullString
		var at string
		if err := rows.Scan(&e.ID, &evID, &repID, &e.Action, &channel, &meta, &at); err != nil {
			return nil, err
		}
		e.EventID = evID.String
		e.ReporterID = repID.String
		e.Channel = channel.String
		if meta.Valid {
			_ = json.Unmarshal([]byte(meta.String), &e.Meta)
		}
		e.Time = parseTime(at)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Reporters ---

func (s *SQLiteStore) CreateReporter(r *services.Reporter, audit *services.AuditEntry) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO reporters (id, reporter_type, name, phone, email, language, verified, encrypted_data, created_at)
          VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			r.ID, r.ReporterType, toNullString(r.Name), toNullString(r.Phone), toNullString(r.Email),
			r.Language, r.EncryptedData, formatTime(r.CreatedAt)); err != nil {
			return err
		}
		return insertAudit(tx, audit)
	})
}

func (s *SQLiteStore) GetReporter(id string) (*services.Reporter, error) {
	row := s.db.QueryRow(`SELECT id, reporter_type, name, phone, email, language, verified, encrypted_data, created_at
      FROM reporters WHERE id = ?`, id)
	var r services.Reporter
	var name, phone, email sql.NullString
	var verified int64
	var created string
	err := row.Scan(&r.ID, &r.ReporterType, &name, &phone, &email, &r.Language, &verified, &r.EncryptedData, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Name, r.Phone, r.Email = name.String, phone.String, email.String
	r.Verified = verified != 0
	r.CreatedAt = parseTime(created)
	return &r, nil
}

// DeleteReporter removes the reporter and everything hanging off it. The
// cascade is spelled out here rather than left to the storage engine so the
// contract holds on any backend.
func (s *SQLiteStore) DeleteReporter(id string, audit *services.AuditEntry) (bool, error) {
	var deleted bool
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM followup_questions WHERE event_id IN (SELECT id FROM events WHERE reporter_id = ?)`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM events WHERE reporter_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM otp_tokens WHERE reporter_id = ?`, id); err != nil {
			return err
		}
		res, err := tx.Exec(`DELETE FROM reporters WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		if !deleted {
			return nil
		}
		return insertAudit(tx, audit)
	})
	return deleted, err
}

// --- Events ---

func (s *SQLiteStore) CreateEvent(e *services.Event, audit *services.AuditEntry) error {
	missing, err := encodeJSON(e.MissingFields)
	if err != nil {
		return err
	}
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO events (id, reporter_id, suspected_drug, dose, frequency, start_date, stop_date,
          adverse_effect, seriousness, hospitalization, outcome, comorbidities, medications,
          missing_fields, followup_status, risk_score, risk_class, hospitalization_risk, mortality_risk,
          encrypted_data, created_at, updated_at)
          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.ReporterID, toNullString(e.SuspectedDrug), toNullString(e.Dose), toNullString(e.Frequency),
			toNullString(e.StartDate), toNullString(e.StopDate), toNullString(e.AdverseEffect),
			toNullString(e.Seriousness), toNullString(e.Hospitalization), toNullString(e.Outcome),
			toNullString(e.Comorbidities), toNullString(e.Medications),
			missing, e.FollowupStatus, e.RiskScore, toNullString(e.RiskClass),
			e.HospitalizationRisk, e.MortalityRisk, e.EncryptedData,
			formatTime(e.CreatedAt), formatTime(e.UpdatedAt)); err != nil {
			return err
		}
		return insertAudit(tx, audit)
	})
}

const eventColumns = `id, reporter_id, suspected_drug, dose, frequency, start_date, stop_date,
  adverse_effect, seriousness, hospitalization, outcome, comorbidities, medications,
  missing_fields, followup_status, risk_score, risk_class, hospitalization_risk, mortality_risk,
  encrypted_data, created_at, updated_at`

func scanEvent(row interface{ Scan(...any) error }) (*services.Event, error) {
	var e services.Event
	var drug, dose, freq, start, stop, effect, serious, hosp, outcome, comorb, meds sql.NullString
	var missing, class sql.NullString
	var created, updated string
	err := row.Scan(&e.ID, &e.ReporterID, &drug, &dose, &freq, &start, &stop,
		&effect, &serious, &hosp, &outcome, &comorb, &meds,
		&missing, &e.FollowupStatus, &e.RiskScore, &class, &e.HospitalizationRisk, &e.MortalityRisk,
		&e.EncryptedData, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.SuspectedDrug, e.Dose, e.Frequency = drug.String, dose.String, freq.String
	e.StartDate, e.StopDate = start.String, stop.String
	e.AdverseEffect, e.Seriousness, e.Hospitalization = effect.String, serious.String, hosp.String
	e.Outcome, e.Comorbidities, e.Medications = outcome.String, comorb.String, meds.String
	e.MissingFields = decodeStringSlice(missing)
	e.RiskClass = class.String
	e.CreatedAt, e.UpdatedAt = parseTime(created), parseTime(updated)
	return &e, nil
}

func (s *SQLiteStore) GetEvent(id string) (*services.Event, error) {
	return scanEvent(s.db.QueryRow(`SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
}

// ListEvents returns the full event register, oldest first.
func (s *SQLiteStore) ListEvents() ([]*services.Event, error) {
	rows, err := s.db.Query(`SELECT ` + eventColumns + ` FROM events ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := []*services.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetMissingFields(eventID string, fields []string, audit *services.AuditEntry) error {
	missing, err := encodeJSON(fields)
	if err != nil {
		return err
	}
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE events SET missing_fields = ?, updated_at = ? WHERE id = ?`,
			missing, formatTime(time.Now().UTC()), eventID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return services.NewNotFoundError("event not found")
		}
		return insertAudit(tx, audit)
	})
}

// SetRisk persists an assessment. Escalation is one-way: the status moves to
// escalated for high/critical classes and never moves back on a later
// lower-risk recompute.
func (s *SQLiteStore) SetRisk(eventID string, r *services.RiskAssessment, escalate bool, audit *services.AuditEntry) error {
	return s.withTx(func(tx *sql.Tx) error {
		if err := applyRisk(tx, eventID, r, escalate); err != nil {
			return err
		}
		return insertAudit(tx, audit)
	})
}

func applyRisk(tx *sql.Tx, eventID string, r *services.RiskAssessment, escalate bool) error {
	res, err := tx.Exec(`UPDATE events SET risk_score = ?, risk_class = ?, hospitalization_risk = ?, mortality_risk = ?, updated_at = ?
      WHERE id = ?`,
		r.Score, r.Class, r.HospitalizationRisk, r.MortalityRisk, formatTime(time.Now().UTC()), eventID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return services.NewNotFoundError("event not found")
	}
	if escalate {
		if _, err := tx.Exec(`UPDATE events SET followup_status = ? WHERE id = ?`,
			services.FollowupEscalated, eventID); err != nil {
			return err
		}
	}
	return nil
}

// --- OTP tokens ---

func (s *SQLiteStore) CreateOTPToken(t *services.OTPToken, audit *services.AuditEntry) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO otp_tokens (id, reporter_id, code_hash, channel, destination, expires_at, verified, verified_at, attempts, created_at)
          VALUES (?, ?, ?, ?, ?, ?, 0, NULL, 0, ?)`,
			t.ID, toNullString(t.ReporterID), t.CodeHash, t.Channel, t.Destination,
			formatTime(t.ExpiresAt), formatTime(t.CreatedAt)); err != nil {
			return err
		}
		return insertAudit(tx, audit)
	})
}

// FindActiveOTP selects the most recently created unverified, unexpired
// token for the destination. Older tokens become unreachable but stay on
// record for audit.
func (s *SQLiteStore) FindActiveOTP(destination string, now time.Time) (*services.OTPToken, error) {
	row := s.db.QueryRow(`SELECT id, reporter_id, code_hash, channel, destination, expires_at, verified, verified_at, attempts, created_at
      FROM otp_tokens WHERE destination = ? AND verified = 0 AND expires_at > ?
      ORDER BY created_at DESC LIMIT 1`, destination, formatTime(now))
	var t services.OTPToken
	var reporterID, verifiedAt sql.NullString
	var verified int64
	var expires, created string
	err := row.Scan(&t.ID, &reporterID, &t.CodeHash, &t.Channel, &t.Destination, &expires, &verified, &verifiedAt, &t.Attempts, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.ReporterID = reporterID.String
	t.Verified = verified != 0
	if verifiedAt.Valid {
		at := parseTime(verifiedAt.String)
		t.VerifiedAt = &at
	}
	t.ExpiresAt = parseTime(expires)
	t.CreatedAt = parseTime(created)
	return &t, nil
}

// RecordOTPFailure increments the attempt counter in place and returns the
// new count. The read-increment-write happens inside one transaction, so
// concurrent wrong guesses each see a distinct count.
func (s *SQLiteStore) RecordOTPFailure(id string, audit *services.AuditEntry) (int, error) {
	var attempts int
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE otp_tokens SET attempts = attempts + 1 WHERE id = ?`, id); err != nil {
			return err
		}
		if err := tx.QueryRow(`SELECT attempts FROM otp_tokens WHERE id = ?`, id).Scan(&attempts); err != nil {
			return err
		}
		return insertAudit(tx, audit)
	})
	return attempts, err
}

// RecordOTPSuccess flips the token and its reporter to verified, guarded so
// an expired guard (already verified, or ceiling reached by a concurrent
// caller) reports ok = false instead of silently succeeding.
func (s *SQLiteStore) RecordOTPSuccess(id, reporterID string, at time.Time, audit *services.AuditEntry) (bool, error) {
	var ok bool
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE otp_tokens SET verified = 1, verified_at = ? WHERE id = ? AND verified = 0 AND attempts < 3`,
			formatTime(at), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n > 0
		if !ok {
			return nil
		}
		if reporterID != "" {
			if _, err := tx.Exec(`UPDATE reporters SET verified = 1 WHERE id = ?`, reporterID); err != nil {
				return err
			}
		}
		return insertAudit(tx, audit)
	})
	return ok, err
}

// --- Follow-up questions ---

func (s *SQLiteStore) GetQuestion(id string) (*services.FollowupQuestion, error) {
	return scanQuestion(s.db.QueryRow(`SELECT id, event_id, question_text, field_name, language, channel, sent_at, answered, answer_text, answered_at
      FROM followup_questions WHERE id = ?`, id))
}

func scanQuestion(row interface{ Scan(...any) error }) (*services.FollowupQuestion, error) {
	var q services.FollowupQuestion
	var field, channel, answer, answeredAt sql.NullString
	var answered int64
	var sent string
	err := row.Scan(&q.ID, &q.EventID, &q.QuestionText, &field, &q.Language, &channel, &sent, &answered, &answer, &answeredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	q.FieldName, q.Channel, q.AnswerText = field.String, channel.String, answer.String
	q.Answered = answered != 0
	q.SentAt = parseTime(sent)
	if answeredAt.Valid {
		at := parseTime(answeredAt.String)
		q.AnsweredAt = &at
	}
	return &q, nil
}

func (s *SQLiteStore) ListQuestions(eventID string) ([]*services.FollowupQuestion, error) {
	rows, err := s.db.Query(`SELECT id, event_id, question_text, field_name, language, channel, sent_at, answered, answer_text, answered_at
      FROM followup_questions WHERE event_id = ? ORDER BY sent_at DESC`, eventID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := []*services.FollowupQuestion{}
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// RecordQuestion inserts the question and marks the event in_progress in the
// same transaction. Escalated events keep their status.
func (s *SQLiteStore) RecordQuestion(q *services.FollowupQuestion) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO followup_questions (id, event_id, question_text, field_name, language, channel, sent_at, answered, answer_text, answered_at)
          VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL)`,
			q.ID, q.EventID, q.QuestionText, toNullString(q.FieldName), q.Language,
			toNullString(q.Channel), formatTime(q.SentAt)); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE events SET followup_status = ?, updated_at = ?
          WHERE id = ? AND followup_status IN (?, ?)`,
			services.FollowupInProgress, formatTime(time.Now().UTC()),
			q.EventID, services.FollowupPending, services.FollowupInProgress)
		return err
	})
}

// answerColumns maps enumerated field names onto event columns. Only names
// listed here can ever be patched by an answer; the literal is taken from
// this map, never from input.
var answerColumns = map[string]string{
	"suspected_drug":  "suspected_drug",
	"dose":            "dose",
	"frequency":       "frequency",
	"start_date":      "start_date",
	"stop_date":       "stop_date",
	"adverse_effect":  "adverse_effect",
	"seriousness":     "seriousness",
	"hospitalization": "hospitalization",
	"outcome":         "outcome",
	"comorbidities":   "comorbidities",
	"medications":     "medications",
}

// ApplyAnswer commits the whole answer as one transaction: the answered flag
// (compare-and-set, so a question answers exactly once), the field patch,
// the missing-field removal (merged against the current set, not the
// caller's stale copy), the risk persist and the audit entry.
func (s *SQLiteStore) ApplyAnswer(p *services.AnswerPatch) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE followup_questions SET answered = 1, answer_text = ?, answered_at = ? WHERE id = ? AND answered = 0`,
			p.AnswerText, formatTime(p.AnsweredAt), p.QuestionID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return services.NewConflictError("question already answered")
		}
		if p.FieldName != "" {
			col, ok := answerColumns[p.FieldName]
			if !ok {
				return services.NewInvalidError("unknown event field")
			}
			if _, err := tx.Exec(fmt.Sprintf(`UPDATE events SET %s = ?, updated_at = ? WHERE id = ?`, col),
				p.AnswerText, formatTime(p.AnsweredAt), p.EventID); err != nil {
				return err
			}
			var missing sql.NullString
			if err := tx.QueryRow(`SELECT missing_fields FROM events WHERE id = ?`, p.EventID).Scan(&missing); err != nil {
				return err
			}
			remaining := services.RemoveMissingField(decodeStringSlice(missing), p.FieldName)
			enc, err := encodeJSON(remaining)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(`UPDATE events SET missing_fields = ? WHERE id = ?`, enc, p.EventID); err != nil {
				return err
			}
		}
		if p.Risk != nil {
			if err := applyRisk(tx, p.EventID, p.Risk, p.Escalate); err != nil {
				return err
			}
		}
		return insertAudit(tx, p.Audit)
	})
}

// --- Dashboard counts ---

func (s *SQLiteStore) count(query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLiteStore) CountEvents() (int, error) {
	return s.count(`SELECT COUNT(*) FROM events`)
}

func (s *SQLiteStore) CountEventsByRiskClass(classes ...string) (int, error) {
	if len(classes) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(classes)), ",")
	args := make([]any, len(classes))
	for i, c := range classes {
		args[i] = c
	}
	return s.count(`SELECT COUNT(*) FROM events WHERE risk_class IN (`+placeholders+`)`, args...)
}

func (s *SQLiteStore) CountEventsByStatus(status string) (int, error) {
	return s.count(`SELECT COUNT(*) FROM events WHERE followup_status = ?`, status)
}

func (s *SQLiteStore) CountEventsComplete() (int, error) {
	return s.count(`SELECT COUNT(*) FROM events WHERE missing_fields IS NULL OR missing_fields IN ('', '[]', 'null')`)
}

func (s *SQLiteStore) CountQuestions() (int, error) {
	return s.count(`SELECT COUNT(*) FROM followup_questions`)
}

func (s *SQLiteStore) CountAnsweredQuestions() (int, error) {
	return s.count(`SELECT COUNT(*) FROM followup_questions WHERE answered = 1`)
}

// --- Officers ---

func (s *SQLiteStore) AddOfficer(o *services.Officer) error {
	_, err := s.db.Exec(`INSERT INTO officers (id, email, pass_hash, role, created_at) VALUES (?, ?, ?, ?, ?)`,
		o.ID, o.Email, o.PassHash, o.Role, formatTime(o.CreatedAt))
	return err
}

func (s *SQLiteStore) FindOfficerByEmail(email string) (*services.Officer, error) {
	row := s.db.QueryRow(`SELECT id, email, pass_hash, role, created_at FROM officers WHERE email = ?`, email)
	var o services.Officer
	var created string
	err := row.Scan(&o.ID, &o.Email, &o.PassHash, &o.Role, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	o.CreatedAt = parseTime(created)
	return &o, nil
}

// Interface conformance.
var (
	_ services.OTPStore          = (*SQLiteStore)(nil)
	_ services.MissingFieldStore = (*SQLiteStore)(nil)
	_ services.RiskStore         = (*SQLiteStore)(nil)
	_ services.FollowupStore     = (*SQLiteStore)(nil)
	_ services.ReportStore       = (*SQLiteStore)(nil)
	_ services.DashboardStore    = (*SQLiteStore)(nil)
	_ services.AuthStore         = (*SQLiteStore)(nil)
)
