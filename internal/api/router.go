package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/openvigil/openvigil/internal/middleware"
	"github.com/openvigil/openvigil/internal/services"
)

// ReviewStore serves the officer-facing read endpoints: the append-only
// audit trail and the event register export.
type ReviewStore interface {
	ListAudit(eventID string) ([]*services.AuditEntry, error)
	ListEvents() ([]*services.Event, error)
}

type Router struct {
	auth      *services.AuthService
	otp       *services.OTPService
	reports   *services.ReportService
	fields    *services.MissingFieldService
	risk      *services.RiskService
	followups *services.FollowupService
	dashboard *services.DashboardService
	review    ReviewStore
}

func NewRouter(
	auth *services.AuthService,
	otp *services.OTPService,
	reports *services.ReportService,
	fields *services.MissingFieldService,
	risk *services.RiskService,
	followups *services.FollowupService,
	dashboard *services.DashboardService,
	review ReviewStore,
) *Router {
	return &Router{
		auth:      auth,
		otp:       otp,
		reports:   reports,
		fields:    fields,
		risk:      risk,
		followups: followups,
		dashboard: dashboard,
		review:    review,
	}
}

func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/auth/register", rt.handleRegister) // POST
	mux.HandleFunc("/api/auth/login", rt.handleLogin)       // POST

	mux.HandleFunc("/api/otp/send", rt.handleOTPSend)     // POST
	mux.HandleFunc("/api/otp/verify", rt.handleOTPVerify) // POST

	mux.HandleFunc("/api/report/reporter", rt.handleReporter)              // POST
	mux.HandleFunc("/api/report/reporter/", rt.handleReporterScoped)       // GET|DELETE /api/report/reporter/{id}
	mux.HandleFunc("/api/report/init", rt.handleReportInit)                // POST
	mux.HandleFunc("/api/report/event/", rt.handleEvent)                   // GET /api/report/event/{id}
	mux.HandleFunc("/api/report/missing-fields/", rt.handleMissingFields)  // POST /api/report/missing-fields/{id}
	mux.HandleFunc("/api/report/narrative/", rt.handleNarrative)           // POST /api/report/narrative/{id}
	mux.Handle("/api/report/audit/", middleware.RequireAuth(http.HandlerFunc(rt.handleAudit)))   // GET /api/report/audit/{id}
	mux.Handle("/api/report/export", middleware.RequireAuth(http.HandlerFunc(rt.handleExport))) // GET csv

	mux.HandleFunc("/api/followup/send", rt.handleFollowupSend)      // POST
	mux.HandleFunc("/api/followup/answer", rt.handleFollowupAnswer)  // POST
	mux.HandleFunc("/api/followup/questions/", rt.handleQuestions)   // GET /api/followup/questions/{id}

	mux.HandleFunc("/api/risk/score/", rt.handleRiskScore) // POST /api/risk/score/{id}

	mux.Handle("/api/dashboard/metrics", middleware.RequireAuth(http.HandlerFunc(rt.handleDashboard))) // GET
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the service error taxonomy onto HTTP statuses; anything
// outside it is an opaque 500.
func writeError(w http.ResponseWriter, err error) {
	se, ok := services.AsServiceError(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	status := http.StatusInternalServerError
	switch se.Code {
	case services.ErrorInvalid:
		status = http.StatusBadRequest
	case services.ErrorUnauthorized:
		status = http.StatusUnauthorized
	case services.ErrorForbidden:
		status = http.StatusForbidden
	case services.ErrorNotFound:
		status = http.StatusNotFound
	case services.ErrorConflict:
		status = http.StatusConflict
	case services.ErrorTooManyRequests:
		status = http.StatusTooManyRequests
	case services.ErrorBadGateway:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": se.Message, "code": string(se.Code)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, services.NewInvalidError("invalid request body"))
		return false
	}
	return true
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// pathID extracts the trailing id from prefix-routed paths.
func pathID(r *http.Request, prefix string) string {
	return strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
}

// POST /api/auth/register
func (rt *Router) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := rt.auth.Register(req.Email, req.Password, req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"token": res.Token, "officer_id": res.OfficerID, "role": res.Role})
}

// POST /api/auth/login
func (rt *Router) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := rt.auth.Login(req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": res.Token, "officer_id": res.OfficerID, "role": res.Role})
}

// POST /api/otp/send
func (rt *Router) handleOTPSend(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Destination string `json:"destination"`
		Channel     string `json:"channel"`
		ReporterID  string `json:"reporter_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := rt.otp.Issue(req.Destination, req.Channel, req.ReporterID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/otp/verify
func (rt *Router) handleOTPVerify(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Destination string `json:"destination"`
		Code        string `json:"code"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := rt.otp.Verify(req.Destination, req.Code)
	if err != nil {
		// A failed guess still reports the remaining budget.
		if res != nil {
			se, _ := services.AsServiceError(err)
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":              se.Message,
				"remaining_attempts": res.Remaining,
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/report/reporter
func (rt *Router) handleReporter(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req services.ReporterInput
	if !decodeBody(w, r, &req) {
		return
	}
	reporter, err := rt.reports.CreateReporter(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reporter)
}

// GET|DELETE /api/report/reporter/{id}
func (rt *Router) handleReporterScoped(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "/api/report/reporter/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		reporter, err := rt.reports.GetReporter(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reporter)
	case http.MethodDelete:
		if err := rt.reports.DeleteReporter(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// POST /api/report/init
func (rt *Router) handleReportInit(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req services.EventInput
	if !decodeBody(w, r, &req) {
		return
	}
	ev, err := rt.reports.CreateEvent(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// GET /api/report/event/{id}
func (rt *Router) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ev, err := rt.reports.GetEvent(pathID(r, "/api/report/event/"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// POST /api/report/missing-fields/{id} — re-run detection for an event
func (rt *Router) handleMissingFields(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	res, err := rt.fields.Detect(pathID(r, "/api/report/missing-fields/"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/report/narrative/{id}
func (rt *Router) handleNarrative(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	n, err := rt.reports.GenerateNarrative(pathID(r, "/api/report/narrative/"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// GET /api/report/audit/{id} — officer-only review of the event trail.
// ?format=csv downloads the trail instead of returning JSON.
func (rt *Router) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries, err := rt.review.ListAudit(pathID(r, "/api/report/audit/"))
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "csv" {
		b, err := services.ExportAuditCSV(entries)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=audit.csv")
		_, _ = w.Write(b)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// GET /api/report/export — CSV event register for regulatory review
func (rt *Router) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	events, err := rt.review.ListEvents()
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := services.ExportEventsCSV(events)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=events.csv")
	_, _ = w.Write(b)
}

// POST /api/followup/send
func (rt *Router) handleFollowupSend(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		EventID string `json:"event_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := rt.followups.DispatchNext(req.EventID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/followup/answer
func (rt *Router) handleFollowupAnswer(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		QuestionID string `json:"question_id"`
		Token      string `json:"token"`
		AnswerText string `json:"answer_text"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := rt.followups.SubmitAnswer(req.QuestionID, req.Token, req.AnswerText)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /api/followup/questions/{id}
func (rt *Router) handleQuestions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	qs, err := rt.followups.Questions(pathID(r, "/api/followup/questions/"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"questions": qs})
}

// POST /api/risk/score/{id} — recompute the classification on demand
func (rt *Router) handleRiskScore(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	a, err := rt.risk.Recompute(pathID(r, "/api/risk/score/"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GET /api/dashboard/metrics
func (rt *Router) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m, err := rt.dashboard.Metrics()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
