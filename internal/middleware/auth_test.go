package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	a := NewTokenAuthority([]byte("secret"))
	tok, err := a.SignToken("r1", "e1", "answer", time.Minute)
	if err != nil {
		t.Fatalf("SignToken error: %v", err)
	}
	c, err := a.ParseToken(tok)
	if err != nil {
		t.Fatalf("ParseToken error: %v", err)
	}
	if c.Subject != "r1" || c.EventID != "e1" || c.Kind != "answer" {
		t.Fatalf("unexpected claims: %+v", c)
	}
}

func TestParseTokenFailsClosed(t *testing.T) {
	a := NewTokenAuthority([]byte("secret"))

	if _, err := a.ParseToken("not-a-token"); err == nil {
		t.Fatalf("malformed token must fail")
	}

	expired, _ := a.SignToken("r1", "", "session", -time.Minute)
	if _, err := a.ParseToken(expired); err == nil {
		t.Fatalf("expired token must fail")
	}

	other := NewTokenAuthority([]byte("different"))
	foreign, _ := other.SignToken("r1", "", "session", time.Minute)
	if _, err := a.ParseToken(foreign); err == nil {
		t.Fatalf("token under another key must fail")
	}
}

func TestWithAuthOnlySessionKind(t *testing.T) {
	a := NewTokenAuthority([]byte("secret"))
	var subject string
	var ok bool
	h := a.WithAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, ok = SubjectFromContext(r.Context())
	}))

	session, _ := a.SignToken("o1", "", "session", time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+session)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if !ok || subject != "o1" {
		t.Fatalf("session token should attach claims, got %q %v", subject, ok)
	}

	answer, _ := a.SignToken("r1", "e1", "answer", time.Minute)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+answer)
	ok = false
	h.ServeHTTP(httptest.NewRecorder(), req)
	if ok {
		t.Fatalf("answer token must not attach a session")
	}
}

func TestRequireAuthBlocksAnonymous(t *testing.T) {
	h := RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
