package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

type authCtxKey int

const authKey authCtxKey = 7

type Claims struct {
	Subject string `json:"sub_id"`
	EventID string `json:"evt,omitempty"`
	Kind    string `json:"kind"`
	jwt.RegisteredClaims
}

// TokenAuthority signs and verifies the bearer tokens this service issues:
// session tokens (OTP verification, officer login) and answer-link tokens.
// Tokens are opaque to holders; possession grants the bound action within
// the TTL. Verification fails closed: malformed, unsigned and expired input
// are indistinguishable to the caller.
type TokenAuthority struct {
	secret []byte
}

func NewTokenAuthority(secret []byte) *TokenAuthority {
	return &TokenAuthority{secret: secret}
}

func (a *TokenAuthority) SignToken(subject, eventID, kind string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Subject: subject,
		EventID: eventID,
		Kind:    kind,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *TokenAuthority) ParseToken(tok string) (*Claims, error) {
	t, err := jwt.ParseWithClaims(tok, &Claims{}, func(token *jwt.Token) (interface{}, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, errors.New("invalid token")
	}
	if c, ok := t.Claims.(*Claims); ok && t.Valid {
		return c, nil
	}
	return nil, errors.New("invalid token")
}

// WithAuth attaches session claims to the context when a valid Bearer token
// is present. Answer-kind tokens do not grant a session.
func (a *TokenAuthority) WithAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if strings.HasPrefix(h, "Bearer ") {
			tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
			if c, err := a.ParseToken(tok); err == nil && c.Kind == "session" {
				ctx := context.WithValue(r.Context(), authKey, c)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Value(authKey).(*Claims); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func SubjectFromContext(ctx context.Context) (string, bool) {
	if c, ok := ctx.Value(authKey).(*Claims); ok && c.Subject != "" {
		return c.Subject, true
	}
	return "", false
}
