package services

import (
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Officer roles for the review dashboard.
const (
	RolePVOfficer = "pv_officer"
	RoleAdmin     = "admin"
)

type Officer struct {
	ID        string
	Email     string
	PassHash  []byte
	Role      string
	CreatedAt time.Time
}

type AuthStore interface {
	FindOfficerByEmail(email string) (*Officer, error)
	AddOfficer(o *Officer) error
}

// AuthService authenticates pharmacovigilance officers for the dashboard.
// Reporters never log in this way; they verify contact ownership via OTP.
type AuthService struct {
	store     AuthStore
	now       func() time.Time
	idGen     func(prefix string, n int) string
	signToken TokenSigner
	tokenTTL  time.Duration
}

type AuthResult struct {
	Token     string
	OfficerID string
	Role      string
}

func NewAuthService(store AuthStore, signer TokenSigner) *AuthService {
	return &AuthService{
		store:     store,
		now:       func() time.Time { return time.Now().UTC() },
		idGen:     func(prefix string, n int) string { return prefix + shortID(n) },
		signToken: signer,
		tokenTTL:  12 * time.Hour,
	}
}

func (s *AuthService) Register(email, password, role string) (*AuthResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return nil, NewInvalidError("email/password required")
	}
	if role == "" {
		role = RolePVOfficer
	}
	if role != RolePVOfficer && role != RoleAdmin {
		return nil, NewInvalidError("unknown role")
	}
	existing, err := s.store.FindOfficerByEmail(email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, NewConflictError("email exists")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	officerID := s.idGen("o", 7)
	if err := s.store.AddOfficer(&Officer{ID: officerID, Email: email, PassHash: hash, Role: role, CreatedAt: s.now()}); err != nil {
		return nil, err
	}
	if s.signToken == nil {
		return nil, NewInvalidError("token signer not configured")
	}
	token, err := s.signToken(officerID, "", TokenKindSession, s.tokenTTL)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, OfficerID: officerID, Role: role}, nil
}

func (s *AuthService) Login(email, password string) (*AuthResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return nil, NewInvalidError("email/password required")
	}
	o, err := s.store.FindOfficerByEmail(email)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, NewUnauthorizedError("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword(o.PassHash, []byte(password)); err != nil {
		return nil, NewUnauthorizedError("invalid credentials")
	}
	if s.signToken == nil {
		return nil, NewInvalidError("token signer not configured")
	}
	token, err := s.signToken(o.ID, "", TokenKindSession, s.tokenTTL)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, OfficerID: o.ID, Role: o.Role}, nil
}

func (s *AuthService) TokenTTL() time.Duration {
	return s.tokenTTL
}
