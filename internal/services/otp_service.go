package services

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Token kinds carried in the JWT claims. Session tokens come out of OTP
// verification; answer tokens gate out-of-band follow-up links.
const (
	TokenKindSession = "session"
	TokenKindAnswer  = "answer"
)

type TokenClaims struct {
	Subject string // reporter or officer id
	EventID string
	Kind    string
}

type TokenSigner func(subject, eventID, kind string, ttl time.Duration) (string, error)

type TokenVerifier func(token string) (*TokenClaims, error)

const maxOTPAttempts = 3

type OTPStore interface {
	GetReporter(id string) (*Reporter, error)
	CreateOTPToken(t *OTPToken, audit *AuditEntry) error
	// FindActiveOTP returns the most recently created token for destination
	// that is unverified and unexpired, or nil.
	FindActiveOTP(destination string, now time.Time) (*OTPToken, error)
	// RecordOTPFailure increments the attempt counter atomically and returns
	// the new count, so concurrent wrong guesses cannot under-enforce the
	// ceiling.
	RecordOTPFailure(id string, audit *AuditEntry) (int, error)
	// RecordOTPSuccess marks the token verified, guarded by verified = false
	// and attempts < ceiling; ok is false when the guard loses a race.
	RecordOTPSuccess(id, reporterID string, at time.Time, audit *AuditEntry) (bool, error)
}

type OTPConfig struct {
	Length     int           // digits per code
	TTL        time.Duration // code lifetime
	SessionTTL time.Duration // session token issued on success
}

type OTPService struct {
	store     OTPStore
	messenger Messenger
	signToken TokenSigner
	cfg       OTPConfig
	now       func() time.Time
	generate  func(n int) (string, error)
}

func NewOTPService(store OTPStore, messenger Messenger, signer TokenSigner, cfg OTPConfig) *OTPService {
	if cfg.Length <= 0 {
		cfg.Length = 6
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = time.Hour
	}
	return &OTPService{
		store:     store,
		messenger: messenger,
		signToken: signer,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		generate:  GenerateOTP,
	}
}

type OTPIssueResult struct {
	Delivered bool      `json:"delivered"`
	ExpiresAt time.Time `json:"expires_at"`
}

type OTPVerification struct {
	Verified     bool   `json:"verified"`
	Remaining    int    `json:"remaining_attempts"`
	SessionToken string `json:"token,omitempty"`
	ReporterID   string `json:"reporter_id,omitempty"`
}

// Issue generates a fresh code, stores only its hash and hands the plaintext
// to the messenger. The code never reaches the caller or the audit trail.
func (s *OTPService) Issue(destination, channel, reporterID string) (*OTPIssueResult, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil, NewInvalidError("destination required")
	}
	switch channel {
	case ChannelSMS, ChannelWhatsApp, ChannelEmail:
	default:
		return nil, NewInvalidError("unknown channel")
	}
	code, err := s.generate(s.cfg.Length)
	if err != nil {
		return nil, err
	}
	now := s.now()
	token := &OTPToken{
		ID:          shortID(16),
		ReporterID:  reporterID,
		CodeHash:    HashOTP(code),
		Channel:     channel,
		Destination: destination,
		ExpiresAt:   now.Add(s.cfg.TTL),
		CreatedAt:   now,
	}
	audit := &AuditEntry{
		ReporterID: reporterID,
		Action:     "OTP_SENT",
		Channel:    channel,
		Meta:       map[string]any{"destination": destination},
		Time:       now,
	}
	if err := s.store.CreateOTPToken(token, audit); err != nil {
		return nil, err
	}
	minutes := int(s.cfg.TTL.Minutes())
	message := fmt.Sprintf("Your verification code is: %s\n\nThis code expires in %d minutes.\n\nNever share this code with anyone. We will never ask for payment.", code, minutes)
	delivered := s.messenger.Send(destination, message, channel)
	return &OTPIssueResult{Delivered: delivered, ExpiresAt: token.ExpiresAt}, nil
}

// Verify checks a submitted code against the active token for destination.
// "Never issued", "already verified" and "expired" all fail identically so
// callers cannot enumerate destinations.
func (s *OTPService) Verify(destination, code string) (*OTPVerification, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" || strings.TrimSpace(code) == "" {
		return nil, NewInvalidError("destination and code required")
	}
	now := s.now()
	token, err := s.store.FindActiveOTP(destination, now)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, NewNotFoundError("no valid code found or code expired")
	}
	if token.Attempts >= maxOTPAttempts {
		return nil, NewTooManyRequestsError("too many failed attempts, request a new code")
	}
	if HashOTP(code) != token.CodeHash {
		attempts, err := s.store.RecordOTPFailure(token.ID, &AuditEntry{
			ReporterID: token.ReporterID,
			Action:     "OTP_VERIFY_ATTEMPT",
			Channel:    token.Channel,
			Meta:       map[string]any{"destination": destination, "success": false},
			Time:       now,
		})
		if err != nil {
			return nil, err
		}
		remaining := maxOTPAttempts - attempts
		if remaining < 0 {
			remaining = 0
		}
		return &OTPVerification{Remaining: remaining},
			NewInvalidError(fmt.Sprintf("invalid code, %d attempts remaining", remaining))
	}
	ok, err := s.store.RecordOTPSuccess(token.ID, token.ReporterID, now, &AuditEntry{
		ReporterID: token.ReporterID,
		Action:     "OTP_VERIFY_ATTEMPT",
		Channel:    token.Channel,
		Meta:       map[string]any{"destination": destination, "success": true},
		Time:       now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the race against a concurrent verify on the same token.
		return nil, NewTooManyRequestsError("too many failed attempts, request a new code")
	}
	if s.signToken == nil {
		return nil, NewInvalidError("token signer not configured")
	}
	session, err := s.signToken(token.ReporterID, "", TokenKindSession, s.cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	return &OTPVerification{Verified: true, SessionToken: session, ReporterID: token.ReporterID}, nil
}

// GenerateOTP draws each digit independently from crypto/rand so short codes
// carry no leading-zero bias.
func GenerateOTP(length int) (string, error) {
	var b strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < length; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteString(d.String())
	}
	return b.String(), nil
}

// HashOTP is the one-way transform stored in place of the plaintext code.
func HashOTP(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
