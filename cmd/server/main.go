package main

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openvigil/openvigil/internal/api"
	"github.com/openvigil/openvigil/internal/db"
	"github.com/openvigil/openvigil/internal/middleware"
	"github.com/openvigil/openvigil/internal/services"
	"github.com/openvigil/openvigil/internal/utils"
)

func main() {
	addr := utils.SafeEnv("OPENVIGIL_ADDR", ":8080")
	dbPath := utils.SafeEnv("OPENVIGIL_DB", "openvigil.db")
	commit := utils.SafeEnv("OPENVIGIL_COMMIT", "")
	buildTime := utils.SafeEnv("OPENVIGIL_BUILD_TIME", "")

	sqlDB, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer func() { _ = sqlDB.Close() }()
	if err := db.RunMigrations(sqlDB, utils.SafeEnv("OPENVIGIL_MIGRATIONS_DIR", "")); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	store, err := db.NewSQLiteStore(sqlDB)
	if err != nil {
		log.Fatalf("init store: %v", err)
	}

	authority := middleware.NewTokenAuthority([]byte(utils.SafeEnv("OPENVIGIL_JWT_SECRET", "dev-secret-change-me")))

	var cipher *services.PHICipher
	if secret := utils.SafeEnv("OPENVIGIL_ENCRYPTION_KEY", ""); secret != "" {
		cipher, err = services.NewPHICipher(secret)
		if err != nil {
			log.Fatalf("init cipher: %v", err)
		}
	} else {
		log.Printf("OPENVIGIL_ENCRYPTION_KEY not set, PHI blobs will not be written")
	}

	oracle := services.NewOpenAIOracle(services.OracleConfig{
		APIKey:  utils.SafeEnv("OPENAI_API_KEY", ""),
		BaseURL: utils.SafeEnv("OPENAI_BASE_URL", ""),
		Model:   utils.SafeEnv("OPENAI_MODEL", ""),
	}, nil)

	smtpPort, _ := strconv.Atoi(utils.SafeEnv("SMTP_PORT", "587"))
	messenger := services.NewTwilioMessenger(
		services.TwilioConfig{
			AccountSID: utils.SafeEnv("TWILIO_ACCOUNT_SID", ""),
			AuthToken:  utils.SafeEnv("TWILIO_AUTH_TOKEN", ""),
			FromNumber: utils.SafeEnv("TWILIO_FROM_NUMBER", ""),
		},
		services.SMTPConfig{
			Host:     utils.SafeEnv("SMTP_HOST", ""),
			Port:     smtpPort,
			User:     utils.SafeEnv("SMTP_USER", ""),
			Password: utils.SafeEnv("SMTP_PASSWORD", ""),
		}, nil)

	fields := services.NewMissingFieldService(store, oracle)
	risk := services.NewRiskService(store, oracle)
	reports := services.NewReportService(store, fields, risk, oracle, cipher)
	otp := services.NewOTPService(store, messenger, authority.SignToken, services.OTPConfig{})
	answerTTL, _ := time.ParseDuration(utils.SafeEnv("OPENVIGIL_ANSWER_TTL", "15m"))
	followups := services.NewFollowupService(store, oracle, messenger, risk,
		authority.SignToken, verifier(authority), services.FollowupConfig{
			AnswerBaseURL: utils.SafeEnv("OPENVIGIL_ANSWER_URL", ""),
			AnswerTTL:     answerTTL,
		})
	dashboard := services.NewDashboardService(store)
	auth := services.NewAuthService(store, authority.SignToken)

	mux := http.NewServeMux()
	api.NewRouter(auth, otp, reports, fields, risk, followups, dashboard, store).Register(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		locale := middleware.LocaleFromContext(r.Context())
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":         true,
			"name":       "OpenVigil API",
			"locale":     locale,
			"msg":        utils.T(locale, "health.ok"),
			"commit":     commit,
			"build_time": buildTime,
		})
	})

	handler := middleware.CORS(middleware.SecureHeaders(middleware.LocaleMiddleware(authority.WithAuth(mux))))

	log.Printf("OpenVigil server listening on %s", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// verifier adapts the token authority to the service-level claims shape.
func verifier(a *middleware.TokenAuthority) services.TokenVerifier {
	return func(token string) (*services.TokenClaims, error) {
		c, err := a.ParseToken(token)
		if err != nil {
			return nil, err
		}
		return &services.TokenClaims{Subject: c.Subject, EventID: c.EventID, Kind: c.Kind}, nil
	}
}
