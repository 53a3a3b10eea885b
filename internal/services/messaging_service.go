package services

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"net/smtp"
	"net/url"
	"strings"
)

// Messenger delivers a message over the named channel. Ordinary delivery
// failure is the boolean false, never an error value; dispatch is
// best-effort and retried outside this core.
type Messenger interface {
	Send(to, message, channel string) bool
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
}

// TwilioMessenger sends SMS and WhatsApp through the Twilio REST API and
// email through SMTP. With no credentials configured it runs in mock mode
// and logs instead of sending, matching local development setups.
type TwilioMessenger struct {
	client HTTPClient
	twilio TwilioConfig
	smtp   SMTPConfig
	mock   bool
}

func NewTwilioMessenger(twilio TwilioConfig, smtpCfg SMTPConfig, client HTTPClient) *TwilioMessenger {
	if client == nil {
		client = http.DefaultClient
	}
	mock := twilio.AccountSID == "" || twilio.AccountSID == "mock"
	return &TwilioMessenger{client: client, twilio: twilio, smtp: smtpCfg, mock: mock}
}

func (m *TwilioMessenger) Send(to, message, channel string) bool {
	if m.mock {
		preview := message
		if len(preview) > 50 {
			preview = preview[:50]
		}
		log.Printf("messenger: [mock] %s to %s: %s...", channel, to, preview)
		return true
	}
	switch channel {
	case ChannelSMS:
		return m.sendTwilio(to, m.twilio.FromNumber, message)
	case ChannelWhatsApp:
		if !strings.HasPrefix(to, "whatsapp:") {
			to = "whatsapp:" + to
		}
		return m.sendTwilio(to, "whatsapp:"+m.twilio.FromNumber, message)
	case ChannelEmail:
		return m.sendEmail(to, message)
	default:
		log.Printf("messenger: unknown channel %q", channel)
		return false
	}
}

func (m *TwilioMessenger) sendTwilio(to, from, body string) bool {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", from)
	form.Set("Body", body)
	endpoint := fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json", m.twilio.AccountSID)
	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		log.Printf("messenger: build request: %v", err)
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(m.twilio.AccountSID, m.twilio.AuthToken)
	resp, err := m.client.Do(req)
	if err != nil {
		log.Printf("messenger: twilio send: %v", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		log.Printf("messenger: twilio status %d: %s", resp.StatusCode, string(b))
		return false
	}
	return true
}

func (m *TwilioMessenger) sendEmail(to, body string) bool {
	addr := fmt.Sprintf("%s:%d", m.smtp.Host, m.smtp.Port)
	msg := strings.Join([]string{
		"From: " + m.smtp.User,
		"To: " + to,
		"Subject: Pharmacovigilance Follow-Up",
		"",
		body,
	}, "\r\n")
	auth := smtp.PlainAuth("", m.smtp.User, m.smtp.Password, m.smtp.Host)
	if err := smtp.SendMail(addr, auth, m.smtp.User, []string{to}, []byte(msg)); err != nil {
		log.Printf("messenger: smtp send: %v", err)
		return false
	}
	return true
}
