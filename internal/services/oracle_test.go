package services

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

// fakeOracle is the scriptable Oracle shared by the service tests.
type fakeOracle struct {
	missing      *MissingFieldsResult
	missingErr   error
	risk         *RiskResult
	riskErr      error
	question     string
	questionErr  error
	narrative    string
	narrativeErr error
}

func (f *fakeOracle) DetectMissingFields(snapshot map[string]string) (*MissingFieldsResult, error) {
	if f.missingErr != nil {
		return nil, f.missingErr
	}
	if f.missing == nil {
		return &MissingFieldsResult{}, nil
	}
	return f.missing, nil
}

func (f *fakeOracle) ScoreRisk(snapshot map[string]string) (*RiskResult, error) {
	if f.riskErr != nil {
		return nil, f.riskErr
	}
	if f.risk == nil {
		return &RiskResult{Score: 10}, nil
	}
	return f.risk, nil
}

func (f *fakeOracle) RenderQuestion(fieldName string, context map[string]string, language, reporterType string) (string, error) {
	return f.question, f.questionErr
}

func (f *fakeOracle) RenderNarrative(snapshot map[string]string) (string, error) {
	return f.narrative, f.narrativeErr
}

type fakeHTTPClient struct {
	lastReq *http.Request
	status  int
	body    string
	err     error
}

func (c *fakeHTTPClient) Do(req *http.Request) (*http.Response, error) {
	c.lastReq = req
	if c.err != nil {
		return nil, c.err
	}
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(c.body))),
	}, nil
}

func chatReply(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}},
		},
	})
	return string(b)
}

func TestOpenAIOracleScoreRiskParsesAndClamps(t *testing.T) {
	client := &fakeHTTPClient{body: chatReply(`{"score": 150, "hospitalization_risk": 1.4, "mortality_risk": -0.2, "class": "critical", "reasoning": "rechallenge positive"}`)}
	oracle := NewOpenAIOracle(OracleConfig{APIKey: "k"}, client)

	res, err := oracle.ScoreRisk(map[string]string{"suspected_drug": "amoxicillin"})
	if err != nil {
		t.Fatalf("ScoreRisk error: %v", err)
	}
	if res.Score != 100 || res.HospitalizationRisk != 1 || res.MortalityRisk != 0 {
		t.Fatalf("values not clamped: %+v", res)
	}
	if res.Reasoning != "rechallenge positive" {
		t.Fatalf("reasoning lost: %+v", res)
	}
	if got := client.lastReq.URL.String(); got != "https://api.openai.com/v1/chat/completions" {
		t.Fatalf("unexpected endpoint %q", got)
	}
	if got := client.lastReq.Header.Get("Authorization"); got != "Bearer k" {
		t.Fatalf("unexpected auth header %q", got)
	}
}

func TestOpenAIOracleDetectMissingFields(t *testing.T) {
	client := &fakeHTTPClient{body: chatReply(`{"required_fields": ["dose"], "optional_fields": ["comorbidities"], "risk_reasoning": "dose needed for causality"}`)}
	oracle := NewOpenAIOracle(OracleConfig{APIKey: "k"}, client)

	res, err := oracle.DetectMissingFields(map[string]string{"suspected_drug": "amoxicillin", "dose": ""})
	if err != nil {
		t.Fatalf("DetectMissingFields error: %v", err)
	}
	if len(res.Required) != 1 || res.Required[0] != "dose" {
		t.Fatalf("unexpected required: %+v", res)
	}
	var payload struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	body, _ := io.ReadAll(client.lastReq.Body)
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if !strings.Contains(payload.Messages[0].Content, "dose: NOT PROVIDED") {
		t.Fatalf("empty fields should render as NOT PROVIDED")
	}
}

func TestOpenAIOracleBadJSONIsBadGateway(t *testing.T) {
	client := &fakeHTTPClient{body: chatReply("sorry, I cannot do that")}
	oracle := NewOpenAIOracle(OracleConfig{APIKey: "k"}, client)

	_, err := oracle.ScoreRisk(map[string]string{})
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorBadGateway {
		t.Fatalf("expected bad_gateway, got %v", err)
	}
}

func TestOpenAIOracleHTTPErrorIsBadGateway(t *testing.T) {
	client := &fakeHTTPClient{status: http.StatusTooManyRequests, body: `{"error": "rate limited"}`}
	oracle := NewOpenAIOracle(OracleConfig{APIKey: "k"}, client)

	_, err := oracle.RenderNarrative(map[string]string{})
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorBadGateway {
		t.Fatalf("expected bad_gateway, got %v", err)
	}
}

func TestNormalizeOpenAIEndpoint(t *testing.T) {
	cases := map[string]string{
		"":                          "https://api.openai.com/v1/chat/completions",
		"https://api.openai.com":    "https://api.openai.com/v1/chat/completions",
		"https://api.openai.com/v1": "https://api.openai.com/v1/chat/completions",
		"https://proxy.local/v1/chat/completions": "https://proxy.local/v1/chat/completions",
		"https://proxy.local/":                    "https://proxy.local/v1/chat/completions",
	}
	for in, want := range cases {
		if got := normalizeOpenAIEndpoint(in); got != want {
			t.Fatalf("normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
