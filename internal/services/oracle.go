package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
)

// Oracle is the external analytic collaborator: it proposes missing fields,
// risk scores, and generated text. Callers must treat every method as
// fallible and apply their own conservative fallbacks.
type Oracle interface {
	DetectMissingFields(snapshot map[string]string) (*MissingFieldsResult, error)
	ScoreRisk(snapshot map[string]string) (*RiskResult, error)
	RenderQuestion(fieldName string, context map[string]string, language, reporterType string) (string, error)
	RenderNarrative(snapshot map[string]string) (string, error)
}

type MissingFieldsResult struct {
	Required  []string `json:"required_fields"`
	Optional  []string `json:"optional_fields"`
	Reasoning string   `json:"risk_reasoning"`
}

type RiskResult struct {
	Score               int     `json:"-"`
	Class               string  `json:"class"`
	HospitalizationRisk float64 `json:"hospitalization_risk"`
	MortalityRisk       float64 `json:"mortality_risk"`
	Reasoning           string  `json:"reasoning"`
}

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type OracleConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
}

// OpenAIOracle talks to an OpenAI-compatible chat-completions endpoint and
// parses the strict-JSON replies the prompts request.
type OpenAIOracle struct {
	client HTTPClient
	cfg    OracleConfig
}

func NewOpenAIOracle(cfg OracleConfig, client HTTPClient) *OpenAIOracle {
	if client == nil {
		client = http.DefaultClient
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.3
	}
	return &OpenAIOracle{client: client, cfg: cfg}
}

func (o *OpenAIOracle) DetectMissingFields(snapshot map[string]string) (*MissingFieldsResult, error) {
	prompt := "You are a pharmacovigilance data auditor analyzing adverse event reports.\n" +
		"Analyze this adverse event report and list missing regulatory-relevant fields:\n\n" +
		"EVENT DATA:\n" + snapshotLines(snapshot) + "\n" +
		"Return ONLY valid JSON with this exact structure:\n" +
		`{"required_fields": ["field1"], "optional_fields": ["field2"], "risk_reasoning": "why the gaps matter"}` + "\n\n" +
		"Field names must come from: suspected_drug, dose, frequency, start_date, stop_date, adverse_effect, seriousness, hospitalization, outcome, comorbidities, medications.\n" +
		"Focus on ICH E2B(R3) regulatory requirements."
	var out MissingFieldsResult
	if err := o.completeJSON(prompt, 500, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (o *OpenAIOracle) ScoreRisk(snapshot map[string]string) (*RiskResult, error) {
	prompt := "You are a pharmacovigilance risk assessor. Analyze this adverse event and assign a severity score.\n\n" +
		"EVENT DATA:\n" + snapshotLines(snapshot) + "\n" +
		"Return ONLY valid JSON with this exact structure:\n" +
		`{"score": 75, "hospitalization_risk": 0.45, "mortality_risk": 0.12, "class": "high", "reasoning": "brief clinical reasoning"}` + "\n\n" +
		"SCORING RULES: score 0-100; hospitalization_risk and mortality_risk are 0.0-1.0 probabilities;\n" +
		"class is low (0-25), medium (26-50), high (51-75) or critical (76-100)."
	var raw struct {
		Score               float64 `json:"score"`
		Class               string  `json:"class"`
		HospitalizationRisk float64 `json:"hospitalization_risk"`
		MortalityRisk       float64 `json:"mortality_risk"`
		Reasoning           string  `json:"reasoning"`
	}
	if err := o.completeJSON(prompt, 300, &raw); err != nil {
		return nil, err
	}
	return &RiskResult{
		Score:               clampScore(raw.Score),
		Class:               raw.Class,
		HospitalizationRisk: clampUnit(raw.HospitalizationRisk),
		MortalityRisk:       clampUnit(raw.MortalityRisk),
		Reasoning:           raw.Reasoning,
	}, nil
}

func (o *OpenAIOracle) RenderQuestion(fieldName string, context map[string]string, language, reporterType string) (string, error) {
	audience := "a patient, in simple, non-medical language"
	if reporterType == ReporterHCP {
		audience = "a healthcare professional, in clinical register"
	}
	prompt := fmt.Sprintf("Generate a single, 20-second follow-up question for %s in language %q.\n\n"+
		"CONTEXT:\n- Missing field: %s\n%s\n"+
		"REQUIREMENTS:\n- ONE question only\n- Takes at most 20 seconds to answer\n- Reassuring, trusted tone\n- Add one scam-safety reassurance sentence\n\n"+
		"Generate the question now:",
		audience, language, fieldName, snapshotLines(context))
	text, err := o.complete(prompt, 200, 0.7)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (o *OpenAIOracle) RenderNarrative(snapshot map[string]string) (string, error) {
	prompt := "Convert this adverse event data into a formal pharmacovigilance narrative for regulatory submission (ICSR format).\n\n" +
		"EVENT DATA:\n" + snapshotLines(snapshot) + "\n" +
		"Follow ICH E2B(R3) guidelines. Use past tense, third person and medical terminology.\n" +
		"Be concise but complete (3-5 sentences)."
	text, err := o.complete(prompt, 500, o.cfg.Temperature)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (o *OpenAIOracle) completeJSON(prompt string, maxTokens int, out any) error {
	content, err := o.complete(prompt, maxTokens, o.cfg.Temperature)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), out); err != nil {
		return NewBadGatewayError("invalid JSON from model")
	}
	return nil
}

func (o *OpenAIOracle) complete(prompt string, maxTokens int, temperature float64) (string, error) {
	payload := map[string]any{
		"model":       o.cfg.Model,
		"temperature": temperature,
		"max_tokens":  maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	pb, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequest(http.MethodPost, normalizeOpenAIEndpoint(o.cfg.BaseURL), bytes.NewReader(pb))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	resp, err := o.client.Do(req)
	if err != nil {
		return "", NewBadGatewayError(err.Error())
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", NewBadGatewayError(string(b))
	}
	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&cc); err != nil {
		return "", NewBadGatewayError(err.Error())
	}
	if len(cc.Choices) == 0 {
		return "", NewBadGatewayError("no choices")
	}
	return cc.Choices[0].Message.Content, nil
}

func snapshotLines(snapshot map[string]string) string {
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		v := snapshot[k]
		if strings.TrimSpace(v) == "" {
			v = "NOT PROVIDED"
		}
		fmt.Fprintf(&b, "- %s: %s\n", k, v)
	}
	return b.String()
}

func clampScore(v float64) int {
	s := int(math.Round(v))
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func normalizeOpenAIEndpoint(base string) string {
	endpoint := strings.TrimRight(strings.TrimSpace(base), "/")
	if endpoint == "" {
		endpoint = "https://api.openai.com"
	}
	switch {
	case strings.HasSuffix(endpoint, "/chat/completions"):
		return endpoint
	case strings.HasSuffix(endpoint, "/v1"):
		return endpoint + "/chat/completions"
	default:
		return endpoint + "/v1/chat/completions"
	}
}
