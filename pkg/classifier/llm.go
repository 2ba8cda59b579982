package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/callguard/pkg/errorsx"
	"github.com/harunnryd/callguard/pkg/llm"
)

// IndicatorLLMFraud is reported when the model flags fraud without naming
// any indicator.
const IndicatorLLMFraud = "llm:fraud"

type LLMConfig struct {
	// MinConfidence must be exceeded for a verdict to count. Default 0.7.
	MinConfidence float64
	Timeout       time.Duration
	MaxTokens     int
}

// LLM asks a language model for a fraud verdict.
type LLM struct {
	adapter llm.LLMAdapter
	cfg     LLMConfig
}

type llmVerdict struct {
	Fraud      bool     `json:"fraud"`
	Confidence float64  `json:"confidence"`
	Indicators []string `json:"indicators"`
}

func NewLLM(adapter llm.LLMAdapter, cfg LLMConfig) *LLM {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.7
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 100
	}
	return &LLM{adapter: adapter, cfg: cfg}
}

func (c *LLM) Name() string { return "llm" }

func (c *LLM) Check(ctx context.Context, text string) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if c.adapter == nil {
		return nil, errorsx.Wrap(errors.New("missing llm adapter"), errorsx.ReasonClassifier)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	resp, err := c.adapter.Generate(ctx, llm.Context{
		Messages: []llm.Message{
			llm.System(verdictPrompt()),
			llm.User(fmt.Sprintf("Transcript: \"\"\"%s\"\"\"", text)),
		},
		JSONMode:  true,
		MaxTokens: c.cfg.MaxTokens,
	})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonClassifier)
	}
	var v llmVerdict
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text)), &v); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("parse llm verdict: %w", err), errorsx.ReasonClassifier)
	}
	if !v.Fraud || v.Confidence <= c.cfg.MinConfidence {
		return nil, nil
	}
	indicators := normalize(v.Indicators)
	if len(indicators) == 0 {
		return []string{IndicatorLLMFraud}, nil
	}
	return indicators, nil
}

func verdictPrompt() string {
	return strings.TrimSpace(`
You screen live phone call transcripts for fraud or malicious intent, such as
requests for OTPs, PINs, card or account details, KYC or verification scams,
fake penalties and pressure to transfer money.
Respond only with valid JSON:
{"fraud":true|false,"confidence":0.0-1.0,"indicators":["short phrase", ...]}
Indicators are the lower-case phrases from the transcript that show intent.
`)
}

// cleanJSON strips code fences and surrounding prose from a model reply.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(text, "```")
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

var _ Classifier = (*LLM)(nil)
