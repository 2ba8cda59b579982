// Package openai adapts the OpenAI chat completions API to llm.LLMAdapter.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/harunnryd/callguard/pkg/errorsx"
	"github.com/harunnryd/callguard/pkg/llm"
	"github.com/harunnryd/callguard/pkg/resilience"
)

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

type Adapter struct {
	client oai.Client
	model  string
}

func NewAdapter(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Adapter{client: oai.NewClient(opts...), model: cfg.Model}, nil
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	resp, err := a.client.Chat.Completions.New(ctx, a.buildParams(input))
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, errorsx.Wrap(errors.New("openai: empty choices in response"), errorsx.ReasonLLMGenerate)
	}
	choice := resp.Choices[0]
	return llm.Response{
		Text:         choice.Message.Content,
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (a *Adapter) buildParams(input llm.Context) oai.ChatCompletionNewParams {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(input.Messages))
	for _, m := range input.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, oai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, oai.AssistantMessage(m.Content))
		default:
			messages = append(messages, oai.UserMessage(m.Content))
		}
	}
	params := oai.ChatCompletionNewParams{
		Model:       shared.ChatModel(a.model),
		Messages:    messages,
		Temperature: param.NewOpt(input.Temperature),
	}
	if input.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(input.MaxTokens))
	}
	if input.JSONMode {
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return params
}

// classifyError maps HTTP 429 to a rate limit so the breaker can see it.
func classifyError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		rl := resilience.RateLimitError{Provider: "openai", Message: apiErr.Message}
		if apiErr.Response != nil {
			if secs, perr := strconv.Atoi(apiErr.Response.Header.Get("Retry-After")); perr == nil {
				rl.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return errorsx.Wrap(rl, errorsx.ReasonLLMRateLimit)
	}
	return errorsx.Wrap(fmt.Errorf("openai: chat completion: %w", err), errorsx.ReasonLLMGenerate)
}

var _ llm.LLMAdapter = (*Adapter)(nil)
