package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/callguard/pkg/llm"
)

// LLMAdapter answers every request with a fixed reply.
type LLMAdapter struct {
	cfg   LLMConfig
	mu    sync.Mutex
	calls []llm.Context
}

type LLMConfig struct {
	ResponseText string
	Err          error
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" {
		cfg.ResponseText = `{"fraud":false,"confidence":0,"indicators":[]}`
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	a.mu.Lock()
	a.calls = append(a.calls, input)
	a.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	if a.cfg.Err != nil {
		return llm.Response{}, a.cfg.Err
	}
	return llm.Response{Text: a.cfg.ResponseText, FinishReason: "stop"}, nil
}

func (a *LLMAdapter) Calls() []llm.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Context(nil), a.calls...)
}

var _ llm.LLMAdapter = (*LLMAdapter)(nil)
