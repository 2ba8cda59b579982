package callguard

import (
	"fmt"
	"strings"

	"github.com/harunnryd/callguard/pkg/adapters/stt"
	"github.com/harunnryd/callguard/pkg/llm"
)

// STTBuilder turns the vendors.stt block into a per-call session factory.
type STTBuilder func(cfg Config) (stt.Factory, error)

type LLMBuilder func(cfg Config) (llm.LLMAdapter, error)

type ProviderRegistry struct {
	stt map[string]STTBuilder
	llm map[string]LLMBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]STTBuilder),
		llm: make(map[string]LLMBuilder),
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, builder STTBuilder) {
	r.stt[providerKey(name)] = builder
}

func (r *ProviderRegistry) RegisterLLM(name string, builder LLMBuilder) {
	r.llm[providerKey(name)] = builder
}

func (r *ProviderRegistry) BuildSTT(provider string, cfg Config) (stt.Factory, error) {
	fn := r.stt[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildLLM(provider string, cfg Config) (llm.LLMAdapter, error) {
	fn := r.llm[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", provider)
	}
	return fn(cfg)
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
