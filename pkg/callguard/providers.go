package callguard

import (
	"github.com/harunnryd/callguard/pkg/adapters/stt"
	"github.com/harunnryd/callguard/pkg/configutil"
	"github.com/harunnryd/callguard/pkg/llm"
	"github.com/harunnryd/callguard/pkg/providers/deepgram"
	"github.com/harunnryd/callguard/pkg/providers/deepgramws"
	"github.com/harunnryd/callguard/pkg/providers/mock"
	"github.com/harunnryd/callguard/pkg/providers/openai"
)

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Interim        *bool  `mapstructure:"interim_results"`
	Punctuate      *bool  `mapstructure:"punctuate"`
	SmartFormat    bool   `mapstructure:"smart_format"`
	VADEvents      bool   `mapstructure:"vad_events"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	Keepalive      *bool  `mapstructure:"keepalive"`
}

type deepgramWSSettings struct {
	URL           string `mapstructure:"url"`
	APIKey        string `mapstructure:"api_key"`
	Model         string `mapstructure:"model"`
	Language      string `mapstructure:"language"`
	Interim       *bool  `mapstructure:"interim_results"`
	Punctuate     *bool  `mapstructure:"punctuate"`
	KeepaliveMS   int    `mapstructure:"keepalive_ms"`
	DialTimeoutMS int    `mapstructure:"dial_timeout_ms"`
}

type mockSTTLine struct {
	Text    string `mapstructure:"text"`
	IsFinal bool   `mapstructure:"is_final"`
}

type mockSTTSettings struct {
	Script         []mockSTTLine `mapstructure:"script"`
	EndAfterScript bool          `mapstructure:"end_after_script"`
}

type openAISettings struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	BaseURL   string `mapstructure:"base_url"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
}

type mockLLMSettings struct {
	ResponseText string `mapstructure:"response_text"`
}

// DefaultProviders registers every built-in STT and LLM provider.
func DefaultProviders() *ProviderRegistry {
	reg := NewProviderRegistry()
	reg.RegisterSTT("deepgram", buildDeepgram)
	reg.RegisterSTT("deepgram_ws", buildDeepgramWS)
	reg.RegisterSTT("mock", buildMockSTT)
	reg.RegisterLLM("openai", buildOpenAI)
	reg.RegisterLLM("mock", buildMockLLM)
	return reg
}

func buildDeepgram(cfg Config) (stt.Factory, error) {
	var settings deepgramSettings
	if err := configutil.DecodeProvider("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "interim_results", "punctuate", "smart_format", "vad_events", "utterance_end_ms", "keepalive"},
	}, &settings); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
		return nil, err
	}
	return deepgram.NewFactory(deepgram.Config{
		APIKey:         settings.APIKey,
		Model:          settings.Model,
		Language:       settings.Language,
		Encoding:       cfg.Relay.Encoding,
		SampleRate:     cfg.Relay.SampleRate,
		Interim:        configutil.BoolValue(settings.Interim, true),
		Punctuate:      configutil.BoolValue(settings.Punctuate, true),
		SmartFormat:    settings.SmartFormat,
		VADEvents:      settings.VADEvents,
		UtteranceEndMS: settings.UtteranceEndMS,
		Keepalive:      configutil.BoolValue(settings.Keepalive, true),
	}), nil
}

func buildDeepgramWS(cfg Config) (stt.Factory, error) {
	var settings deepgramWSSettings
	if err := configutil.DecodeProvider("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
		Optional: []string{"url", "api_key", "model", "language", "interim_results", "punctuate", "keepalive_ms", "dial_timeout_ms"},
	}, &settings); err != nil {
		return nil, err
	}
	return deepgramws.NewFactory(deepgramws.Config{
		URL:         settings.URL,
		APIKey:      settings.APIKey,
		Model:       settings.Model,
		Language:    settings.Language,
		Encoding:    cfg.Relay.Encoding,
		SampleRate:  cfg.Relay.SampleRate,
		Interim:     configutil.BoolValue(settings.Interim, true),
		Punctuate:   configutil.BoolValue(settings.Punctuate, true),
		KeepAlive:   ms(settings.KeepaliveMS),
		DialTimeout: ms(settings.DialTimeoutMS),
	}), nil
}

func buildMockSTT(cfg Config) (stt.Factory, error) {
	var settings mockSTTSettings
	if err := configutil.DecodeProvider("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
		Optional: []string{"script", "end_after_script"},
	}, &settings); err != nil {
		return nil, err
	}
	script := make([]stt.Transcript, 0, len(settings.Script))
	for _, line := range settings.Script {
		script = append(script, stt.Transcript{Text: line.Text, IsFinal: line.IsFinal})
	}
	return mock.NewSTTFactory(mock.STTConfig{
		Script:         script,
		EndAfterScript: settings.EndAfterScript,
	}).New, nil
}

func buildOpenAI(cfg Config) (llm.LLMAdapter, error) {
	var settings openAISettings
	if err := configutil.DecodeProvider("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "base_url", "timeout_ms"},
	}, &settings); err != nil {
		return nil, err
	}
	adapter, err := openai.NewAdapter(openai.Config{
		APIKey:  settings.APIKey,
		Model:   settings.Model,
		BaseURL: settings.BaseURL,
		Timeout: ms(settings.TimeoutMS),
	})
	if err != nil {
		return nil, err
	}
	return adapter, nil
}

func buildMockLLM(cfg Config) (llm.LLMAdapter, error) {
	var settings mockLLMSettings
	if err := configutil.DecodeProvider("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
		Optional: []string{"response_text"},
	}, &settings); err != nil {
		return nil, err
	}
	return mock.NewLLMAdapter(mock.LLMConfig{ResponseText: settings.ResponseText}), nil
}
