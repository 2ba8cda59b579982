package callguard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaultsAndExpansion(t *testing.T) {
	t.Setenv("CG_TEST_TOKEN", "tok-123")
	t.Setenv("CG_TEST_DG_KEY", "dg-456")
	path := writeConfig(t, `
vendors:
  stt:
    provider: deepgram
    settings:
      api_key: ${CG_TEST_DG_KEY}
transports:
  settings:
    auth_token: ${CG_TEST_TOKEN}
    account_sid: AC1
classifier:
  keywords: ["otp", "upi pin"]
alerts:
  kafka:
    brokers: ["localhost:9092"]
    publish_timeout: 750ms
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Transports.Provider != "twilio" {
		t.Fatalf("defaults not applied: %+v", cfg.Server)
	}
	if cfg.ClassifierMode() != ModeKeyword || cfg.Classifier.MinConfidence != 0.7 {
		t.Fatalf("unexpected classifier config %+v", cfg.Classifier)
	}
	if cfg.Relay.Encoding != "mulaw" || cfg.Relay.SampleRate != 8000 {
		t.Fatalf("unexpected relay audio defaults %+v", cfg.Relay)
	}
	if got := cfg.Vendors.STT.Settings["api_key"]; got != "dg-456" {
		t.Fatalf("expected expanded api key, got %v", got)
	}
	if got := cfg.Transports.Settings["auth_token"]; got != "tok-123" {
		t.Fatalf("expected expanded auth token, got %v", got)
	}
	if len(cfg.Classifier.Keywords) != 2 {
		t.Fatalf("expected keywords from file, got %v", cfg.Classifier.Keywords)
	}
	if cfg.Alerts.Kafka.PublishTimeout != 750*time.Millisecond || cfg.Alerts.Kafka.Topic != "callguard.fraud-alerts" {
		t.Fatalf("unexpected kafka config %+v", cfg.Alerts.Kafka)
	}
	if !cfg.Privacy.RedactPII {
		t.Fatalf("redaction should default on")
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("CALLGUARD_SERVER_ADDR", "127.0.0.1:9999")
	path := writeConfig(t, "vendors:\n  stt:\n    provider: mock\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Fatalf("expected env override, got %q", cfg.Server.Addr)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := DefaultConfig()
		cfg.Vendors.STT.Provider = "mock"
		return cfg
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"no stt", func(c *Config) { c.Vendors.STT.Provider = " " }, "vendors.stt.provider"},
		{"no transport", func(c *Config) { c.Transports.Provider = "" }, "transports.provider"},
		{"llm without provider", func(c *Config) { c.Classifier.Mode = "LLM" }, "vendors.llm.provider"},
		{"hybrid with provider", func(c *Config) {
			c.Classifier.Mode = "hybrid"
			c.Vendors.LLM.Provider = "mock"
		}, ""},
		{"bad mode", func(c *Config) { c.Classifier.Mode = "regex" }, "classifier.mode"},
		{"confidence", func(c *Config) { c.Classifier.MinConfidence = 1 }, "min_confidence"},
		{"queue", func(c *Config) { c.Hub.QueueSize = 0 }, "hub.queue_size"},
		{"sample rate", func(c *Config) { c.Observability.LogSampleRate = 2 }, "log_sample_rate"},
		{"kafka brokers", func(c *Config) { c.Alerts.Kafka.Enabled = true }, "alerts.kafka.brokers"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestProviderRegistryUnknown(t *testing.T) {
	reg := NewProviderRegistry()
	if _, err := reg.BuildSTT("whisper", DefaultConfig()); err == nil || !strings.Contains(err.Error(), "stt provider not registered") {
		t.Fatalf("expected unregistered error, got %v", err)
	}
	if _, err := reg.BuildLLM("claude", DefaultConfig()); err == nil {
		t.Fatalf("expected unregistered llm error")
	}
}

func TestDefaultProvidersValidateSettings(t *testing.T) {
	reg := DefaultProviders()
	cfg := DefaultConfig()

	cfg.Vendors.STT.Settings = map[string]any{"model": "nova-2"}
	if _, err := reg.BuildSTT("Deepgram", cfg); err == nil || !strings.Contains(err.Error(), "vendors.stt.settings.api_key") {
		t.Fatalf("expected missing api_key, got %v", err)
	}
	cfg.Vendors.STT.Settings = map[string]any{"url": "ws://localhost:1/v1/listen", "keepalive_ms": 5000}
	if _, err := reg.BuildSTT("deepgram_ws", cfg); err != nil {
		t.Fatalf("deepgram_ws: %v", err)
	}
	cfg.Vendors.STT.Settings = map[string]any{"bogus": true}
	if _, err := reg.BuildSTT("mock", cfg); err == nil || !strings.Contains(err.Error(), "unknown: vendors.stt.settings.bogus") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
	cfg.Vendors.LLM.Settings = map[string]any{"model": "gpt-4o-mini"}
	if _, err := reg.BuildLLM("openai", cfg); err == nil {
		t.Fatalf("expected openai to require api_key")
	}
	cfg.Vendors.LLM.Settings = map[string]any{"response_text": `{"fraud":true,"confidence":0.9}`}
	adapter, err := reg.BuildLLM("mock", cfg)
	if err != nil || adapter == nil {
		t.Fatalf("mock llm: %v", err)
	}
}
