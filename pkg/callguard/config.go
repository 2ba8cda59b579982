package callguard

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/callguard/pkg/alerts"
	"github.com/spf13/viper"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Server        ServerConfig        `mapstructure:"server"`
	Relay         RelayConfig         `mapstructure:"relay"`
	Hub           HubConfig           `mapstructure:"hub"`
	Classifier    ClassifierConfig    `mapstructure:"classifier"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Alerts        AlertsConfig        `mapstructure:"alerts"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type ServerConfig struct {
	Addr                string `mapstructure:"addr"`
	DrainTimeoutMS      int    `mapstructure:"drain_timeout_ms"`
	ReadHeaderTimeoutMS int    `mapstructure:"read_header_timeout_ms"`
}

type RelayConfig struct {
	FinalOnly          bool   `mapstructure:"final_only"`
	IdleTimeoutMS      int    `mapstructure:"idle_timeout_ms"`
	TerminateTimeoutMS int    `mapstructure:"terminate_timeout_ms"`
	Encoding           string `mapstructure:"encoding"`
	SampleRate         int    `mapstructure:"sample_rate"`
}

type HubConfig struct {
	QueueSize     int `mapstructure:"queue_size"`
	SendTimeoutMS int `mapstructure:"send_timeout_ms"`
}

type ClassifierConfig struct {
	// Mode is keyword, llm or hybrid.
	Mode          string   `mapstructure:"mode"`
	Keywords      []string `mapstructure:"keywords"`
	MinConfidence float64  `mapstructure:"min_confidence"`
	TimeoutMS     int      `mapstructure:"timeout_ms"`
	Retries       int      `mapstructure:"retries"`
	BreakerErrors int      `mapstructure:"breaker_errors"`
	BreakerCoolMS int      `mapstructure:"breaker_cooldown_ms"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	LLM VendorConfig `mapstructure:"llm"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type AlertsConfig struct {
	Kafka alerts.Config `mapstructure:"kafka"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string  `mapstructure:"artifacts_dir"`
	RetentionDays int     `mapstructure:"retention_days"`
	LogSampleRate float64 `mapstructure:"log_sample_rate"`
	MetricsPath   string  `mapstructure:"metrics_path"`
	MetricsBuffer int     `mapstructure:"metrics_buffer"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

const (
	ModeKeyword = "keyword"
	ModeLLM     = "llm"
	ModeHybrid  = "hybrid"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.drain_timeout_ms", 20000)
	v.SetDefault("server.read_header_timeout_ms", 5000)
	v.SetDefault("relay.final_only", false)
	v.SetDefault("relay.idle_timeout_ms", 0)
	v.SetDefault("relay.terminate_timeout_ms", 5000)
	v.SetDefault("relay.encoding", "mulaw")
	v.SetDefault("relay.sample_rate", 8000)
	v.SetDefault("hub.queue_size", 64)
	v.SetDefault("hub.send_timeout_ms", 2000)
	v.SetDefault("classifier.mode", ModeKeyword)
	v.SetDefault("classifier.min_confidence", 0.7)
	v.SetDefault("classifier.timeout_ms", 3000)
	v.SetDefault("classifier.retries", 2)
	v.SetDefault("classifier.breaker_errors", 5)
	v.SetDefault("classifier.breaker_cooldown_ms", 30000)
	v.SetDefault("transports.provider", "twilio")
	v.SetDefault("alerts.kafka.enabled", false)
	v.SetDefault("alerts.kafka.topic", "callguard.fraud-alerts")
	v.SetDefault("alerts.kafka.fraud_only", false)
	v.SetDefault("alerts.kafka.publish_timeout", "1s")
	v.SetDefault("alerts.kafka.buffer_size", 256)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.log_sample_rate", 1.0)
	v.SetDefault("observability.metrics_path", "/metrics")
	v.SetDefault("observability.metrics_buffer", 2048)
	v.SetDefault("privacy.redact_pii", true)
}

// LoadConfig reads a YAML file, applies defaults, expands ${VAR}
// references and validates the result. CALLGUARD_* environment variables
// override file values, e.g. CALLGUARD_SERVER_ADDR.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("callguard")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return decodeConfig(v)
}

// DefaultConfig returns the defaults alone, as if an empty file was loaded.
func DefaultConfig() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func decodeConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	switch c.ClassifierMode() {
	case ModeKeyword:
	case ModeLLM, ModeHybrid:
		if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
			return fmt.Errorf("vendors.llm.provider is required for classifier.mode %s", c.ClassifierMode())
		}
	default:
		return fmt.Errorf("classifier.mode must be keyword, llm or hybrid, got %q", c.Classifier.Mode)
	}
	if c.Classifier.MinConfidence < 0 || c.Classifier.MinConfidence >= 1 {
		return fmt.Errorf("classifier.min_confidence must be in [0, 1)")
	}
	if c.Hub.QueueSize <= 0 {
		return fmt.Errorf("hub.queue_size must be positive")
	}
	if c.Observability.LogSampleRate < 0 || c.Observability.LogSampleRate > 1 {
		return fmt.Errorf("observability.log_sample_rate must be in [0, 1]")
	}
	if c.Alerts.Kafka.Enabled && len(c.Alerts.Kafka.Brokers) == 0 {
		return fmt.Errorf("alerts.kafka.brokers is required when alerts.kafka.enabled")
	}
	return nil
}

func (c Config) ClassifierMode() string {
	return strings.ToLower(strings.TrimSpace(c.Classifier.Mode))
}

func (c Config) RetentionAge() time.Duration {
	return time.Duration(c.Observability.RetentionDays) * 24 * time.Hour
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
