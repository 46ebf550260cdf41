// Package config loads the memclaw configuration file.
//
// The file is json5 (comments and trailing commas allowed). Every field has
// a default, so a missing file is valid. Selected settings can be overridden
// from the environment; see applyEnv.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Config is the root configuration.
type Config struct {
	Cache        CacheConfig        `json:"cache"`
	Correlation  CorrelationConfig  `json:"correlation"`
	Memory       MemoryConfig       `json:"memory"`
	Store        StoreConfig        `json:"store"`
	LLM          LLMConfig          `json:"llm"`
	Bus          BusConfig          `json:"bus"`
	Conversation ConversationConfig `json:"conversation"`
	Heartbeat    HeartbeatConfig    `json:"heartbeat"`
	Telemetry    TelemetryConfig    `json:"telemetry"`
}

// CacheConfig configures the resilient cache client.
type CacheConfig struct {
	URL              string  `json:"url"`
	AltURL           string  `json:"altUrl"`
	FallbackMaxItems int     `json:"fallbackMaxItems"`
	FallbackTTLSec   int     `json:"fallbackTtlSec"`
	RetryAttempts    int     `json:"retryAttempts"`
	RetryBaseSec     float64 `json:"retryBaseSec"`
	RetryBackoff     string  `json:"retryBackoff"` // "linear" or "exponential"
}

// CorrelationConfig configures the correlation store.
type CorrelationConfig struct {
	TTLSec          int     `json:"ttlSec"`
	PollIntervalSec float64 `json:"pollIntervalSec"`
	WaitTimeoutSec  float64 `json:"waitTimeoutSec"`
}

// MemoryConfig configures the executive and the category stores.
type MemoryConfig struct {
	RuleMergeThreshold  float64 `json:"ruleMergeThreshold"`
	RuleUpdateThreshold float64 `json:"ruleUpdateThreshold"`
	LongTermThreshold   float64 `json:"longTermThreshold"`
	WorkingCap          int     `json:"workingCap"`
	Extraction          string  `json:"extraction"` // heuristic | model | auto
	Classifier          string  `json:"classifier"` // heuristic | model
	Similarity          string  `json:"similarity"` // text | embedding
	ComposeRetries      int     `json:"composeRetries"`
	DedupeWindowMin     int     `json:"dedupeWindowMin"`
	RuleLimit           int     `json:"ruleLimit"`
	RelatedLimit        int     `json:"relatedLimit"`
	RecentTurns         int     `json:"recentTurns"`
	InjectionGuard      string  `json:"injectionGuard"` // off | log | warn | block
}

// StoreConfig selects the durable backend.
type StoreConfig struct {
	Backend     string `json:"backend"` // file | sqlite | postgres
	DataDir     string `json:"dataDir"`
	PostgresDSN string `json:"postgresDsn,omitempty"`
}

// LLMConfig configures the generation endpoint.
type LLMConfig struct {
	Provider       string  `json:"provider"` // none | openai | deepseek | siliconflow
	APIKey         string  `json:"apiKey,omitempty"`
	BaseURL        string  `json:"baseUrl,omitempty"`
	Model          string  `json:"model,omitempty"`
	EmbeddingModel string  `json:"embeddingModel,omitempty"`
	TimeoutSec     int     `json:"timeoutSec"`
	Temperature    float32 `json:"temperature"`
	MaxTokens      int     `json:"maxTokens"`
}

// BusConfig selects the actor transport.
type BusConfig struct {
	Transport     string `json:"transport"`     // local | redis
	URL           string `json:"url,omitempty"` // empty = cache.url
	ChannelPrefix string `json:"channelPrefix,omitempty"`
}

// ConversationConfig tunes user-facing behaviour.
type ConversationConfig struct {
	SystemPrompt       string `json:"systemPrompt,omitempty"`
	RateLimitPerMinute int    `json:"rateLimitPerMinute"` // 0 disables
	RateLimitBurst     int    `json:"rateLimitBurst"`
}

// HeartbeatConfig tunes the peer probe.
type HeartbeatConfig struct {
	IntervalSec int `json:"intervalSec"` // 0 disables
	Misses      int `json:"misses"`
}

// TelemetryConfig configures OTLP trace export (binaries built with -tags otel).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"`
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"serviceName,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Option values.
const (
	ModeHeuristic = "heuristic"
	ModeModel     = "model"
	ModeAuto      = "auto"
	ModeText      = "text"
	ModeEmbedding = "embedding"

	TransportLocal = "local"
	TransportRedis = "redis"

	ProviderNone = "none"
)

// DefaultPath is the config location used when neither --config nor
// MEMCLAW_CONFIG is set.
const DefaultPath = "~/.memclaw/config.json"

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			URL:              "redis://localhost:6379/0",
			AltURL:           "redis://127.0.0.1:6379/0",
			FallbackMaxItems: 1000,
			FallbackTTLSec:   3600,
			RetryAttempts:    3,
			RetryBaseSec:     0.5,
			RetryBackoff:     "linear",
		},
		Correlation: CorrelationConfig{
			TTLSec:          3600,
			PollIntervalSec: 0.5,
			WaitTimeoutSec:  5,
		},
		Memory: MemoryConfig{
			RuleMergeThreshold:  0.9,
			RuleUpdateThreshold: 0.6,
			LongTermThreshold:   0.7,
			WorkingCap:          40,
			Extraction:          ModeAuto,
			Classifier:          ModeHeuristic,
			Similarity:          ModeText,
			ComposeRetries:      2,
			DedupeWindowMin:     20,
			RuleLimit:           10,
			RelatedLimit:        5,
			RecentTurns:         5,
			InjectionGuard:      "warn",
		},
		Store: StoreConfig{
			Backend: "file",
			DataDir: "~/.memclaw/data",
		},
		LLM: LLMConfig{
			Provider:    "deepseek",
			TimeoutSec:  30,
			Temperature: 0.7,
			MaxTokens:   1024,
		},
		Bus: BusConfig{Transport: TransportLocal},
		Conversation: ConversationConfig{
			RateLimitPerMinute: 20,
			RateLimitBurst:     5,
		},
		Heartbeat: HeartbeatConfig{IntervalSec: 30, Misses: 3},
		Telemetry: TelemetryConfig{Protocol: "grpc", ServiceName: "memclaw"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePath picks the config path: explicit flag, then MEMCLAW_CONFIG,
// then DefaultPath.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if p := os.Getenv("MEMCLAW_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

func (c *Config) applyEnv() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("REDIS_URL", &c.Cache.URL)
	envStr("MEMCLAW_REDIS_ALT_URL", &c.Cache.AltURL)
	envStr("MEMCLAW_DATA_DIR", &c.Store.DataDir)
	envStr("MEMCLAW_POSTGRES_DSN", &c.Store.PostgresDSN)
	envStr("MEMCLAW_LLM_API_KEY", &c.LLM.APIKey)
	envStr("MEMCLAW_LLM_BASE_URL", &c.LLM.BaseURL)
	envStr("MEMCLAW_LLM_MODEL", &c.LLM.Model)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	m := c.Memory
	for name, v := range map[string]float64{
		"memory.ruleMergeThreshold":  m.RuleMergeThreshold,
		"memory.ruleUpdateThreshold": m.RuleUpdateThreshold,
		"memory.longTermThreshold":   m.LongTermThreshold,
	} {
		if v < 0 || v > 1 {
			bad("%s must be within [0,1], got %v", name, v)
		}
	}
	if m.RuleUpdateThreshold > m.RuleMergeThreshold {
		bad("memory.ruleUpdateThreshold (%v) must not exceed memory.ruleMergeThreshold (%v)", m.RuleUpdateThreshold, m.RuleMergeThreshold)
	}
	if m.WorkingCap < 0 {
		bad("memory.workingCap must not be negative")
	}
	oneOf(&errs, "memory.extraction", m.Extraction, ModeHeuristic, ModeModel, ModeAuto)
	oneOf(&errs, "memory.classifier", m.Classifier, ModeHeuristic, ModeModel)
	oneOf(&errs, "memory.similarity", m.Similarity, ModeText, ModeEmbedding)
	oneOf(&errs, "memory.injectionGuard", m.InjectionGuard, "off", "log", "warn", "block")

	switch c.Store.Backend {
	case "file", "sqlite":
		if c.Store.DataDir == "" {
			bad("store.dataDir is required for the %s backend", c.Store.Backend)
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			bad("store.postgresDsn is required for the postgres backend")
		}
	default:
		bad("store.backend must be file, sqlite or postgres, got %q", c.Store.Backend)
	}

	oneOf(&errs, "bus.transport", c.Bus.Transport, TransportLocal, TransportRedis)
	oneOf(&errs, "cache.retryBackoff", c.Cache.RetryBackoff, "linear", "exponential")
	if c.Cache.URL == "" {
		bad("cache.url is required")
	}
	if c.Correlation.WaitTimeoutSec <= 0 {
		bad("correlation.waitTimeoutSec must be positive")
	}
	if c.LLM.TimeoutSec <= 0 {
		bad("llm.timeoutSec must be positive")
	}
	return errors.Join(errs...)
}

func oneOf(errs *[]error, field, v string, allowed ...string) {
	for _, a := range allowed {
		if v == a {
			return
		}
	}
	*errs = append(*errs, fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, ", "), v))
}

// LLMEnabled reports whether a generation provider is configured.
func (c *Config) LLMEnabled() bool {
	return c.LLM.Provider != "" && c.LLM.Provider != ProviderNone && c.LLM.APIKey != ""
}

// BusURL returns the redis URL for the bus transport.
func (c *Config) BusURL() string {
	if c.Bus.URL != "" {
		return c.Bus.URL
	}
	return c.Cache.URL
}

// DataDir returns the expanded data directory.
func (c *Config) DataDir() string { return ExpandHome(c.Store.DataDir) }

// WaitTimeout returns the correlation wait deadline.
func (c *Config) WaitTimeout() time.Duration { return Seconds(c.Correlation.WaitTimeoutSec) }

// Seconds converts a fractional seconds setting to a duration.
func Seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
