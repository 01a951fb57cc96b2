package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Assistant AssistantConfig `yaml:"assistant"`
	Provider  ProviderConfig  `yaml:"provider"`
	Chat      ChatConfig      `yaml:"chat"`
	Search    SearchConfig    `yaml:"search"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// AssistantConfig holds the assistant persona and generation settings.
type AssistantConfig struct {
	Name              string        `yaml:"name"`
	Model             string        `yaml:"model"`
	Temperature       float64       `yaml:"temperature"`
	SystemPrompt      string        `yaml:"system_prompt,omitempty"` // empty = built-in writing assistant prompt
	GenerationTimeout time.Duration `yaml:"generation_timeout"`      // 0 = no deadline
}

// ProviderConfig holds settings for the generation provider API.
type ProviderConfig struct {
	BaseURL        string               `yaml:"base_url"`
	APIKey         string               `yaml:"api_key"`
	ConnTimeout    time.Duration        `yaml:"conn_timeout"`
	RespTimeout    time.Duration        `yaml:"resp_timeout"`
	Pool           PoolConfig           `yaml:"pool"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// PoolConfig holds HTTP connection pool settings.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// CircuitBreakerConfig holds circuit breaker settings for the provider.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// ChatConfig holds settings for the conversation transcript service.
type ChatConfig struct {
	// Mode selects the transcript backend: "remote" (HTTP + websocket)
	// or "local" (SQLite, development only).
	Mode             string        `yaml:"mode"`
	BaseURL          string        `yaml:"base_url"`
	APIKey           string        `yaml:"api_key"`
	ConnTimeout      time.Duration `yaml:"conn_timeout"`
	LocalPath        string        `yaml:"local_path"`
	IndicatorsPerSec float64       `yaml:"indicators_per_sec"` // 0 = unlimited
	IndicatorBurst   int           `yaml:"indicator_burst"`
}

// SearchConfig holds settings for the web search backend.
type SearchConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"` // empty = search reports unavailable
	MaxResults int           `yaml:"max_results"`
	Depth      string        `yaml:"depth"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// ReaperConfig holds idle-conversation reaping settings.
type ReaperConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Schedule  string        `yaml:"schedule"` // cron spec, e.g. "@every 1m"
	IdleAfter time.Duration `yaml:"idle_after"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Assistant: AssistantConfig{
			Name:              "AI Writing Assistant",
			Model:             "gpt-4o",
			Temperature:       0.7,
			GenerationTimeout: 5 * time.Minute,
		},
		Provider: ProviderConfig{
			BaseURL:     "https://api.openai.com/v1",
			ConnTimeout: 30 * time.Second,
			RespTimeout: 120 * time.Second,
			Pool: PoolConfig{
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 16,
				MaxConnsPerHost:     64,
				IdleConnTimeout:     90 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Chat: ChatConfig{
			Mode:             "remote",
			ConnTimeout:      15 * time.Second,
			LocalPath:        "./data/transcript.db",
			IndicatorsPerSec: 20,
			IndicatorBurst:   10,
		},
		Search: SearchConfig{
			BaseURL:    "https://api.tavily.com",
			MaxResults: 5,
			Depth:      "advanced",
			CacheTTL:   15 * time.Minute,
		},
		Reaper: ReaperConfig{
			Enabled:   true,
			Schedule:  "@every 1m",
			IdleAfter: 30 * time.Minute,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// secrets. A missing file is not an error: defaults plus the environment
// must be enough to run.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("SCRIBEAI_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides overrides config fields from SCRIBEAI_* environment
// variables. Only operationally useful knobs are exposed this way.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SCRIBEAI_PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("SCRIBEAI_PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("SCRIBEAI_ASSISTANT_MODEL"); v != "" {
		cfg.Assistant.Model = v
	}
	if v := os.Getenv("SCRIBEAI_CHAT_MODE"); v != "" {
		cfg.Chat.Mode = v
	}
	if v := os.Getenv("SCRIBEAI_CHAT_BASE_URL"); v != "" {
		cfg.Chat.BaseURL = v
	}
	if v := os.Getenv("SCRIBEAI_CHAT_API_KEY"); v != "" {
		cfg.Chat.APIKey = v
	}
	if v := os.Getenv("SCRIBEAI_SEARCH_BASE_URL"); v != "" {
		cfg.Search.BaseURL = v
	}
	if v := os.Getenv("SCRIBEAI_SEARCH_API_KEY"); v != "" {
		cfg.Search.APIKey = v
	}
	if v := os.Getenv("SCRIBEAI_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("SCRIBEAI_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("SCRIBEAI_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("SCRIBEAI_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("SCRIBEAI_REAPER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Reaper.Enabled = b
		}
	}
	if v := os.Getenv("SCRIBEAI_REAPER_IDLE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Reaper.IdleAfter = d
		}
	}
	if v := os.Getenv("SCRIBEAI_GENERATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Assistant.GenerationTimeout = d
		}
	}
}
