package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates configuration problems so all of them can be
// reported in a single pass.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration is valid"
	}
	return fmt.Sprintf("configuration invalid:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Add(format string, args ...any) {
	e.Errors = append(e.Errors, fmt.Sprintf(format, args...))
}

func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate checks the full configuration and returns a ValidationError
// listing every problem found, or nil when the config is usable.
func Validate(cfg *Config) error {
	ve := &ValidationError{}

	validateAssistant(&cfg.Assistant, ve)
	validateProvider(&cfg.Provider, ve)
	validateChat(&cfg.Chat, ve)
	validateSearch(&cfg.Search, ve)
	validateReaper(&cfg.Reaper, ve)
	validateLogger(&cfg.Logger, ve)
	validateTracer(&cfg.Tracer, ve)

	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateAssistant(cfg *AssistantConfig, ve *ValidationError) {
	if cfg.Name == "" {
		ve.Add("assistant.name must not be empty")
	}
	if cfg.Model == "" {
		ve.Add("assistant.model must not be empty")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		ve.Add("assistant.temperature must be between 0 and 2, got %v", cfg.Temperature)
	}
	if cfg.GenerationTimeout < 0 {
		ve.Add("assistant.generation_timeout must not be negative, got %s", cfg.GenerationTimeout)
	}
}

func validateProvider(cfg *ProviderConfig, ve *ValidationError) {
	if cfg.BaseURL == "" {
		ve.Add("provider.base_url must not be empty")
	}
	if cfg.APIKey == "" {
		ve.Add("provider.api_key is required (set SCRIBEAI_PROVIDER_API_KEY or the config file)")
	}
	if cfg.ConnTimeout <= 0 {
		ve.Add("provider.conn_timeout must be positive, got %s", cfg.ConnTimeout)
	}
	if cfg.RespTimeout <= 0 {
		ve.Add("provider.resp_timeout must be positive, got %s", cfg.RespTimeout)
	}
	if cfg.Pool.MaxIdleConns < 0 {
		ve.Add("provider.pool.max_idle_conns must not be negative, got %d", cfg.Pool.MaxIdleConns)
	}
	if cfg.CircuitBreaker.Enabled {
		if cfg.CircuitBreaker.MaxFailures == 0 {
			ve.Add("provider.circuit_breaker.max_failures must be positive")
		}
		if cfg.CircuitBreaker.Timeout <= 0 {
			ve.Add("provider.circuit_breaker.timeout must be positive, got %s", cfg.CircuitBreaker.Timeout)
		}
	}
}

func validateChat(cfg *ChatConfig, ve *ValidationError) {
	switch cfg.Mode {
	case "remote":
		if cfg.BaseURL == "" {
			ve.Add("chat.base_url must not be empty in remote mode")
		}
		if cfg.APIKey == "" {
			ve.Add("chat.api_key is required in remote mode")
		}
	case "local":
		if cfg.LocalPath == "" {
			ve.Add("chat.local_path must not be empty in local mode")
		}
	default:
		ve.Add("chat.mode must be one of [remote local], got %q", cfg.Mode)
	}
	if cfg.IndicatorsPerSec <= 0 {
		ve.Add("chat.indicators_per_sec must be positive, got %v", cfg.IndicatorsPerSec)
	}
	if cfg.IndicatorBurst <= 0 {
		ve.Add("chat.indicator_burst must be positive, got %d", cfg.IndicatorBurst)
	}
}

func validateSearch(cfg *SearchConfig, ve *ValidationError) {
	// A missing search key is not an error. The web_search tool reports
	// itself unavailable instead.
	if cfg.BaseURL == "" {
		ve.Add("search.base_url must not be empty")
	}
	if cfg.MaxResults <= 0 {
		ve.Add("search.max_results must be positive, got %d", cfg.MaxResults)
	}
	switch cfg.Depth {
	case "basic", "advanced":
	default:
		ve.Add("search.depth must be one of [basic advanced], got %q", cfg.Depth)
	}
	if cfg.CacheTTL < 0 {
		ve.Add("search.cache_ttl must not be negative, got %s", cfg.CacheTTL)
	}
}

func validateReaper(cfg *ReaperConfig, ve *ValidationError) {
	if !cfg.Enabled {
		return
	}
	if cfg.Schedule == "" {
		ve.Add("reaper.schedule must not be empty when the reaper is enabled")
	}
	if cfg.IdleAfter <= 0 {
		ve.Add("reaper.idle_after must be positive, got %s", cfg.IdleAfter)
	}
}

func validateLogger(cfg *LoggerConfig, ve *ValidationError) {
	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		ve.Add("logger.level must be one of [debug info warn error], got %q", cfg.Level)
	}
	switch cfg.Format {
	case "json", "text":
	default:
		ve.Add("logger.format must be one of [json text], got %q", cfg.Format)
	}
}

func validateTracer(cfg *TracerConfig, ve *ValidationError) {
	if !cfg.Enabled {
		return
	}
	switch cfg.Exporter {
	case "stdout", "noop":
	default:
		ve.Add("tracer.exporter must be one of [stdout noop], got %q", cfg.Exporter)
	}
}
