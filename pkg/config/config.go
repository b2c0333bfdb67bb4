// Package config defines the engine's YAML configuration, its defaults
// and validation, and hot reload of the model set.
package config

import (
	"fmt"
	"time"

	"quorumlabs/quorum/pkg/breaker"
	"quorumlabs/quorum/pkg/fallback"
	"quorumlabs/quorum/pkg/providers"
	"quorumlabs/quorum/pkg/resources"
	"quorumlabs/quorum/pkg/telemetry/logging"
	"quorumlabs/quorum/pkg/telemetry/metrics"
	"quorumlabs/quorum/pkg/telemetry/tracing"
)

// Config is the full engine configuration.
type Config struct {
	// Models maps registry ids to model configurations.
	Models map[string]providers.ModelConfig `yaml:"models"`

	Cache     CacheConfig          `yaml:"cache"`
	Breaker   BreakerConfig        `yaml:"breaker"`
	Retry     fallback.RetryConfig `yaml:"retry"`
	Fallback  FallbackConfig       `yaml:"fallback"`
	Resources ResourcesConfig      `yaml:"resources"`
	Engine    EngineConfig         `yaml:"engine"`
	Server    ServerConfig         `yaml:"server"`
	Logging   logging.Config       `yaml:"logging"`
	Metrics   metrics.Config       `yaml:"metrics"`
	Tracing   tracing.Config       `yaml:"tracing"`
}

// CacheConfig selects and tunes the response cache backend.
type CacheConfig struct {
	// Enabled turns response caching on. Default true.
	Enabled *bool `yaml:"enabled"`

	// Backend is "memory" or "sqlite". Default memory.
	Backend string `yaml:"backend"`

	// Path is the database file for the sqlite backend.
	Path string `yaml:"path"`

	// TTL for cached responses. Default 1 hour.
	TTL time.Duration `yaml:"ttl"`

	// MaxEntries caps the memory backend. 0 = unlimited.
	MaxEntries int `yaml:"max_entries"`
}

// BreakerConfig tunes the circuit breakers.
type BreakerConfig struct {
	// FailureThreshold opens the circuit. Default 5.
	FailureThreshold int `yaml:"failure_threshold"`

	// RecoveryTimeout before a half-open probe. Default 60s.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`
}

// FallbackConfig tunes the candidate cascade.
type FallbackConfig struct {
	// Chains maps a model id to an explicit ordered candidate list.
	Chains map[string][]string `yaml:"chains"`

	// MockFallback enables the synthetic answer of last resort.
	MockFallback bool `yaml:"mock_fallback"`
}

// ResourcesConfig tunes monitoring and adaptive concurrency.
type ResourcesConfig struct {
	// Enabled starts the host monitor. Default true.
	Enabled *bool `yaml:"enabled"`

	// Interval between samples. Default 30s.
	Interval time.Duration `yaml:"interval"`

	Optimizer resources.OptimizerConfig `yaml:"optimizer"`
}

// EngineConfig tunes the orchestrator itself.
type EngineConfig struct {
	// MaxWorkers is the dispatch width when adaptive concurrency is off.
	// Default 4.
	MaxWorkers int `yaml:"max_workers"`

	// EvaluateQuality scores every response by default.
	EvaluateQuality bool `yaml:"evaluate_quality"`

	// DefaultPattern for requests that name none. Default "gut".
	DefaultPattern string `yaml:"default_pattern"`
}

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	// ListenAddress for the HTTP server. Default ":8080".
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout and WriteTimeout for the server. Write default 5m to
	// leave room for long streaming runs.
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown. Default 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Cache.Enabled == nil {
		enabled := true
		cfg.Cache.Enabled = &enabled
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = time.Hour
	}

	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.RecoveryTimeout <= 0 {
		cfg.Breaker.RecoveryTimeout = 60 * time.Second
	}

	if cfg.Resources.Enabled == nil {
		enabled := true
		cfg.Resources.Enabled = &enabled
	}
	if cfg.Resources.Interval <= 0 {
		cfg.Resources.Interval = 30 * time.Second
	}

	if cfg.Engine.MaxWorkers <= 0 {
		cfg.Engine.MaxWorkers = 4
	}
	if cfg.Engine.DefaultPattern == "" {
		cfg.Engine.DefaultPattern = "gut"
	}

	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = ":8080"
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = 5 * time.Minute
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	for id, model := range cfg.Models {
		model.ApplyDefaults()
		cfg.Models[id] = model
	}
}

// BreakerSettings converts to the breaker package's config.
func (c BreakerConfig) BreakerSettings() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.FailureThreshold,
		RecoveryTimeout:  c.RecoveryTimeout,
	}
}

// Validate checks cross-field requirements.
func Validate(cfg *Config) error {
	if len(cfg.Models) == 0 {
		return fmt.Errorf("config: at least one model must be configured")
	}

	primaries := 0
	for id, model := range cfg.Models {
		if err := model.Validate(); err != nil {
			return fmt.Errorf("config: model %q: %w", id, err)
		}
		if model.IsPrimary {
			primaries++
		}
	}
	if primaries > 1 {
		return fmt.Errorf("config: at most one model may be primary, found %d", primaries)
	}

	switch cfg.Cache.Backend {
	case "memory":
	case "sqlite":
		if cfg.Cache.Path == "" {
			return fmt.Errorf("config: cache backend sqlite requires a path")
		}
	default:
		return fmt.Errorf("config: unknown cache backend %q", cfg.Cache.Backend)
	}

	for model, chain := range cfg.Fallback.Chains {
		if _, ok := cfg.Models[model]; !ok {
			return fmt.Errorf("config: fallback chain for unknown model %q", model)
		}
		for _, candidate := range chain {
			if _, ok := cfg.Models[candidate]; !ok {
				return fmt.Errorf("config: fallback chain for %q names unknown model %q",
					model, candidate)
			}
		}
	}

	return nil
}
