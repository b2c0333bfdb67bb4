package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"quorumlabs/quorum/pkg/providers"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quorum.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalYAML = `
models:
  local-llama:
    provider: local
    model_id: llama3
`

func TestLoadMinimalConfigAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatal(err)
	}

	if !*cfg.Cache.Enabled || cfg.Cache.Backend != "memory" || cfg.Cache.TTL != time.Hour {
		t.Fatalf("cache defaults = %+v", cfg.Cache)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.RecoveryTimeout != 60*time.Second {
		t.Fatalf("breaker defaults = %+v", cfg.Breaker)
	}
	if cfg.Engine.MaxWorkers != 4 || cfg.Engine.DefaultPattern != "gut" {
		t.Fatalf("engine defaults = %+v", cfg.Engine)
	}
	if cfg.Server.ListenAddress != ":8080" || cfg.Server.WriteTimeout != 5*time.Minute {
		t.Fatalf("server defaults = %+v", cfg.Server)
	}

	model := cfg.Models["local-llama"]
	if model.Timeout != providers.DefaultTimeout || model.MaxTokens != providers.DefaultMaxTokens {
		t.Fatalf("model defaults not applied: %+v", model)
	}
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("QUORUM_TEST_KEY", "sk-from-env")

	cfg, err := Load(writeConfig(t, `
models:
  gpt:
    provider: openai
    model_id: gpt-4o
    api_key: ${QUORUM_TEST_KEY}
`))
	if err != nil {
		t.Fatal(err)
	}

	if got := cfg.Models["gpt"].APIKey; got != "sk-from-env" {
		t.Fatalf("APIKey = %q, want the env value", got)
	}
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
models:
  gpt:
    provider: openai
    model_id: gpt-4o
    weight: 5
    is_primary: true
  claude:
    provider: anthropic
    model_id: claude-sonnet-4
    weight: 3
cache:
  backend: sqlite
  path: /tmp/quorum-cache.db
  ttl: 10m
breaker:
  failure_threshold: 3
  recovery_timeout: 30s
fallback:
  chains:
    gpt: [claude]
  mock_fallback: true
server:
  listen_address: ":9090"
`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Cache.Backend != "sqlite" || cfg.Cache.TTL != 10*time.Minute {
		t.Fatalf("cache = %+v", cfg.Cache)
	}
	if cfg.Breaker.FailureThreshold != 3 {
		t.Fatalf("breaker = %+v", cfg.Breaker)
	}
	if !cfg.Fallback.MockFallback || len(cfg.Fallback.Chains["gpt"]) != 1 {
		t.Fatalf("fallback = %+v", cfg.Fallback)
	}
	if cfg.Server.ListenAddress != ":9090" {
		t.Fatalf("server = %+v", cfg.Server)
	}

	settings := cfg.Breaker.BreakerSettings()
	if settings.FailureThreshold != 3 || settings.RecoveryTimeout != 30*time.Second {
		t.Fatalf("BreakerSettings = %+v", settings)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load succeeded on a missing file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "models: [not: a: map"))
	if err == nil {
		t.Fatal("Load accepted malformed YAML")
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() *Config {
		cfg := &Config{
			Models: map[string]providers.ModelConfig{
				"a": {Provider: providers.KindMock, ModelID: "a"},
				"b": {Provider: providers.KindMock, ModelID: "b"},
			},
		}
		ApplyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "no models",
			mutate:  func(c *Config) { c.Models = nil },
			wantErr: "at least one model",
		},
		{
			name: "two primaries",
			mutate: func(c *Config) {
				a := c.Models["a"]
				a.IsPrimary = true
				c.Models["a"] = a
				b := c.Models["b"]
				b.IsPrimary = true
				c.Models["b"] = b
			},
			wantErr: "at most one model may be primary",
		},
		{
			name: "invalid model",
			mutate: func(c *Config) {
				a := c.Models["a"]
				a.Temperature = 3
				c.Models["a"] = a
			},
			wantErr: "temperature",
		},
		{
			name:    "sqlite without path",
			mutate:  func(c *Config) { c.Cache.Backend = "sqlite" },
			wantErr: "requires a path",
		},
		{
			name:    "unknown cache backend",
			mutate:  func(c *Config) { c.Cache.Backend = "redis" },
			wantErr: "unknown cache backend",
		},
		{
			name: "chain for unknown model",
			mutate: func(c *Config) {
				c.Fallback.Chains = map[string][]string{"ghost": {"a"}}
			},
			wantErr: "unknown model",
		},
		{
			name: "chain names unknown candidate",
			mutate: func(c *Config) {
				c.Fallback.Chains = map[string][]string{"a": {"ghost"}}
			},
			wantErr: "unknown model",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("Validate = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAcceptsHealthyConfig(t *testing.T) {
	cfg := &Config{
		Models: map[string]providers.ModelConfig{
			"a": {Provider: providers.KindMock, ModelID: "a", IsPrimary: true},
		},
	}
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		t.Fatal(err)
	}
}
