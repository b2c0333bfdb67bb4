package registry

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"quorumlabs/quorum/pkg/providers"
	"quorumlabs/quorum/pkg/providers/anthropic"
	"quorumlabs/quorum/pkg/providers/cohere"
	"quorumlabs/quorum/pkg/providers/generic"
	"quorumlabs/quorum/pkg/providers/google"
	"quorumlabs/quorum/pkg/providers/mock"
	"quorumlabs/quorum/pkg/providers/openai"
)

// useMockEnv forces the mock adapter to substitute for any provider whose
// API key is missing.
const useMockEnv = "USE_MOCK"

// NewAdapter resolves a model configuration to a concrete adapter by
// provider kind. Providers are compiled in; there is no runtime plugin
// loading.
//
// Credentials left empty in the configuration are resolved from the
// environment by convention (<PROVIDER>_API_KEY, <PROVIDER>_API_BASE).
// With USE_MOCK=true, a missing key yields a mock substitute instead of a
// construction error.
func NewAdapter(config providers.ModelConfig) (providers.Adapter, error) {
	resolveEnv(&config)

	if config.APIKey == "" && mockForced() && keyRequired(config.Provider) {
		slog.Warn("substituting mock adapter for provider without credentials",
			"model", config.ModelID,
			"provider", config.Provider,
		)
		return mock.New(config), nil
	}

	var (
		adapter providers.Adapter
		err     error
	)

	switch config.Provider {
	case providers.KindOpenAI:
		adapter, err = openai.New(config)
	case providers.KindAnthropic:
		adapter, err = anthropic.New(config)
	case providers.KindGoogle:
		adapter, err = google.New(config)
	case providers.KindCohere:
		adapter, err = cohere.New(config)
	case providers.KindMistral:
		adapter, err = generic.NewMistral(config)
	case providers.KindCustom:
		adapter, err = generic.New(config)
	case providers.KindLocal:
		adapter, err = generic.NewLocal(config)
	case providers.KindMock:
		adapter = mock.New(config)
	default:
		return nil, fmt.Errorf("unsupported provider kind %q for model %q (supported: %v)",
			config.Provider, config.ModelID, providers.Kinds())
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create adapter for model %q: %w", config.ModelID, err)
	}

	return adapter, nil
}

// resolveEnv fills empty credentials from the conventional environment
// variables.
func resolveEnv(config *providers.ModelConfig) {
	if config.APIKey == "" {
		config.APIKey = os.Getenv(config.Provider.EnvKeyName())
	}
	if config.APIBase == "" {
		config.APIBase = os.Getenv(config.Provider.EnvBaseName())
	}
}

func mockForced() bool {
	return strings.EqualFold(os.Getenv(useMockEnv), "true")
}

// keyRequired reports whether the provider family cannot run without
// credentials.
func keyRequired(kind providers.Kind) bool {
	switch kind {
	case providers.KindMock, providers.KindLocal, providers.KindCustom:
		return false
	default:
		return true
	}
}
