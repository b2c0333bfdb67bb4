package providers

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies a supported provider family. Adapters are selected at
// compile time through the registry factory; there is no runtime plugin
// loading.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
	KindGoogle    Kind = "google"
	KindCohere    Kind = "cohere"
	KindMistral   Kind = "mistral"
	KindCustom    Kind = "custom"
	KindLocal     Kind = "local"
	KindMock      Kind = "mock"
)

// Kinds lists every supported provider family.
func Kinds() []Kind {
	return []Kind{
		KindOpenAI, KindAnthropic, KindGoogle, KindCohere,
		KindMistral, KindCustom, KindLocal, KindMock,
	}
}

// EnvKeyName returns the conventional environment variable holding the
// API key for this provider family, e.g. OPENAI_API_KEY.
func (k Kind) EnvKeyName() string {
	return strings.ToUpper(string(k)) + "_API_KEY"
}

// EnvBaseName returns the conventional environment variable holding the
// endpoint override for this provider family, e.g. OPENAI_API_BASE.
func (k Kind) EnvBaseName() string {
	return strings.ToUpper(string(k)) + "_API_BASE"
}

// ModelConfig describes one callable backend. It is created at registration
// time and replaced only via explicit re-registration.
type ModelConfig struct {
	// Provider selects the adapter family.
	Provider Kind `yaml:"provider"`

	// ModelID is the vendor-visible model name (e.g. "gpt-4o").
	ModelID string `yaml:"model_id"`

	// APIKey is the credential for the vendor API. May be left empty and
	// resolved from the environment by convention (<PROVIDER>_API_KEY).
	APIKey string `yaml:"api_key,omitempty"`

	// APIBase overrides the vendor's default endpoint.
	APIBase string `yaml:"api_base,omitempty"`

	// MaxTokens is the default completion budget per call.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// Temperature is the default sampling temperature, in [0, 2].
	Temperature float64 `yaml:"temperature,omitempty"`

	// Timeout is the default per-call deadline.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Weight is a non-negative priority score used by selection strategies.
	Weight float64 `yaml:"weight,omitempty"`

	// IsPrimary marks the default synthesis model. At most one per registry.
	IsPrimary bool `yaml:"is_primary,omitempty"`

	// Tags enables capability-based selection ("code", "vision", ...).
	Tags []string `yaml:"tags,omitempty"`

	// RateLimit is the minimum spacing between two calls on the same
	// adapter instance. Default 500ms.
	RateLimit time.Duration `yaml:"rate_limit,omitempty"`

	// MaxIdleConns, MaxIdleConnsPerHost and IdleConnTimeout tune the HTTP
	// connection pool for network-backed adapters.
	MaxIdleConns        int           `yaml:"max_idle_conns,omitempty"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host,omitempty"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout,omitempty"`
}

// Default configuration values applied by ApplyDefaults.
const (
	DefaultTimeout             = 60 * time.Second
	DefaultMaxTokens           = 1024
	DefaultRateLimit           = 500 * time.Millisecond
	DefaultMaxIdleConns        = 100
	DefaultMaxIdleConnsPerHost = 10
	DefaultIdleConnTimeout     = 90 * time.Second
)

// ApplyDefaults fills zero-valued fields with engine defaults.
func (c *ModelConfig) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.RateLimit == 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = DefaultMaxIdleConns
	}
	if c.MaxIdleConnsPerHost == 0 {
		c.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}
	if c.IdleConnTimeout == 0 {
		c.IdleConnTimeout = DefaultIdleConnTimeout
	}
}

// Validate checks the configuration invariants.
func (c *ModelConfig) Validate() error {
	if c.ModelID == "" {
		return fmt.Errorf("model_id is required")
	}
	if c.Provider == "" {
		return fmt.Errorf("provider is required for model %q", c.ModelID)
	}
	if c.Weight < 0 {
		return fmt.Errorf("model %q: weight must be non-negative, got %v", c.ModelID, c.Weight)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("model %q: temperature must be in [0, 2], got %v", c.ModelID, c.Temperature)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("model %q: timeout must be positive, got %v", c.ModelID, c.Timeout)
	}
	return nil
}

// Equal reports whether two configs describe the same backend with the
// same settings. Hot reload uses this to skip re-registration.
func (c *ModelConfig) Equal(other ModelConfig) bool {
	if c.Provider != other.Provider ||
		c.ModelID != other.ModelID ||
		c.APIKey != other.APIKey ||
		c.APIBase != other.APIBase ||
		c.MaxTokens != other.MaxTokens ||
		c.Temperature != other.Temperature ||
		c.Timeout != other.Timeout ||
		c.Weight != other.Weight ||
		c.IsPrimary != other.IsPrimary ||
		c.RateLimit != other.RateLimit {
		return false
	}
	if len(c.Tags) != len(other.Tags) {
		return false
	}
	for i, tag := range c.Tags {
		if other.Tags[i] != tag {
			return false
		}
	}
	return true
}

// HasTag reports whether the config carries the given tag.
func (c *ModelConfig) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// GenerateOptions carries per-call overrides of the model defaults.
// A nil *GenerateOptions means "use the model defaults" everywhere.
type GenerateOptions struct {
	// MaxTokens overrides the completion budget (0 = model default).
	MaxTokens int

	// Temperature overrides the sampling temperature (nil = model default).
	Temperature *float64

	// Timeout overrides the per-call deadline (0 = model default). The
	// effective deadline is min(Timeout, ModelConfig.Timeout).
	Timeout time.Duration

	// SystemPrompt is prepended as a system message when the vendor
	// supports one.
	SystemPrompt string

	// Stop lists sequences that end generation early.
	Stop []string
}

// EffectiveTimeout resolves the per-call deadline as the smaller of the
// call override and the model default.
func (o *GenerateOptions) EffectiveTimeout(cfg ModelConfig) time.Duration {
	timeout := cfg.Timeout
	if o != nil && o.Timeout > 0 && o.Timeout < timeout {
		timeout = o.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return timeout
}

// EffectiveMaxTokens resolves the completion budget.
func (o *GenerateOptions) EffectiveMaxTokens(cfg ModelConfig) int {
	if o != nil && o.MaxTokens > 0 {
		return o.MaxTokens
	}
	return cfg.MaxTokens
}

// EffectiveTemperature resolves the sampling temperature.
func (o *GenerateOptions) EffectiveTemperature(cfg ModelConfig) float64 {
	if o != nil && o.Temperature != nil {
		return *o.Temperature
	}
	return cfg.Temperature
}

// QualityMetrics holds the four quality scores assigned to a response by
// the evaluator, each in [0, 1].
type QualityMetrics struct {
	Coherence      float64 `json:"coherence"`
	TechnicalDepth float64 `json:"technical_depth"`
	StrategicValue float64 `json:"strategic_value"`
	Uniqueness     float64 `json:"uniqueness"`
}

// Average returns the mean of the four scores.
func (q QualityMetrics) Average() float64 {
	return (q.Coherence + q.TechnicalDepth + q.StrategicValue + q.Uniqueness) / 4
}

// Response is one adapter's answer. Request-scoped; never stored beyond the
// response cache.
type Response struct {
	// Model is the adapter id that produced the answer.
	Model string `json:"model"`

	// Content is the generated text.
	Content string `json:"content"`

	// Prompt is the exact prompt sent, post-templating.
	Prompt string `json:"prompt"`

	// Timestamp is the wall-clock creation time.
	Timestamp time.Time `json:"timestamp"`

	// TokensUsed is the provider-reported token count when available,
	// otherwise approximated from the content word count.
	TokensUsed int `json:"tokens_used"`

	// Quality holds evaluator scores when quality evaluation ran.
	Quality *QualityMetrics `json:"quality,omitempty"`

	// LatencyMs is the observed call duration in milliseconds.
	LatencyMs int64 `json:"latency_ms"`

	// Cached marks responses served from the response cache.
	Cached bool `json:"cached,omitempty"`

	// Fallback marks responses produced by the mock last-resort fallback.
	Fallback bool `json:"fallback,omitempty"`
}

// StreamChunk is one element of a streamed completion. A chunk with Done set
// terminates the stream; Err, when non-nil, terminates it with a failure.
type StreamChunk struct {
	Content string
	Done    bool
	Err     error
}

// Capabilities describes what an adapter can do.
type Capabilities struct {
	Name               string `json:"name"`
	SupportsStreaming  bool   `json:"supports_streaming"`
	SupportsEmbeddings bool   `json:"supports_embeddings"`
	SupportsVision     bool   `json:"supports_vision"`
	MaxTokens          int    `json:"max_tokens"`
}

// Health tracks an adapter's observed request outcomes. Updated by the
// network-backed adapter base after every call.
type Health struct {
	// IsHealthy is cleared after several consecutive failures.
	IsHealthy bool

	// ConsecutiveFailures counts failures since the last success.
	ConsecutiveFailures int

	// LastError is the most recent failure, if any.
	LastError error

	// LastSuccess is when the adapter last completed a call.
	LastSuccess time.Time

	// TotalRequests and FailedRequests count lifetime calls.
	TotalRequests  int64
	FailedRequests int64
}
