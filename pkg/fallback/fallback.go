// Package fallback wraps single model calls with the full reliability
// envelope: cache lookup, candidate cascade, circuit breaking, retries
// with jittered exponential backoff, and a mock answer of last resort.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"quorumlabs/quorum/pkg/breaker"
	"quorumlabs/quorum/pkg/cache"
	"quorumlabs/quorum/pkg/providers"
	"quorumlabs/quorum/pkg/providers/mock"
	"quorumlabs/quorum/pkg/registry"
)

// RetryConfig tunes the per-candidate retry loop.
type RetryConfig struct {
	// MaxRetries is the number of attempts per candidate. Default 3.
	MaxRetries int `yaml:"max_retries"`

	// BaseDelay seeds the exponential backoff. Default 500ms.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the backoff. Default 10s.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Jitter is the random additive spread per attempt. Default 250ms.
	Jitter time.Duration `yaml:"jitter"`
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	} else if c.Jitter == 0 {
		c.Jitter = 250 * time.Millisecond
	}
}

// Config assembles the service.
type Config struct {
	Registry *registry.Registry
	Breakers *breaker.Registry

	// Cache may be nil to disable response caching entirely.
	Cache *cache.ResponseCache

	// StreamCache may be nil to disable streaming replay.
	StreamCache *cache.StreamCache

	Retry RetryConfig

	// Fallbacks maps a model id to an explicit ordered candidate list.
	// Models without an entry fall back to registry priority order.
	Fallbacks map[string][]string `yaml:"fallbacks"`

	// MockFallback enables the synthetic answer of last resort.
	MockFallback bool `yaml:"mock_fallback"`

	// Sleep is injectable for tests. Default time.Sleep honouring ctx.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *slog.Logger
}

// Service executes the cascade described in Config.
type Service struct {
	registry    *registry.Registry
	breakers    *breaker.Registry
	cache       *cache.ResponseCache
	streamCache *cache.StreamCache
	retry       RetryConfig
	fallbacks   map[string][]string
	mockEnabled bool
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger
}

// CallOptions modulates a single Generate call.
type CallOptions struct {
	// Stage labels the call for cache keying. Default "initial".
	Stage string

	// SkipCache bypasses the cache read (the response is still stored).
	SkipCache bool

	// TTL overrides the cache TTL for this call.
	TTL time.Duration

	// Generate holds the provider-level options.
	Generate *providers.GenerateOptions
}

// NewService creates a fallback service.
func NewService(config Config) (*Service, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("fallback: registry is required")
	}
	if config.Breakers == nil {
		return nil, fmt.Errorf("fallback: breaker registry is required")
	}
	config.Retry.applyDefaults()

	sleep := config.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		registry:    config.Registry,
		breakers:    config.Breakers,
		cache:       config.Cache,
		streamCache: config.StreamCache,
		retry:       config.Retry,
		fallbacks:   config.Fallbacks,
		mockEnabled: config.MockFallback,
		sleep:       sleep,
		logger:      logger,
	}, nil
}

// Generate runs the cascade for one (prompt, model) call.
func (s *Service) Generate(ctx context.Context, prompt, modelID string, opts CallOptions) (*providers.Response, error) {
	stage := opts.Stage
	if stage == "" {
		stage = "initial"
	}

	key := s.cacheKey(modelID, stage, prompt, opts.Generate)
	if s.cache != nil && !opts.SkipCache {
		if resp, ok := s.cache.Get(ctx, key); ok {
			s.logger.Debug("cache hit", "model", modelID, "stage", stage)
			return resp, nil
		}
	}

	var lastErr error
	for _, candidate := range s.Candidates(modelID) {
		entry, ok := s.registry.Get(candidate)
		if !ok {
			continue
		}

		br := s.breakers.GetOrCreate(candidate)
		if err := br.Allow(); err != nil {
			s.logger.Debug("circuit open, skipping candidate",
				"model", modelID, "candidate", candidate)
			lastErr = err
			continue
		}

		resp, err := s.tryCandidate(ctx, entry.Adapter, candidate, prompt, opts.Generate)
		if err == nil {
			br.RecordSuccess()
			if candidate != modelID {
				resp.Fallback = true
			}
			if s.cache != nil {
				if cacheErr := s.cache.Set(ctx, key, resp, opts.TTL); cacheErr != nil {
					s.logger.Warn("cache store failed", "error", cacheErr)
				}
			}
			return resp, nil
		}

		br.RecordFailure(providers.IsCountable(err))
		lastErr = err

		if ctx.Err() != nil {
			return nil, lastErr
		}
	}

	if s.mockEnabled {
		s.logger.Warn("all candidates failed, using mock fallback",
			"model", modelID, "error", lastErr)
		return s.mockResponse(ctx, prompt, modelID, opts.Generate)
	}

	if lastErr == nil {
		lastErr = providers.NewError(modelID, providers.KindUnavailable,
			"no providers available for model")
	}
	return nil, lastErr
}

// StreamGenerate runs the cascade for a streaming call. Cached and mock
// answers are replayed as chunk channels; a cached non-stream entry
// arrives as a single chunk.
func (s *Service) StreamGenerate(ctx context.Context, prompt, modelID string, opts CallOptions) (<-chan providers.StreamChunk, error) {
	stage := opts.Stage
	if stage == "" {
		stage = "initial"
	}
	key := s.cacheKey(modelID, stage, prompt, opts.Generate)

	if !opts.SkipCache {
		if s.streamCache != nil {
			if chunks, ok := s.streamCache.GetStream(key); ok {
				return replayStream(ctx, chunks), nil
			}
		}
		if s.cache != nil {
			if resp, ok := s.cache.Get(ctx, key); ok {
				return singleChunk(resp.Content), nil
			}
		}
	}

	var lastErr error
	for _, candidate := range s.Candidates(modelID) {
		entry, ok := s.registry.Get(candidate)
		if !ok {
			continue
		}
		if !entry.Adapter.GetCapabilities().SupportsStreaming {
			continue
		}

		br := s.breakers.GetOrCreate(candidate)
		if err := br.Allow(); err != nil {
			lastErr = err
			continue
		}

		upstream, err := entry.Adapter.StreamGenerate(ctx, prompt, opts.Generate)
		if err != nil {
			br.RecordFailure(providers.IsCountable(err))
			lastErr = err
			continue
		}

		return s.recordStream(ctx, key, candidate, br, upstream), nil
	}

	if s.mockEnabled {
		resp, err := s.mockResponse(ctx, prompt, modelID, opts.Generate)
		if err != nil {
			return nil, err
		}
		return singleChunk(resp.Content), nil
	}

	if lastErr == nil {
		lastErr = providers.NewError(modelID, providers.KindUnavailable,
			"no streaming providers available for model")
	}
	return nil, lastErr
}

// Candidates returns the ordered candidate list for a model: the
// explicit fallback chain if one is configured, else the model followed
// by the registry's remaining adapters in priority order.
func (s *Service) Candidates(modelID string) []string {
	if chain, ok := s.fallbacks[modelID]; ok && len(chain) > 0 {
		out := make([]string, 0, len(chain)+1)
		if chain[0] != modelID {
			out = append(out, modelID)
		}
		return append(out, chain...)
	}

	prioritized := s.registry.Prioritized()
	out := make([]string, 0, len(prioritized)+1)
	out = append(out, modelID)
	for _, id := range prioritized {
		if id != modelID {
			out = append(out, id)
		}
	}
	return out
}

// tryCandidate runs the retry loop against one adapter.
func (s *Service) tryCandidate(ctx context.Context, adapter providers.Adapter, candidate, prompt string, opts *providers.GenerateOptions) (*providers.Response, error) {
	var lastErr error

	for attempt := 1; attempt <= s.retry.MaxRetries; attempt++ {
		resp, err := adapter.Generate(ctx, prompt, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !providers.IsRetryable(err) {
			s.logger.Debug("non-retryable failure",
				"candidate", candidate, "attempt", attempt, "error", err)
			break
		}
		if attempt == s.retry.MaxRetries {
			break
		}

		delay := s.backoff(attempt)
		s.logger.Debug("retrying after backoff",
			"candidate", candidate, "attempt", attempt, "delay", delay, "error", err)
		if err := s.sleep(ctx, delay); err != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// backoff computes the delay after a failed attempt (1-based):
// base * 2^(attempt-1) plus jitter, capped at MaxDelay.
func (s *Service) backoff(attempt int) time.Duration {
	delay := s.retry.BaseDelay << (attempt - 1)
	if delay > s.retry.MaxDelay || delay <= 0 {
		delay = s.retry.MaxDelay
	}
	if s.retry.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(s.retry.Jitter)))
	}
	if delay > s.retry.MaxDelay {
		delay = s.retry.MaxDelay
	}
	return delay
}

func (s *Service) cacheKey(modelID, stage, prompt string, opts *providers.GenerateOptions) string {
	provider := modelID
	if entry, ok := s.registry.Get(modelID); ok {
		provider = string(entry.Config.Provider)
	}

	options := map[string]any{}
	if opts != nil {
		if opts.MaxTokens > 0 {
			options["max_tokens"] = opts.MaxTokens
		}
		if opts.Temperature != nil {
			options["temperature"] = *opts.Temperature
		}
		if opts.SystemPrompt != "" {
			options["system"] = opts.SystemPrompt
		}
	}
	if s.cache != nil {
		return s.cache.Key(provider, modelID, stage, prompt, options)
	}
	return cache.PrefixedKey(provider, modelID,
		cache.Fingerprint(provider, modelID, stage, prompt, options))
}

func (s *Service) mockResponse(ctx context.Context, prompt, modelID string, opts *providers.GenerateOptions) (*providers.Response, error) {
	adapter := mock.New(providers.ModelConfig{
		Provider: providers.KindMock,
		ModelID:  modelID,
	})
	defer adapter.Close()

	resp, err := adapter.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	resp.Fallback = true
	return resp, nil
}

// recordStream forwards upstream chunks while appending them to the
// stream cache, and settles the breaker when the stream ends. If the
// consumer goes away the forwarder exits on ctx instead of blocking; a
// cancelled stream aborts the cache writer and is not counted against
// the breaker.
func (s *Service) recordStream(ctx context.Context, key, candidate string, br *breaker.Breaker, upstream <-chan providers.StreamChunk) <-chan providers.StreamChunk {
	out := make(chan providers.StreamChunk)

	var writer *cache.StreamWriter
	if s.streamCache != nil {
		writer = s.streamCache.OpenWriter(key)
	}

	go func() {
		defer close(out)

		failed := false
		for chunk := range upstream {
			if chunk.Err != nil {
				failed = true
				br.RecordFailure(providers.IsCountable(chunk.Err))
			} else if chunk.Content != "" && writer != nil {
				writer.Append(chunk.Content)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				if writer != nil {
					writer.Abort()
				}
				br.RecordFailure(false)
				s.logger.Debug("stream abandoned", "candidate", candidate)
				return
			}
		}

		if failed {
			if writer != nil {
				writer.Abort()
			}
			s.logger.Debug("stream failed", "candidate", candidate)
			return
		}
		br.RecordSuccess()
		if writer != nil {
			writer.Close()
		}
	}()

	return out
}

func replayStream(ctx context.Context, chunks <-chan string) <-chan providers.StreamChunk {
	out := make(chan providers.StreamChunk)
	go func() {
		defer close(out)
		for chunk := range chunks {
			select {
			case out <- providers.StreamChunk{Content: chunk}:
			case <-ctx.Done():
				for range chunks {
				}
				return
			}
		}
		select {
		case out <- providers.StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return out
}

func singleChunk(content string) <-chan providers.StreamChunk {
	out := make(chan providers.StreamChunk, 2)
	out <- providers.StreamChunk{Content: content}
	out <- providers.StreamChunk{Done: true}
	close(out)
	return out
}
