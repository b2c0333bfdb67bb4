// Package anthropic implements the provider adapter for the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"quorumlabs/quorum/pkg/processing/tokens"
	"quorumlabs/quorum/pkg/providers"
)

const (
	// DefaultBaseURL is the Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// apiVersion is the Messages API version header value.
	apiVersion = "2023-06-01"
)

// Adapter is the Anthropic provider adapter.
type Adapter struct {
	*providers.HTTPAdapter
}

// New creates an Anthropic adapter from a model configuration.
func New(config providers.ModelConfig) (*Adapter, error) {
	if config.APIBase == "" {
		config.APIBase = DefaultBaseURL
	}
	config.ApplyDefaults()

	if config.APIKey == "" {
		return nil, providers.NewError(config.ModelID, providers.KindUnauthorized,
			"API key is required for Anthropic")
	}

	slog.Info("anthropic adapter initialized",
		"model", config.ModelID,
		"base_url", config.APIBase,
	)

	return &Adapter{HTTPAdapter: providers.NewHTTPAdapter(config)}, nil
}

// Generate returns the full completion for the prompt.
func (a *Adapter) Generate(ctx context.Context, prompt string, opts *providers.GenerateOptions) (*providers.Response, error) {
	start := time.Now()

	if err := a.WaitRateLimit(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.EffectiveTimeout(a.GetConfig()))
	defer cancel()

	req := buildRequest(a.GetConfig(), prompt, opts, false)

	var resp messagesResponse
	err := a.DoJSON(ctx, "POST", a.messagesURL(), req, &resp, a.headers())
	a.RecordOutcome(err)
	if err != nil {
		return nil, err
	}

	content := resp.text()
	if content == "" {
		return nil, providers.NewError(a.GetName(), providers.KindInternal, "response contained no text content")
	}

	used := resp.Usage.InputTokens + resp.Usage.OutputTokens
	if used == 0 {
		used = tokens.EstimateFromText(content)
	}

	return &providers.Response{
		Model:      a.GetName(),
		Content:    content,
		Prompt:     prompt,
		Timestamp:  time.Now(),
		TokensUsed: used,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// StreamGenerate streams the completion as it is generated.
func (a *Adapter) StreamGenerate(ctx context.Context, prompt string, opts *providers.GenerateOptions) (<-chan providers.StreamChunk, error) {
	if err := a.WaitRateLimit(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.EffectiveTimeout(a.GetConfig()))

	req := buildRequest(a.GetConfig(), prompt, opts, true)

	body, err := a.DoStream(ctx, "POST", a.messagesURL(), req, a.headers())
	if err != nil {
		cancel()
		a.RecordOutcome(err)
		return nil, err
	}

	out := make(chan providers.StreamChunk)
	go func() {
		defer cancel()
		defer close(out)

		reader := providers.NewSSEReader(a.GetName(), body)
		defer reader.Close()

		err := decodeStream(ctx, a.GetName(), reader, out)
		a.RecordOutcome(err)
		if err != nil {
			select {
			case out <- providers.StreamChunk{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- providers.StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()

	return out, nil
}

// GetEmbedding is not supported by the Anthropic API.
func (a *Adapter) GetEmbedding(ctx context.Context, text string) ([]float64, error) {
	return nil, providers.NewError(a.GetName(), providers.KindNotSupported,
		"Anthropic does not provide an embeddings endpoint")
}

// IsAvailable reports whether the adapter holds credentials.
func (a *Adapter) IsAvailable() bool {
	return a.GetConfig().APIKey != ""
}

// GetCapabilities describes the adapter's support surface.
func (a *Adapter) GetCapabilities() providers.Capabilities {
	return providers.Capabilities{
		Name:               a.GetName(),
		SupportsStreaming:  true,
		SupportsEmbeddings: false,
		SupportsVision:     true,
		MaxTokens:          a.GetConfig().MaxTokens,
	}
}

func (a *Adapter) messagesURL() string {
	return fmt.Sprintf("%s/v1/messages", a.GetConfig().APIBase)
}

func (a *Adapter) headers() map[string]string {
	return map[string]string{
		"x-api-key":         a.GetConfig().APIKey,
		"anthropic-version": apiVersion,
	}
}
