// Package openai implements the provider adapter for the OpenAI Chat
// Completions and Embeddings APIs.
package openai

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"quorumlabs/quorum/pkg/processing/tokens"
	"quorumlabs/quorum/pkg/providers"
)

// DefaultBaseURL is the OpenAI API endpoint used when no override is
// configured.
const DefaultBaseURL = "https://api.openai.com"

// defaultEmbeddingModel is used for GetEmbedding calls regardless of the
// configured chat model.
const defaultEmbeddingModel = "text-embedding-3-small"

// Adapter is the OpenAI provider adapter.
type Adapter struct {
	*providers.HTTPAdapter
}

// New creates an OpenAI adapter from a model configuration.
func New(config providers.ModelConfig) (*Adapter, error) {
	if config.APIBase == "" {
		config.APIBase = DefaultBaseURL
	}
	config.ApplyDefaults()

	if config.APIKey == "" {
		return nil, providers.NewError(config.ModelID, providers.KindUnauthorized,
			"API key is required for OpenAI")
	}

	slog.Info("openai adapter initialized",
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

	var resp chatResponse
	err := a.DoJSON(ctx, "POST", a.chatURL(), req, &resp, a.headers())
	a.RecordOutcome(err)
	if err != nil {
		return nil, err
	}

	content, err := extractContent(a.GetName(), &resp)
	if err != nil {
		return nil, err
	}

	used := resp.Usage.TotalTokens
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

	body, err := a.DoStream(ctx, "POST", a.chatURL(), req, a.headers())
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

// GetEmbedding returns an embedding vector for the text.
func (a *Adapter) GetEmbedding(ctx context.Context, text string) ([]float64, error) {
	if err := a.WaitRateLimit(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.GetConfig().Timeout)
	defer cancel()

	req := embeddingRequest{Model: defaultEmbeddingModel, Input: text}

	var resp embeddingResponse
	err := a.DoJSON(ctx, "POST", fmt.Sprintf("%s/v1/embeddings", a.GetConfig().APIBase), req, &resp, a.headers())
	a.RecordOutcome(err)
	if err != nil {
		return nil, err
	}

	if len(resp.Data) == 0 {
		return nil, providers.NewError(a.GetName(), providers.KindInternal, "embedding response contained no data")
	}
	return resp.Data[0].Embedding, nil
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
		SupportsEmbeddings: true,
		SupportsVision:     true,
		MaxTokens:          a.GetConfig().MaxTokens,
	}
}

func (a *Adapter) chatURL() string {
	return fmt.Sprintf("%s/v1/chat/completions", a.GetConfig().APIBase)
}

func (a *Adapter) headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + a.GetConfig().APIKey,
	}
}
