// Package generic implements the provider adapter for OpenAI-compatible
// endpoints. It backs three provider families: custom (self-hosted
// gateways, vLLM, LM Studio), mistral (whose API speaks the OpenAI wire
// format), and local (Ollama-style runners exposing /v1).
package generic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"quorumlabs/quorum/pkg/processing/tokens"
	"quorumlabs/quorum/pkg/providers"
)

// Per-family endpoint defaults.
const (
	MistralBaseURL = "https://api.mistral.ai"
	LocalBaseURL   = "http://localhost:11434"
)

// Adapter speaks the OpenAI-compatible chat wire format against a
// configurable base URL.
type Adapter struct {
	*providers.HTTPAdapter
	kind       providers.Kind
	requireKey bool
}

// OpenAI-compatible wire types.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type streamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta"`
	} `json:"choices"`
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// New creates an adapter for a custom OpenAI-compatible endpoint. The base
// URL is required; the API key is optional (self-hosted endpoints often
// have none).
func New(config providers.ModelConfig) (*Adapter, error) {
	if config.APIBase == "" {
		return nil, providers.NewError(config.ModelID, providers.KindBadRequest,
			"api_base is required for custom providers")
	}
	return newAdapter(config, providers.KindCustom, false)
}

// NewMistral creates an adapter for the Mistral API, which speaks the
// OpenAI-compatible wire format. An API key is required.
func NewMistral(config providers.ModelConfig) (*Adapter, error) {
	if config.APIBase == "" {
		config.APIBase = MistralBaseURL
	}
	if config.APIKey == "" {
		return nil, providers.NewError(config.ModelID, providers.KindUnauthorized,
			"API key is required for Mistral")
	}
	return newAdapter(config, providers.KindMistral, true)
}

// NewLocal creates an adapter for a local runner (Ollama and compatible)
// exposing the OpenAI-compatible /v1 surface. No API key is needed.
func NewLocal(config providers.ModelConfig) (*Adapter, error) {
	if config.APIBase == "" {
		config.APIBase = LocalBaseURL
	}
	// Local runners answer one request at a time; keep spacing generous
	// unless configured otherwise.
	return newAdapter(config, providers.KindLocal, false)
}

func newAdapter(config providers.ModelConfig, kind providers.Kind, requireKey bool) (*Adapter, error) {
	config.ApplyDefaults()

	slog.Info("openai-compatible adapter initialized",
		"model", config.ModelID,
		"kind", kind,
		"base_url", config.APIBase,
	)

	return &Adapter{
		HTTPAdapter: providers.NewHTTPAdapter(config),
		kind:        kind,
		requireKey:  requireKey,
	}, nil
}

// GetKind returns the provider family this adapter was constructed for.
func (a *Adapter) GetKind() providers.Kind {
	return a.kind
}

// Generate returns the full completion for the prompt.
func (a *Adapter) Generate(ctx context.Context, prompt string, opts *providers.GenerateOptions) (*providers.Response, error) {
	start := time.Now()

	if err := a.WaitRateLimit(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.EffectiveTimeout(a.GetConfig()))
	defer cancel()

	var resp chatResponse
	err := a.DoJSON(ctx, "POST", a.chatURL(), a.buildRequest(prompt, opts, false), &resp, a.headers())
	a.RecordOutcome(err)
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, providers.NewError(a.GetName(), providers.KindInternal, "response contained no choices")
	}
	text := resp.Choices[0].Message.Content

	used := resp.Usage.TotalTokens
	if used == 0 {
		used = tokens.EstimateFromText(text)
	}

	return &providers.Response{
		Model:      a.GetName(),
		Content:    text,
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

	body, err := a.DoStream(ctx, "POST", a.chatURL(), a.buildRequest(prompt, opts, true), a.headers())
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

		err := a.decodeStream(ctx, reader, out)
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

// GetEmbedding returns an embedding vector when the endpoint supports the
// OpenAI-compatible /v1/embeddings route.
func (a *Adapter) GetEmbedding(ctx context.Context, text string) ([]float64, error) {
	if err := a.WaitRateLimit(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.GetConfig().Timeout)
	defer cancel()

	req := embeddingRequest{Model: a.GetConfig().ModelID, Input: text}

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

// IsAvailable reports whether the adapter is usable: credentials present
// when the family requires them.
func (a *Adapter) IsAvailable() bool {
	if a.requireKey {
		return a.GetConfig().APIKey != ""
	}
	return true
}

// GetCapabilities describes the adapter's support surface. Embedding
// support varies by endpoint and is reported optimistically; unsupported
// endpoints return KindNotSupported at call time via their 404.
func (a *Adapter) GetCapabilities() providers.Capabilities {
	return providers.Capabilities{
		Name:               a.GetName(),
		SupportsStreaming:  true,
		SupportsEmbeddings: true,
		SupportsVision:     false,
		MaxTokens:          a.GetConfig().MaxTokens,
	}
}

func (a *Adapter) chatURL() string {
	return fmt.Sprintf("%s/v1/chat/completions", a.GetConfig().APIBase)
}

func (a *Adapter) headers() map[string]string {
	headers := map[string]string{}
	if key := a.GetConfig().APIKey; key != "" {
		headers["Authorization"] = "Bearer " + key
	}
	return headers
}

func (a *Adapter) buildRequest(prompt string, opts *providers.GenerateOptions, stream bool) *chatRequest {
	cfg := a.GetConfig()
	temp := opts.EffectiveTemperature(cfg)

	messages := make([]chatMessage, 0, 2)
	if opts != nil && opts.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: opts.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	req := &chatRequest{
		Model:       cfg.ModelID,
		Messages:    messages,
		Temperature: &temp,
		MaxTokens:   opts.EffectiveMaxTokens(cfg),
		Stream:      stream,
	}
	if opts != nil {
		req.Stop = opts.Stop
	}
	return req
}

func (a *Adapter) decodeStream(ctx context.Context, reader *providers.SSEReader, out chan<- providers.StreamChunk) error {
	for {
		data, err := reader.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		var chunk streamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return providers.WrapError(a.GetName(), providers.KindInternal, "failed to parse stream chunk", err)
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			select {
			case <-ctx.Done():
				return providers.ClassifyTransport(a.GetName(), ctx.Err())
			case out <- providers.StreamChunk{Content: choice.Delta.Content}:
			}
		}
	}
}
