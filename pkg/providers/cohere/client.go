// Package cohere implements the provider adapter for the Cohere v2 Chat
// and Embed APIs.
package cohere

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"quorumlabs/quorum/pkg/processing/tokens"
	"quorumlabs/quorum/pkg/providers"
)

// DefaultBaseURL is the Cohere API endpoint.
const DefaultBaseURL = "https://api.cohere.com"

// defaultEmbeddingModel is used for GetEmbedding calls.
const defaultEmbeddingModel = "embed-english-v3.0"

// Adapter is the Cohere provider adapter.
type Adapter struct {
	*providers.HTTPAdapter
}

// Cohere v2 wire types.

type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	Temperature   *float64      `json:"temperature,omitempty"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
	} `json:"message"`
	Usage struct {
		Tokens struct {
			InputTokens  float64 `json:"input_tokens"`
			OutputTokens float64 `json:"output_tokens"`
		} `json:"tokens"`
	} `json:"usage"`
}

// streamEvent covers the content-delta subset of Cohere's typed SSE events.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Message struct {
			Content struct {
				Text string `json:"text,omitempty"`
			} `json:"content"`
		} `json:"message"`
	} `json:"delta"`
}

type embedRequest struct {
	Model          string   `json:"model"`
	Texts          []string `json:"texts"`
	InputType      string   `json:"input_type"`
	EmbeddingTypes []string `json:"embedding_types"`
}

type embedResponse struct {
	Embeddings struct {
		Float [][]float64 `json:"float"`
	} `json:"embeddings"`
}

// New creates a Cohere adapter from a model configuration.
func New(config providers.ModelConfig) (*Adapter, error) {
	if config.APIBase == "" {
		config.APIBase = DefaultBaseURL
	}
	config.ApplyDefaults()

	if config.APIKey == "" {
		return nil, providers.NewError(config.ModelID, providers.KindUnauthorized,
			"API key is required for Cohere")
	}

	slog.Info("cohere adapter initialized",
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

	var resp chatResponse
	err := a.DoJSON(ctx, "POST", a.chatURL(), a.buildRequest(prompt, opts, false), &resp, a.headers())
	a.RecordOutcome(err)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	for _, block := range resp.Message.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := b.String()
	if text == "" {
		return nil, providers.NewError(a.GetName(), providers.KindInternal, "response contained no text content")
	}

	used := int(resp.Usage.Tokens.InputTokens + resp.Usage.Tokens.OutputTokens)
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

// GetEmbedding returns an embedding vector for the text.
func (a *Adapter) GetEmbedding(ctx context.Context, text string) ([]float64, error) {
	if err := a.WaitRateLimit(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.GetConfig().Timeout)
	defer cancel()

	req := embedRequest{
		Model:          defaultEmbeddingModel,
		Texts:          []string{text},
		InputType:      "search_document",
		EmbeddingTypes: []string{"float"},
	}

	var resp embedResponse
	err := a.DoJSON(ctx, "POST", fmt.Sprintf("%s/v2/embed", a.GetConfig().APIBase), req, &resp, a.headers())
	a.RecordOutcome(err)
	if err != nil {
		return nil, err
	}

	if len(resp.Embeddings.Float) == 0 {
		return nil, providers.NewError(a.GetName(), providers.KindInternal, "embed response contained no vectors")
	}
	return resp.Embeddings.Float[0], nil
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
		SupportsVision:     false,
		MaxTokens:          a.GetConfig().MaxTokens,
	}
}

func (a *Adapter) chatURL() string {
	return fmt.Sprintf("%s/v2/chat", a.GetConfig().APIBase)
}

func (a *Adapter) headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + a.GetConfig().APIKey,
	}
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
		req.StopSequences = opts.Stop
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

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return providers.WrapError(a.GetName(), providers.KindInternal, "failed to parse stream event", err)
		}

		switch event.Type {
		case "content-delta":
			text := event.Delta.Message.Content.Text
			if text == "" {
				continue
			}
			select {
			case <-ctx.Done():
				return providers.ClassifyTransport(a.GetName(), ctx.Err())
			case out <- providers.StreamChunk{Content: text}:
			}
		case "message-end":
			return nil
		}
	}
}
