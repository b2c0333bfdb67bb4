// Package google implements the provider adapter for the Gemini REST API
// (generateContent / streamGenerateContent / embedContent).
package google

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

// DefaultBaseURL is the Generative Language API endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// defaultEmbeddingModel is used for GetEmbedding calls.
const defaultEmbeddingModel = "text-embedding-004"

// Adapter is the Gemini provider adapter.
type Adapter struct {
	*providers.HTTPAdapter
}

// Gemini wire types.

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type embedRequest struct {
	Content content `json:"content"`
}

type embedResponse struct {
	Embedding struct {
		Values []float64 `json:"values"`
	} `json:"embedding"`
}

// New creates a Gemini adapter from a model configuration.
func New(config providers.ModelConfig) (*Adapter, error) {
	if config.APIBase == "" {
		config.APIBase = DefaultBaseURL
	}
	config.ApplyDefaults()

	if config.APIKey == "" {
		return nil, providers.NewError(config.ModelID, providers.KindUnauthorized,
			"API key is required for Google")
	}

	slog.Info("google adapter initialized",
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

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		a.GetConfig().APIBase, a.GetConfig().ModelID, a.GetConfig().APIKey)

	var resp generateResponse
	err := a.DoJSON(ctx, "POST", url, a.buildRequest(prompt, opts), &resp, nil)
	a.RecordOutcome(err)
	if err != nil {
		return nil, err
	}

	text := extractText(&resp)
	if text == "" {
		return nil, providers.NewError(a.GetName(), providers.KindInternal, "response contained no candidates")
	}

	used := resp.UsageMetadata.TotalTokenCount
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

// StreamGenerate streams the completion via the SSE variant of the API.
func (a *Adapter) StreamGenerate(ctx context.Context, prompt string, opts *providers.GenerateOptions) (<-chan providers.StreamChunk, error) {
	if err := a.WaitRateLimit(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.EffectiveTimeout(a.GetConfig()))

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
		a.GetConfig().APIBase, a.GetConfig().ModelID, a.GetConfig().APIKey)

	body, err := a.DoStream(ctx, "POST", url, a.buildRequest(prompt, opts), nil)
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

	url := fmt.Sprintf("%s/v1beta/models/%s:embedContent?key=%s",
		a.GetConfig().APIBase, defaultEmbeddingModel, a.GetConfig().APIKey)

	req := embedRequest{Content: content{Parts: []part{{Text: text}}}}

	var resp embedResponse
	err := a.DoJSON(ctx, "POST", url, req, &resp, nil)
	a.RecordOutcome(err)
	if err != nil {
		return nil, err
	}
	return resp.Embedding.Values, nil
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

func (a *Adapter) buildRequest(prompt string, opts *providers.GenerateOptions) *generateRequest {
	cfg := a.GetConfig()
	temp := opts.EffectiveTemperature(cfg)

	req := &generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: &generationConfig{
			Temperature:     &temp,
			MaxOutputTokens: opts.EffectiveMaxTokens(cfg),
		},
	}
	if opts != nil {
		if opts.SystemPrompt != "" {
			req.SystemInstruction = &content{Parts: []part{{Text: opts.SystemPrompt}}}
		}
		req.GenerationConfig.StopSequences = opts.Stop
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

		var chunk generateResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return providers.WrapError(a.GetName(), providers.KindInternal, "failed to parse stream chunk", err)
		}

		text := extractText(&chunk)
		if text == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return providers.ClassifyTransport(a.GetName(), ctx.Err())
		case out <- providers.StreamChunk{Content: text}:
		}
	}
}

func extractText(resp *generateResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}
