package openai

import (
	"context"
	"encoding/json"
	"io"

	"quorumlabs/quorum/pkg/providers"
)

// Chat Completions wire types. Only the fields the engine uses are
// declared; unknown response fields are ignored by the decoder.

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
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type streamResponse struct {
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

type streamDelta struct {
	Content string `json:"content,omitempty"`
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

// buildRequest assembles the wire request from the prompt and resolved
// generation options.
func buildRequest(cfg providers.ModelConfig, prompt string, opts *providers.GenerateOptions, stream bool) *chatRequest {
	messages := make([]chatMessage, 0, 2)
	if opts != nil && opts.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: opts.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	temp := opts.EffectiveTemperature(cfg)
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

// extractContent pulls the first choice's text out of a response.
func extractContent(provider string, resp *chatResponse) (string, error) {
	if len(resp.Choices) == 0 {
		return "", providers.NewError(provider, providers.KindInternal, "response contained no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// decodeStream reads SSE payloads and forwards content deltas until the
// stream ends. Returns nil on normal termination.
func decodeStream(ctx context.Context, provider string, reader *providers.SSEReader, out chan<- providers.StreamChunk) error {
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
			return providers.WrapError(provider, providers.KindInternal, "failed to parse stream chunk", err)
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			select {
			case <-ctx.Done():
				return providers.ClassifyTransport(provider, ctx.Err())
			case out <- providers.StreamChunk{Content: choice.Delta.Content}:
			}
		}
	}
}
