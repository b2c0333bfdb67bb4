package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"quorumlabs/quorum/pkg/providers"
)

// Messages API wire types.

type messagesRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	StopSeqs    []string  `json:"stop_sequences,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Content []contentBlock `json:"content"`
	Usage   usage          `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// streamEvent covers the subset of SSE event payloads carrying text deltas.
// Anthropic tags events with a type field rather than a [DONE] sentinel.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta"`
}

// text concatenates the text blocks of a response.
func (r *messagesResponse) text() string {
	var b strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// buildRequest assembles the wire request. Anthropic requires max_tokens,
// so the resolved budget is always set.
func buildRequest(cfg providers.ModelConfig, prompt string, opts *providers.GenerateOptions, stream bool) *messagesRequest {
	temp := opts.EffectiveTemperature(cfg)
	// The Messages API caps temperature at 1.
	if temp > 1 {
		temp = 1
	}

	req := &messagesRequest{
		Model:       cfg.ModelID,
		Messages:    []message{{Role: "user", Content: prompt}},
		MaxTokens:   opts.EffectiveMaxTokens(cfg),
		Temperature: &temp,
		Stream:      stream,
	}
	if opts != nil {
		req.System = opts.SystemPrompt
		req.StopSeqs = opts.Stop
	}
	return req
}

// decodeStream forwards content_block_delta text until message_stop.
func decodeStream(ctx context.Context, provider string, reader *providers.SSEReader, out chan<- providers.StreamChunk) error {
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
			return providers.WrapError(provider, providers.KindInternal, "failed to parse stream event", err)
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta.Text == "" {
				continue
			}
			select {
			case <-ctx.Done():
				return providers.ClassifyTransport(provider, ctx.Err())
			case out <- providers.StreamChunk{Content: event.Delta.Text}:
			}
		case "message_stop":
			return nil
		}
	}
}
