// Package mock provides a deterministic, offline adapter used in tests and
// as the engine's last-resort fallback. Identical prompts always yield
// identical outputs: the response generator seeds its RNG with a hash of
// the prompt.
package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"quorumlabs/quorum/pkg/processing/tokens"
	"quorumlabs/quorum/pkg/providers"
)

// Adapter is a keyword-driven mock responder.
type Adapter struct {
	config providers.ModelConfig

	// FixedResponse, when set, is returned verbatim for every prompt.
	FixedResponse string

	// FailureRate in [0, 1] makes the adapter fail pseudo-randomly, still
	// deterministically per prompt. Zero disables simulated failures.
	FailureRate float64

	// FailWith forces every call to fail with this error. Used in tests to
	// exercise the reliability layer.
	FailWith error

	// Latency delays each call to simulate network time.
	Latency time.Duration

	// count tracks Generate invocations. Read it through Calls; tests use
	// it to assert an adapter was not invoked.
	count atomic.Int64
}

// keyword-driven canned answers, checked in order against the lowercased
// prompt.
var cannedAnswers = []struct {
	keyword string
	answer  string
}{
	{"analyz", "Analysis: the subject decomposes into three factors: feasibility, cost, and risk. Feasibility is high given current constraints; cost scales linearly; the dominant risk is integration complexity."},
	{"compar", "Comparison: option A optimizes for latency while option B optimizes for throughput. Under mixed workloads option A degrades more gracefully."},
	{"summar", "Summary: the input describes a system whose main concerns are reliability and cost. Key takeaway: invest in failure isolation before scaling out."},
	{"code", "Implementation sketch: define a narrow interface, inject dependencies at construction, and keep error handling explicit at each call site."},
	{"why", "The primary cause is resource contention; the secondary cause is insufficient backpressure between producers and consumers."},
}

var fillerSentences = []string{
	"The evidence supports a cautious but positive conclusion.",
	"Several edge cases remain worth validating under load.",
	"A staged rollout limits the blast radius of regressions.",
	"Observed behavior matches the documented contract.",
	"Further iterations should tighten the feedback loop.",
}

// New creates a mock adapter from a model configuration.
func New(config providers.ModelConfig) *Adapter {
	config.ApplyDefaults()
	return &Adapter{config: config}
}

// Generate returns a deterministic canned response for the prompt.
func (a *Adapter) Generate(ctx context.Context, prompt string, opts *providers.GenerateOptions) (*providers.Response, error) {
	start := time.Now()
	a.count.Add(1)

	if a.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, providers.ClassifyTransport(a.config.ModelID, ctx.Err())
		case <-time.After(a.Latency):
		}
	}

	if err := a.simulateFailure(prompt); err != nil {
		return nil, err
	}

	content := a.render(prompt)
	return &providers.Response{
		Model:      a.config.ModelID,
		Content:    content,
		Prompt:     prompt,
		Timestamp:  time.Now(),
		TokensUsed: tokens.EstimateFromText(content),
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// StreamGenerate yields the Generate output split into word chunks.
func (a *Adapter) StreamGenerate(ctx context.Context, prompt string, opts *providers.GenerateOptions) (<-chan providers.StreamChunk, error) {
	resp, err := a.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}

	out := make(chan providers.StreamChunk)
	go func() {
		defer close(out)
		words := strings.Fields(resp.Content)
		for i, w := range words {
			chunk := w
			if i < len(words)-1 {
				chunk += " "
			}
			select {
			case <-ctx.Done():
				select {
				case out <- providers.StreamChunk{Err: providers.ClassifyTransport(a.config.ModelID, ctx.Err())}:
				default:
				}
				return
			case out <- providers.StreamChunk{Content: chunk}:
			}
		}
		select {
		case out <- providers.StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// GetEmbedding returns a deterministic pseudo-embedding of the text.
func (a *Adapter) GetEmbedding(ctx context.Context, text string) ([]float64, error) {
	rng := rand.New(rand.NewSource(int64(promptHash(text))))
	vec := make([]float64, 64)
	for i := range vec {
		vec[i] = rng.Float64()*2 - 1
	}
	return vec, nil
}

// IsAvailable always reports true; the mock needs no credentials.
func (a *Adapter) IsAvailable() bool { return true }

// GetCapabilities reports full support; the mock stands in for anything.
func (a *Adapter) GetCapabilities() providers.Capabilities {
	return providers.Capabilities{
		Name:               a.config.ModelID,
		SupportsStreaming:  true,
		SupportsEmbeddings: true,
		SupportsVision:     false,
		MaxTokens:          a.config.MaxTokens,
	}
}

// GetName returns the adapter's model id.
func (a *Adapter) GetName() string { return a.config.ModelID }

// GetKind returns the mock provider family.
func (a *Adapter) GetKind() providers.Kind { return providers.KindMock }

// GetConfig returns the adapter's configuration.
func (a *Adapter) GetConfig() providers.ModelConfig { return a.config }

// GetHealth reports a permanently healthy adapter.
func (a *Adapter) GetHealth() providers.Health {
	return providers.Health{IsHealthy: true, TotalRequests: a.count.Load()}
}

// Calls returns how many generate calls the adapter has served.
func (a *Adapter) Calls() int { return int(a.count.Load()) }

// Close is a no-op.
func (a *Adapter) Close() error { return nil }

func (a *Adapter) simulateFailure(prompt string) error {
	if a.FailWith != nil {
		return a.FailWith
	}
	if a.FailureRate <= 0 {
		return nil
	}
	rng := rand.New(rand.NewSource(int64(promptHash(prompt))))
	if rng.Float64() < a.FailureRate {
		return providers.NewError(a.config.ModelID, providers.KindUnavailable, "simulated failure")
	}
	return nil
}

// render produces the canned answer for a prompt: a fixed response if
// configured, else a keyword match plus hash-seeded filler sentences.
func (a *Adapter) render(prompt string) string {
	if a.FixedResponse != "" {
		return a.FixedResponse
	}

	lower := strings.ToLower(prompt)
	var b strings.Builder
	matched := false
	for _, c := range cannedAnswers {
		if strings.Contains(lower, c.keyword) {
			b.WriteString(c.answer)
			matched = true
			break
		}
	}
	if !matched {
		fmt.Fprintf(&b, "Mock response from %s.", a.config.ModelID)
	}

	rng := rand.New(rand.NewSource(int64(promptHash(prompt))))
	extra := 1 + rng.Intn(3)
	for i := 0; i < extra; i++ {
		b.WriteByte(' ')
		b.WriteString(fillerSentences[rng.Intn(len(fillerSentences))])
	}
	return b.String()
}

func promptHash(prompt string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(prompt))
	return h.Sum64()
}
