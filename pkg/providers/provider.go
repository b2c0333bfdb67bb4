// Package providers defines the uniform adapter abstraction over LLM
// vendors and the shared HTTP plumbing the concrete adapters build on.
//
// Every vendor integration lives in its own subpackage (openai, anthropic,
// google, cohere, mistral, generic, local, mock) and exposes the same
// Adapter interface. The orchestrator never sees vendor wire formats; it
// sees prompts in and text out, with failures classified into the taxonomy
// in errors.go.
package providers

import "context"

// Adapter is the uniform facade over one LLM backend. Implementations must
// be safe for concurrent use; rate limiting and health bookkeeping are
// per-instance.
//
// All blocking methods accept a context.Context and must return promptly
// when it is cancelled.
type Adapter interface {
	// Generate returns the full completion for the prompt, or a *Error
	// classified per the taxonomy in errors.go.
	Generate(ctx context.Context, prompt string, opts *GenerateOptions) (*Response, error)

	// StreamGenerate returns a finite, non-restartable sequence of chunks.
	// The channel is closed after the terminal chunk (Done or Err set).
	// Aggregating the chunk contents yields the same text Generate would
	// return for the same inputs.
	StreamGenerate(ctx context.Context, prompt string, opts *GenerateOptions) (<-chan StreamChunk, error)

	// GetEmbedding returns an embedding vector for the text. Adapters
	// without embedding support fail with KindNotSupported.
	GetEmbedding(ctx context.Context, text string) ([]float64, error)

	// IsAvailable is a cheap local check: credentials present, client
	// constructed. It performs no network I/O.
	IsAvailable() bool

	// GetCapabilities describes what this adapter supports.
	GetCapabilities() Capabilities

	// GetName returns the adapter's model id.
	GetName() string

	// GetKind returns the provider family.
	GetKind() Kind

	// GetConfig returns the adapter's configuration.
	GetConfig() ModelConfig

	// GetHealth returns the adapter's observed request outcomes.
	GetHealth() Health

	// Close releases held resources (HTTP connections). The adapter must
	// not be used afterwards.
	Close() error
}
