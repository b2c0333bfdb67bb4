package providers

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// SSEReader reads "data:" payload lines from a Server-Sent Events stream.
// The vendors covered here (OpenAI-style, Anthropic, Cohere) all deliver
// streamed completions as SSE; only the payload schema differs, so the
// per-vendor adapters layer their JSON decoding over this reader.
type SSEReader struct {
	provider string
	body     io.ReadCloser
	scanner  *bufio.Scanner
	closed   bool
}

// sseDoneSentinel terminates OpenAI-style streams.
const sseDoneSentinel = "[DONE]"

// NewSSEReader wraps a response body in an SSE payload reader.
func NewSSEReader(provider string, body io.ReadCloser) *SSEReader {
	scanner := bufio.NewScanner(body)
	// Single events can exceed the default 64KB token limit on long chunks.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &SSEReader{
		provider: provider,
		body:     body,
		scanner:  scanner,
	}
}

// Next returns the next data payload, skipping comments, event-type lines
// and blank keep-alives. Returns io.EOF at the end of the stream or when
// the [DONE] sentinel arrives.
func (r *SSEReader) Next(ctx context.Context) (string, error) {
	if r.closed {
		return "", io.EOF
	}

	for {
		select {
		case <-ctx.Done():
			return "", ClassifyTransport(r.provider, ctx.Err())
		default:
		}

		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return "", WrapError(r.provider, KindUnavailable, "stream read failed", err)
			}
			return "", io.EOF
		}

		line := r.scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == sseDoneSentinel {
			return "", io.EOF
		}
		return data, nil
	}
}

// Close releases the underlying response body. Safe to call twice.
func (r *SSEReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.body.Close()
}
