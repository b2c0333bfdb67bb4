package mock

import (
	"context"
	"errors"
	"strings"
	"testing"

	"quorumlabs/quorum/pkg/providers"
)

func newAdapter() *Adapter {
	return New(providers.ModelConfig{Provider: providers.KindMock, ModelID: "mock-1"})
}

func TestGenerateDeterministic(t *testing.T) {
	ctx := context.Background()
	a := newAdapter()
	defer a.Close()

	first, err := a.Generate(ctx, "explain the tradeoffs", nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.Generate(ctx, "explain the tradeoffs", nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.Content != second.Content {
		t.Fatal("same prompt produced different answers")
	}

	other, err := a.Generate(ctx, "a different prompt entirely", nil)
	if err != nil {
		t.Fatal(err)
	}
	if other.Content == first.Content {
		t.Fatal("different prompts produced identical answers")
	}
}

func TestFixedResponse(t *testing.T) {
	a := newAdapter()
	defer a.Close()
	a.FixedResponse = "pong"

	resp, err := a.Generate(context.Background(), "ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "pong" {
		t.Fatalf("Content = %q, want %q", resp.Content, "pong")
	}
	if resp.TokensUsed <= 0 {
		t.Fatal("TokensUsed not populated")
	}
}

func TestFailWith(t *testing.T) {
	a := newAdapter()
	defer a.Close()
	a.FailWith = providers.NewError("mock", providers.KindUnavailable, "down")

	if _, err := a.Generate(context.Background(), "q", nil); err == nil {
		t.Fatal("Generate = nil error, want failure")
	} else if !providers.IsRetryable(err) {
		t.Fatalf("error %v should be retryable", err)
	}
}

func TestCallsCounter(t *testing.T) {
	a := newAdapter()
	defer a.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := a.Generate(ctx, "q", nil); err != nil {
			t.Fatal(err)
		}
	}
	if got := a.Calls(); got != 3 {
		t.Fatalf("Calls() = %d, want 3", got)
	}
}

func TestStreamMatchesGenerate(t *testing.T) {
	ctx := context.Background()
	a := newAdapter()
	defer a.Close()
	a.FixedResponse = "alpha beta gamma"

	resp, err := a.Generate(ctx, "q", nil)
	if err != nil {
		t.Fatal(err)
	}

	chunks, err := a.StreamGenerate(ctx, "q", nil)
	if err != nil {
		t.Fatal(err)
	}

	var b strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			t.Fatal(chunk.Err)
		}
		b.WriteString(chunk.Content)
	}

	if strings.TrimSpace(b.String()) != strings.TrimSpace(resp.Content) {
		t.Fatalf("aggregated stream %q != generate %q", b.String(), resp.Content)
	}
}

func TestStreamCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := newAdapter()
	defer a.Close()

	chunks, err := a.StreamGenerate(ctx, "q", nil)
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	// The channel must close after cancellation; drain it.
	for range chunks {
	}
}

func TestEmbeddingDeterministic(t *testing.T) {
	ctx := context.Background()
	a := newAdapter()
	defer a.Close()

	first, err := a.GetEmbedding(ctx, "text")
	if err != nil {
		if errors.Is(err, context.Canceled) {
			t.Fatal("unexpected cancellation")
		}
		t.Fatal(err)
	}
	second, _ := a.GetEmbedding(ctx, "text")
	if len(first) == 0 || len(first) != len(second) {
		t.Fatalf("embedding lengths: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatal("same text produced different embeddings")
		}
	}
}
