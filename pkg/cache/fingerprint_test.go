package cache

import (
	"context"
	"testing"
	"time"
)

func TestFingerprintDeterministic(t *testing.T) {
	options := map[string]any{"temperature": 0.7, "max_tokens": 512}

	a := Fingerprint("openai", "gpt-4o", "initial", "hello", options)
	b := Fingerprint("openai", "gpt-4o", "initial", "hello", options)
	if a != b {
		t.Fatalf("identical inputs produced different fingerprints: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}

func TestFingerprintOptionOrderIrrelevant(t *testing.T) {
	// Maps iterate in random order; build two logically equal sets.
	a := Fingerprint("openai", "gpt-4o", "initial", "q",
		map[string]any{"a": 1, "b": 2, "c": 3})
	b := Fingerprint("openai", "gpt-4o", "initial", "q",
		map[string]any{"c": 3, "b": 2, "a": 1})
	if a != b {
		t.Fatal("option insertion order changed the fingerprint")
	}
}

func TestFingerprintExcludesStreamFlag(t *testing.T) {
	plain := Fingerprint("openai", "gpt-4o", "initial", "q",
		map[string]any{"max_tokens": 100})
	streaming := Fingerprint("openai", "gpt-4o", "initial", "q",
		map[string]any{"max_tokens": 100, "stream": true})
	if plain != streaming {
		t.Fatal("stream flag changed the fingerprint; streaming and non-streaming calls should share entries")
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base := Fingerprint("openai", "gpt-4o", "initial", "q", nil)

	tests := []struct {
		name string
		got  string
	}{
		{"provider", Fingerprint("anthropic", "gpt-4o", "initial", "q", nil)},
		{"model", Fingerprint("openai", "gpt-4o-mini", "initial", "q", nil)},
		{"stage", Fingerprint("openai", "gpt-4o", "meta", "q", nil)},
		{"prompt", Fingerprint("openai", "gpt-4o", "initial", "q2", nil)},
		{"options", Fingerprint("openai", "gpt-4o", "initial", "q", map[string]any{"x": 1})},
	}
	for _, tt := range tests {
		if tt.got == base {
			t.Errorf("changing %s did not change the fingerprint", tt.name)
		}
	}
}

func TestPrefixedKey(t *testing.T) {
	key := PrefixedKey("openai", "gpt-4o", "abc123")
	if key != "openai:gpt-4o:abc123" {
		t.Fatalf("PrefixedKey = %q", key)
	}

	store := NewMemoryStore(MemoryConfig{})
	defer store.Close()
	ctx := context.Background()

	if err := store.Set(ctx, key, []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	ok, err := store.ExistsPrefix(ctx, KeyPrefix("openai", "gpt-4o"))
	if err != nil || !ok {
		t.Fatalf("ExistsPrefix = %v, %v; want true, nil", ok, err)
	}
}
