package fallback

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"quorumlabs/quorum/pkg/breaker"
	"quorumlabs/quorum/pkg/cache"
	"quorumlabs/quorum/pkg/providers"
	"quorumlabs/quorum/pkg/providers/mock"
	"quorumlabs/quorum/pkg/registry"
)

type fixture struct {
	registry *registry.Registry
	breakers *breaker.Registry
	service  *Service
	slept    []time.Duration
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()

	f := &fixture{
		registry: registry.New(),
		breakers: breaker.NewRegistry(breaker.Config{FailureThreshold: 3}, nil),
	}
	t.Cleanup(f.registry.Close)

	config.Registry = f.registry
	config.Breakers = f.breakers
	config.Sleep = func(ctx context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return nil
	}

	service, err := NewService(config)
	if err != nil {
		t.Fatal(err)
	}
	f.service = service
	return f
}

func (f *fixture) addMock(t *testing.T, id string, weight float64) *mock.Adapter {
	t.Helper()
	config := providers.ModelConfig{Provider: providers.KindMock, ModelID: id, Weight: weight}
	adapter := mock.New(config)
	if err := f.registry.RegisterAdapter(id, config, adapter); err != nil {
		t.Fatal(err)
	}
	return adapter
}

func TestCascadeSkipsNonRetryableAndFallsThrough(t *testing.T) {
	f := newFixture(t, Config{
		Retry:     RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, Jitter: 1},
		Fallbacks: map[string][]string{"X": {"p1", "p2", "p3"}},
	})

	p1 := f.addMock(t, "p1", 3)
	p1.FailWith = providers.NewError("p1", providers.KindUnauthorized, "bad key")
	p2 := f.addMock(t, "p2", 2)
	p2.FailWith = providers.NewError("p2", providers.KindTimeout, "deadline")
	p3 := f.addMock(t, "p3", 1)
	p3.FixedResponse = "ok"

	resp, err := f.service.Generate(context.Background(), "q", "X", CallOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ok" {
		t.Fatalf("Content = %q, want %q", resp.Content, "ok")
	}
	if !resp.Fallback {
		t.Fatal("response from a fallback candidate should be tagged Fallback")
	}

	// Non-retryable: exactly one attempt, no breaker counting.
	if got := p1.Calls(); got != 1 {
		t.Fatalf("p1 calls = %d, want 1 (unauthorized must not be retried)", got)
	}
	if got := f.breakers.GetOrCreate("p1").Failures(); got != 0 {
		t.Fatalf("p1 breaker failures = %d, want 0", got)
	}

	// Retryable: the full retry budget.
	if got := p2.Calls(); got != 3 {
		t.Fatalf("p2 calls = %d, want 3", got)
	}
	if got := f.breakers.GetOrCreate("p2").Failures(); got != 1 {
		t.Fatalf("p2 breaker failures = %d, want 1", got)
	}

	// Winner records a breaker success.
	if got := f.breakers.GetOrCreate("p3").State(); got != breaker.StateClosed {
		t.Fatalf("p3 breaker state = %v, want closed", got)
	}
}

func TestCacheHitSkipsAdapter(t *testing.T) {
	store := cache.NewMemoryStore(cache.MemoryConfig{})
	t.Cleanup(func() { store.Close() })

	f := newFixture(t, Config{
		Cache: cache.NewResponseCache(store, time.Minute),
		Retry: RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, Jitter: 1},
	})
	adapter := f.addMock(t, "mA", 1)
	adapter.FixedResponse = "ok"
	ctx := context.Background()

	first, err := f.service.Generate(ctx, "q", "mA", CallOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if first.Cached {
		t.Fatal("first call reported Cached")
	}

	second, err := f.service.Generate(ctx, "q", "mA", CallOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Cached {
		t.Fatal("second call not served from cache")
	}
	if second.Content != first.Content {
		t.Fatalf("cached content %q != original %q", second.Content, first.Content)
	}
	if got := adapter.Calls(); got != 1 {
		t.Fatalf("adapter calls = %d, want 1 (cache hit must not invoke it)", got)
	}

	// Breaker counters are untouched by cached calls.
	if got := f.breakers.GetOrCreate("mA").Failures(); got != 0 {
		t.Fatalf("breaker failures = %d, want 0", got)
	}
}

func TestSkipCacheBypassesRead(t *testing.T) {
	store := cache.NewMemoryStore(cache.MemoryConfig{})
	t.Cleanup(func() { store.Close() })

	f := newFixture(t, Config{Cache: cache.NewResponseCache(store, time.Minute)})
	adapter := f.addMock(t, "mA", 1)
	adapter.FixedResponse = "ok"
	ctx := context.Background()

	f.service.Generate(ctx, "q", "mA", CallOptions{})
	f.service.Generate(ctx, "q", "mA", CallOptions{SkipCache: true})

	if got := adapter.Calls(); got != 2 {
		t.Fatalf("adapter calls = %d, want 2 (SkipCache must bypass the read)", got)
	}
}

func TestOpenBreakerSkipsCandidateWithoutCalling(t *testing.T) {
	f := newFixture(t, Config{
		Retry:     RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, Jitter: 1},
		Fallbacks: map[string][]string{"X": {"p1", "p2"}},
	})
	p1 := f.addMock(t, "p1", 2)
	p2 := f.addMock(t, "p2", 1)
	p2.FixedResponse = "ok"

	// Trip p1's breaker.
	br := f.breakers.GetOrCreate("p1")
	for i := 0; i < 3; i++ {
		br.RecordFailure(true)
	}

	resp, err := f.service.Generate(context.Background(), "q", "X", CallOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ok" {
		t.Fatalf("Content = %q, want %q", resp.Content, "ok")
	}
	if got := p1.Calls(); got != 0 {
		t.Fatalf("p1 calls = %d, want 0 (open circuit must skip without I/O)", got)
	}
}

func TestMockFallbackWhenAllCandidatesFail(t *testing.T) {
	f := newFixture(t, Config{
		Retry:        RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, Jitter: 1},
		MockFallback: true,
	})
	adapter := f.addMock(t, "mA", 1)
	adapter.FailWith = providers.NewError("mA", providers.KindUnavailable, "down")

	resp, err := f.service.Generate(context.Background(), "q", "mA", CallOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Fallback {
		t.Fatal("mock answer must be tagged Fallback")
	}
	if resp.Content == "" {
		t.Fatal("mock answer is empty")
	}
}

func TestAllCandidatesFailSurfacesLastError(t *testing.T) {
	f := newFixture(t, Config{
		Retry: RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, Jitter: 1},
	})
	adapter := f.addMock(t, "mA", 1)
	adapter.FailWith = providers.NewError("mA", providers.KindUnavailable, "down")

	_, err := f.service.Generate(context.Background(), "q", "mA", CallOptions{})
	if err == nil {
		t.Fatal("Generate = nil error with all candidates failing")
	}
	if got := providers.KindOf(err); got != providers.KindUnavailable {
		t.Fatalf("error kind = %v, want unavailable", got)
	}
}

func TestBackoffBounds(t *testing.T) {
	base := 100 * time.Millisecond
	jitter := 50 * time.Millisecond
	maxDelay := time.Second

	f := newFixture(t, Config{
		Retry: RetryConfig{MaxRetries: 5, BaseDelay: base, MaxDelay: maxDelay, Jitter: jitter},
	})

	for attempt := 1; attempt <= 5; attempt++ {
		expected := base << (attempt - 1)
		if expected > maxDelay {
			expected = maxDelay
		}
		for i := 0; i < 50; i++ {
			delay := f.service.backoff(attempt)
			if delay < expected && delay < maxDelay {
				t.Fatalf("attempt %d: delay %v below base %v", attempt, delay, expected)
			}
			if delay > maxDelay {
				t.Fatalf("attempt %d: delay %v above cap %v", attempt, delay, maxDelay)
			}
			if delay > expected+jitter {
				t.Fatalf("attempt %d: delay %v above base+jitter %v", attempt, delay, expected+jitter)
			}
		}
	}
}

func TestStreamCascadeRecordsAndReplays(t *testing.T) {
	streams := cache.NewStreamCache(time.Minute)
	t.Cleanup(func() { streams.Close() })

	f := newFixture(t, Config{
		StreamCache: streams,
		Retry:       RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, Jitter: 1},
	})
	adapter := f.addMock(t, "mA", 1)
	adapter.FixedResponse = "alpha beta"
	ctx := context.Background()

	chunks, err := f.service.StreamGenerate(ctx, "q", "mA", CallOptions{})
	if err != nil {
		t.Fatal(err)
	}
	first := drainStream(t, chunks)

	// Second call replays from the stream cache without touching the
	// adapter again.
	calls := adapter.Calls()
	chunks, err = f.service.StreamGenerate(ctx, "q", "mA", CallOptions{})
	if err != nil {
		t.Fatal(err)
	}
	second := drainStream(t, chunks)

	if adapter.Calls() != calls {
		t.Fatal("replayed stream invoked the adapter")
	}
	if first != second {
		t.Fatalf("replayed stream %q != original %q", second, first)
	}
}

func TestStreamAbandonedOnCancelReleasesForwarder(t *testing.T) {
	streams := cache.NewStreamCache(time.Minute)
	t.Cleanup(func() { streams.Close() })

	f := newFixture(t, Config{
		StreamCache: streams,
		Retry:       RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, Jitter: 1},
	})
	adapter := f.addMock(t, "mA", 1)
	adapter.FixedResponse = strings.Repeat("word ", 64)
	before := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := f.service.StreamGenerate(ctx, "q", "mA", CallOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// Read one chunk, cancel, and walk away without draining, the way a
	// disconnecting client does.
	<-chunks
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && runtime.NumGoroutine() > before {
		time.Sleep(10 * time.Millisecond)
	}
	if got := runtime.NumGoroutine(); got > before {
		t.Fatalf("goroutines = %d after cancel, want at most %d", got, before)
	}

	// Cancellation is not the provider's fault.
	if got := f.breakers.GetOrCreate("mA").Failures(); got != 0 {
		t.Fatalf("breaker failures = %d, want 0", got)
	}

	// The partial recording was aborted, so a fresh call hits the adapter.
	calls := adapter.Calls()
	chunks, err = f.service.StreamGenerate(context.Background(), "q", "mA", CallOptions{})
	if err != nil {
		t.Fatal(err)
	}
	drainStream(t, chunks)
	if got := adapter.Calls(); got != calls+1 {
		t.Fatalf("adapter calls = %d, want %d (aborted recording must not replay)", got, calls+1)
	}
}

func TestReplayAbandonedOnCancelReleasesForwarder(t *testing.T) {
	streams := cache.NewStreamCache(time.Minute)
	t.Cleanup(func() { streams.Close() })

	f := newFixture(t, Config{
		StreamCache: streams,
		Retry:       RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, Jitter: 1},
	})
	adapter := f.addMock(t, "mA", 1)
	adapter.FixedResponse = strings.Repeat("word ", 64)

	chunks, err := f.service.StreamGenerate(context.Background(), "q", "mA", CallOptions{})
	if err != nil {
		t.Fatal(err)
	}
	drainStream(t, chunks)
	before := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err = f.service.StreamGenerate(ctx, "q", "mA", CallOptions{})
	if err != nil {
		t.Fatal(err)
	}
	<-chunks
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && runtime.NumGoroutine() > before {
		time.Sleep(10 * time.Millisecond)
	}
	if got := runtime.NumGoroutine(); got > before {
		t.Fatalf("goroutines = %d after cancelled replay, want at most %d", got, before)
	}
}

func drainStream(t *testing.T, chunks <-chan providers.StreamChunk) string {
	t.Helper()
	var b strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			t.Fatal(chunk.Err)
		}
		b.WriteString(chunk.Content)
	}
	return b.String()
}
