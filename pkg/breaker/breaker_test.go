package breaker

import (
	"testing"
	"time"
)

// fakeClock lets tests advance time manually.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(threshold int, recovery time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := New("test", Config{
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		Clock:            clock.Now,
	}, nil)
	return b, clock
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure(true)
		if got := b.State(); got != StateClosed {
			t.Fatalf("after %d failures: state = %v, want closed", i+1, got)
		}
	}

	b.RecordFailure(true)
	if got := b.State(); got != StateOpen {
		t.Fatalf("after threshold failures: state = %v, want open", got)
	}
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	b.RecordFailure(true)

	err := b.Allow()
	if err == nil {
		t.Fatal("Allow() = nil, want rejection while open")
	}
	if !IsOpen(err) {
		t.Fatalf("Allow() error = %v, want *OpenError", err)
	}

	openErr := err.(*OpenError)
	if openErr.RetryAfter <= 0 || openErr.RetryAfter > time.Minute {
		t.Fatalf("RetryAfter = %v, want in (0, 1m]", openErr.RetryAfter)
	}

	// Still rejecting just before the timeout.
	clock.Advance(59 * time.Second)
	if err := b.Allow(); err == nil {
		t.Fatal("Allow() = nil just before recovery timeout, want rejection")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	b.RecordFailure(true)
	clock.Advance(time.Minute)

	// First call after the timeout is the probe.
	if err := b.Allow(); err != nil {
		t.Fatalf("probe Allow() = %v, want nil", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", got)
	}

	// Concurrent calls beyond the probe are rejected.
	if err := b.Allow(); err == nil {
		t.Fatal("second Allow() during probe = nil, want rejection")
	}

	b.RecordSuccess()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after successful probe = %v, want closed", got)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() after close = %v, want nil", err)
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	b.RecordFailure(true)
	clock.Advance(time.Minute)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe Allow() = %v, want nil", err)
	}
	b.RecordFailure(true)

	if got := b.State(); got != StateOpen {
		t.Fatalf("state after failed probe = %v, want open", got)
	}

	// The recovery timer restarted at the probe failure.
	clock.Advance(30 * time.Second)
	if err := b.Allow(); err == nil {
		t.Fatal("Allow() 30s after failed probe = nil, want rejection")
	}
	clock.Advance(30 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() after full recovery timeout = %v, want nil", err)
	}
}

func TestBreakerIgnoresNonCountableFailures(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	for i := 0; i < 10; i++ {
		b.RecordFailure(false)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after non-countable failures = %v, want closed", got)
	}
	if got := b.Failures(); got != 0 {
		t.Fatalf("Failures() = %d, want 0", got)
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure(true)
	b.RecordFailure(true)
	b.RecordSuccess()
	b.RecordFailure(true)
	b.RecordFailure(true)

	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed (failure streak was reset)", got)
	}
}

func TestRegistryLazyConstruction(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1}, nil)

	a := reg.GetOrCreate("model-a")
	if a == nil {
		t.Fatal("GetOrCreate returned nil")
	}
	if again := reg.GetOrCreate("model-a"); again != a {
		t.Fatal("GetOrCreate returned a different instance for the same id")
	}

	a.RecordFailure(true)
	reg.GetOrCreate("model-b")

	states := reg.States()
	if states["model-a"] != StateOpen {
		t.Fatalf("model-a state = %v, want open", states["model-a"])
	}
	if states["model-b"] != StateClosed {
		t.Fatalf("model-b state = %v, want closed", states["model-b"])
	}
}
