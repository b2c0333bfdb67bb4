// Package breaker implements per-provider circuit breakers: small state
// machines that stop dispatching to a backend after repeated failures and
// probe it again after a recovery timeout.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed allows all calls through.
	StateClosed State = iota
	// StateOpen rejects calls without any network I/O.
	StateOpen
	// StateHalfOpen allows exactly one concurrent probe call.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds breaker tuning.
type Config struct {
	// FailureThreshold is the number of countable failures that opens the
	// circuit. Default 5.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before a probe
	// is allowed. Default 60s.
	RecoveryTimeout time.Duration

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Defaults for Config.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
)

func (c *Config) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// MetricsCollector receives breaker events. Implementations must be cheap;
// calls happen inside the breaker's critical section.
type MetricsCollector interface {
	RecordStateChange(name string, from, to State)
	RecordRejection(name string)
}

// noopMetrics discards all events.
type noopMetrics struct{}

func (noopMetrics) RecordStateChange(string, State, State) {}
func (noopMetrics) RecordRejection(string)                 {}

// OpenError is returned when the circuit rejects a call.
type OpenError struct {
	// Name identifies the breaker.
	Name string

	// RetryAfter is how long until a probe will be allowed.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q open (retry in %s)", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// IsOpen reports whether err is a circuit-open rejection.
func IsOpen(err error) bool {
	_, ok := err.(*OpenError)
	return ok
}

// Breaker is one circuit breaker instance. Safe for concurrent use; all
// transitions happen under a single mutex and never span a network call.
type Breaker struct {
	name    string
	config  Config
	metrics MetricsCollector

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	probeInFlight bool
}

// New creates a closed breaker.
func New(name string, config Config, metrics MetricsCollector) *Breaker {
	config.applyDefaults()
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Breaker{
		name:    name,
		config:  config,
		metrics: metrics,
		state:   StateClosed,
	}
}

// Allow decides whether a call may proceed. In the open state it rejects
// with *OpenError until the recovery timeout elapses, then admits a single
// probe by transitioning to half-open. In half-open, concurrent calls
// beyond the probe are rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		elapsed := b.config.Clock().Sub(b.lastFailure)
		if elapsed < b.config.RecoveryTimeout {
			b.metrics.RecordRejection(b.name)
			return &OpenError{Name: b.name, RetryAfter: b.config.RecoveryTimeout - elapsed}
		}
		b.transition(StateHalfOpen)
		b.probeInFlight = true
		return nil

	case StateHalfOpen:
		if b.probeInFlight {
			b.metrics.RecordRejection(b.name)
			return &OpenError{Name: b.name, RetryAfter: 0}
		}
		b.probeInFlight = true
		return nil
	}

	return nil
}

// RecordSuccess resets the failure count; a successful half-open probe
// closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probeInFlight = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// RecordFailure counts a failure toward the threshold. Failures flagged
// not countable (caller errors) leave the state untouched. A failed
// half-open probe reopens the circuit and restarts the recovery timer.
func (b *Breaker) RecordFailure(countable bool) {
	if !countable {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.config.Clock()

	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		b.transition(StateOpen)

	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transition(StateOpen)
		}

	case StateOpen:
		// Late failure from a call admitted before opening; timer already
		// restarted above.
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive countable failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.metrics.RecordStateChange(b.name, from, to)

	slog.Info("circuit breaker state change",
		"breaker", b.name,
		"from", from.String(),
		"to", to.String(),
		"failures", b.failures,
	)
}
