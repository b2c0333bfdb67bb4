package breaker

import "sync"

// Registry lazily constructs one breaker per provider id. Breakers are
// never garbage-collected during the process lifetime; the registry is
// expected to hold at most a few dozen entries.
type Registry struct {
	mu       sync.Mutex
	config   Config
	metrics  MetricsCollector
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry with shared default tuning.
func NewRegistry(config Config, metrics MetricsCollector) *Registry {
	config.applyDefaults()
	return &Registry{
		config:   config,
		metrics:  metrics,
		breakers: make(map[string]*Breaker),
	}
}

// GetOrCreate returns the breaker for id, constructing it on first use.
func (r *Registry) GetOrCreate(id string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[id]; ok {
		return b
	}
	b := New(id, r.config, r.metrics)
	r.breakers[id] = b
	return b
}

// States returns a snapshot of every breaker's state, keyed by id.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]State, len(r.breakers))
	for id, b := range r.breakers {
		states[id] = b.State()
	}
	return states
}
