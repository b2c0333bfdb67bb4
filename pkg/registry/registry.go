// Package registry maintains the engine's adapter registry: the mapping
// from model ids to constructed adapters and their configurations.
//
// Reads are lock-free against an immutable snapshot swapped atomically on
// every mutation (copy-on-write), so the dispatch hot path never contends
// with registration.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"quorumlabs/quorum/pkg/providers"
)

// Entry pairs a constructed adapter with its configuration.
type Entry struct {
	Adapter providers.Adapter
	Config  providers.ModelConfig
}

// Registry maps model ids to adapters. Safe for concurrent use.
type Registry struct {
	// snapshot holds the current immutable id -> Entry map.
	snapshot atomic.Pointer[map[string]Entry]

	// mu serialises writers only.
	mu sync.Mutex
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	empty := make(map[string]Entry)
	r.snapshot.Store(&empty)
	return r
}

// Register validates the configuration, constructs the adapter via the
// factory, and stores it under id. Registration is idempotent: an existing
// entry under the same id is closed and replaced.
func (r *Registry) Register(id string, config providers.ModelConfig) error {
	if config.ModelID == "" {
		config.ModelID = id
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return err
	}

	adapter, err := NewAdapter(config)
	if err != nil {
		return err
	}

	return r.RegisterAdapter(id, config, adapter)
}

// RegisterAdapter stores a pre-constructed adapter. Used by tests and by
// hosts that build adapters themselves.
func (r *Registry) RegisterAdapter(id string, config providers.ModelConfig, adapter providers.Adapter) error {
	if id == "" {
		return fmt.Errorf("registry: id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()

	// At most one primary per registry. Replacing the current primary with
	// another primary config is fine; a second distinct primary is not.
	if config.IsPrimary {
		for existingID, entry := range current {
			if entry.Config.IsPrimary && existingID != id {
				return fmt.Errorf("registry: model %q is already primary; deregister it before marking %q primary",
					existingID, id)
			}
		}
	}

	next := make(map[string]Entry, len(current)+1)
	for k, v := range current {
		next[k] = v
	}

	if old, ok := next[id]; ok {
		slog.Warn("replacing registered adapter", "model", id)
		old.Adapter.Close()
	}

	next[id] = Entry{Adapter: adapter, Config: config}
	r.snapshot.Store(&next)

	slog.Info("adapter registered",
		"model", id,
		"provider", config.Provider,
		"weight", config.Weight,
		"primary", config.IsPrimary,
		"total", len(next),
	)

	return nil
}

// Deregister removes and closes the adapter under id. Removing an unknown
// id is a no-op.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()
	entry, ok := current[id]
	if !ok {
		return
	}

	next := make(map[string]Entry, len(current))
	for k, v := range current {
		if k != id {
			next[k] = v
		}
	}
	r.snapshot.Store(&next)

	entry.Adapter.Close()
	slog.Info("adapter deregistered", "model", id, "remaining", len(next))
}

// Get returns the entry for id.
func (r *Registry) Get(id string) (Entry, bool) {
	entry, ok := (*r.snapshot.Load())[id]
	return entry, ok
}

// List returns all registered ids, sorted for determinism.
func (r *Registry) List() []string {
	current := *r.snapshot.Load()
	ids := make([]string, 0, len(current))
	for id := range current {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListByTag returns the ids whose configuration carries the tag, sorted.
func (r *Registry) ListByTag(tag string) []string {
	current := *r.snapshot.Load()
	ids := make([]string, 0)
	for id, entry := range current {
		if entry.Config.HasTag(tag) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ListByCapability returns the ids whose adapter reports the capability
// with the wanted value. Recognised capability names: "streaming",
// "embeddings", "vision".
func (r *Registry) ListByCapability(capability string, want bool) []string {
	current := *r.snapshot.Load()
	ids := make([]string, 0)
	for id, entry := range current {
		caps := entry.Adapter.GetCapabilities()
		var have bool
		switch capability {
		case "streaming":
			have = caps.SupportsStreaming
		case "embeddings":
			have = caps.SupportsEmbeddings
		case "vision":
			have = caps.SupportsVision
		default:
			continue
		}
		if have == want {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Prioritized returns ids ordered by weight descending, ties broken
// alphabetically by id. With no arguments it orders every registered id;
// otherwise it orders the given subset, silently dropping unknown ids.
func (r *Registry) Prioritized(ids ...string) []string {
	current := *r.snapshot.Load()

	candidates := ids
	if len(candidates) == 0 {
		candidates = make([]string, 0, len(current))
		for id := range current {
			candidates = append(candidates, id)
		}
	}

	type weighted struct {
		id     string
		weight float64
	}
	ordered := make([]weighted, 0, len(candidates))
	for _, id := range candidates {
		entry, ok := current[id]
		if !ok {
			continue
		}
		ordered = append(ordered, weighted{id: id, weight: entry.Config.Weight})
	}

	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].weight != ordered[j].weight {
			return ordered[i].weight > ordered[j].weight
		}
		return ordered[i].id < ordered[j].id
	})

	result := make([]string, len(ordered))
	for i, w := range ordered {
		result[i] = w.id
	}
	return result
}

// Primary returns the id marked primary, if any.
func (r *Registry) Primary() (string, bool) {
	current := *r.snapshot.Load()
	for id, entry := range current {
		if entry.Config.IsPrimary {
			return id, true
		}
	}
	return "", false
}

// Healthy returns the ids whose adapters are available and not failing,
// sorted for determinism.
func (r *Registry) Healthy() []string {
	current := *r.snapshot.Load()
	ids := make([]string, 0, len(current))
	for id, entry := range current {
		if !entry.Adapter.IsAvailable() {
			continue
		}
		if !entry.Adapter.GetHealth().IsHealthy {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	return len(*r.snapshot.Load())
}

// Close closes every registered adapter and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()
	for id, entry := range current {
		if err := entry.Adapter.Close(); err != nil {
			slog.Error("error closing adapter", "model", id, "error", err)
		}
	}
	empty := make(map[string]Entry)
	r.snapshot.Store(&empty)
}
