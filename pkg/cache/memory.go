package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore is the default in-process backend: a map with per-entry
// expiry, optional LRU capacity eviction, and a background janitor that
// sweeps expired entries. TTL is also checked on read, so a stopped
// janitor never causes stale hits.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry

	maxEntries int
	janitor    time.Duration
	stopCh     chan struct{}
	stopOnce   sync.Once

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type memoryEntry struct {
	value      []byte
	createdAt  time.Time
	expiresAt  time.Time
	lastAccess time.Time
}

// MemoryConfig tunes the in-memory backend.
type MemoryConfig struct {
	// MaxEntries caps the number of entries (0 = unlimited). When full,
	// the least recently accessed entry is evicted.
	MaxEntries int

	// JanitorInterval is how often expired entries are swept.
	// Default 1 minute.
	JanitorInterval time.Duration
}

// NewMemoryStore creates an in-memory backend and starts its janitor.
func NewMemoryStore(config MemoryConfig) *MemoryStore {
	if config.JanitorInterval <= 0 {
		config.JanitorInterval = time.Minute
	}

	s := &MemoryStore{
		entries:    make(map[string]*memoryEntry),
		maxEntries: config.MaxEntries,
		janitor:    config.JanitorInterval,
		stopCh:     make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Get returns the live value for key. Expired entries count as misses and
// are removed lazily.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	now := time.Now()

	s.mu.RLock()
	entry, ok := s.entries[key]
	if ok && now.Before(entry.expiresAt) {
		value := entry.value
		s.mu.RUnlock()

		s.mu.Lock()
		if e, still := s.entries[key]; still {
			e.lastAccess = now
		}
		s.mu.Unlock()

		s.hits.Add(1)
		return value, true, nil
	}
	s.mu.RUnlock()

	if ok {
		// Expired; drop it so ExistsPrefix does not see it either.
		s.mu.Lock()
		if e, still := s.entries[key]; still && !now.Before(e.expiresAt) {
			delete(s.entries, key)
			s.evictions.Add(1)
		}
		s.mu.Unlock()
	}

	s.misses.Add(1)
	return nil, false, nil
}

// Set stores value under key for ttl.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		if _, exists := s.entries[key]; !exists {
			s.evictLRU()
		}
	}

	s.entries[key] = &memoryEntry{
		value:      value,
		createdAt:  now,
		expiresAt:  now.Add(ttl),
		lastAccess: now,
	}
	return nil
}

// Delete removes the entry for key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// ExistsPrefix reports whether any live entry's key starts with prefix.
func (s *MemoryStore) ExistsPrefix(ctx context.Context, prefix string) (bool, error) {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	for key, entry := range s.entries {
		if strings.HasPrefix(key, prefix) && now.Before(entry.expiresAt) {
			return true, nil
		}
	}
	return false, nil
}

// ClearPrefix removes every entry whose key starts with prefix.
func (s *MemoryStore) ClearPrefix(ctx context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Clear removes every entry. Used by the resource optimiser's ClearCache
// action.
func (s *MemoryStore) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := len(s.entries)
	s.entries = make(map[string]*memoryEntry)
	s.evictions.Add(int64(removed))
	return removed
}

// Stats returns cache counters.
func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	entries := len(s.entries)
	s.mu.RUnlock()

	return Stats{
		Entries:   entries,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}, nil
}

// Sweep removes expired entries immediately and returns how many were
// dropped. The scheduled maintenance job calls this between janitor runs.
func (s *MemoryStore) Sweep() int {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	s.evictions.Add(int64(removed))
	return removed
}

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

// evictLRU removes the least recently accessed entry. Caller holds s.mu.
func (s *MemoryStore) evictLRU() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range s.entries {
		if oldestKey == "" || entry.lastAccess.Before(oldest) {
			oldestKey = key
			oldest = entry.lastAccess
		}
	}
	if oldestKey != "" {
		delete(s.entries, oldestKey)
		s.evictions.Add(1)
	}
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(s.janitor)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
