package cache

import (
	"sync"
	"time"
)

// Stream entry lifecycle: Building -> Complete -> Evicted. Only complete
// entries are served; incomplete ones are evicted after a grace window so
// an abandoned writer cannot pin memory.

// streamState is the lifecycle state of one streaming cache entry.
type streamState int

const (
	streamBuilding streamState = iota
	streamComplete
)

// incompleteGrace is how long a building entry may sit idle before the
// janitor evicts it.
const incompleteGrace = 2 * time.Minute

// StreamCache stores ordered chunk sequences keyed by fingerprint and
// replays them as lazy channels.
type StreamCache struct {
	mu      sync.RWMutex
	entries map[string]*streamEntry

	ttl      time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type streamEntry struct {
	chunks    []string
	state     streamState
	updatedAt time.Time
	expiresAt time.Time
}

// NewStreamCache creates a streaming cache whose complete entries live for
// ttl (<=0 means DefaultTTL).
func NewStreamCache(ttl time.Duration) *StreamCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c := &StreamCache{
		entries: make(map[string]*streamEntry),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// StreamWriter accumulates chunks for one key and finalises the entry on
// Close. Abandoning a writer without Close leaves the entry incomplete;
// the janitor evicts it after the grace window.
type StreamWriter struct {
	cache  *StreamCache
	key    string
	closed bool
	mu     sync.Mutex
}

// OpenWriter begins (or restarts) recording a stream under key. Any prior
// entry for the key is discarded.
func (c *StreamCache) OpenWriter(key string) *StreamWriter {
	c.mu.Lock()
	c.entries[key] = &streamEntry{
		state:     streamBuilding,
		updatedAt: time.Now(),
	}
	c.mu.Unlock()

	return &StreamWriter{cache: c, key: key}
}

// Append records the next chunk in order.
func (w *StreamWriter) Append(chunk string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	w.cache.mu.Lock()
	if entry, ok := w.cache.entries[w.key]; ok && entry.state == streamBuilding {
		entry.chunks = append(entry.chunks, chunk)
		entry.updatedAt = time.Now()
	}
	w.cache.mu.Unlock()
}

// Close finalises the entry, making it servable. Abort instead when the
// stream failed partway.
func (w *StreamWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true

	w.cache.mu.Lock()
	if entry, ok := w.cache.entries[w.key]; ok && entry.state == streamBuilding {
		entry.state = streamComplete
		entry.expiresAt = time.Now().Add(w.cache.ttl)
	}
	w.cache.mu.Unlock()
}

// Abort discards the partial entry.
func (w *StreamWriter) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true

	w.cache.mu.Lock()
	delete(w.cache.entries, w.key)
	w.cache.mu.Unlock()
}

// GetStream returns a channel replaying the recorded chunks in order, or
// ok=false when the key is missing, incomplete, or expired. The channel is
// closed after the last chunk.
func (c *StreamCache) GetStream(key string) (<-chan string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	if !ok || entry.state != streamComplete || time.Now().After(entry.expiresAt) {
		c.mu.RUnlock()
		return nil, false
	}
	// Copy under the read lock; replay happens without any lock held.
	chunks := make([]string, len(entry.chunks))
	copy(chunks, entry.chunks)
	c.mu.RUnlock()

	out := make(chan string)
	go func() {
		defer close(out)
		for _, chunk := range chunks {
			out <- chunk
		}
	}()
	return out, true
}

// Contents returns the aggregated text of a complete entry, or ok=false.
// Lets non-streaming reads share entries recorded by streaming calls.
func (c *StreamCache) Contents(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || entry.state != streamComplete || time.Now().After(entry.expiresAt) {
		return "", false
	}

	var total int
	for _, chunk := range entry.chunks {
		total += len(chunk)
	}
	b := make([]byte, 0, total)
	for _, chunk := range entry.chunks {
		b = append(b, chunk...)
	}
	return string(b), true
}

// Len returns the number of stored entries, complete or building.
func (c *StreamCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the janitor.
func (c *StreamCache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	return nil
}

func (c *StreamCache) sweepLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *StreamCache) sweep() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		switch entry.state {
		case streamBuilding:
			if now.Sub(entry.updatedAt) > incompleteGrace {
				delete(c.entries, key)
			}
		case streamComplete:
			if now.After(entry.expiresAt) {
				delete(c.entries, key)
			}
		}
	}
}
