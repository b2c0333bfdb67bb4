package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore is a persistent backend for single-instance deployments that
// want cache entries to survive restarts. It uses WAL mode and a single
// writer connection, with expired rows cleaned up periodically.
type SQLiteStore struct {
	db       *sql.DB
	stopCh   chan struct{}
	stopOnce sync.Once

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// SQLiteConfig tunes the SQLite backend.
type SQLiteConfig struct {
	// Path is the database file location.
	Path string

	// CleanupInterval is how often expired rows are deleted.
	// Default 5 minutes.
	CleanupInterval time.Duration

	// BusyTimeout is how long to wait for locks before failing.
	// Default 5 seconds.
	BusyTimeout time.Duration
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed cache.
func NewSQLiteStore(config SQLiteConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("sqlite cache: path cannot be empty")
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		config.Path, int(config.BusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite cache: failed to open database: %w", err)
	}

	// SQLite supports a single writer; serialise through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{
		db:     db,
		stopCh: make(chan struct{}),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite cache: failed to initialize schema: %w", err)
	}

	go store.cleanupLoop(config.CleanupInterval)
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
	`)
	return err
}

// Get returns the live value for key. Expiry is checked in the query so a
// lagging cleanup pass never produces a stale hit.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM cache_entries WHERE key = ? AND expires_at > ?`,
		key, time.Now().UnixMilli(),
	).Scan(&value)

	if err == sql.ErrNoRows {
		s.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite cache: get failed: %w", err)
	}

	s.hits.Add(1)
	return value, true, nil
}

// Set stores value under key for ttl.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value, created_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value,
			created_at = excluded.created_at, expires_at = excluded.expires_at`,
		key, value, now.UnixMilli(), now.Add(ttl).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite cache: set failed: %w", err)
	}
	return nil
}

// Delete removes the entry for key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite cache: delete failed: %w", err)
	}
	return nil
}

// ExistsPrefix reports whether any live entry's key starts with prefix.
func (s *SQLiteStore) ExistsPrefix(ctx context.Context, prefix string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM cache_entries WHERE key GLOB ? AND expires_at > ? LIMIT 1`,
		globEscape(prefix)+"*", time.Now().UnixMilli(),
	).Scan(&one)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite cache: prefix scan failed: %w", err)
	}
	return true, nil
}

// ClearPrefix removes every entry whose key starts with prefix.
func (s *SQLiteStore) ClearPrefix(ctx context.Context, prefix string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE key GLOB ?`, globEscape(prefix)+"*")
	if err != nil {
		return 0, fmt.Errorf("sqlite cache: prefix clear failed: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// Stats returns cache counters.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var entries int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE expires_at > ?`,
		time.Now().UnixMilli(),
	).Scan(&entries)
	if err != nil {
		return Stats{}, fmt.Errorf("sqlite cache: stats failed: %w", err)
	}

	return Stats{
		Entries:   entries,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}, nil
}

// Close stops the cleanup loop and closes the database.
func (s *SQLiteStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return s.db.Close()
}

func (s *SQLiteStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			res, err := s.db.Exec(
				`DELETE FROM cache_entries WHERE expires_at <= ?`, time.Now().UnixMilli())
			if err == nil {
				if affected, _ := res.RowsAffected(); affected > 0 {
					s.evictions.Add(affected)
				}
			}
		}
	}
}

// globEscape neutralises GLOB metacharacters in key prefixes. Fingerprint
// keys are hex plus ':' so this is defensive only for host-supplied
// prefixes.
func globEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']':
			out = append(out, '[', s[i], ']')
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
