package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"KnowledgeScout/internal/domain"
	"KnowledgeScout/internal/ports"
)

// Stats summarizes cache activity.
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int64
	Bytes   int64
}

// HitRate is hits over lookups, zero when nothing was looked up.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// MemoryStore is a process-local CacheStore bounded by entry count and, when maxBytes is
// positive, by the summed size of keys and values. Least recently used entries go first.
type MemoryStore struct {
	entries  *lru.Cache[string, domain.CacheEntry]
	maxBytes int64
	locks    keyLocks
	trimMu   sync.Mutex
	now      func() time.Time

	bytes  atomic.Int64
	hits   atomic.Int64
	misses atomic.Int64
}

var _ ports.CacheStore = (*MemoryStore)(nil)

// NewMemoryStore creates a store holding at most size entries and maxBytes bytes.
// A non-positive maxBytes leaves the footprint unbounded.
func NewMemoryStore(size int, maxBytes int64) (*MemoryStore, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: memory cache size must be positive", domain.ErrConfiguration)
	}
	m := &MemoryStore{maxBytes: maxBytes, now: time.Now}
	entries, err := lru.NewWithEvict[string, domain.CacheEntry](size, func(key string, entry domain.CacheEntry) {
		m.bytes.Add(-entrySize(key, entry.Value))
	})
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	m.entries = entries
	return m, nil
}

func entrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}

func (m *MemoryStore) Get(_ context.Context, key string) (domain.CacheEntry, bool, error) {
	entry, ok := m.entries.Get(key)
	if !ok || entry.Expired(m.now()) {
		m.misses.Add(1)
		return domain.CacheEntry{}, false, nil
	}
	m.hits.Add(1)
	entry.Value = append([]byte(nil), entry.Value...)
	return entry, true, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	unlock := m.locks.lock(key)
	defer unlock()

	// Replacing a key does not fire the evict callback.
	if old, ok := m.entries.Peek(key); ok {
		m.bytes.Add(-entrySize(key, old.Value))
	}
	m.entries.Add(key, domain.CacheEntry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		CreatedAt: m.now(),
		TTL:       ttl,
	})
	m.bytes.Add(entrySize(key, value))
	m.dropExpired()
	m.trim(key)
	return nil
}

func (m *MemoryStore) Invalidate(_ context.Context, key string) error {
	unlock := m.locks.lock(key)
	defer unlock()

	m.entries.Remove(key)
	return nil
}

// Purge removes every entry.
func (m *MemoryStore) Purge(context.Context) error {
	m.entries.Purge()
	return nil
}

// Stats reports lookups and the current footprint.
func (m *MemoryStore) Stats(context.Context) (Stats, error) {
	return Stats{
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
		Entries: int64(m.entries.Len()),
		Bytes:   m.bytes.Load(),
	}, nil
}

func (m *MemoryStore) dropExpired() {
	now := m.now()
	for _, key := range m.entries.Keys() {
		if entry, ok := m.entries.Peek(key); ok && entry.Expired(now) {
			m.entries.Remove(key)
		}
	}
}

// trim evicts the oldest entries other than keep until the footprint fits maxBytes.
func (m *MemoryStore) trim(keep string) {
	if m.maxBytes <= 0 {
		return
	}
	m.trimMu.Lock()
	defer m.trimMu.Unlock()

	for _, key := range m.entries.Keys() {
		if m.bytes.Load() <= m.maxBytes {
			return
		}
		if key != keep {
			m.entries.Remove(key)
		}
	}
}
