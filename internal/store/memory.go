package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Cache for tests and cache-less operation.
// Expiry is lazy, checked at read time against an injectable clock.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero = never
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// NewMemoryWithClock creates an in-memory cache with a custom clock, for
// deterministic TTL tests.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{
		entries: make(map[string]memEntry),
		now:     now,
	}
}

// Get returns the value for key, treating expired entries as misses.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set stores value under key. A zero ttl stores without expiry.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

// MultiGet returns one slot per key, nil for misses.
func (m *Memory) MultiGet(ctx context.Context, keys []string) ([][]byte, error) {
	result := make([][]byte, len(keys))
	for i, k := range keys {
		if v, ok, _ := m.Get(ctx, k); ok {
			result[i] = v
		}
	}
	return result, nil
}
