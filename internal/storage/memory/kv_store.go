// Package memory provides in-memory storage implementations. They back
// the cache when no persistent store is configured and serve as the
// always-available fallback tier.
package memory

import (
	"context"
	"sync"
	"time"

	"stablepool-radar/internal/storage"
)

// kvEntry is one stored value with its expiry.
type kvEntry struct {
	value     []byte
	expiresAt time.Time
}

// KVStore is an in-memory implementation of storage.KVStore. Expired
// entries are treated as misses and overwritten lazily, never evicted
// eagerly.
type KVStore struct {
	mu      sync.RWMutex
	entries map[string]kvEntry
	now     func() time.Time
}

// NewKVStore creates a new in-memory KV store.
func NewKVStore() *KVStore {
	return &KVStore{
		entries: make(map[string]kvEntry),
		now:     time.Now,
	}
}

// NewKVStoreWithClock creates a store with an injected time source.
// Used by tests to simulate TTL expiry.
func NewKVStoreWithClock(now func() time.Time) *KVStore {
	s := NewKVStore()
	s.now = now
	return s
}

// Compile-time interface check.
var _ storage.KVStore = (*KVStore)(nil)

// Get returns the value for key, or ErrNotFound when absent or expired.
func (s *KVStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.entries[key]
	if !exists || !s.now().Before(entry.expiresAt) {
		return nil, storage.ErrNotFound
	}

	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, nil
}

// Set stores value under key with the given TTL, replacing any previous
// entry.
func (s *KVStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return storage.ErrInvalidInput
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = kvEntry{
		value:     stored,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}
