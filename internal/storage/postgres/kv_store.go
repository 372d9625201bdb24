package postgres

import (
	"context"
	"fmt"
	"time"

	"stablepool-radar/internal/storage"
)

// KVStore implements storage.KVStore using PostgreSQL. Expired rows are
// treated as missing on read and overwritten on the next Set; nothing
// evicts them eagerly.
type KVStore struct {
	pool *Pool
}

// NewKVStore creates a new KVStore.
func NewKVStore(pool *Pool) *KVStore {
	return &KVStore{pool: pool}
}

// Compile-time interface check.
var _ storage.KVStore = (*KVStore)(nil)

// Get returns the value for key, or ErrNotFound when absent or expired.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	query := `
		SELECT value
		FROM cache_entries
		WHERE key = $1 AND expires_at > now()
	`

	var value []byte
	err := s.pool.QueryRow(ctx, query, key).Scan(&value)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	return value, nil
}

// Set upserts the entry for key with the given TTL.
func (s *KVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO cache_entries (key, value, expires_at, updated_at)
		VALUES ($1, $2, now() + $3::interval, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = EXCLUDED.updated_at
	`

	interval := fmt.Sprintf("%d milliseconds", ttl.Milliseconds())
	if _, err := s.pool.Exec(ctx, query, key, value, interval); err != nil {
		return fmt.Errorf("set cache entry: %w", err)
	}
	return nil
}
