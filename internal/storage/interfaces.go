package storage

import (
	"context"
	"time"

	"stablepool-radar/internal/domain"
)

// KVStore is the persistent backing store for the tiered cache.
// Implementations: postgres (networked, survives restarts) and memory
// (always available). The store is selected once at startup based on
// configuration presence and injected into the cache.
type KVStore interface {
	// Get returns the value for key. Returns ErrNotFound when the key
	// does not exist or its TTL has elapsed.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key with the given TTL, replacing any
	// previous entry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ScanRecordStore records one summary row per discovery pass.
type ScanRecordStore interface {
	// Insert appends a scan record.
	Insert(ctx context.Context, r *domain.ScanRecord) error

	// Recent returns the most recent records, newest first.
	Recent(ctx context.Context, limit int) ([]*domain.ScanRecord, error)
}
