// Package cache implements the tiered TTL cache backing discovery and
// verification results. Reads go through the persistent store first and
// fall back to an in-memory copy on any store error; writes go to both,
// so the in-memory tier is always at least as fresh as the last locally
// observed value even when persistence is down.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"stablepool-radar/internal/storage"
	"stablepool-radar/internal/storage/memory"
)

// Tier TTLs. Expired entries are treated as misses and overwritten on
// the next successful fetch, never evicted eagerly.
const (
	TTLPoolList          = 5 * time.Minute
	TTLTokenMetadata     = 1 * time.Hour
	TTLEnrichedTokenList = 30 * time.Second
	TTLWhitelist         = 6 * time.Hour
	// Provenance is immutable once established, so the long TTL is a
	// correctness optimization rather than a staleness risk.
	TTLVerification = 24 * time.Hour
)

// Well-known cache keys.
const (
	KeyPoolList          = "pools:list"
	KeyEnrichedTokenList = "tokens:enriched"
	KeyWhitelist         = "provenance:whitelist"
	KeyTokenMetadata     = "metadata:" // + mint
	KeyVerification      = "verified:" // + mint
)

// ErrMiss is returned when a key is absent or its entry has expired.
var ErrMiss = errors.New("cache miss")

// entry is the stored envelope: the payload plus the write time and the
// TTL it was written under.
type entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // ms
	TTLMs     int64           `json:"ttl_ms"`
}

// Cache is the tiered cache. persistent may be nil (pure in-memory
// mode, fully functional).
type Cache struct {
	persistent storage.KVStore
	fallback   *memory.KVStore
	logger     *log.Logger
	now        func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
		c.fallback = memory.NewKVStoreWithClock(now)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates a Cache over an optional persistent store.
func New(persistent storage.KVStore, opts ...Option) *Cache {
	c := &Cache{
		persistent: persistent,
		fallback:   memory.NewKVStore(),
		logger:     log.New(log.Writer(), "[cache] ", log.LstdFlags),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get loads the entry under key into out. Returns ErrMiss when the key
// is absent or expired in both tiers. Store errors never surface.
func (c *Cache) Get(ctx context.Context, key string, out interface{}) error {
	if c.persistent != nil {
		raw, err := c.persistent.Get(ctx, key)
		if err == nil {
			if err := c.decode(raw, out); err == nil {
				return nil
			}
		} else if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Printf("persistent get %s failed, falling back to memory: %v", key, err)
		}
	}

	raw, err := c.fallback.Get(ctx, key)
	if err != nil {
		return ErrMiss
	}
	return c.decode(raw, out)
}

// Set stores value under key with the tier's TTL. The write always
// lands in memory; a persistent failure is logged and swallowed.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	raw, err := json.Marshal(entry{
		Data:      data,
		Timestamp: c.now().UnixMilli(),
		TTLMs:     ttl.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if c.persistent != nil {
		if err := c.persistent.Set(ctx, key, raw, ttl); err != nil {
			c.logger.Printf("persistent set %s failed, memory copy only: %v", key, err)
		}
	}
	return c.fallback.Set(ctx, key, raw, ttl)
}

// decode validates an envelope's TTL and unmarshals its payload.
func (c *Cache) decode(raw []byte, out interface{}) error {
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return ErrMiss
	}
	if c.now().UnixMilli()-e.Timestamp >= e.TTLMs {
		return ErrMiss
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return ErrMiss
	}
	return nil
}
