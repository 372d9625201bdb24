package provenance

import (
	"sync"
	"time"

	"stablepool-radar/internal/domain"
)

// Retry queue bounds. Entries dropped after MaxAttempts are treated as
// permanently unverified.
const (
	DefaultMaxAttempts  = 3
	DefaultMaxQueueSize = 500
)

// RetryQueue holds mints whose verification could not be resolved,
// awaiting a reprocessing pass.
type RetryQueue struct {
	mu          sync.Mutex
	entries     map[string]*domain.RetryQueueEntry // keyed by mint
	maxAttempts int
	maxSize     int
	now         func() time.Time
}

// NewRetryQueue creates a bounded retry queue.
func NewRetryQueue(maxAttempts, maxSize int) *RetryQueue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxQueueSize
	}
	return &RetryQueue{
		entries:     make(map[string]*domain.RetryQueueEntry),
		maxAttempts: maxAttempts,
		maxSize:     maxSize,
		now:         time.Now,
	}
}

// Add enqueues a mint for retry. Re-adding an already queued mint is a
// no-op; a full queue drops the new entry rather than evicting old ones.
func (q *RetryQueue) Add(mint, poolAddress string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.entries[mint]; exists {
		return
	}
	if len(q.entries) >= q.maxSize {
		return
	}
	q.entries[mint] = &domain.RetryQueueEntry{
		Mint:        mint,
		PoolAddress: poolAddress,
	}
}

// Take records an attempt on every queued entry and returns the ones
// still within the attempt budget. Entries over budget are dropped
// permanently; the rest stay queued until Resolve.
func (q *RetryQueue) Take() []domain.RetryQueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UnixMilli()
	var due []domain.RetryQueueEntry
	for mint, entry := range q.entries {
		entry.Attempts++
		entry.LastAttemptTime = now
		if entry.Attempts > q.maxAttempts {
			delete(q.entries, mint)
			continue
		}
		due = append(due, *entry)
	}
	return due
}

// Resolve removes a mint from the queue after a successful retry.
func (q *RetryQueue) Resolve(mint string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, mint)
}

// Len returns the number of queued entries.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a snapshot of the queued entries.
func (q *RetryQueue) Entries() []domain.RetryQueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]domain.RetryQueueEntry, 0, len(q.entries))
	for _, entry := range q.entries {
		entries = append(entries, *entry)
	}
	return entries
}
