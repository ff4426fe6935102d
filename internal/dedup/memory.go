package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Memory is a bounded, process-local cache. Entries leave on whichever limit
// is reached first: least-recently-used eviction at capacity, or absolute
// expiry ttl after insertion.
type Memory struct {
	// mu makes the lookup and the insert a single step; the LRU's own lock
	// only covers each call individually.
	mu      sync.Mutex
	entries *expirable.LRU[Key, string]
}

// NewMemory creates a cache holding at most capacity keys for ttl each.
// Non-positive values fall back to DefaultCapacity and DefaultTTL.
func NewMemory(capacity int, ttl time.Duration) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		entries: expirable.NewLRU[Key, string](capacity, nil, ttl),
	}
}

// CheckAndMark implements Cache. It never returns an error.
func (m *Memory) CheckAndMark(_ context.Context, key Key, claim string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Get ignores entries past their expiry even before the background
	// sweep removes them.
	if holder, ok := m.entries.Get(key); ok {
		return !heldBy(holder, claim), nil
	}
	m.entries.Add(key, claim)
	return false, nil
}

// Len returns the number of tracked keys, including expired keys not yet
// swept.
func (m *Memory) Len() int {
	return m.entries.Len()
}
