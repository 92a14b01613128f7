// Package dedup provides a bounded recent-event-id cache so the ingest
// engine (C2) can reject a resubmitted event id without a round trip to
// storage on the hot path (spec §4.2: "dedup" precedes authz/persist).
package dedup

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache remembers recently-seen event ids. It is an in-memory fast path
// only: storage still enforces the unique id constraint as the source of
// truth, so a cold cache (restart) never causes a duplicate to be
// accepted twice.
type Cache struct {
	lru *lru.Cache[string, struct{}]
}

// New creates a Cache holding up to size recent event ids.
func New(size int) (*Cache, error) {
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

// Seen reports whether id was already recorded, and records it if not.
// The combined check-and-set is atomic with respect to other callers of
// Seen, since the underlying LRU is internally synchronized.
func (c *Cache) Seen(id string) bool {
	seen, _ := c.lru.ContainsOrAdd(id, struct{}{})
	return seen
}

// Forget removes id, e.g. when a write that looked new turns out to
// conflict with storage and must be retried.
func (c *Cache) Forget(id string) {
	c.lru.Remove(id)
}

// Len returns the number of ids currently tracked, for metrics and tests.
func (c *Cache) Len() int {
	return c.lru.Len()
}
