// Package ratelimit implements per-(purpose, identity) request throttling
// (spec §3 RateLimitBucket, §4.2, §4.5): ingest events, new connections, and
// subscription requests are each throttled independently, keyed by pubkey
// when authenticated or by peer address otherwise.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Purpose names the bucket family. Each purpose has its own rate/burst
// configuration and its own identity→limiter map.
type Purpose string

const (
	PurposeIngestEvent   Purpose = "ingest_event"
	PurposeNewConnection Purpose = "new_connection"
	PurposeSubscribeReq  Purpose = "subscribe_req"
)

// Limits holds the requests-per-minute and burst size for one purpose.
type Limits struct {
	PerMinute float64
	Burst     int
}

// Limiter tracks a map[identity]*rate.Limiter per purpose, evicting entries
// that have not been touched in an idle window so the map does not grow
// unbounded across the node's lifetime.
type Limiter struct {
	mu      sync.Mutex
	limits  map[Purpose]Limits
	buckets map[Purpose]map[string]*bucket
	idleTTL time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New builds a Limiter from a purpose→Limits configuration map. idleTTL
// controls how long an unused identity bucket is kept before Sweep evicts
// it; a zero value disables eviction.
func New(limits map[Purpose]Limits, idleTTL time.Duration) *Limiter {
	buckets := make(map[Purpose]map[string]*bucket, len(limits))
	for p := range limits {
		buckets[p] = make(map[string]*bucket)
	}
	return &Limiter{
		limits:  limits,
		buckets: buckets,
		idleTTL: idleTTL,
	}
}

// Allow reports whether a request of the given purpose from identity is
// permitted right now, consuming one token from its bucket if so. A purpose
// with no configured Limits always allows (spec: "no rate limit configured,
// allow request").
func (l *Limiter) Allow(purpose Purpose, identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limits[purpose]
	if !ok {
		return true
	}

	m, ok := l.buckets[purpose]
	if !ok {
		m = make(map[string]*bucket)
		l.buckets[purpose] = m
	}

	b, ok := m[identity]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(lim.PerMinute/60.0), lim.Burst),
		}
		m[identity] = b
	}
	b.lastSeen = time.Now()
	return b.limiter.Allow()
}

// Sweep removes identity buckets that have been idle past idleTTL. Callers
// run this on a ticker (spec §5: "in-memory state ... protected by
// fine-grained read-write mutexes scoped to a single entity").
func (l *Limiter) Sweep() {
	if l.idleTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-l.idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.buckets {
		for identity, b := range m {
			if b.lastSeen.Before(cutoff) {
				delete(m, identity)
			}
		}
	}
}

// Count returns the number of tracked identities for purpose, for metrics
// and tests.
func (l *Limiter) Count(purpose Purpose) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets[purpose])
}
