package ratelimit

import (
	"sync"
	"time"
)

// Keyed holds one TokenBucket per key (usually a client IP). Buckets that
// have been idle longer than idleTTL are dropped on the next Allow.
type Keyed struct {
	clock    Clock
	capacity int64
	rate     int64
	idleTTL  time.Duration

	mu        sync.Mutex
	buckets   map[string]*keyedEntry
	lastSweep time.Time
}

type keyedEntry struct {
	bucket *TokenBucket
	seen   time.Time
}

func NewKeyed(clock Clock, capacityTokens, fillRate int64, idleTTL time.Duration) *Keyed {
	if clock == nil {
		clock = RealClock{}
	}
	return &Keyed{
		clock:     clock,
		capacity:  capacityTokens,
		rate:      fillRate,
		idleTTL:   idleTTL,
		buckets:   make(map[string]*keyedEntry),
		lastSweep: clock.Now(),
	}
}

func (k *Keyed) Allow(key string) bool {
	now := k.clock.Now()

	k.mu.Lock()
	if k.idleTTL > 0 && now.Sub(k.lastSweep) >= k.idleTTL {
		for key, e := range k.buckets {
			if now.Sub(e.seen) >= k.idleTTL {
				delete(k.buckets, key)
			}
		}
		k.lastSweep = now
	}
	e, ok := k.buckets[key]
	if !ok {
		e = &keyedEntry{bucket: NewTokenBucket(k.clock, k.capacity, k.rate)}
		k.buckets[key] = e
	}
	e.seen = now
	k.mu.Unlock()

	return e.bucket.Allow(1)
}

// Len is the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}
