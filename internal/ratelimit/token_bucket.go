// Package ratelimit provides the token buckets that throttle outbound SDK
// http.request calls, one bucket per plugin.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a single token bucket. A Bucket with a non-positive rate never
// throttles.
type Bucket struct {
	mu         sync.Mutex
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// New creates a Bucket refilling ratePerSecond tokens up to burst.
// burst <= 0 defaults to ratePerSecond.
func New(ratePerSecond, burst float64) *Bucket {
	return newBucket(ratePerSecond, burst, time.Now)
}

func newBucket(rate, burst float64, now func() time.Time) *Bucket {
	if burst <= 0 {
		burst = rate
	}
	return &Bucket{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: now(),
		now:        now,
	}
}

// Allow takes one token if available.
func (b *Bucket) Allow() bool {
	if b.rate <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Buckets keeps one Bucket per key, all sharing the same rate and burst.
type Buckets struct {
	rate  float64
	burst float64
	now   func() time.Time

	mu      sync.RWMutex
	buckets map[string]*Bucket
}

// NewBuckets creates an empty keyed set.
func NewBuckets(ratePerSecond, burst float64) *Buckets {
	return &Buckets{
		rate:    ratePerSecond,
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*Bucket),
	}
}

// Allow takes a token from key's bucket, creating it on first use.
func (s *Buckets) Allow(key string) bool {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b.Allow()
	}

	s.mu.Lock()
	if b, ok = s.buckets[key]; !ok {
		b = newBucket(s.rate, s.burst, s.now)
		s.buckets[key] = b
	}
	s.mu.Unlock()
	return b.Allow()
}

// Forget drops key's bucket, e.g. when a plugin is unloaded.
func (s *Buckets) Forget(key string) {
	s.mu.Lock()
	delete(s.buckets, key)
	s.mu.Unlock()
}
