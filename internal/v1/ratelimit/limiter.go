// Package ratelimit implements the per-source ingress limiter and the
// HTTP-surface rate limiting middleware.
package ratelimit

import (
	"sync"
	"time"
)

// Ingress limiter constants. A source may burst Rate*Grace actions before
// any limiting takes effect, then is held to Rate actions per second.
const (
	Rate  = 10.0
	Grace = 300.0
)

// Bucket is a token-bucket gate for one source identity. Its only state is
// the time before which the next action is not yet paid for.
type Bucket struct {
	mu          sync.Mutex
	nextAllowed float64 // seconds since epoch, fractional
}

// CheckAndIncrement charges one action to the bucket and returns the number
// of seconds the caller must wait before acting, or 0 if the action is
// allowed now.
func (b *Bucket) CheckAndIncrement() float64 {
	return b.checkAndIncrementAt(now())
}

func (b *Bucket) checkAndIncrementAt(t float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.nextAllowed < t {
		b.nextAllowed = t
	}
	b.nextAllowed += 1.0 / Rate

	cooldown := b.nextAllowed - t - Grace
	if cooldown < 0 {
		return 0
	}
	return cooldown
}

func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Sharded hands out one Bucket per source key. Buckets survive session
// reconnects: the registry outlives any individual room or connection.
type Sharded struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

// NewSharded creates an empty limiter registry.
func NewSharded() *Sharded {
	return &Sharded{buckets: make(map[string]*Bucket)}
}

// Get returns the Bucket for sourceKey, creating it on first reference.
func (s *Sharded) Get(sourceKey string) *Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[sourceKey]
	if !ok {
		b = &Bucket{}
		s.buckets[sourceKey] = b
	}
	return b
}

// Len returns the number of distinct source keys seen.
func (s *Sharded) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}
