package ratelimit

import (
	"sync/atomic"
	"time"
)

// Gate is the per-session wrapper around a shared Bucket. While a cooldown
// is being served the gate rejects actions immediately, without touching
// the bucket again.
type Gate struct {
	bucket     *Bucket
	inCooldown atomic.Bool

	// sleep is swapped out in tests to avoid real timers.
	sleep func(d time.Duration, done func())
}

// NewGate wraps bucket for one session's use. Sessions for the same source
// key share a bucket, so the budget survives reconnects.
func NewGate(bucket *Bucket) *Gate {
	return &Gate{
		bucket: bucket,
		sleep: func(d time.Duration, done func()) {
			time.AfterFunc(d, done)
		},
	}
}

// TryAccept reports whether the caller may act now. Each accepted action
// charges the bucket; the action that exhausts the burst budget is
// rejected and shuts the gate until its cooldown has elapsed.
func (g *Gate) TryAccept() bool {
	if !g.inCooldown.CompareAndSwap(false, true) {
		return false
	}

	cooldown := g.bucket.CheckAndIncrement()
	if cooldown <= 0 {
		g.inCooldown.Store(false)
		return true
	}

	g.sleep(time.Duration(cooldown*float64(time.Second)), func() {
		g.inCooldown.Store(false)
	})
	return false
}

// InCooldown reports whether the gate is currently shut.
func (g *Gate) InCooldown() bool {
	return g.inCooldown.Load()
}
