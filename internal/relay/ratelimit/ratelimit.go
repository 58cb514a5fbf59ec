// Package ratelimit implements the per-peer handshake token bucket
// described in spec.md ยง4.2 and ยง5: capacity resets on a fixed cadence
// rather than auto-refilling, because the underlying noise handshake state
// machine (golang.zx2c4.com/wireguard/device) does not expose a refillable
// limiter of its own — the same reason the original Rust service drives
// boringtun's RateLimiter.reset_count from an external timer thread (see
// _examples/original_source/backend/src/udp_server/mod.rs).
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is a shared, resettable handshake-attempt budget for one source
// address. It is safe for concurrent use and is designed to be placed
// behind a sync/atomic-free Arc-like shared pointer (plain *Limiter).
type Limiter struct {
	mu       sync.Mutex
	capacity int
	remaining int
}

// New creates a Limiter with the given per-interval capacity (spec.md: 10
// handshakes/s baseline).
func New(capacity int) *Limiter {
	return &Limiter{capacity: capacity, remaining: capacity}
}

// Allow consumes one token, reporting whether the caller may proceed.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remaining <= 0 {
		return false
	}
	l.remaining--
	return true
}

// Reset refills the bucket to full capacity. Called by the Reaper every
// ReaperInterval (spec.md ยง5).
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remaining = l.capacity
}

// PerSource mints one Limiter per source address candidate evaluation and
// additionally caps the *rate* (not just the count) of new Limiter
// allocations using golang.org/x/time/rate, so a flood of distinct,
// never-seen-before source addresses cannot allocate unbounded Limiters
// between reaper ticks.
type PerSource struct {
	allocLimiter *rate.Limiter

	mu       sync.Mutex
	limiters map[string]*Limiter
	capacity int
}

// NewPerSource creates a registry of per-source Limiters, each with the
// given capacity, and a global allocation rate cap.
func NewPerSource(capacity int, allocPerSecond float64) *PerSource {
	return &PerSource{
		allocLimiter: rate.NewLimiter(rate.Limit(allocPerSecond), int(allocPerSecond)),
		limiters:     make(map[string]*Limiter),
		capacity:     capacity,
	}
}

// Get returns the Limiter for key, allocating one if it doesn't exist yet.
// Returns ok=false if allocation of a brand new Limiter was itself
// rate-limited (protects against source-address enumeration floods).
func (p *PerSource) Get(key string) (l *Limiter, ok bool) {
	p.mu.Lock()
	l, exists := p.limiters[key]
	p.mu.Unlock()
	if exists {
		return l, true
	}
	if !p.allocLimiter.Allow() {
		return nil, false
	}
	l = New(p.capacity)
	p.mu.Lock()
	if existing, raced := p.limiters[key]; raced {
		p.mu.Unlock()
		return existing, true
	}
	p.limiters[key] = l
	p.mu.Unlock()
	return l, true
}

// ResetAll resets every known Limiter's bucket to full capacity.
func (p *PerSource) ResetAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.limiters {
		l.Reset()
	}
}

// Forget drops the Limiter for key, e.g. once its session is evicted.
func (p *PerSource) Forget(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.limiters, key)
}
