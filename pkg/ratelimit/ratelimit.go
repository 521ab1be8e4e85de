// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides token bucket admission limits for new client
// connections, both globally and per client address.
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultMaxClients bounds the number of per-client buckets kept by a Limiter.
const DefaultMaxClients = 10000

// Option configures a TokenBucket or Limiter.
type Option func(*options)

type options struct {
	clock clock.Clock
}

// WithClock sets the time source used for refills and idle eviction.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	clock      clock.Clock
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a full bucket holding up to burst tokens and
// refilling at rate tokens per second. A burst below 1 is raised to 1.
func NewTokenBucket(rate float64, burst int, opts ...Option) *TokenBucket {
	o := buildOptions(opts)
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{
		clock:      o.clock,
		capacity:   float64(burst),
		tokens:     float64(burst),
		refillRate: rate,
		lastRefill: o.clock.Now(),
	}
}

// Allow takes one token if available.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN takes n tokens if available.
func (tb *TokenBucket) AllowN(n int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}

	return false
}

// refill adds tokens based on elapsed time.
func (tb *TokenBucket) refill() {
	now := tb.clock.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.lastRefill = now
	if elapsed <= 0 {
		return
	}

	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

// Available returns the number of whole tokens available.
func (tb *TokenBucket) Available() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return int(tb.tokens)
}

type clientBucket struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

// Limiter manages per-client token buckets.
type Limiter struct {
	mu         sync.Mutex
	clock      clock.Clock
	buckets    map[string]*clientBucket
	rate       float64
	burst      int
	maxClients int
}

// NewLimiter creates a limiter that gives every client its own bucket.
// maxClients bounds the number of tracked clients; new clients beyond it are
// denied until idle buckets are evicted.
func NewLimiter(rate float64, burst, maxClients int, opts ...Option) *Limiter {
	o := buildOptions(opts)
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	return &Limiter{
		clock:      o.clock,
		buckets:    make(map[string]*clientBucket),
		rate:       rate,
		burst:      burst,
		maxClients: maxClients,
	}
}

// Allow checks if a connection from the given client should be allowed.
func (l *Limiter) Allow(clientID string) bool {
	l.mu.Lock()
	cb, ok := l.buckets[clientID]
	if !ok {
		if len(l.buckets) >= l.maxClients {
			l.mu.Unlock()
			return false
		}
		cb = &clientBucket{bucket: NewTokenBucket(l.rate, l.burst, WithClock(l.clock))}
		l.buckets[clientID] = cb
	}
	cb.lastSeen = l.clock.Now()
	l.mu.Unlock()

	return cb.bucket.Allow()
}

// Remove removes a client's bucket.
func (l *Limiter) Remove(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, clientID)
}

// Evict drops buckets of clients not seen for idle and returns how many were
// removed.
func (l *Limiter) Evict(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	removed := 0
	for id, cb := range l.buckets {
		if now.Sub(cb.lastSeen) >= idle {
			delete(l.buckets, id)
			removed++
		}
	}
	return removed
}

// Stats returns the number of tracked clients.
func (l *Limiter) Stats() (clients int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
