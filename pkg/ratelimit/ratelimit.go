// Package ratelimit implements per-provider token buckets with three
// simultaneous tiers (minute, hour, day). Tokens regenerate continuously
// at capacity/window; an acquire succeeds only when every tier has at
// least one token.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Default per-provider capacities.
const (
	DefaultPerMinute = 60
	DefaultPerHour   = 1000
	DefaultPerDay    = 10000
)

// bucket is a single continuously-refilling token bucket.
type bucket struct {
	capacity   float64
	window     time.Duration
	tokens     float64
	lastRefill time.Time
}

func newBucket(capacity int, window time.Duration, now time.Time) *bucket {
	return &bucket{
		capacity:   float64(capacity),
		window:     window,
		tokens:     float64(capacity),
		lastRefill: now,
	}
}

// refill regenerates tokens for the elapsed time since the last refill.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed.Seconds() * (b.capacity / b.window.Seconds())
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// nextAvailable returns how long until the bucket holds >= 1 token.
func (b *bucket) nextAvailable() time.Duration {
	if b.tokens >= 1 {
		return 0
	}
	deficit := 1 - b.tokens
	perSecond := b.capacity / b.window.Seconds()
	return time.Duration(deficit / perSecond * float64(time.Second))
}

// providerBuckets holds the three tiers for one provider.
type providerBuckets struct {
	mu     sync.Mutex
	minute *bucket
	hour   *bucket
	day    *bucket
}

// Limiter manages rate-limit buckets for every registered provider.
// Providers not explicitly configured get the default capacities on
// first acquire.
type Limiter struct {
	mu        sync.Mutex
	providers map[string]*providerBuckets
	now       func() time.Time
}

// New creates a Limiter using the wall clock.
func New() *Limiter {
	return &Limiter{
		providers: make(map[string]*providerBuckets),
		now:       time.Now,
	}
}

// Configure sets the per-tier capacities for a provider, replacing any
// existing buckets (and their accumulated state).
func (l *Limiter) Configure(provider string, perMinute, perHour, perDay int) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.providers[provider] = &providerBuckets{
		minute: newBucket(perMinute, time.Minute, now),
		hour:   newBucket(perHour, time.Hour, now),
		day:    newBucket(perDay, 24*time.Hour, now),
	}
}

func (l *Limiter) buckets(provider string) *providerBuckets {
	l.mu.Lock()
	defer l.mu.Unlock()
	pb, ok := l.providers[provider]
	if !ok {
		now := l.now()
		pb = &providerBuckets{
			minute: newBucket(DefaultPerMinute, time.Minute, now),
			hour:   newBucket(DefaultPerHour, time.Hour, now),
			day:    newBucket(DefaultPerDay, 24*time.Hour, now),
		}
		l.providers[provider] = pb
	}
	return pb
}

// tryAcquire consumes one token from every tier if all tiers have one.
// Otherwise it returns the wait until the most constrained tier regenerates.
func (pb *providerBuckets) tryAcquire(now time.Time) (bool, time.Duration) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	tiers := []*bucket{pb.minute, pb.hour, pb.day}
	var wait time.Duration
	for _, b := range tiers {
		b.refill(now)
		if w := b.nextAvailable(); w > wait {
			wait = w
		}
	}
	if wait > 0 {
		return false, wait
	}
	for _, b := range tiers {
		b.tokens--
	}
	return true, 0
}

// Acquire takes one token from every tier of the provider's buckets,
// waiting for regeneration up to the context deadline. It returns false
// when the deadline or cancellation arrives first; it never returns an
// error because the caller maps exhaustion onto its own failure kind.
func (l *Limiter) Acquire(ctx context.Context, provider string) bool {
	pb := l.buckets(provider)

	for {
		ok, wait := pb.tryAcquire(l.now())
		if ok {
			return true
		}
		if deadline, has := ctx.Deadline(); has {
			if remaining := deadline.Sub(l.now()); remaining < wait {
				// Not enough time left for the most constrained tier.
				return false
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// TierStats describes one tier of a provider's buckets.
type TierStats struct {
	Capacity  int       `json:"capacity"`
	Available int       `json:"available"`
	NextToken time.Time `json:"next_token"`
}

// Stats returns the current counts and next-token timestamps per tier.
func (l *Limiter) Stats(provider string) map[string]TierStats {
	pb := l.buckets(provider)
	now := l.now()

	pb.mu.Lock()
	defer pb.mu.Unlock()

	out := make(map[string]TierStats, 3)
	for name, b := range map[string]*bucket{"minute": pb.minute, "hour": pb.hour, "day": pb.day} {
		b.refill(now)
		out[name] = TierStats{
			Capacity:  int(b.capacity),
			Available: int(b.tokens),
			NextToken: now.Add(b.nextAvailable()),
		}
	}
	return out
}
