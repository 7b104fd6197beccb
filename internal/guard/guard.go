// ABOUTME: Ingest guard: webhook dedupe and per-key rate limiting
// ABOUTME: Dedupe uses two-generation map rotation; limiting uses token buckets per key

package guard

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Deduper remembers recently seen keys for roughly one TTL window. Memory is
// bounded by rotating two generations: a key lives at least ttl and at most
// 2*ttl before it can be seen as new again.
type Deduper struct {
	mu      sync.Mutex
	current map[string]struct{}
	prior   map[string]struct{}
	rotated time.Time
	ttl     time.Duration
}

// NewDeduper creates a deduper with the given window.
func NewDeduper(ttl time.Duration) *Deduper {
	return &Deduper{
		current: make(map[string]struct{}),
		prior:   make(map[string]struct{}),
		rotated: time.Now(),
		ttl:     ttl,
	}
}

// Duplicate reports whether the key was seen within the window, recording it
// either way.
func (d *Deduper) Duplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if time.Since(d.rotated) >= d.ttl {
		d.prior = d.current
		d.current = make(map[string]struct{})
		d.rotated = time.Now()
	}

	if _, ok := d.current[key]; ok {
		return true
	}
	if _, ok := d.prior[key]; ok {
		d.current[key] = struct{}{}
		return true
	}
	d.current[key] = struct{}{}
	return false
}

// Limiter applies a token-bucket rate limit per key. Idle buckets are swept
// after they have had no traffic for an entire sweep interval.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    rate.Limit
	burst   int
	logger  *slog.Logger
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter allowing perMinute events per key with the
// given burst.
func NewLimiter(perMinute, burst int) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		logger:  slog.Default().With("component", "guard"),
	}
	go l.sweep()
	return l
}

// Allow reports whether an event for the key is within its rate budget.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	allowed := b.lim.Allow()
	if !allowed {
		l.logger.Warn("rate limit exceeded", "key", key)
	}
	return allowed
}

func (l *Limiter) sweep() {
	const interval = 10 * time.Minute
	for range time.Tick(interval) {
		cutoff := time.Now().Add(-interval)
		l.mu.Lock()
		for key, b := range l.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(l.buckets, key)
			}
		}
		l.mu.Unlock()
	}
}
