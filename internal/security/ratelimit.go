package security

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Rate limiting errors
var (
	ErrRateLimited = errors.New("security: rate limit exceeded")
)

// RateLimiter implements a token bucket rate limiter.
type RateLimiter struct {
	mu           sync.Mutex
	rate         float64 // tokens per second
	burst        int
	tokens       float64
	lastRefill   time.Time
	blockedUntil time.Time
	now          func() time.Time
}

// NewRateLimiter creates a limiter allowing rate operations per second with
// bursts of up to burst operations.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Allow takes a token if one is available.
func (r *RateLimiter) Allow() bool {
	_, ok := r.reserve()
	return ok
}

// reserve takes a token, or reports how long until one is available.
func (r *RateLimiter) reserve() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Before(r.blockedUntil) {
		return r.blockedUntil.Sub(now), false
	}

	elapsed := now.Sub(r.lastRefill).Seconds()
	r.tokens += elapsed * r.rate
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}
	r.lastRefill = now

	if r.tokens >= 1.0 {
		r.tokens--
		return 0, true
	}
	if r.rate <= 0 {
		return time.Second, false
	}
	return time.Duration((1.0 - r.tokens) / r.rate * float64(time.Second)), false
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		wait, ok := r.reserve()
		if ok {
			return nil
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		if deadline, has := ctx.Deadline(); has && time.Until(deadline) < wait {
			return ErrRateLimited
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Block refuses all operations for d, e.g. after the remote side asked us
// to back off.
func (r *RateLimiter) Block(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	until := r.now().Add(d)
	if until.After(r.blockedUntil) {
		r.blockedUntil = until
	}
}

// Reset resets the rate limiter to full capacity.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tokens = float64(r.burst)
	r.lastRefill = r.now()
	r.blockedUntil = time.Time{}
}

// KeyedRateLimiter keeps one RateLimiter per key, such as a conversation id.
// Idle limiters are dropped lazily.
type KeyedRateLimiter struct {
	mu       sync.Mutex
	limiters map[int64]*keyedEntry
	rate     float64
	burst    int
	idle     time.Duration
	lastGC   time.Time
}

type keyedEntry struct {
	limiter  *RateLimiter
	lastUsed time.Time
}

// NewKeyedRateLimiter creates a per-key limiter. Limiters unused for idle
// are forgotten.
func NewKeyedRateLimiter(rate float64, burst int, idle time.Duration) *KeyedRateLimiter {
	return &KeyedRateLimiter{
		limiters: make(map[int64]*keyedEntry),
		rate:     rate,
		burst:    burst,
		idle:     idle,
		lastGC:   time.Now(),
	}
}

// Get returns the limiter for key, creating it on first use.
func (k *KeyedRateLimiter) Get(key int64) *RateLimiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	if k.idle > 0 && now.Sub(k.lastGC) > k.idle {
		for id, e := range k.limiters {
			if now.Sub(e.lastUsed) > k.idle {
				delete(k.limiters, id)
			}
		}
		k.lastGC = now
	}

	e, ok := k.limiters[key]
	if !ok {
		e = &keyedEntry{limiter: NewRateLimiter(k.rate, k.burst)}
		k.limiters[key] = e
	}
	e.lastUsed = now
	return e.limiter
}

// Wait blocks until key may proceed or ctx is done.
func (k *KeyedRateLimiter) Wait(ctx context.Context, key int64) error {
	return k.Get(key).Wait(ctx)
}

// Len returns the number of tracked keys.
func (k *KeyedRateLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}
