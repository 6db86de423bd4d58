package ratelimit

import (
	"sync"
	"time"
)

// bucket holds per-device token bucket state. Refill is lazy: tokens are
// recomputed from the elapsed monotonic time on each TryAcquire.
type bucket struct {
	tokens       float64
	lastRefillAt time.Time
}

// Limiter maintains one token bucket per client. Capacity and refill rate
// are both messageRateLimitPerSecond, so a device may burst one second's
// allowance and then sustain the steady rate.
type Limiter struct {
	capacity float64
	rate     float64
	buckets  map[string]*bucket
	now      func() time.Time
	mu       sync.Mutex
}

// NewLimiter creates a limiter allowing ratePerSecond messages per client.
func NewLimiter(ratePerSecond int) *Limiter {
	return &Limiter{
		capacity: float64(ratePerSecond),
		rate:     float64(ratePerSecond),
		buckets:  make(map[string]*bucket),
		now:      time.Now,
	}
}

// TryAcquire consumes one token for the client if available. Returns false
// when the bucket is empty or the clientID is empty.
func (l *Limiter) TryAcquire(clientID string) bool {
	if clientID == "" || l.capacity <= 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[clientID]
	if !ok {
		b = &bucket{tokens: l.capacity, lastRefillAt: now}
		l.buckets[clientID] = b
	} else {
		elapsed := now.Sub(b.lastRefillAt).Seconds()
		if elapsed > 0 {
			b.tokens += elapsed * l.rate
			if b.tokens > l.capacity {
				b.tokens = l.capacity
			}
		}
		b.lastRefillAt = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Remove drops the bucket for a client, releasing its state.
func (l *Limiter) Remove(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, clientID)
}

// Size returns the number of tracked buckets.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
