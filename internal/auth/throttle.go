package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const throttleIdleTTL = 10 * time.Minute

// Throttle is a per-key token bucket, used to bound second-factor guesses
// per principal.
type Throttle struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*throttleBucket
}

type throttleBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewThrottle allows perMinute events per key with the given burst.
func NewThrottle(perMinute, burst int) *Throttle {
	if perMinute <= 0 {
		perMinute = 5
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &Throttle{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*throttleBucket),
	}
}

// Allow reports whether key may act now and consumes a token if so.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	b, ok := t.buckets[key]
	if !ok {
		t.sweep(now)
		b = &throttleBucket{lim: rate.NewLimiter(t.limit, t.burst)}
		t.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// Reset forgets key, e.g. after a successful verification.
func (t *Throttle) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.buckets, key)
}

func (t *Throttle) sweep(now time.Time) {
	for k, b := range t.buckets {
		if now.Sub(b.seen) > throttleIdleTTL {
			delete(t.buckets, k)
		}
	}
}
