package ratelimit

import (
	"sync"
	"time"

	ratelib "golang.org/x/time/rate"
)

// fallbackIdleTTL bounds how long an unused bucket is kept when buckets never
// refill on their own.
const fallbackIdleTTL = 10 * time.Minute

type bucket struct {
	limiter  *ratelib.Limiter
	lastSeen time.Time
}

// tokenBuckets holds one token bucket per client. It serves decisions while
// the shared counter is unavailable. Idle buckets are swept once they would
// have refilled completely, so dropping them changes no decision.
type tokenBuckets struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	rps       ratelib.Limit
	burst     int
	idleTTL   time.Duration
	now       func() time.Time
	nextSweep time.Time
}

func newTokenBuckets(rps float64, burst int, now func() time.Time) *tokenBuckets {
	if burst < 1 {
		burst = 1
	}
	idleTTL := fallbackIdleTTL
	if rps > 0 {
		idleTTL = time.Duration(float64(burst) / rps * float64(time.Second))
		if idleTTL < time.Second {
			idleTTL = time.Second
		}
	}
	return &tokenBuckets{
		buckets: make(map[string]*bucket),
		rps:     ratelib.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		now:     now,
	}
}

func (t *tokenBuckets) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.sweep(now)

	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{limiter: ratelib.NewLimiter(t.rps, t.burst)}
		t.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (t *tokenBuckets) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}

// sweep drops idle buckets at most once per idleTTL.
func (t *tokenBuckets) sweep(now time.Time) {
	if now.Before(t.nextSweep) {
		return
	}
	for k, b := range t.buckets {
		if now.Sub(b.lastSeen) >= t.idleTTL {
			delete(t.buckets, k)
		}
	}
	t.nextSweep = now.Add(t.idleTTL)
}
