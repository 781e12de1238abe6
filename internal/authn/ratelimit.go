package authn

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/loggate/ingestgw/internal/gwerrors"
)

// maxTrackedTokens bounds the rate limiter's memory; beyond it the least
// recently used buckets are evicted.
const maxTrackedTokens = 10_000

// Limiter enforces a per-token token-bucket rate limit. Buckets are
// created on first use and evicted LRU-style once maxTrackedTokens is
// exceeded; they survive config reloads because they are keyed by the
// token string itself, not by a pointer into the reloaded registry.
type Limiter struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
	rps     float64
	burst   int
}

// NewLimiter constructs a Limiter with the given global rps/burst
// defaults, applied to every token's bucket.
func NewLimiter(rps float64, burst int) *Limiter {
	cache, err := lru.New[string, *rate.Limiter](maxTrackedTokens)
	if err != nil {
		// Only returns an error for a non-positive size, which never
		// happens with the package constant above.
		panic(err)
	}
	return &Limiter{buckets: cache, rps: rps, burst: burst}
}

// Allow consumes one token from token's bucket, creating the bucket on
// first use. Exhaustion returns RATE_LIMITED.
func (l *Limiter) Allow(token string) error {
	l.mu.Lock()
	b, ok := l.buckets.Get(token)
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		l.buckets.Add(token, b)
	}
	l.mu.Unlock()

	if !b.Allow() {
		return gwerrors.New(gwerrors.RateLimited, "rate limit exceeded")
	}
	return nil
}

// SetRate updates the global rps/burst applied to buckets created from
// this point forward; existing buckets keep their prior rate until they
// are next evicted and recreated. A config reload swaps the registry
// atomically but never tears down live buckets.
func (l *Limiter) SetRate(rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rps = rps
	l.burst = burst
}

// Len reports the number of tracked token buckets, for tests and status
// reporting.
func (l *Limiter) Len() int {
	return l.buckets.Len()
}
