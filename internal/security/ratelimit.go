package security

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// DefaultRPS and DefaultBurst size the per-remote-address token bucket
// applied to every HTTP request before it reaches the MCP dispatcher.
const (
	DefaultRPS   = 10
	DefaultBurst = 20
)

// RateLimiter hands out one token-bucket limiter per remote address.
type RateLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter builds a RateLimiter with the given per-address rate and burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether the request identified by key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.limiterFor(key).Allow()
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// KeyFor derives the rate-limit bucket key for an HTTP request.
func KeyFor(r *http.Request) string {
	return remoteKey(r)
}
