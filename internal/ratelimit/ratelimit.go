// Package ratelimit limits how fast individual client IPs may open relay sessions.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter manages both global and per-client connection limits.
// A zero rate disables the corresponding limit.
type RateLimiter struct {
	mu                    sync.Mutex
	globalConnLimiter     *rate.Limiter
	perClientConnLimiters map[string]*rate.Limiter
	connRate              int
	burstSize             int
}

// NewRateLimiter creates a limiter allowing globalConnLimit connections per second
// overall and perClientConnLimit per second for each client, both with burstSize.
func NewRateLimiter(globalConnLimit, perClientConnLimit, burstSize int) *RateLimiter {
	if burstSize < 1 {
		burstSize = 1
	}
	rl := &RateLimiter{
		perClientConnLimiters: make(map[string]*rate.Limiter),
		connRate:              perClientConnLimit,
		burstSize:             burstSize,
	}
	if globalConnLimit > 0 {
		rl.globalConnLimiter = rate.NewLimiter(rate.Limit(globalConnLimit), burstSize)
	}
	return rl
}

// Enabled reports whether any limit is configured.
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && (rl.globalConnLimiter != nil || rl.connRate > 0)
}

// AllowConnection checks if a new connection from client is allowed and consumes a token.
func (rl *RateLimiter) AllowConnection(client string) bool {
	if rl.globalConnLimiter != nil && !rl.globalConnLimiter.Allow() {
		return false
	}
	if rl.connRate <= 0 {
		return true
	}
	rl.mu.Lock()
	lim, ok := rl.perClientConnLimiters[client]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(rl.connRate), rl.burstSize)
		rl.perClientConnLimiters[client] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}

// Prune drops per-client limiters whose bucket has refilled completely; a fresh
// limiter would behave identically. Returns the number removed.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for client, lim := range rl.perClientConnLimiters {
		if lim.Tokens() >= float64(rl.burstSize) {
			delete(rl.perClientConnLimiters, client)
			removed++
		}
	}
	return removed
}
