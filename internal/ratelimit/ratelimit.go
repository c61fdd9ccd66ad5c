// Package ratelimit implements a per-agent token bucket rate limiter.
// Thread-safe. Buckets are created lazily on first use.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when an agent has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-agent token bucket rate limiter.
// Each agent gets an independent bucket; one agent cannot exhaust another's quota.
type Limiter struct {
	mu     sync.Mutex
	agents map[string]*rate.Limiter
	limit  rate.Limit
	burst  int
	now    func() time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		agents: make(map[string]*rate.Limiter),
		limit:  rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:  burst,
		now:    time.Now,
	}
}

// Enabled reports whether the limiter restricts anything.
func (l *Limiter) Enabled() bool { return l != nil && l.limit > 0 }

// Allow consumes one token from agentID's bucket.
// Returns an error wrapping ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(agentID string) error {
	if !l.Enabled() {
		return nil
	}
	if !l.bucket(agentID).AllowN(l.now(), 1) {
		return fmt.Errorf("%w for agent %s: %.0f requests per minute, burst %d",
			ErrRateLimited, agentID, float64(l.limit)*60, l.burst)
	}
	return nil
}

// Tokens returns the tokens currently available to agentID.
func (l *Limiter) Tokens(agentID string) float64 {
	if !l.Enabled() {
		return -1
	}
	return l.bucket(agentID).TokensAt(l.now())
}

func (l *Limiter) bucket(agentID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.agents[agentID]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.agents[agentID] = b
	}
	return b
}
