// Package ratelimit provides rate limiting middleware for the KYA API.
//
// Anonymous requests are limited per IP. Signed requests are limited per
// agent at the ceiling of the agent's reputation tier.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/kya/internal/auth"
	"github.com/mbd888/kya/internal/metrics"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the max anonymous requests per IP per minute
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often idle buckets are evicted
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// Unlimited is the ceiling a TierFunc reports for agents with no limit.
const Unlimited = -1

// TierFunc returns an agent's request-per-second ceiling. ok is false for
// agents without a badge; a zero ceiling falls back to the anonymous limit.
type TierFunc func(ctx context.Context, agent string) (perSecond int, ok bool)

// Decision is the outcome of one bucket check.
type Decision struct {
	Allowed    bool
	Limit      int // bucket capacity
	Remaining  int // whole tokens left after this request
	RetryAfter time.Duration
}

// Limiter keeps one token bucket per key.
type Limiter struct {
	cfg   Config
	tiers TierFunc
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	tokens float64
	rate   float64 // tokens per second
	burst  float64
	last   time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithTiers enables per-agent tier ceilings.
func WithTiers(fn TierFunc) Option {
	return func(l *Limiter) { l.tiers = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter and starts its eviction loop. Call Stop to end it.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictFull()
		case <-l.stop:
			return
		}
	}
}

// evictFull drops buckets that have refilled completely; recreating them
// later is indistinguishable from keeping them.
func (l *Limiter) evictFull() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, b := range l.buckets {
		if b.refill(now) >= b.burst {
			delete(l.buckets, key)
		}
	}
}

// Stop ends the eviction loop. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow checks key at the anonymous limit.
func (l *Limiter) Allow(key string) bool {
	return l.anonymous(key).Allowed
}

// AllowRate checks key against a ceiling of perSecond requests, with a
// burst of one second's worth.
func (l *Limiter) AllowRate(key string, perSecond int) bool {
	return l.take(key, float64(perSecond), float64(perSecond)).Allowed
}

func (l *Limiter) anonymous(key string) Decision {
	return l.take(key, float64(l.cfg.RequestsPerMinute)/60.0, float64(l.cfg.BurstSize))
}

func (b *bucket) refill(now time.Time) float64 {
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = math.Min(b.burst, b.tokens+elapsed*b.rate)
		b.last = now
	}
	return b.tokens
}

// take removes one token from key's bucket. A bucket whose ceiling changed
// (the agent moved tier) keeps its tokens, capped at the new burst.
func (l *Limiter) take(key string, rate, burst float64) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: burst, last: now}
		l.buckets[key] = b
	}
	b.rate, b.burst = rate, burst
	b.refill(now)

	d := Decision{Limit: int(burst)}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
		d.Remaining = int(b.tokens)
		return d
	}
	if rate > 0 {
		d.RetryAfter = time.Duration((1 - b.tokens) / rate * float64(time.Second))
	}
	return d
}

// Middleware returns a Gin middleware that rate limits by agent tier, or by
// IP for anonymous and unregistered callers. It must run after auth.Middleware.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		d, kind, limited := l.admit(c)
		if !limited {
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if d.Allowed {
			c.Next()
			return
		}

		metrics.RateLimitedTotal.WithLabelValues(kind).Inc()
		retry := int(math.Ceil(d.RetryAfter.Seconds()))
		c.Header("Retry-After", strconv.Itoa(max(retry, 1)))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"type":        "Error",
			"error":       "rate_limit_exceeded",
			"kind":        "RateLimited",
			"message":     "Too many requests. Please slow down.",
			"retry_after": max(retry, 1),
		})
	}
}

// admit picks the bucket for the request. limited is false for agents
// whose tier has no ceiling.
func (l *Limiter) admit(c *gin.Context) (d Decision, kind string, limited bool) {
	if addr := auth.AuthenticatedAddress(c); addr != "" && l.tiers != nil {
		perSecond, ok := l.tiers(c.Request.Context(), addr)
		switch {
		case ok && perSecond == Unlimited:
			return Decision{Allowed: true}, "agent", false
		case ok && perSecond > 0:
			return l.take("agent:"+addr, float64(perSecond), float64(perSecond)), "agent", true
		}
	}
	return l.anonymous("ip:" + c.ClientIP()), "ip", true
}
