package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/kya/internal/auth"
	"github.com/mbd888/kya/internal/chain"
)

// fakeClock lets tests advance the limiter's notion of time.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestLimiter(t *testing.T, cfg Config, opts ...Option) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(cfg, append(opts, WithClock(clock.now))...)
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	l, clock := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Minute})

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("ip"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("ip"))

	clock.advance(time.Second)
	assert.True(t, l.Allow("ip"))
}

func TestLimiterMultipleClients(t *testing.T) {
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 3, CleanupInterval: time.Minute})

	for i := 0; i < 3; i++ {
		l.Allow("a")
	}
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestAllowRate(t *testing.T) {
	l, clock := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})

	for i := 0; i < 10; i++ {
		assert.True(t, l.AllowRate("agent", 10), "request %d", i)
	}
	assert.False(t, l.AllowRate("agent", 10))

	clock.advance(100 * time.Millisecond)
	assert.True(t, l.AllowRate("agent", 10))
}

func TestMiddleware_TierCeilings(t *testing.T) {
	gin.SetMode(gin.TestMode)
	const (
		verified = "0x1111111111111111111111111111111111111111"
		platinum = "0x2222222222222222222222222222222222222222"
		stranger = "0x3333333333333333333333333333333333333333"
	)
	tiers := func(_ context.Context, agent string) (int, bool) {
		switch agent {
		case verified:
			return 2, true
		case platinum:
			return Unlimited, true
		}
		return 0, false
	}
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute}, WithTiers(tiers))

	var caller chain.Caller
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if caller.Authenticated() {
			c.Set(auth.ContextKeyCaller, caller)
		}
		c.Next()
	})
	r.Use(l.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	hit := func() int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		return w.Code
	}

	caller = chain.Caller{Address: verified}
	assert.Equal(t, http.StatusOK, hit())
	assert.Equal(t, http.StatusOK, hit())
	assert.Equal(t, http.StatusTooManyRequests, hit())

	caller = chain.Caller{Address: platinum}
	for i := 0; i < 50; i++ {
		assert.Equal(t, http.StatusOK, hit())
	}

	// Unregistered agents share the anonymous per-IP bucket.
	caller = chain.Caller{Address: stranger}
	assert.Equal(t, http.StatusOK, hit())
	caller = chain.Caller{}
	assert.Equal(t, http.StatusTooManyRequests, hit())
}

func TestTake_RetryAfter(t *testing.T) {
	l, clock := newTestLimiter(t, Config{RequestsPerMinute: 30, BurstSize: 2, CleanupInterval: time.Minute})

	d := l.anonymous("ip")
	require.True(t, d.Allowed)
	assert.Equal(t, 2, d.Limit)
	assert.Equal(t, 1, d.Remaining)

	l.anonymous("ip")
	d = l.anonymous("ip")
	assert.False(t, d.Allowed)
	assert.Equal(t, 2*time.Second, d.RetryAfter)

	clock.advance(time.Second)
	d = l.anonymous("ip")
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)
}

func TestTake_CeilingChangeKeepsTokens(t *testing.T) {
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})

	for i := 0; i < 100; i++ {
		require.True(t, l.AllowRate("agent", 100))
	}
	assert.False(t, l.AllowRate("agent", 100))
	// Dropping to a lower tier does not refill the bucket.
	assert.False(t, l.AllowRate("agent", 10))
}

func TestEvictFull(t *testing.T) {
	l, clock := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 2, CleanupInterval: time.Hour})

	l.Allow("busy")
	l.Allow("busy")
	l.Allow("idle")
	clock.advance(time.Second)
	l.evictFull()

	l.mu.Lock()
	_, busy := l.buckets["busy"]
	_, idle := l.buckets["idle"]
	l.mu.Unlock()
	assert.True(t, busy, "bucket still refilling")
	assert.False(t, idle, "refilled bucket evicted")
}

func TestMiddleware_RejectionResponse(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), `"error":"rate_limit_exceeded"`)
	assert.Contains(t, w.Body.String(), `"kind":"RateLimited"`)
}
