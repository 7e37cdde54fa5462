package transport

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/kya/internal/chain"
	"github.com/mbd888/kya/internal/circuitbreaker"
	"github.com/mbd888/kya/internal/messages"
	"github.com/mbd888/kya/internal/retry"
)

type recorder struct {
	mu  sync.Mutex
	got []*messages.Delivery
}

func (r *recorder) HandleDelivery(_ context.Context, d *messages.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, d)
	return nil
}

func (r *recorder) deliveries() []*messages.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*messages.Delivery(nil), r.got...)
}

func newIdentity(t *testing.T) *chain.Identity {
	t.Helper()
	id, err := chain.GenerateIdentity()
	require.NoError(t, err)
	return id
}

func TestMemoryBus_OrderedPerRoute(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	sender := newIdentity(t)
	out := NewOutbox(sender, bus)

	rec := &recorder{}
	require.NoError(t, bus.Attach("0xREGISTRY", rec))

	for i := 0; i < 5; i++ {
		require.NoError(t, out.Send(ctx, "0xregistry", "0xagent", messages.AuditRequest{Agent: "0xagent"}))
	}
	assert.Equal(t, 5, bus.Pending())

	n, err := bus.Pump(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	got := rec.deliveries()
	require.Len(t, got, 5)
	for i, d := range got {
		assert.Equal(t, uint64(i+1), d.Sequence)
		assert.Equal(t, sender.ID(), d.From)
		assert.Equal(t, "0xagent", d.Signer)
	}
}

func TestMemoryBus_Duplicates(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(WithDuplicates())
	out := NewOutbox(newIdentity(t), bus)
	rec := &recorder{}
	require.NoError(t, bus.Attach("0xregistry", rec))

	require.NoError(t, out.Send(ctx, "0xregistry", "", messages.AuditRequest{Agent: "0xagent"}))
	_, err := bus.Pump(ctx)
	require.NoError(t, err)

	got := rec.deliveries()
	require.Len(t, got, 2)
	assert.Equal(t, got[0].ID, got[1].ID)
}

func TestMemoryBus_UnknownChainDropped(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	out := NewOutbox(newIdentity(t), bus)
	require.NoError(t, out.Send(ctx, "0xnowhere", "", messages.AuditRequest{Agent: "0xagent"}))

	n, err := bus.Pump(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, bus.Pending())
}

func TestMemoryBus_AttachTwice(t *testing.T) {
	bus := NewMemoryBus()
	require.NoError(t, bus.Attach("0xa", &recorder{}))
	assert.ErrorIs(t, bus.Attach("0xA", &recorder{}), ErrAlreadyAttached)
}

func TestMemoryBus_RetriesStorageFailures(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(WithRedelivery(retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Retryable:   chain.IsStorageFailure,
	}))
	out := NewOutbox(newIdentity(t), bus)

	calls := 0
	require.NoError(t, bus.Attach("0xregistry", HandlerFunc(func(context.Context, *messages.Delivery) error {
		calls++
		if calls < 3 {
			return chain.Storage(errors.New("db down"))
		}
		return nil
	})))
	require.NoError(t, out.Send(ctx, "0xregistry", "", messages.AuditRequest{Agent: "0xagent"}))

	_, err := bus.Pump(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestMemoryBus_PersistentFailureKeepsHead(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(WithRedelivery(retry.Policy{MaxAttempts: 1}))
	out := NewOutbox(newIdentity(t), bus)

	fail := true
	rec := &recorder{}
	require.NoError(t, bus.Attach("0xregistry", HandlerFunc(func(ctx context.Context, d *messages.Delivery) error {
		if fail {
			return chain.Storage(errors.New("db down"))
		}
		return rec.HandleDelivery(ctx, d)
	})))
	require.NoError(t, out.Send(ctx, "0xregistry", "", messages.AuditRequest{Agent: "0xa"}))
	require.NoError(t, out.Send(ctx, "0xregistry", "", messages.AuditRequest{Agent: "0xb"}))

	_, err := bus.Pump(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, bus.Pending())

	fail = false
	n, err := bus.Pump(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	got := rec.deliveries()
	require.Len(t, got, 2)
	assert.Equal(t, "0xa", got[0].Message.(messages.AuditRequest).Agent)
}

func TestMemoryBus_FailingRouteDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(WithRedelivery(retry.Policy{MaxAttempts: 1}))
	out := NewOutbox(newIdentity(t), bus)

	rec := &recorder{}
	require.NoError(t, bus.Attach("0xregistry", rec))
	require.NoError(t, bus.Attach("0xbroken", HandlerFunc(func(context.Context, *messages.Delivery) error {
		return chain.Storage(errors.New("db down"))
	})))
	require.NoError(t, out.Send(ctx, "0xbroken", "", messages.AuditRequest{Agent: "0xa"}))
	require.NoError(t, out.Send(ctx, "0xregistry", "", messages.AuditRequest{Agent: "0xb"}))

	n, err := bus.Pump(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, rec.deliveries(), 1)
	assert.Equal(t, 1, bus.Pending())
}

func TestMemoryBus_RunRetriesAfterFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewMemoryBus(
		WithRedelivery(retry.Policy{MaxAttempts: 1}),
		WithRetryInterval(5*time.Millisecond),
	)
	out := NewOutbox(newIdentity(t), bus)

	var (
		healthy  atomic.Bool
		attempts atomic.Int32
	)
	rec := &recorder{}
	require.NoError(t, bus.Attach("0xregistry", HandlerFunc(func(ctx context.Context, d *messages.Delivery) error {
		attempts.Add(1)
		if !healthy.Load() {
			return chain.Storage(errors.New("db down"))
		}
		return rec.HandleDelivery(ctx, d)
	})))
	go bus.Run(ctx)

	require.NoError(t, out.Send(ctx, "0xregistry", "", messages.AuditRequest{Agent: "0xagent"}))
	require.Eventually(t, func() bool { return attempts.Load() >= 2 }, time.Second, time.Millisecond)
	assert.Empty(t, rec.deliveries())

	// Recovers with no further publishes.
	healthy.Store(true)
	assert.Eventually(t, func() bool { return len(rec.deliveries()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, bus.Pending())
}

func TestMemoryBus_RejectsForgedEnvelope(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	rec := &recorder{}
	require.NoError(t, bus.Attach("0xregistry", rec))

	sender := newIdentity(t)
	env, err := messages.New(sender.ID(), "0xregistry", "0xagent", messages.AuditRequest{Agent: "0xagent"})
	require.NoError(t, err)
	require.NoError(t, env.Sign(sender))
	env.Signer = "0xvictim"
	require.NoError(t, bus.Publish(ctx, env))

	_, err = bus.Pump(ctx)
	require.NoError(t, err)
	assert.Empty(t, rec.deliveries())
}

func TestMemoryBus_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewMemoryBus()
	rec := &recorder{}
	require.NoError(t, bus.Attach("0xregistry", rec))
	go bus.Run(ctx)

	out := NewOutbox(newIdentity(t), bus)
	require.NoError(t, out.Send(ctx, "0xregistry", "", messages.AuditRequest{Agent: "0xagent"}))

	assert.Eventually(t, func() bool { return len(rec.deliveries()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestInbox_Receive(t *testing.T) {
	gin.SetMode(gin.TestMode)
	bus := NewMemoryBus()
	r := gin.New()
	NewInbox(bus).RegisterRoutes(r.Group("/v1"))

	sender := newIdentity(t)
	env, err := messages.New(sender.ID(), "0xregistry", "", messages.AuditRequest{Agent: "0xagent"})
	require.NoError(t, err)
	require.NoError(t, env.Sign(sender))
	wire, err := messages.Marshal(env)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chains/0xregistry/inbox", bytes.NewReader(wire)))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, bus.Pending())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chains/0xother/inbox", bytes.NewReader(wire)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	env.Signature = nil
	unsigned, _ := messages.Marshal(env)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chains/0xregistry/inbox", bytes.NewReader(unsigned)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

type flakyBus struct {
	fail      bool
	published int
}

func (b *flakyBus) Publish(context.Context, *messages.Envelope) error {
	if b.fail {
		return errors.New("nats: connection closed")
	}
	b.published++
	return nil
}

func (b *flakyBus) Attach(string, Handler) error { return nil }

func TestOutbox_BreakerStopsFailingRoute(t *testing.T) {
	ctx := context.Background()
	bus := &flakyBus{fail: true}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	breaker := circuitbreaker.New(2, time.Minute, circuitbreaker.WithClock(func() time.Time { return now }))
	out := NewOutbox(newIdentity(t), bus, WithBreaker(breaker))
	msg := messages.AuditRequest{Agent: "0xagent"}

	require.Error(t, out.Send(ctx, "0xregistry", "", msg))
	require.Error(t, out.Send(ctx, "0xregistry", "", msg))

	bus.fail = false
	err := out.Send(ctx, "0xregistry", "", msg)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Zero(t, bus.published)

	require.NoError(t, out.Send(ctx, "0xrelay", "", msg), "other routes unaffected")

	now = now.Add(time.Minute)
	require.NoError(t, out.Send(ctx, "0xregistry", "", msg))
	assert.Equal(t, 2, bus.published)
}
