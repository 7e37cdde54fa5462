package transport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/kya/internal/logging"
	"github.com/mbd888/kya/internal/messages"
	"github.com/mbd888/kya/internal/metrics"
	"github.com/mbd888/kya/internal/retry"
)

// Default pause before Run retries a failed delivery, doubling up to
// maxRetryInterval while the failure persists.
const (
	DefaultRetryInterval = 100 * time.Millisecond
	maxRetryInterval     = 5 * time.Second
)

// route is one (sender, recipient) pair. Order is kept per route only.
type route struct{ from, to string }

type queued struct {
	seq uint64
	env *messages.Envelope
}

// MemoryBus is an in-process bus with one FIFO per route. A route whose head
// keeps failing holds back only its own later envelopes.
//
// Pump delivers synchronously, in publish order across routes, which makes
// multi-chain scenarios deterministic in tests; Run drives the same queues in
// the background and retries failed routes on a timer.
type MemoryBus struct {
	mu            sync.Mutex
	handlers      map[string]Handler
	queues        map[route][]queued
	size          int
	next          uint64
	notify        chan struct{}
	duplicate     bool
	redelivery    retry.Policy
	retryInterval time.Duration
	pumpMu        sync.Mutex
}

// MemoryOption configures a MemoryBus.
type MemoryOption func(*MemoryBus)

// WithDuplicates enqueues every published envelope twice, exercising
// receivers' duplicate handling.
func WithDuplicates() MemoryOption {
	return func(b *MemoryBus) { b.duplicate = true }
}

// WithRedelivery overrides the retry policy for failed deliveries.
func WithRedelivery(p retry.Policy) MemoryOption {
	return func(b *MemoryBus) { b.redelivery = p }
}

// WithRetryInterval sets the first pause before Run retries a route whose
// delivery failed.
func WithRetryInterval(d time.Duration) MemoryOption {
	return func(b *MemoryBus) {
		if d > 0 {
			b.retryInterval = d
		}
	}
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus(opts ...MemoryOption) *MemoryBus {
	b := &MemoryBus{
		handlers:      make(map[string]Handler),
		queues:        make(map[route][]queued),
		notify:        make(chan struct{}, 1),
		redelivery:    DefaultRedelivery,
		retryInterval: DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ Bus = (*MemoryBus)(nil)

// Attach registers the handler for chainID.
func (b *MemoryBus) Attach(chainID string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := strings.ToLower(chainID)
	if _, ok := b.handlers[id]; ok {
		return ErrAlreadyAttached
	}
	b.handlers[id] = h
	return nil
}

// Publish enqueues env on its route.
func (b *MemoryBus) Publish(_ context.Context, env *messages.Envelope) error {
	b.mu.Lock()
	b.enqueue(env)
	if b.duplicate {
		cp := *env
		b.enqueue(&cp)
	}
	metrics.MessagesQueued.Set(float64(b.size))
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

func (b *MemoryBus) enqueue(env *messages.Envelope) {
	r := route{from: strings.ToLower(env.From), to: strings.ToLower(env.To)}
	b.next++
	b.queues[r] = append(b.queues[r], queued{seq: b.next, env: env})
	b.size++
}

// head returns the oldest queued envelope outside the skipped routes.
func (b *MemoryBus) head(skip map[route]bool) (route, *messages.Envelope, bool) {
	var (
		best  route
		found *queued
	)
	for r, q := range b.queues {
		if skip[r] || len(q) == 0 {
			continue
		}
		if found == nil || q[0].seq < found.seq {
			best, found = r, &q[0]
		}
	}
	if found == nil {
		return route{}, nil, false
	}
	return best, found.env, true
}

func (b *MemoryBus) pop(r route) {
	q := b.queues[r][1:]
	if len(q) == 0 {
		delete(b.queues, r)
	} else {
		b.queues[r] = q
	}
	b.size--
	metrics.MessagesQueued.Set(float64(b.size))
}

// Pending returns the number of queued envelopes.
func (b *MemoryBus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Pump delivers queued envelopes, including any produced while pumping,
// until every route is empty or blocked. It returns the number delivered.
// If a handler keeps failing, its envelope stays at the head of its route so
// the route stays ordered; other routes still drain. The first such failure
// is returned.
func (b *MemoryBus) Pump(ctx context.Context) (int, error) {
	b.pumpMu.Lock()
	defer b.pumpMu.Unlock()

	var (
		delivered int
		firstErr  error
		blocked   = make(map[route]bool)
	)
	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}

		b.mu.Lock()
		r, env, ok := b.head(blocked)
		h := b.handlers[r.to]
		b.mu.Unlock()
		if !ok {
			return delivered, firstErr
		}

		if h == nil {
			logging.L(ctx).Warn("dropping envelope for unknown chain", "id", env.ID, "to", env.To, "kind", env.Kind)
			metrics.MessagesHandledTotal.WithLabelValues(string(env.Kind), "unroutable").Inc()
		} else if err := dispatch(ctx, h, env, b.redelivery); err != nil {
			blocked[r] = true
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		b.mu.Lock()
		b.pop(r)
		b.mu.Unlock()
		delivered++
	}
}

// Run pumps the queues whenever something is published, until ctx is done.
// After a failed pump it retries on a timer, backing off while the failure
// persists, so a stuck route drains without further publishes.
func (b *MemoryBus) Run(ctx context.Context) {
	logger := logging.L(ctx)
	timer := time.NewTimer(maxRetryInterval)
	timer.Stop()
	defer timer.Stop()

	backoff := b.retryInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.notify:
		case <-timer.C:
		}

		_, err := b.Pump(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			backoff = b.retryInterval
			continue
		}
		logger.Error("message delivery failed, will retry", "error", err, "retry_in", backoff)
		timer.Reset(backoff)
		backoff = min(backoff*2, maxRetryInterval)
	}
}
