// Package transport moves signed envelopes between chains.
//
// Delivery is asynchronous, at-least-once and ordered per (sender,
// recipient) route. There is no ordering across senders. Receivers must
// tolerate duplicates.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/kya/internal/chain"
	"github.com/mbd888/kya/internal/circuitbreaker"
	"github.com/mbd888/kya/internal/logging"
	"github.com/mbd888/kya/internal/messages"
	"github.com/mbd888/kya/internal/metrics"
	"github.com/mbd888/kya/internal/retry"
)

var (
	ErrUnknownChain    = errors.New("transport: no handler registered for chain")
	ErrAlreadyAttached = errors.New("transport: chain already attached")
)

// Handler consumes deliveries addressed to one chain.
type Handler interface {
	HandleDelivery(ctx context.Context, d *messages.Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d *messages.Delivery) error

func (f HandlerFunc) HandleDelivery(ctx context.Context, d *messages.Delivery) error { return f(ctx, d) }

// Bus carries envelopes to the chains attached to it.
type Bus interface {
	Publish(ctx context.Context, env *messages.Envelope) error
	Attach(chainID string, h Handler) error
}

// DefaultRedelivery retries a delivery whose handler failed on storage.
var DefaultRedelivery = retry.Policy{
	MaxAttempts: 4,
	BaseDelay:   50 * time.Millisecond,
	MaxDelay:    time.Second,
	Retryable:   chain.IsStorageFailure,
	OnRetry: func(int, error) {
		metrics.MessageDeliveryRetriesTotal.Inc()
	},
}

// dispatch opens env and runs h under policy. Envelopes that fail
// verification are dropped (nil error) since redelivery cannot fix them.
func dispatch(ctx context.Context, h Handler, env *messages.Envelope, policy retry.Policy) error {
	logger := logging.L(ctx)
	d, err := env.Open()
	if err != nil {
		metrics.MessagesHandledTotal.WithLabelValues(string(env.Kind), "rejected").Inc()
		logger.Warn("dropping envelope", "id", env.ID, "from", env.From, "kind", env.Kind, "error", err)
		return nil
	}
	return policy.Do(ctx, func() error {
		return h.HandleDelivery(ctx, d)
	})
}

// Outbox builds, sequences and signs envelopes for one sending chain.
type Outbox struct {
	identity *chain.Identity
	bus      Bus
	breaker  *circuitbreaker.Breaker

	mu  sync.Mutex
	seq map[string]uint64
}

// OutboxOption configures an Outbox.
type OutboxOption func(*Outbox)

// WithBreaker stops publishing to a recipient whose publishes keep
// failing. Sends on an open route fail with circuitbreaker.ErrOpen.
func WithBreaker(b *circuitbreaker.Breaker) OutboxOption {
	return func(o *Outbox) { o.breaker = b }
}

// NewOutbox creates an outbox for the chain owning identity.
func NewOutbox(identity *chain.Identity, bus Bus, opts ...OutboxOption) *Outbox {
	o := &Outbox{identity: identity, bus: bus, seq: make(map[string]uint64)}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ChainID returns the sending chain's ID.
func (o *Outbox) ChainID() string { return o.identity.ID() }

// Send enqueues m for chain to. signer is the identity the sender vouches
// for, or "" for chain-originated messages. Send never waits for the
// recipient to process the message.
func (o *Outbox) Send(ctx context.Context, to, signer string, m messages.Message) error {
	env, err := messages.New(o.identity.ID(), to, signer, m)
	if err != nil {
		return err
	}

	route := strings.ToLower(to)
	key := o.identity.ID() + ">" + route
	if o.breaker != nil && !o.breaker.Allow(key) {
		return fmt.Errorf("transport: publish %s to %s: %w", m.Kind(), to, circuitbreaker.ErrOpen)
	}

	o.mu.Lock()
	o.seq[route]++
	env.Sequence = o.seq[route]
	o.mu.Unlock()

	if err := env.Sign(o.identity); err != nil {
		return fmt.Errorf("transport: sign envelope: %w", err)
	}
	if err := o.bus.Publish(ctx, env); err != nil {
		if o.breaker != nil {
			o.breaker.Failure(key)
		}
		return fmt.Errorf("transport: publish %s to %s: %w", m.Kind(), to, err)
	}
	if o.breaker != nil {
		o.breaker.Success(key)
	}
	metrics.MessagesSentTotal.WithLabelValues(string(m.Kind())).Inc()
	return nil
}
