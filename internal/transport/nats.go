package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/mbd888/kya/internal/logging"
	"github.com/mbd888/kya/internal/messages"
	"github.com/mbd888/kya/internal/metrics"
	"github.com/mbd888/kya/internal/retry"
)

// SubjectPrefix namespaces chain inboxes on NATS.
const SubjectPrefix = "kya.chains."

// Subject returns the inbox subject for chainID.
func Subject(chainID string) string {
	return SubjectPrefix + strings.ToLower(chainID)
}

// NATSBus carries envelopes over NATS core subjects, one per chain.
// A subscription's callbacks run sequentially, which keeps each route ordered.
type NATSBus struct {
	nc         *nats.Conn
	ctx        context.Context
	redelivery retry.Policy

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBus wraps an established connection. ctx scopes message handling.
func NewNATSBus(ctx context.Context, nc *nats.Conn) *NATSBus {
	return &NATSBus{
		nc:         nc,
		ctx:        ctx,
		redelivery: DefaultRedelivery,
		subs:       make(map[string]*nats.Subscription),
	}
}

var _ Bus = (*NATSBus)(nil)

// Publish sends env to its recipient's subject.
func (b *NATSBus) Publish(_ context.Context, env *messages.Envelope) error {
	data, err := messages.Marshal(env)
	if err != nil {
		return err
	}
	return b.nc.Publish(Subject(env.To), data)
}

// Attach subscribes h to chainID's inbox.
func (b *NATSBus) Attach(chainID string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := strings.ToLower(chainID)
	if _, ok := b.subs[id]; ok {
		return ErrAlreadyAttached
	}

	sub, err := b.nc.Subscribe(Subject(id), func(msg *nats.Msg) {
		ctx := b.ctx
		env, err := messages.Unmarshal(msg.Data)
		if err != nil {
			metrics.MessagesHandledTotal.WithLabelValues("unknown", "rejected").Inc()
			logging.L(ctx).Warn("dropping undecodable envelope", "subject", msg.Subject, "error", err)
			return
		}
		if err := dispatch(ctx, h, env, b.redelivery); err != nil {
			logging.L(ctx).Error("message delivery failed", "id", env.ID, "kind", env.Kind, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("transport: subscribe %s: %w", id, err)
	}
	b.subs[id] = sub
	return nil
}

// Close drains every subscription.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for id, sub := range b.subs {
		if err := sub.Drain(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.subs, id)
	}
	return firstErr
}
