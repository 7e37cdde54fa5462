package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/kya/internal/chain"
	"github.com/mbd888/kya/internal/idgen"
	"github.com/mbd888/kya/internal/logging"
	"github.com/mbd888/kya/internal/messages"
	"github.com/mbd888/kya/internal/metrics"
	"github.com/mbd888/kya/internal/traces"
)

// DefaultRequestTimeout is how long a score request may stay pending.
const DefaultRequestTimeout = 2 * time.Minute

// Commitment sources, used as metric labels.
const (
	sourceResponse   = "response"
	sourceRegistered = "registered"
)

// Outbox sends messages from the bridge chain.
type Outbox interface {
	ChainID() string
	Send(ctx context.Context, to, signer string, m messages.Message) error
}

// Builder is the bridge chain's commitment builder.
type Builder struct {
	store   Store
	exec    *chain.Executor
	outbox  Outbox
	clock   chain.Clock
	timeout time.Duration
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock overrides the wall clock.
func WithClock(c chain.Clock) Option {
	return func(b *Builder) { b.clock = c }
}

// WithRequestTimeout sets the deadline given to each score request.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Builder) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// NewBuilder creates the commitment builder.
func NewBuilder(store Store, outbox Outbox, opts ...Option) *Builder {
	b := &Builder{
		store:   store,
		exec:    chain.NewExecutor(outbox.ChainID()),
		outbox:  outbox,
		clock:   chain.SystemClock{},
		timeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ChainID returns the bridge chain's ID.
func (b *Builder) ChainID() string { return b.outbox.ChainID() }

func (b *Builder) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "oracle."+op, traces.Chain(b.ChainID()))
	err := b.exec.Do(ctx, fn)
	traces.End(span, err)
	return err
}

// Initialize points the bridge at a registry chain. The bridge has a single
// target, so only an authorized caller may change it.
func (b *Builder) Initialize(ctx context.Context, caller chain.Caller, registryChain string) error {
	return b.run(ctx, "initialize", func(ctx context.Context) error {
		if _, err := caller.RequireSigner(); err != nil {
			return err
		}
		if !caller.Authorized {
			return chain.ErrNotAuthorized
		}
		target, ok := chain.NormalizeAddress(registryChain)
		if !ok {
			return fmt.Errorf("%w: registry chain must be a chain ID", chain.ErrInvalidRequest)
		}
		if err := b.store.SetTarget(ctx, target); err != nil {
			return err
		}
		logging.L(ctx).Info("bridge initialized", "registry", target)
		return nil
	})
}

func (b *Builder) target(ctx context.Context) (string, error) {
	target, err := b.store.Target(ctx)
	if err != nil {
		return "", err
	}
	if target == "" {
		return "", chain.ErrNotInitialized
	}
	return target, nil
}

// RequestCommitment asks the registry for agent's score and returns the
// correlation ID of the request. It does not wait for the reply.
func (b *Builder) RequestCommitment(ctx context.Context, caller chain.Caller, agent string) (string, error) {
	var correlationID string
	err := b.run(ctx, "request_commitment", func(ctx context.Context) error {
		if _, err := caller.RequireSigner(); err != nil {
			return err
		}
		target, err := b.target(ctx)
		if err != nil {
			return err
		}
		normalized, ok := chain.NormalizeAddress(agent)
		if !ok {
			return fmt.Errorf("%w: agent must be an address", chain.ErrInvalidRequest)
		}

		// Record the request before sending so a reply always finds it.
		id := idgen.ScoreRequest()
		now := b.clock.Now()
		err = b.store.AddPending(ctx, &PendingRequest{
			CorrelationID: id,
			Agent:         normalized,
			RequestedAt:   now,
			Deadline:      now.Add(b.timeout),
		})
		if err != nil {
			return err
		}
		err = b.outbox.Send(ctx, target, "", messages.ScoreRequest{
			Agent:          normalized,
			RequesterChain: b.ChainID(),
			CorrelationID:  id,
		})
		if err != nil {
			if rmErr := b.store.RemovePending(ctx, id); rmErr != nil {
				logging.L(ctx).Warn("failed to drop unsent score request", "correlation_id", id, "error", rmErr)
			}
			return err
		}
		metrics.PendingScoreRequests.Inc()
		logging.L(ctx).Info("score requested", "agent", normalized, "correlation_id", id, "registry", target)
		correlationID = id
		return nil
	})
	return correlationID, err
}

// RegisterCommitment stores a commitment built by the caller. A zero hash is
// filled in from the committed values; a supplied hash is stored as given.
func (b *Builder) RegisterCommitment(ctx context.Context, caller chain.Caller, c ScoreCommitment) (common.Hash, error) {
	err := b.run(ctx, "register_commitment", func(ctx context.Context) error {
		if _, err := caller.RequireSigner(); err != nil {
			return err
		}
		normalized, ok := chain.NormalizeAddress(c.Agent)
		if !ok {
			return fmt.Errorf("%w: agent must be an address", chain.ErrInvalidRequest)
		}
		c.Agent = normalized
		c.Timestamp = c.Timestamp.UTC().Truncate(time.Microsecond)
		if c.RegistryChain == "" {
			c.RegistryChain, _ = b.store.Target(ctx)
		}
		if c.CommitmentHash == (common.Hash{}) {
			c.CommitmentHash = CommitmentHash(c.Agent, c.Score, c.Timestamp)
		} else if !c.Verify() {
			logging.L(ctx).Warn("registering commitment whose hash does not match its values", "agent", c.Agent)
		}
		if err := b.store.PutCommitment(ctx, &c); err != nil {
			return err
		}
		metrics.CommitmentsTotal.WithLabelValues(sourceRegistered).Inc()
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return c.CommitmentHash, nil
}

// VerifyCommitment recomputes c's hash from its values.
func (b *Builder) VerifyCommitment(c ScoreCommitment) bool {
	return c.Verify()
}

// Commitment returns the agent's latest commitment.
func (b *Builder) Commitment(ctx context.Context, agent string) (*ScoreCommitment, error) {
	return b.store.Commitment(ctx, agent)
}

// Stats returns the bridge's counters.
func (b *Builder) Stats(ctx context.Context) (*Stats, error) {
	target, err := b.store.Target(ctx)
	if err != nil {
		return nil, err
	}
	total, err := b.store.TotalCommitments(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := b.store.PendingCount(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{RegistryChain: target, TotalCommitments: total, PendingRequests: pending}, nil
}

// HandleDelivery turns a solicited ScoreResponse into a commitment.
// Duplicate, expired and unsolicited responses are dropped.
func (b *Builder) HandleDelivery(ctx context.Context, d *messages.Delivery) error {
	kind := d.Message.Kind()
	ctx, span := traces.StartSpan(ctx, "oracle.handle_message",
		traces.Chain(b.ChainID()), traces.MessageKind(string(kind)), traces.MessageID(d.ID), traces.Sender(d.From))

	outcome := "ignored"
	err := b.exec.Do(ctx, func(ctx context.Context) error {
		resp, ok := d.Message.(messages.ScoreResponse)
		if !ok {
			logging.L(ctx).Debug("bridge ignoring message", "kind", kind, "from", d.From)
			return nil
		}
		var err error
		outcome, err = b.handleResponse(ctx, d.From, resp)
		return err
	})
	if err != nil {
		outcome = "failed"
	}
	metrics.MessagesHandledTotal.WithLabelValues(string(kind), outcome).Inc()
	span.SetAttributes(traces.Outcome(outcome))
	traces.End(span, err)
	return err
}

func (b *Builder) handleResponse(ctx context.Context, from string, resp messages.ScoreResponse) (string, error) {
	logger := logging.L(ctx).With("agent", resp.Agent, "correlation_id", resp.CorrelationID)

	target, err := b.store.Target(ctx)
	if err != nil {
		return "failed", err
	}
	if target == "" || !strings.EqualFold(from, target) {
		logger.Warn("dropping score response from unexpected chain", "from", from, "registry", target)
		return "unsolicited", nil
	}

	if !idgen.IsScoreRequest(resp.CorrelationID) {
		logger.Warn("dropping score response with foreign correlation id")
		return "unsolicited", nil
	}

	ts := resp.Timestamp.UTC().Truncate(time.Microsecond)
	c := &ScoreCommitment{
		Agent:          strings.ToLower(resp.Agent),
		Score:          resp.Score,
		Tier:           resp.Tier,
		Timestamp:      ts,
		RegistryChain:  target,
		CorrelationID:  resp.CorrelationID,
		CommitmentHash: CommitmentHash(resp.Agent, resp.Score, ts),
	}
	err = b.store.Fulfil(ctx, c)
	switch {
	case errors.Is(err, ErrNotPending):
		logger.Debug("dropping score response with no pending request")
		return "unsolicited", nil
	case err != nil:
		return "failed", err
	}
	metrics.PendingScoreRequests.Dec()
	metrics.CommitmentsTotal.WithLabelValues(sourceResponse).Inc()
	logger.Info("commitment stored", "score", c.Score, "tier", c.Tier, "hash", c.CommitmentHash.Hex())
	return "applied", nil
}

// SweepExpired drops pending requests past their deadline and returns how
// many were removed.
func (b *Builder) SweepExpired(ctx context.Context) (int, error) {
	var n int
	err := b.exec.Do(ctx, func(ctx context.Context) error {
		expired, err := b.store.ExpirePending(ctx, b.clock.Now(), 100)
		if err != nil {
			return err
		}
		for _, p := range expired {
			logging.L(ctx).Warn("score request timed out", "agent", p.Agent, "correlation_id", p.CorrelationID, "deadline", p.Deadline)
		}
		n = len(expired)
		metrics.ScoreRequestTimeoutsTotal.Add(float64(n))

		if count, err := b.store.PendingCount(ctx); err == nil {
			metrics.PendingScoreRequests.Set(float64(count))
		}
		return nil
	})
	return n, err
}
