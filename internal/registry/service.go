package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/kya/internal/chain"
	"github.com/mbd888/kya/internal/logging"
	"github.com/mbd888/kya/internal/messages"
	"github.com/mbd888/kya/internal/metrics"
	"github.com/mbd888/kya/internal/tokens"
	"github.com/mbd888/kya/internal/traces"
)

// Outbox sends messages from the registry chain.
type Outbox interface {
	ChainID() string
	Send(ctx context.Context, to, signer string, m messages.Message) error
}

// Notifier receives registry events for off-chain subscribers.
type Notifier interface {
	CodeUpdated(ctx context.Context, ev messages.CodeUpdated)
	ScoreChanged(ctx context.Context, b *Badge, previous Tier)
}

// Service is the registry state machine. Every operation and inbound
// message runs on the registry chain's executor, one at a time.
type Service struct {
	store       Store
	exec        *chain.Executor
	outbox      Outbox
	clock       chain.Clock
	notifier    Notifier
	subscribers []string
	trusted     map[string]bool
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock.
func WithClock(c chain.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithNotifier attaches an off-chain event sink.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithSubscriberChains forwards CodeUpdated to the given chains.
func WithSubscriberChains(ids ...string) Option {
	return func(s *Service) {
		for _, id := range ids {
			if id = strings.TrimSpace(strings.ToLower(id)); id != "" {
				s.subscribers = append(s.subscribers, id)
			}
		}
	}
}

// WithTrustedChains lists the sender chains allowed to deliver ActivityLog
// and ProofOfAudit: relay chains and auditor chains. A chain can only vouch
// for signers through its own key, so a chain outside this set could claim
// any agent.
func WithTrustedChains(ids ...string) Option {
	return func(s *Service) {
		for _, id := range ids {
			if id = strings.TrimSpace(strings.ToLower(id)); id != "" {
				s.trusted[id] = true
			}
		}
	}
}

// NewService creates the registry state machine.
func NewService(store Store, outbox Outbox, opts ...Option) *Service {
	s := &Service{
		store:   store,
		exec:    chain.NewExecutor(outbox.ChainID()),
		outbox:  outbox,
		clock:   chain.SystemClock{},
		trusted: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ChainID returns the registry chain's ID.
func (s *Service) ChainID() string { return s.outbox.ChainID() }

// RegisterRequest carries a new agent's code and manifest.
type RegisterRequest struct {
	CodeHash        common.Hash     `json:"code_hash"`
	StorageProvider StorageProvider `json:"storage_provider"`
	StorageCID      string          `json:"storage_cid"`
	Manifest        Manifest        `json:"manifest"`
}

func (r *RegisterRequest) normalize() error {
	if r.StorageProvider == "" {
		r.StorageProvider = StorageNone
	}
	if !r.StorageProvider.Valid() {
		return fmt.Errorf("%w: unknown storage provider %q", chain.ErrInvalidRequest, r.StorageProvider)
	}
	r.Manifest = r.Manifest.WithDefaults()
	return nil
}

// CodeUpdate reports the result of UpdateCode.
type CodeUpdate struct {
	Agent       string `json:"agent"`
	Version     string `json:"version"`
	UpdateCount uint64 `json:"update_count"`
}

// ScoreUpdate reports a score after adjustment.
type ScoreUpdate struct {
	Score uint16 `json:"score"`
	Tier  Tier   `json:"tier"`
}

// SlashResult reports the amount actually removed from a stake.
type SlashResult struct {
	Agent     string        `json:"agent"`
	Slashed   tokens.Amount `json:"slashed"`
	Remaining tokens.Amount `json:"remaining"`
}

// Quote is the price of subscribing to an agent. Funds move elsewhere.
type Quote struct {
	Agent      string        `json:"agent"`
	Subscriber string        `json:"subscriber"`
	Cost       tokens.Amount `json:"cost"`
}

// run executes fn on the registry chain, with a span and an operation metric.
func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "registry."+op, traces.Chain(s.ChainID()))
	err := s.exec.Do(ctx, fn)
	result := "ok"
	if err != nil {
		result = chain.KindOf(err)
		if result == "" {
			result = "error"
		}
	}
	metrics.RegistryOperationsTotal.WithLabelValues(op, result).Inc()
	traces.End(span, err)
	return err
}

// Register creates a badge for the calling agent.
func (s *Service) Register(ctx context.Context, caller chain.Caller, req RegisterRequest) (string, error) {
	err := s.run(ctx, "register", func(ctx context.Context) error {
		owner, err := caller.RequireSigner()
		if err != nil {
			return err
		}
		if err := req.normalize(); err != nil {
			return err
		}
		now := s.clock.Now()
		b := &Badge{
			Owner:           strings.ToLower(owner),
			CodeHash:        req.CodeHash,
			StorageProvider: req.StorageProvider,
			StorageCID:      req.StorageCID,
			Manifest:        req.Manifest,
			ReputationScore: InitialScore,
			RegisteredAt:    now,
			LastUpdatedAt:   now,
		}
		if err := s.store.Insert(ctx, b); err != nil {
			return err
		}
		logging.L(ctx).Info("agent registered", "agent", b.Owner, "provider", b.StorageProvider, "version", b.Manifest.Version)
		return nil
	})
	if err != nil {
		return "", err
	}
	return req.StorageCID, nil
}

// UpdateCode replaces the calling agent's code and manifest. Agents above
// Unverified lose CodeUpdatePenalty points: trust has to be re-earned.
func (s *Service) UpdateCode(ctx context.Context, caller chain.Caller, req RegisterRequest) (*CodeUpdate, error) {
	var out *CodeUpdate
	err := s.run(ctx, "update_code", func(ctx context.Context) error {
		owner, err := caller.RequireSigner()
		if err != nil {
			return err
		}
		if err := req.normalize(); err != nil {
			return err
		}
		now := s.clock.Now()
		var previous Tier
		b, err := s.store.Update(ctx, owner, Mutation{
			Apply: func(b *Badge) error {
				previous = b.Tier()
				b.CodeHash = req.CodeHash
				b.StorageProvider = req.StorageProvider
				b.StorageCID = req.StorageCID
				b.Manifest = req.Manifest
				b.UpdateCount++
				b.LastUpdatedAt = chain.Later(b.LastUpdatedAt, now)
				if previous != TierUnverified {
					b.adjustScore(CodeUpdatePenalty)
				}
				return nil
			},
			Bump: []Counter{CounterCodeUpdates},
		})
		if err != nil {
			return err
		}
		s.scoreChanged(ctx, b, previous)
		s.emitCodeUpdated(ctx, messages.CodeUpdated{
			Agent:       b.Owner,
			NewCodeHash: b.CodeHash,
			NewVersion:  b.Manifest.Version,
			Timestamp:   b.LastUpdatedAt,
		})
		out = &CodeUpdate{Agent: b.Owner, Version: b.Manifest.Version, UpdateCount: b.UpdateCount}
		return nil
	})
	return out, err
}

// AdjustScore applies a signed delta, saturating at [0,1000].
// The caller must carry administrative authorization.
func (s *Service) AdjustScore(ctx context.Context, caller chain.Caller, agent string, delta int, reason string) (*ScoreUpdate, error) {
	var out *ScoreUpdate
	err := s.run(ctx, "adjust_score", func(ctx context.Context) error {
		if _, err := caller.RequireSigner(); err != nil {
			return err
		}
		if !caller.Authorized {
			return chain.ErrNotAuthorized
		}
		b, err := s.applyScore(ctx, agent, delta, nil)
		if err != nil {
			return err
		}
		logging.L(ctx).Info("score adjusted", "agent", b.Owner, "delta", delta, "reason", reason, "score", b.ReputationScore)
		out = &ScoreUpdate{Score: b.ReputationScore, Tier: b.Tier()}
		return nil
	})
	return out, err
}

// FlagSpam increments the agent's spam flags and applies SpamPenalty.
func (s *Service) FlagSpam(ctx context.Context, caller chain.Caller, agent, evidence string) (uint8, error) {
	var flags uint8
	err := s.run(ctx, "flag_spam", func(ctx context.Context) error {
		reporter, err := caller.RequireSigner()
		if err != nil {
			return err
		}
		var previous Tier
		b, err := s.store.Update(ctx, agent, Mutation{
			Apply: func(b *Badge) error {
				previous = b.Tier()
				b.flagSpam()
				b.adjustScore(SpamPenalty)
				return nil
			},
		})
		if err != nil {
			return err
		}
		s.scoreChanged(ctx, b, previous)
		logging.L(ctx).Warn("agent flagged as spam", "agent", b.Owner, "reporter", reporter, "evidence", evidence, "flags", b.SpamFlags)
		flags = b.SpamFlags
		return nil
	})
	return flags, err
}

// SubmitAudit records an audit verdict: +100 if passed, -50 otherwise.
func (s *Service) SubmitAudit(ctx context.Context, caller chain.Caller, agent string, passed bool, notes string) (bool, error) {
	err := s.run(ctx, "submit_audit", func(ctx context.Context) error {
		auditor, err := caller.RequireSigner()
		if err != nil {
			return err
		}
		now := s.clock.Now()
		b, err := s.applyScore(ctx, agent, auditDelta(passed), func(b *Badge) {
			setAuditTime(b, now)
		})
		if err != nil {
			return err
		}
		logging.L(ctx).Info("audit submitted", "agent", b.Owner, "auditor", auditor, "passed", passed, "notes", notes)
		return nil
	})
	return passed, err
}

// RecordTask applies one task outcome to the agent's badge.
func (s *Service) RecordTask(ctx context.Context, agent string, success bool) error {
	return s.run(ctx, "record_task", func(ctx context.Context) error {
		return s.recordTask(ctx, agent, success, common.Hash{})
	})
}

// VerifyCodeHash compares the stored code hash with expected.
func (s *Service) VerifyCodeHash(ctx context.Context, agent string, expected common.Hash) (bool, error) {
	var matches bool
	err := s.run(ctx, "verify_code_hash", func(ctx context.Context) error {
		b, err := s.store.Get(ctx, agent)
		if err != nil {
			return err
		}
		matches = b.CodeHash == expected
		return nil
	})
	return matches, err
}

// Stake adds amount to the caller's stake, saturating at the maximum amount.
func (s *Service) Stake(ctx context.Context, caller chain.Caller, amount tokens.Amount) (tokens.Amount, error) {
	var balance tokens.Amount
	err := s.run(ctx, "stake", func(ctx context.Context) error {
		owner, err := caller.RequireSigner()
		if err != nil {
			return err
		}
		b, err := s.store.Update(ctx, owner, Mutation{
			Apply: func(b *Badge) error {
				b.StakeBalance = b.StakeBalance.SaturatingAdd(amount)
				return nil
			},
		})
		if err != nil {
			return err
		}
		balance = b.StakeBalance
		return nil
	})
	return balance, err
}

// Unstake withdraws amount from the caller's stake.
func (s *Service) Unstake(ctx context.Context, caller chain.Caller, amount tokens.Amount) (tokens.Amount, error) {
	var remaining tokens.Amount
	err := s.run(ctx, "unstake", func(ctx context.Context) error {
		owner, err := caller.RequireSigner()
		if err != nil {
			return err
		}
		b, err := s.store.Update(ctx, owner, Mutation{
			Apply: func(b *Badge) error {
				next, ok := b.StakeBalance.Sub(amount)
				if !ok {
					return ErrInsufficientStake
				}
				b.StakeBalance = next
				return nil
			},
		})
		if err != nil {
			return err
		}
		remaining = b.StakeBalance
		return nil
	})
	return remaining, err
}

// Slash removes up to amount from an agent's stake. The slashed amount is
// clamped to the balance, so a slash against an existing badge never fails
// for lack of funds. The caller must carry administrative authorization.
func (s *Service) Slash(ctx context.Context, caller chain.Caller, agent string, amount tokens.Amount) (*SlashResult, error) {
	var out *SlashResult
	err := s.run(ctx, "slash", func(ctx context.Context) error {
		if _, err := caller.RequireSigner(); err != nil {
			return err
		}
		if !caller.Authorized {
			return chain.ErrNotAuthorized
		}
		var slashed tokens.Amount
		b, err := s.store.Update(ctx, agent, Mutation{
			Apply: func(b *Badge) error {
				slashed = tokens.Min(amount, b.StakeBalance)
				b.StakeBalance, _ = b.StakeBalance.Sub(slashed)
				return nil
			},
		})
		if err != nil {
			return err
		}
		logging.L(ctx).Warn("stake slashed", "agent", b.Owner, "requested", amount.String(), "slashed", slashed.String())
		out = &SlashResult{Agent: b.Owner, Slashed: slashed, Remaining: b.StakeBalance}
		return nil
	})
	return out, err
}

// SetSubscriptionCost sets the price of subscribing to the caller.
func (s *Service) SetSubscriptionCost(ctx context.Context, caller chain.Caller, cost tokens.Amount) error {
	return s.run(ctx, "set_subscription_cost", func(ctx context.Context) error {
		owner, err := caller.RequireSigner()
		if err != nil {
			return err
		}
		_, err = s.store.Update(ctx, owner, Mutation{
			Apply: func(b *Badge) error {
				b.SubscriptionCost = cost
				return nil
			},
		})
		return err
	})
}

// GetSubscriptionCost returns an agent's subscription price.
func (s *Service) GetSubscriptionCost(ctx context.Context, agent string) (tokens.Amount, error) {
	b, err := s.store.Get(ctx, agent)
	if err != nil {
		return tokens.Zero, err
	}
	return b.SubscriptionCost, nil
}

// Subscribe quotes the price for the caller to subscribe to agent.
func (s *Service) Subscribe(ctx context.Context, caller chain.Caller, agent string) (*Quote, error) {
	var out *Quote
	err := s.run(ctx, "subscribe", func(ctx context.Context) error {
		subscriber, err := caller.RequireSigner()
		if err != nil {
			return err
		}
		cost, err := s.GetSubscriptionCost(ctx, agent)
		if err != nil {
			return err
		}
		out = &Quote{Agent: strings.ToLower(agent), Subscriber: subscriber, Cost: cost}
		return nil
	})
	return out, err
}

// Badge returns an agent's badge.
func (s *Service) Badge(ctx context.Context, agent string) (*Badge, error) {
	return s.store.Get(ctx, agent)
}

// List returns registered badges.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*Badge, error) {
	return s.store.List(ctx, limit, offset)
}

// Stats returns the aggregate counters.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.store.Stats(ctx)
}

// --- shared primitives ---

func (s *Service) applyScore(ctx context.Context, agent string, delta int, extra func(*Badge)) (*Badge, error) {
	var previous Tier
	b, err := s.store.Update(ctx, agent, Mutation{
		Apply: func(b *Badge) error {
			previous = b.Tier()
			b.adjustScore(delta)
			if extra != nil {
				extra(b)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	s.scoreChanged(ctx, b, previous)
	return b, nil
}

func (s *Service) recordTask(ctx context.Context, agent string, success bool, dedupe common.Hash) error {
	var previous Tier
	b, err := s.store.Update(ctx, agent, Mutation{
		Apply: func(b *Badge) error {
			previous = b.Tier()
			if success {
				b.TasksCompleted++
				b.adjustScore(TaskSuccessReward)
			} else {
				b.TasksFailed++
				b.adjustScore(TaskFailPenalty)
			}
			return nil
		},
		DedupeKey: dedupe,
		Bump:      []Counter{CounterLogsProcessed},
	})
	if err != nil {
		return err
	}
	s.scoreChanged(ctx, b, previous)
	return nil
}

func (s *Service) scoreChanged(ctx context.Context, b *Badge, previous Tier) {
	if current := b.Tier(); current != previous {
		metrics.TierTransitionsTotal.WithLabelValues(string(previous), string(current)).Inc()
		logging.L(ctx).Info("tier changed", "agent", b.Owner, "from", previous, "to", current, "score", b.ReputationScore)
	}
	if s.notifier != nil {
		s.notifier.ScoreChanged(ctx, b, previous)
	}
}

func (s *Service) emitCodeUpdated(ctx context.Context, ev messages.CodeUpdated) {
	if s.notifier != nil {
		s.notifier.CodeUpdated(ctx, ev)
	}
	for _, to := range s.subscribers {
		if err := s.outbox.Send(ctx, to, "", ev); err != nil {
			logging.L(ctx).Error("failed to notify subscriber chain", "to", to, "agent", ev.Agent, "error", err)
		}
	}
}

func auditDelta(passed bool) int {
	if passed {
		return AuditPassReward
	}
	return AuditFailPenalty
}

func setAuditTime(b *Badge, t time.Time) {
	if b.LastAuditTimestamp != nil {
		t = chain.Later(*b.LastAuditTimestamp, t)
	}
	b.LastAuditTimestamp = &t
}

// isDropped reports whether an inbound-message error means "ignore the
// message" rather than "retry it".
func isDropped(err error) bool {
	return errors.Is(err, ErrAgentNotFound) || errors.Is(err, ErrDuplicateMessage)
}
