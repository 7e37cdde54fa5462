package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/kya/internal/chain"
	"github.com/mbd888/kya/internal/logging"
	"github.com/mbd888/kya/internal/messages"
	"github.com/mbd888/kya/internal/metrics"
	"github.com/mbd888/kya/internal/traces"
)

// MaxDescriptionLength bounds a task description in bytes.
const MaxDescriptionLength = 4096

// reportBatch bounds how many pending reports one flush sends per agent.
const reportBatch = 100

// Outbox sends messages from the relay chain.
type Outbox interface {
	ChainID() string
	Send(ctx context.Context, to, signer string, m messages.Message) error
}

// Service hosts agent relays. Each agent has its own log, counters and
// registry target; all of them run on one relay chain.
type Service struct {
	store  Store
	exec   *chain.Executor
	outbox Outbox
	clock  chain.Clock
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock.
func WithClock(c chain.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// NewService creates the relay.
func NewService(store Store, outbox Outbox, opts ...Option) *Service {
	s := &Service{
		store:  store,
		exec:   chain.NewExecutor(outbox.ChainID()),
		outbox: outbox,
		clock:  chain.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ChainID returns the relay chain's ID.
func (s *Service) ChainID() string { return s.outbox.ChainID() }

func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "relay."+op, traces.Chain(s.ChainID()))
	err := s.exec.Do(ctx, fn)
	traces.End(span, err)
	return err
}

// Initialize points the calling agent's relay at a registry chain.
func (s *Service) Initialize(ctx context.Context, caller chain.Caller, registryChain string) error {
	return s.run(ctx, "initialize", func(ctx context.Context) error {
		agent, err := caller.RequireSigner()
		if err != nil {
			return err
		}
		target, ok := chain.NormalizeAddress(registryChain)
		if !ok {
			return fmt.Errorf("%w: registry chain must be a chain ID", chain.ErrInvalidRequest)
		}
		if err := s.store.SetTarget(ctx, agent, target); err != nil {
			return err
		}
		logging.L(ctx).Info("relay initialized", "agent", agent, "registry", target)
		return nil
	})
}

// target resolves the agent's registry chain or fails with ErrNotInitialized.
func (s *Service) target(ctx context.Context, agent string) (string, error) {
	target, err := s.store.Target(ctx, agent)
	if err != nil {
		return "", err
	}
	if target == "" {
		return "", chain.ErrNotInitialized
	}
	return target, nil
}

// LogTask appends a task outcome to the caller's log and reports it to the
// registry. The entry is stored together with its pending report; if the
// report cannot be sent now it stays pending for FlushReports and LogTask
// still succeeds. Entry.Reported tells which happened.
func (s *Service) LogTask(ctx context.Context, caller chain.Caller, description string, success bool) (*TaskEntry, error) {
	var out *TaskEntry
	err := s.run(ctx, "log_task", func(ctx context.Context) error {
		agent, err := caller.RequireSigner()
		if err != nil {
			return err
		}
		target, err := s.target(ctx, agent)
		if err != nil {
			return err
		}
		if len(description) > MaxDescriptionLength {
			return fmt.Errorf("%w: description exceeds %d bytes", chain.ErrInvalidRequest, MaxDescriptionLength)
		}

		entry, err := s.store.Append(ctx, agent, &TaskEntry{
			TaskHash:    HashDescription(description),
			Success:     success,
			Timestamp:   s.clock.Now(),
			Description: description,
		})
		if err != nil {
			return err
		}
		out = entry
		metrics.RelayTasksTotal.WithLabelValues(outcomeLabel(success)).Inc()

		_, last, err := s.flush(ctx, agent, target)
		if err != nil {
			logging.L(ctx).Warn("activity log deferred", "agent", agent, "sequence", entry.Sequence, "error", err)
		}
		entry.Reported = last >= entry.Sequence
		return nil
	})
	return out, err
}

// FlushReports resends every pending ActivityLog and returns how many were
// sent. Reports that still cannot be sent stay pending.
func (s *Service) FlushReports(ctx context.Context) (int, error) {
	var total int
	err := s.run(ctx, "flush_reports", func(ctx context.Context) error {
		agents, err := s.store.UnreportedAgents(ctx, reportBatch)
		if err != nil {
			return err
		}
		for _, agent := range agents {
			target, err := s.target(ctx, agent)
			if err != nil {
				if errors.Is(err, chain.ErrNotInitialized) {
					continue
				}
				return err
			}
			n, _, err := s.flush(ctx, agent, target)
			total += n
			if chain.IsStorageFailure(err) {
				return err
			}
			if err != nil {
				logging.L(ctx).Warn("activity logs still pending", "agent", agent, "error", err)
			}
		}
		return nil
	})
	return total, err
}

// flush sends the agent's pending reports in log order and stops at the
// first failure, so the registry never sees a later entry before an earlier
// one. It returns the number sent and the highest sequence sent.
func (s *Service) flush(ctx context.Context, agent, target string) (int, uint64, error) {
	pending, err := s.store.Unreported(ctx, agent, reportBatch)
	if err != nil {
		return 0, 0, err
	}
	var (
		sent int
		last uint64
	)
	for _, e := range pending {
		err := s.outbox.Send(ctx, target, agent, messages.ActivityLog{
			Agent:     agent,
			TaskHash:  e.TaskHash,
			Success:   e.Success,
			Timestamp: e.Timestamp,
			Sequence:  e.Sequence,
		})
		if err != nil {
			metrics.RelayReportFailuresTotal.Inc()
			return sent, last, err
		}
		// A failed mark resends the entry later; the registry dedupes it.
		if err := s.store.MarkReported(ctx, agent, e.Sequence); err != nil {
			return sent, last, err
		}
		sent++
		last = e.Sequence
	}
	return sent, last, nil
}

// RequestAudit asks the registry to audit the caller.
func (s *Service) RequestAudit(ctx context.Context, caller chain.Caller) error {
	return s.run(ctx, "request_audit", func(ctx context.Context) error {
		agent, err := caller.RequireSigner()
		if err != nil {
			return err
		}
		target, err := s.target(ctx, agent)
		if err != nil {
			return err
		}
		return s.outbox.Send(ctx, target, agent, messages.AuditRequest{
			Agent:     agent,
			Timestamp: s.clock.Now(),
		})
	})
}

// Stats returns an agent's task counters.
func (s *Service) Stats(ctx context.Context, agent string) (*Stats, error) {
	return s.store.Stats(ctx, agent)
}

// Tasks returns an agent's most recent task entries.
func (s *Service) Tasks(ctx context.Context, agent string, limit int) ([]*TaskEntry, error) {
	return s.store.Tasks(ctx, agent, limit)
}

// HandleDelivery processes messages addressed to the relay chain. The relay
// subscribes to registry code updates and records them; nothing else is
// expected.
func (s *Service) HandleDelivery(ctx context.Context, d *messages.Delivery) error {
	return s.exec.Do(ctx, func(ctx context.Context) error {
		switch m := d.Message.(type) {
		case messages.CodeUpdated:
			logging.L(ctx).Info("agent code updated", "agent", m.Agent, "version", m.NewVersion, "code_hash", m.NewCodeHash.Hex())
			metrics.MessagesHandledTotal.WithLabelValues(string(m.Kind()), "acknowledged").Inc()
		default:
			logging.L(ctx).Debug("relay ignoring message", "kind", d.Message.Kind(), "from", d.From)
			metrics.MessagesHandledTotal.WithLabelValues(string(d.Message.Kind()), "ignored").Inc()
		}
		return nil
	})
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
