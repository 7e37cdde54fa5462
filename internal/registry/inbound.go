package registry

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/kya/internal/logging"
	"github.com/mbd888/kya/internal/messages"
	"github.com/mbd888/kya/internal/metrics"
	"github.com/mbd888/kya/internal/traces"
)

// Inbound message outcomes, used as metric labels.
const (
	outcomeApplied        = "applied"
	outcomeDuplicate      = "duplicate"
	outcomeUnknownAgent   = "unknown_agent"
	outcomeSignerMismatch = "signer_mismatch"
	outcomeUntrusted      = "untrusted_sender"
	outcomeReplyMismatch  = "reply_mismatch"
	outcomeAcknowledged   = "acknowledged"
	outcomeIgnored        = "ignored"
	outcomeFailed         = "failed"
)

// HandleDelivery processes one inbound message on the registry chain.
//
// Only ActivityLog, ProofOfAudit and ScoreRequest change anything. The first
// two must arrive signed from a trusted chain on behalf of the agent or
// auditor. Messages about unknown agents, duplicates, untrusted senders and
// forged signers are dropped; only storage failures are returned so the
// transport redelivers.
func (s *Service) HandleDelivery(ctx context.Context, d *messages.Delivery) error {
	kind := d.Message.Kind()
	ctx, span := traces.StartSpan(ctx, "registry.handle_message",
		traces.Chain(s.ChainID()), traces.MessageKind(string(kind)), traces.MessageID(d.ID), traces.Sender(d.From))

	var outcome string
	err := s.exec.Do(ctx, func(ctx context.Context) error {
		var err error
		outcome, err = s.handle(ctx, d)
		return err
	})
	if err != nil {
		outcome = outcomeFailed
	}
	metrics.MessagesHandledTotal.WithLabelValues(string(kind), outcome).Inc()
	span.SetAttributes(traces.Outcome(outcome))
	traces.End(span, err)
	return err
}

func (s *Service) handle(ctx context.Context, d *messages.Delivery) (string, error) {
	logger := logging.L(ctx).With("message_id", d.ID, "from", d.From)

	switch m := d.Message.(type) {
	case messages.ActivityLog:
		agent := strings.ToLower(m.Agent)
		if outcome, ok := s.vouched(logger, d, agent); !ok {
			return outcome, nil
		}
		err := s.recordTask(ctx, agent, m.Success, activityKey(agent, m.TaskHash, m.Sequence))
		return dropOrFail(logger, "activity log", agent, err)

	case messages.ProofOfAudit:
		agent := strings.ToLower(m.Agent)
		auditor := strings.ToLower(m.Auditor)
		if outcome, ok := s.vouched(logger, d, auditor); !ok {
			return outcome, nil
		}
		var previous Tier
		b, err := s.store.Update(ctx, agent, Mutation{
			Apply: func(b *Badge) error {
				previous = b.Tier()
				b.adjustScore(auditDelta(m.Passed))
				setAuditTime(b, m.Timestamp.UTC())
				return nil
			},
			DedupeKey: auditKey(agent, auditor, m.Timestamp.UnixMicro()),
		})
		if err != nil {
			return dropOrFail(logger, "audit proof", agent, err)
		}
		s.scoreChanged(ctx, b, previous)
		logger.Info("audit proof applied", "agent", agent, "auditor", auditor, "passed", m.Passed)
		return outcomeApplied, nil

	case messages.ScoreRequest:
		agent := strings.ToLower(m.Agent)
		replyTo := strings.ToLower(d.From)
		if requester := strings.ToLower(m.RequesterChain); requester != "" && requester != replyTo {
			logger.Warn("score request names another reply chain", "agent", agent, "requester_chain", requester)
			return outcomeReplyMismatch, nil
		}
		b, err := s.store.Get(ctx, agent)
		if err != nil {
			return dropOrFail(logger, "score request", agent, err)
		}
		resp := messages.ScoreResponse{
			Agent:         b.Owner,
			Score:         b.ReputationScore,
			Tier:          string(b.Tier()),
			Timestamp:     s.clock.Now(),
			CorrelationID: m.CorrelationID,
		}
		if err := s.outbox.Send(ctx, replyTo, "", resp); err != nil {
			return outcomeFailed, err
		}
		return outcomeApplied, nil

	case messages.AuditRequest:
		logger.Info("audit requested", "agent", m.Agent, "signer", d.Signer)
		return outcomeAcknowledged, nil

	default:
		logger.Debug("ignoring message", "kind", d.Message.Kind())
		return outcomeIgnored, nil
	}
}

// vouched reports whether d came from a trusted chain that authenticated
// want as the signer. Unsigned envelopes never carry a signer.
func (s *Service) vouched(logger *slog.Logger, d *messages.Delivery, want string) (string, bool) {
	kind := d.Message.Kind()
	if !s.trusted[strings.ToLower(d.From)] {
		logger.Warn("dropping message from untrusted chain", "kind", kind)
		return outcomeUntrusted, false
	}
	if signer := strings.ToLower(d.Signer); signer != want {
		logger.Warn("message signer does not match", "kind", kind, "want", want, "signer", signer)
		return outcomeSignerMismatch, false
	}
	return "", true
}

func dropOrFail(logger *slog.Logger, what, agent string, err error) (string, error) {
	switch {
	case err == nil:
		return outcomeApplied, nil
	case errors.Is(err, ErrDuplicateMessage):
		logger.Debug("dropping duplicate "+what, "agent", agent)
		return outcomeDuplicate, nil
	case isDropped(err):
		logger.Debug("dropping "+what+" for unknown agent", "agent", agent)
		return outcomeUnknownAgent, nil
	default:
		return outcomeFailed, err
	}
}

// activityKey identifies one task report: the relay's log position plus the
// task hash. A zero sequence (legacy senders) dedupes on the hash alone.
func activityKey(agent string, taskHash common.Hash, seq uint64) common.Hash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return common.BytesToHash(crypto.Keccak256([]byte("kya/activity/"), []byte(agent), taskHash[:], buf[:]))
}

func auditKey(agent, auditor string, micros int64) common.Hash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(micros))
	return common.BytesToHash(crypto.Keccak256([]byte("kya/audit/"), []byte(agent), []byte(auditor), buf[:]))
}
