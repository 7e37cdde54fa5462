// Package messages defines the cross-chain message vocabulary exchanged by
// agent relays, the registry and the oracle bridge, and the signed envelope
// that carries it between chains.
package messages

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind tags a message variant on the wire.
type Kind string

const (
	KindActivityLog   Kind = "activity_log"
	KindAuditRequest  Kind = "audit_request"
	KindProofOfAudit  Kind = "proof_of_audit"
	KindScoreRequest  Kind = "score_request"
	KindScoreResponse Kind = "score_response"
	KindCodeUpdated   Kind = "code_updated"
)

var (
	ErrUnknownKind  = errors.New("messages: unknown message kind")
	ErrBadSignature = errors.New("messages: envelope signature does not match sender")
	ErrMalformed    = errors.New("messages: malformed envelope")
)

// Message is one variant of the cross-chain vocabulary.
type Message interface {
	Kind() Kind
}

// ActivityLog reports a task outcome from an agent relay to the registry.
// Sequence is the entry's 1-based position in the relay's task log; it lets
// the registry tell a redelivery apart from a genuinely repeated task.
type ActivityLog struct {
	Agent     string      `cbor:"1,keyasint" json:"agent"`
	TaskHash  common.Hash `cbor:"2,keyasint" json:"task_hash"`
	Success   bool        `cbor:"3,keyasint" json:"success"`
	Timestamp time.Time   `cbor:"4,keyasint" json:"timestamp"`
	Sequence  uint64      `cbor:"5,keyasint,omitempty" json:"sequence,omitempty"`
}

// AuditRequest asks the registry to schedule an audit of an agent.
type AuditRequest struct {
	Agent     string    `cbor:"1,keyasint" json:"agent"`
	Timestamp time.Time `cbor:"2,keyasint" json:"timestamp"`
}

// ProofOfAudit carries an audit verdict from an auditor.
type ProofOfAudit struct {
	Agent     string    `cbor:"1,keyasint" json:"agent"`
	Auditor   string    `cbor:"2,keyasint" json:"auditor"`
	Passed    bool      `cbor:"3,keyasint" json:"passed"`
	Timestamp time.Time `cbor:"4,keyasint" json:"timestamp"`
}

// ScoreRequest asks the registry for an agent's current score.
type ScoreRequest struct {
	Agent          string `cbor:"1,keyasint" json:"agent"`
	RequesterChain string `cbor:"2,keyasint" json:"requester_chain"`
	CorrelationID  string `cbor:"3,keyasint,omitempty" json:"correlation_id,omitempty"`
}

// ScoreResponse answers a ScoreRequest.
type ScoreResponse struct {
	Agent         string    `cbor:"1,keyasint" json:"agent"`
	Score         uint16    `cbor:"2,keyasint" json:"score"`
	Tier          string    `cbor:"3,keyasint" json:"tier"`
	Timestamp     time.Time `cbor:"4,keyasint" json:"timestamp"`
	CorrelationID string    `cbor:"5,keyasint,omitempty" json:"correlation_id,omitempty"`
}

// CodeUpdated notifies subscribers that an agent shipped new code.
type CodeUpdated struct {
	Agent       string      `cbor:"1,keyasint" json:"agent"`
	NewCodeHash common.Hash `cbor:"2,keyasint" json:"new_code_hash"`
	NewVersion  string      `cbor:"3,keyasint" json:"new_version"`
	Timestamp   time.Time   `cbor:"4,keyasint" json:"timestamp"`
}

func (ActivityLog) Kind() Kind   { return KindActivityLog }
func (AuditRequest) Kind() Kind  { return KindAuditRequest }
func (ProofOfAudit) Kind() Kind  { return KindProofOfAudit }
func (ScoreRequest) Kind() Kind  { return KindScoreRequest }
func (ScoreResponse) Kind() Kind { return KindScoreResponse }
func (CodeUpdated) Kind() Kind   { return KindCodeUpdated }

// Decode parses a message body of the given kind.
func Decode(kind Kind, body []byte) (Message, error) {
	var (
		m   Message
		err error
	)
	switch kind {
	case KindActivityLog:
		var v ActivityLog
		err = unmarshal(body, &v)
		m = v
	case KindAuditRequest:
		var v AuditRequest
		err = unmarshal(body, &v)
		m = v
	case KindProofOfAudit:
		var v ProofOfAudit
		err = unmarshal(body, &v)
		m = v
	case KindScoreRequest:
		var v ScoreRequest
		err = unmarshal(body, &v)
		m = v
	case KindScoreResponse:
		var v ScoreResponse
		err = unmarshal(body, &v)
		m = v
	case KindCodeUpdated:
		var v CodeUpdated
		err = unmarshal(body, &v)
		m = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrMalformed, kind, err)
	}
	return m, nil
}
