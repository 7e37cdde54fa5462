// Package oracle builds externally verifiable commitments to agent scores.
//
// The bridge chain asks the registry for a score snapshot, and turns each
// reply into a ScoreCommitment whose hash fixes (agent, score, timestamp).
// Anyone holding the three values can recompute the hash without trusting
// the bridge.
package oracle

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/kya/internal/chain"
)

var (
	ErrCommitmentNotFound = chain.NewError("CommitmentNotFound", "commitment_not_found", "oracle: no commitment for agent")

	// ErrNotPending is returned by Store.Fulfil when no request with the
	// correlation ID is outstanding for the agent.
	ErrNotPending = errors.New("oracle: score request not pending")
)

// ScoreCommitment is one agent's latest score snapshot.
type ScoreCommitment struct {
	Agent          string      `json:"agent"`
	Score          uint16      `json:"score"`
	Tier           string      `json:"tier"`
	Timestamp      time.Time   `json:"timestamp"`
	RegistryChain  string      `json:"registry_chain"`
	CorrelationID  string      `json:"correlation_id,omitempty"`
	CommitmentHash common.Hash `json:"commitment_hash"`
}

// CommitmentHash returns SHA-256 over the agent's 20 address bytes, the
// score as a big-endian uint16 and the timestamp as big-endian int64 Unix
// microseconds.
func CommitmentHash(agent string, score uint16, ts time.Time) common.Hash {
	var buf [common.AddressLength + 2 + 8]byte
	copy(buf[:common.AddressLength], common.HexToAddress(agent).Bytes())
	binary.BigEndian.PutUint16(buf[common.AddressLength:], score)
	binary.BigEndian.PutUint64(buf[common.AddressLength+2:], uint64(ts.UnixMicro()))
	return sha256.Sum256(buf[:])
}

// Verify reports whether CommitmentHash matches the committed values.
func (c *ScoreCommitment) Verify() bool {
	return CommitmentHash(c.Agent, c.Score, c.Timestamp) == c.CommitmentHash
}

// PendingRequest is a score request awaiting the registry's reply.
type PendingRequest struct {
	CorrelationID string    `json:"correlation_id"`
	Agent         string    `json:"agent"`
	RequestedAt   time.Time `json:"requested_at"`
	Deadline      time.Time `json:"deadline"`
}

// Stats summarises the bridge.
type Stats struct {
	RegistryChain    string `json:"registry_chain"`
	TotalCommitments uint64 `json:"total_commitments"`
	PendingRequests  int    `json:"pending_requests"`
}
