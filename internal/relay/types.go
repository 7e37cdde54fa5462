// Package relay is an agent's local task log. Every task outcome is appended
// to the agent's log and forwarded to the registry as a signed ActivityLog.
package relay

import (
	"crypto/sha256"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TaskEntry is one logged task. Entries are never modified once appended,
// except that Reported flips once the ActivityLog reaches the transport.
type TaskEntry struct {
	Sequence    uint64      `json:"sequence"`
	TaskHash    common.Hash `json:"task_hash"`
	Success     bool        `json:"success"`
	Timestamp   time.Time   `json:"timestamp"`
	Description string      `json:"description"`
	Reported    bool        `json:"reported"`
}

// HashDescription returns the content hash identifying a task.
func HashDescription(description string) common.Hash {
	return sha256.Sum256([]byte(description))
}

// Stats are one agent's task counters.
type Stats struct {
	Agent        string  `json:"agent"`
	TaskCount    uint64  `json:"task_count"`
	SuccessCount uint64  `json:"success_count"`
	FailureCount uint64  `json:"failure_count"`
	SuccessRate  float64 `json:"success_rate"`
}

// withRate fills SuccessRate as a percentage of logged tasks.
func (s *Stats) withRate() *Stats {
	if s.TaskCount == 0 {
		s.SuccessRate = 0
	} else {
		s.SuccessRate = float64(s.SuccessCount) / float64(s.TaskCount) * 100
	}
	return s
}
