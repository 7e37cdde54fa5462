package registry

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/kya/internal/chain"
	"github.com/mbd888/kya/internal/tokens"
)

var (
	ErrAlreadyRegistered = chain.NewError("AlreadyRegistered", "already_registered", "registry: agent already registered")
	ErrAgentNotFound     = chain.NewError("AgentNotFound", "agent_not_found", "registry: agent not found")
	ErrInsufficientStake = chain.NewError("InsufficientStake", "insufficient_stake", "registry: insufficient stake balance")

	// ErrDuplicateMessage is returned by Store.Update when a mutation's
	// dedupe key was already applied. It never reaches operation callers.
	ErrDuplicateMessage = errors.New("registry: message already processed")
)

// Score bounds and fixed adjustments.
const (
	MinScore     = 0
	MaxScore     = 1000
	InitialScore = 100

	CodeUpdatePenalty = -50
	SpamPenalty       = -50
	AuditPassReward   = 100
	AuditFailPenalty  = -50
	TaskSuccessReward = 1
	TaskFailPenalty   = -2
)

// Tier is a coarse trust bucket derived from the reputation score.
type Tier string

const (
	TierUnverified Tier = "unverified"
	TierVerified   Tier = "verified"
	TierGold       Tier = "gold"
	TierPlatinum   Tier = "platinum"
)

// Unlimited is the rate ceiling reported for tiers without a limit.
const Unlimited = -1

// TierForScore partitions [0,1000] into four tiers.
func TierForScore(score uint16) Tier {
	switch {
	case score >= 750:
		return TierPlatinum
	case score >= 500:
		return TierGold
	case score >= 250:
		return TierVerified
	default:
		return TierUnverified
	}
}

// RateLimit returns the request-per-second ceiling for the tier, or Unlimited.
func (t Tier) RateLimit() int {
	switch t {
	case TierVerified:
		return 10
	case TierGold:
		return 100
	case TierPlatinum:
		return Unlimited
	default:
		return 0
	}
}

// Rank orders tiers from unverified (0) to platinum (3); unknown labels rank -1.
func (t Tier) Rank() int {
	switch t {
	case TierUnverified:
		return 0
	case TierVerified:
		return 1
	case TierGold:
		return 2
	case TierPlatinum:
		return 3
	default:
		return -1
	}
}

// AtLeast reports whether t is min or a higher tier.
func (t Tier) AtLeast(min Tier) bool {
	return t.Rank() >= 0 && t.Rank() >= min.Rank()
}

// ParseTier validates a tier label.
func ParseTier(s string) (Tier, bool) {
	switch t := Tier(s); t {
	case TierUnverified, TierVerified, TierGold, TierPlatinum:
		return t, true
	}
	return "", false
}

// StorageProvider names where an agent's code package lives.
type StorageProvider string

const (
	StorageNone    StorageProvider = "none"
	StorageIPFS    StorageProvider = "ipfs"
	StorageArweave StorageProvider = "arweave"
	StorageWalrus  StorageProvider = "walrus"
	StorageHTTP    StorageProvider = "http"
)

// Valid reports whether p is a known provider.
func (p StorageProvider) Valid() bool {
	switch p {
	case StorageNone, StorageIPFS, StorageArweave, StorageWalrus, StorageHTTP:
		return true
	}
	return false
}

// Tool describes one callable tool exposed by an agent.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Resources lists what an agent needs to run.
type Resources struct {
	MinMemoryMB        uint32 `json:"min_memory_mb"`
	RequiresGPU        bool   `json:"requires_gpu"`
	RequiresNetwork    bool   `json:"requires_network"`
	RequiresFilesystem bool   `json:"requires_filesystem"`
}

// Manifest is the capability and tooling metadata of an agent's code package.
type Manifest struct {
	Name                string    `json:"name"`
	Description         string    `json:"description"`
	Version             string    `json:"version"`
	EntryPoint          string    `json:"entry_point"`
	Runtime             string    `json:"runtime"`
	Capabilities        []string  `json:"capabilities"`
	Tools               []Tool    `json:"tools"`
	RequiredPermissions []string  `json:"required_permissions"`
	Resources           Resources `json:"resources"`
	Author              string    `json:"author,omitempty"`
	License             string    `json:"license"`
	Homepage            string    `json:"homepage,omitempty"`
}

// WithDefaults fills unset descriptive fields.
func (m Manifest) WithDefaults() Manifest {
	if m.Version == "" {
		m.Version = "0.1.0"
	}
	if m.EntryPoint == "" {
		m.EntryPoint = "main.run"
	}
	if m.Runtime == "" {
		m.Runtime = "python3"
	}
	if m.License == "" {
		m.License = "MIT"
	}
	if m.Capabilities == nil {
		m.Capabilities = []string{}
	}
	if m.Tools == nil {
		m.Tools = []Tool{}
	}
	if m.RequiredPermissions == nil {
		m.RequiredPermissions = []string{}
	}
	return m
}

func (m Manifest) clone() Manifest {
	out := m
	out.Capabilities = append([]string(nil), m.Capabilities...)
	out.RequiredPermissions = append([]string(nil), m.RequiredPermissions...)
	out.Tools = make([]Tool, len(m.Tools))
	for i, t := range m.Tools {
		out.Tools[i] = t
		out.Tools[i].InputSchema = append(json.RawMessage(nil), t.InputSchema...)
	}
	return out
}

// Badge is the durable reputation record of one agent.
type Badge struct {
	Owner              string          `json:"owner"`
	CodeHash           common.Hash     `json:"code_hash"`
	StorageProvider    StorageProvider `json:"storage_provider"`
	StorageCID         string          `json:"storage_cid"`
	Manifest           Manifest        `json:"manifest"`
	ReputationScore    uint16          `json:"reputation_score"`
	SpamFlags          uint8           `json:"spam_flags"`
	StakeBalance       tokens.Amount   `json:"stake_balance"`
	SubscriptionCost   tokens.Amount   `json:"subscription_cost"`
	TasksCompleted     uint64          `json:"tasks_completed"`
	TasksFailed        uint64          `json:"tasks_failed"`
	UpdateCount        uint64          `json:"update_count"`
	RegisteredAt       time.Time       `json:"registered_at"`
	LastUpdatedAt      time.Time       `json:"last_updated_at"`
	LastAuditTimestamp *time.Time      `json:"last_audit_timestamp,omitempty"`
}

// Tier is always derived from the current score.
func (b *Badge) Tier() Tier { return TierForScore(b.ReputationScore) }

// MarshalJSON adds the derived tier to the encoded badge.
func (b Badge) MarshalJSON() ([]byte, error) {
	type plain Badge
	return json.Marshal(struct {
		plain
		Tier      Tier `json:"tier"`
		RateLimit int  `json:"rate_limit"`
	}{plain: plain(b), Tier: b.Tier(), RateLimit: b.Tier().RateLimit()})
}

// adjustScore applies delta with saturation at [0,1000]. Deltas beyond the
// score range are clamped first so the sum cannot overflow.
func (b *Badge) adjustScore(delta int) {
	delta = max(-MaxScore, min(delta, MaxScore))
	s := int(b.ReputationScore) + delta
	if s < MinScore {
		s = MinScore
	}
	if s > MaxScore {
		s = MaxScore
	}
	b.ReputationScore = uint16(s)
}

// flagSpam increments the saturating flag counter.
func (b *Badge) flagSpam() {
	if b.SpamFlags < ^uint8(0) {
		b.SpamFlags++
	}
}

func (b *Badge) clone() *Badge {
	out := *b
	out.Manifest = b.Manifest.clone()
	if b.LastAuditTimestamp != nil {
		t := *b.LastAuditTimestamp
		out.LastAuditTimestamp = &t
	}
	return &out
}

// Counter names an aggregate registry counter.
type Counter string

const (
	CounterRegistered    Counter = "total_registered"
	CounterLogsProcessed Counter = "total_logs_processed"
	CounterCodeUpdates   Counter = "total_code_updates"
)

// Stats holds the aggregate counters. Each equals the number of events applied.
type Stats struct {
	TotalRegistered    uint64 `json:"total_registered"`
	TotalLogsProcessed uint64 `json:"total_logs_processed"`
	TotalCodeUpdates   uint64 `json:"total_code_updates"`
}

func (s *Stats) bump(c Counter) {
	switch c {
	case CounterRegistered:
		s.TotalRegistered++
	case CounterLogsProcessed:
		s.TotalLogsProcessed++
	case CounterCodeUpdates:
		s.TotalCodeUpdates++
	}
}
