package oracle

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store persists the bridge's registry target, commitments and pending
// requests.
type Store interface {
	SetTarget(ctx context.Context, registryChain string) error
	// Target returns the registry chain, or "" if none is set.
	Target(ctx context.Context) (string, error)

	// AddPending records an outstanding score request.
	AddPending(ctx context.Context, p *PendingRequest) error
	// RemovePending drops a pending request whose ScoreRequest was never
	// sent. Unknown IDs are ignored.
	RemovePending(ctx context.Context, correlationID string) error
	// Fulfil removes the pending request matching c's correlation ID and
	// agent, stores c and bumps total_commitments in one step. It returns
	// ErrNotPending if there is no such request.
	Fulfil(ctx context.Context, c *ScoreCommitment) error
	// ExpirePending removes and returns requests whose deadline is before now.
	ExpirePending(ctx context.Context, now time.Time, limit int) ([]*PendingRequest, error)
	PendingCount(ctx context.Context) (int, error)

	// PutCommitment stores c, replacing the agent's previous commitment, and
	// bumps total_commitments.
	PutCommitment(ctx context.Context, c *ScoreCommitment) error
	// Commitment returns the agent's commitment or ErrCommitmentNotFound.
	Commitment(ctx context.Context, agent string) (*ScoreCommitment, error)
	TotalCommitments(ctx context.Context) (uint64, error)
}

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu          sync.RWMutex
	target      string
	commitments map[string]*ScoreCommitment
	pending     map[string]*PendingRequest
	total       uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		commitments: make(map[string]*ScoreCommitment),
		pending:     make(map[string]*PendingRequest),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) SetTarget(_ context.Context, registryChain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target = registryChain
	return nil
}

func (m *MemoryStore) Target(_ context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.target, nil
}

func (m *MemoryStore) AddPending(_ context.Context, p *PendingRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.pending[p.CorrelationID] = &cp
	return nil
}

func (m *MemoryStore) RemovePending(_ context.Context, correlationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, correlationID)
	return nil
}

func (m *MemoryStore) Fulfil(_ context.Context, c *ScoreCommitment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[c.CorrelationID]
	if !ok || !strings.EqualFold(p.Agent, c.Agent) {
		return ErrNotPending
	}
	delete(m.pending, c.CorrelationID)
	m.put(c)
	return nil
}

func (m *MemoryStore) ExpirePending(_ context.Context, now time.Time, limit int) ([]*PendingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*PendingRequest
	for _, p := range m.pending {
		if p.Deadline.Before(now) {
			expired = append(expired, p)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Deadline.Before(expired[j].Deadline) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, p := range expired {
		delete(m.pending, p.CorrelationID)
	}
	return expired, nil
}

func (m *MemoryStore) PendingCount(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending), nil
}

func (m *MemoryStore) PutCommitment(_ context.Context, c *ScoreCommitment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(c)
	return nil
}

func (m *MemoryStore) put(c *ScoreCommitment) {
	cp := *c
	m.commitments[strings.ToLower(c.Agent)] = &cp
	m.total++
}

func (m *MemoryStore) Commitment(_ context.Context, agent string) (*ScoreCommitment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.commitments[strings.ToLower(agent)]
	if !ok {
		return nil, ErrCommitmentNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) TotalCommitments(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total, nil
}
