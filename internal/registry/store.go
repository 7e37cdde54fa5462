package registry

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Store persists badges, the set of processed inbound messages and the
// aggregate counters. Every method is atomic: a mutation, its dedupe record
// and its counter bumps commit together or not at all.
type Store interface {
	// Insert creates a badge and bumps total_registered.
	Insert(ctx context.Context, b *Badge) error
	// Get returns a copy of the badge or ErrAgentNotFound.
	Get(ctx context.Context, agent string) (*Badge, error)
	// Update applies m to an existing badge and returns the result.
	Update(ctx context.Context, agent string, m Mutation) (*Badge, error)
	// List returns badges ordered by registration time.
	List(ctx context.Context, limit, offset int) ([]*Badge, error)
	// Stats returns the aggregate counters.
	Stats(ctx context.Context) (*Stats, error)
}

// Mutation is one atomic change to a badge.
type Mutation struct {
	// Apply edits the badge in place. A returned error aborts the mutation.
	Apply func(b *Badge) error
	// DedupeKey, when non-zero, marks the inbound message being applied.
	// A key seen before makes Update return ErrDuplicateMessage.
	DedupeKey common.Hash
	// Bump lists counters incremented with the mutation.
	Bump []Counter
}

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu        sync.RWMutex
	badges    map[string]*Badge
	order     []string
	processed map[common.Hash]struct{}
	stats     Stats
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		badges:    make(map[string]*Badge),
		processed: make(map[common.Hash]struct{}),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Insert(_ context.Context, b *Badge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(b.Owner)
	if _, ok := m.badges[key]; ok {
		return ErrAlreadyRegistered
	}
	m.badges[key] = b.clone()
	m.order = append(m.order, key)
	m.stats.bump(CounterRegistered)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, agent string) (*Badge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.badges[strings.ToLower(agent)]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return b.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, agent string, mut Mutation) (*Badge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(agent)
	current, ok := m.badges[key]
	if !ok {
		return nil, ErrAgentNotFound
	}
	if mut.DedupeKey != (common.Hash{}) {
		if _, seen := m.processed[mut.DedupeKey]; seen {
			return nil, ErrDuplicateMessage
		}
	}

	next := current.clone()
	if mut.Apply != nil {
		if err := mut.Apply(next); err != nil {
			return nil, err
		}
	}

	m.badges[key] = next
	if mut.DedupeKey != (common.Hash{}) {
		m.processed[mut.DedupeKey] = struct{}{}
	}
	for _, c := range mut.Bump {
		m.stats.bump(c)
	}
	return next.clone(), nil
}

func (m *MemoryStore) List(_ context.Context, limit, offset int) ([]*Badge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := append([]string(nil), m.order...)
	sort.SliceStable(keys, func(i, j int) bool {
		return m.badges[keys[i]].RegisteredAt.Before(m.badges[keys[j]].RegisteredAt)
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(keys) {
		return []*Badge{}, nil
	}
	keys = keys[offset:]
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	out := make([]*Badge, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.badges[k].clone())
	}
	return out, nil
}

func (m *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.stats
	return &s, nil
}
