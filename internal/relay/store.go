package relay

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// Store persists each agent's registry target, task log and counters.
type Store interface {
	// SetTarget records the registry chain an agent reports to.
	SetTarget(ctx context.Context, agent, registryChain string) error
	// Target returns the agent's registry chain, or "" if none is set.
	Target(ctx context.Context, agent string) (string, error)
	// Append assigns the next sequence to e, stores it as unreported and
	// updates the counters in one step.
	Append(ctx context.Context, agent string, e *TaskEntry) (*TaskEntry, error)
	// Unreported returns up to limit of the agent's entries whose
	// ActivityLog has not been sent, oldest first.
	Unreported(ctx context.Context, agent string, limit int) ([]*TaskEntry, error)
	// UnreportedAgents lists up to limit agents with unsent entries.
	UnreportedAgents(ctx context.Context, limit int) ([]string, error)
	// MarkReported records that the entry's ActivityLog was sent.
	MarkReported(ctx context.Context, agent string, sequence uint64) error
	// Tasks returns the most recent entries, newest first.
	Tasks(ctx context.Context, agent string, limit int) ([]*TaskEntry, error)
	// Stats returns the agent's counters. Unknown agents have zero counters.
	Stats(ctx context.Context, agent string) (*Stats, error)
}

type agentLog struct {
	target  string
	entries []*TaskEntry
	stats   Stats
}

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*agentLog
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*agentLog)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) log(agent string) *agentLog {
	key := strings.ToLower(agent)
	l, ok := m.agents[key]
	if !ok {
		l = &agentLog{stats: Stats{Agent: key}}
		m.agents[key] = l
	}
	return l
}

func (m *MemoryStore) SetTarget(_ context.Context, agent, registryChain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log(agent).target = registryChain
	return nil
}

func (m *MemoryStore) Target(_ context.Context, agent string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.agents[strings.ToLower(agent)]; ok {
		return l.target, nil
	}
	return "", nil
}

func (m *MemoryStore) Append(_ context.Context, agent string, e *TaskEntry) (*TaskEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.log(agent)
	entry := *e
	l.stats.TaskCount++
	if entry.Success {
		l.stats.SuccessCount++
	} else {
		l.stats.FailureCount++
	}
	entry.Sequence = l.stats.TaskCount
	entry.Reported = false
	l.entries = append(l.entries, &entry)

	out := entry
	return &out, nil
}

func (m *MemoryStore) Tasks(_ context.Context, agent string, limit int) ([]*TaskEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.agents[strings.ToLower(agent)]
	if !ok {
		return []*TaskEntry{}, nil
	}
	n := len(l.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*TaskEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		e := *l.entries[i]
		out = append(out, &e)
	}
	return out, nil
}

func (m *MemoryStore) Stats(_ context.Context, agent string) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := strings.ToLower(agent)
	if l, ok := m.agents[key]; ok {
		s := l.stats
		return s.withRate(), nil
	}
	return (&Stats{Agent: key}).withRate(), nil
}

func (m *MemoryStore) Unreported(_ context.Context, agent string, limit int) ([]*TaskEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*TaskEntry{}
	l, ok := m.agents[strings.ToLower(agent)]
	if !ok {
		return out, nil
	}
	for _, e := range l.entries {
		if limit > 0 && len(out) == limit {
			break
		}
		if !e.Reported {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) UnreportedAgents(_ context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := []string{}
	for agent, l := range m.agents {
		if slices.ContainsFunc(l.entries, func(e *TaskEntry) bool { return !e.Reported }) {
			agents = append(agents, agent)
		}
	}
	slices.Sort(agents)
	if limit > 0 && len(agents) > limit {
		agents = agents[:limit]
	}
	return agents, nil
}

func (m *MemoryStore) MarkReported(_ context.Context, agent string, sequence uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.agents[strings.ToLower(agent)]; ok && sequence >= 1 && sequence <= uint64(len(l.entries)) {
		l.entries[sequence-1].Reported = true
	}
	return nil
}
