package budget

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore implements LocalStore in memory.
// Used in tests and when no database is configured. Thread-safe.
type MemoryStore struct {
	mu      sync.RWMutex
	budgets map[string]Budget
	global  *GlobalBudget
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{budgets: make(map[string]Budget)}
}

func (s *MemoryStore) LoadBudget(_ context.Context, agentID string) (*Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.budgets[agentID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *MemoryStore) SaveBudget(_ context.Context, b Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[b.AgentID] = b
	return nil
}

func (s *MemoryStore) ListBudgets(_ context.Context) ([]Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Budget, 0, len(s.budgets))
	for _, b := range s.budgets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (s *MemoryStore) LoadGlobal(_ context.Context) (*GlobalBudget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.global == nil {
		return nil, nil
	}
	g := *s.global
	return &g, nil
}

func (s *MemoryStore) SaveGlobal(_ context.Context, g GlobalBudget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = &g
	return nil
}
