package identity

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. Thread-safe.
type MemoryStore struct {
	mu  sync.RWMutex
	ids map[string]AgentIdentity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]AgentIdentity)}
}

func (s *MemoryStore) Get(_ context.Context, agentID string) (*AgentIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.ids[agentID]
	if !ok {
		return nil, fmt.Errorf("getting identity %s: %w", agentID, ErrNotRegistered)
	}
	return cloneIdentity(id), nil
}

func (s *MemoryStore) Put(_ context.Context, id *AgentIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id.AgentID] = *cloneIdentity(*id)
	return nil
}

func (s *MemoryStore) TouchVerified(_ context.Context, agentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[agentID]
	if !ok {
		return fmt.Errorf("touching identity %s: %w", agentID, ErrNotRegistered)
	}
	id.LastVerifiedAt = &at
	s.ids[agentID] = id
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]AgentIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AgentIdentity, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, *cloneIdentity(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func cloneIdentity(id AgentIdentity) *AgentIdentity {
	id.Metadata = maps.Clone(id.Metadata)
	if id.LastVerifiedAt != nil {
		t := *id.LastVerifiedAt
		id.LastVerifiedAt = &t
	}
	return &id
}
