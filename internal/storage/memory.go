package storage

import (
	"context"

	"github.com/jkaninda/warden/internal/audit"
	"github.com/jkaninda/warden/internal/budget"
	"github.com/jkaninda/warden/internal/identity"
)

// MemoryStore implements Store with the in-memory sub-stores of each domain package.
type MemoryStore struct {
	identities *identity.MemoryStore
	budgets    *budget.MemoryStore
	audit      *audit.MemoryStore
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities: identity.NewMemoryStore(),
		budgets:    budget.NewMemoryStore(),
		audit:      audit.NewMemoryStore(),
	}
}

func (s *MemoryStore) Identities() identity.Store    { return s.identities }
func (s *MemoryStore) Budgets() budget.LocalStore    { return s.budgets }
func (s *MemoryStore) Audit() audit.Store            { return s.audit }
func (s *MemoryStore) Ping(context.Context) error    { return nil }
func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }
func (s *MemoryStore) Driver() string                { return DriverMemory }
