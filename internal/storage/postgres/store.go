package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/warden/internal/audit"
	"github.com/jkaninda/warden/internal/budget"
	"github.com/jkaninda/warden/internal/identity"
	"github.com/jkaninda/warden/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu         sync.Mutex
	identities identity.Store
	budgets    budget.LocalStore
	audit      audit.Store
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// Open migrates the tables.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// --- Sub-store accessors ---

func (s *Store) Identities() identity.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identities == nil {
		s.identities = NewIdentityRepository(s.pgDB.GormDB())
	}
	return s.identities
}

func (s *Store) Budgets() budget.LocalStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.budgets == nil {
		s.budgets = NewBudgetRepository(s.pgDB.GormDB())
	}
	return s.budgets
}

func (s *Store) Audit() audit.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		s.audit = NewAuditRepository(s.pgDB.GormDB())
	}
	return s.audit
}

// Compile-time check.
var _ storage.Store = (*Store)(nil)
