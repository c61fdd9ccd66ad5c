// Package storage defines the unified Store interface that abstracts all persistence operations.
// Three backends are provided: SQLite (default, zero-config), PostgreSQL
// (shared deployments) and an in-memory store for tests and dry runs.
package storage

import (
	"context"

	"github.com/jkaninda/warden/internal/audit"
	"github.com/jkaninda/warden/internal/budget"
	"github.com/jkaninda/warden/internal/identity"
)

// Store is the unified persistence interface for Warden.
// It provides access to all domain-specific sub-stores through accessor methods.
type Store interface {
	// Sub-store accessors. The returned stores share the same underlying connection.
	Identities() identity.Store
	Budgets() budget.LocalStore
	Audit() audit.Store

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name.
	Driver() string
}

// DefaultDriver is the default storage driver.
const DefaultDriver = DriverSQLite

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DriverMemory is the in-memory driver name. Nothing survives a restart.
const DriverMemory = "memory"
