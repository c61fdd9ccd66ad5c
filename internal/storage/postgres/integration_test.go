//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/warden/internal/audit"
	"github.com/jkaninda/warden/internal/budget"
	"github.com/jkaninda/warden/internal/identity"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// uniqueAgent avoids collisions between runs sharing a database.
func uniqueAgent(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String()[:8])
}

// --- Ledger linearizability against PostgreSQL ---

func TestLedger_ConcurrentDeductions(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	agent := uniqueAgent("coder")

	ledger := budget.NewLedger(
		budget.NewLocalOnly(NewBudgetRepository(db.GormDB())),
		budget.Config{DefaultLimits: budget.Limits{TokensPerDay: 100000, MaxCostPerOperation: 1}, GlobalTokensPerDay: 10000000},
		slog.Default(),
	)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := ledger.Deduct(ctx, agent, budget.Spend{Tokens: 37}); !res.Success {
				t.Errorf("Deduct: %s", res.Error)
			}
		}()
	}
	wg.Wait()

	stored, err := NewBudgetRepository(db.GormDB()).LoadBudget(ctx, agent)
	if err != nil || stored == nil {
		t.Fatalf("LoadBudget = %v, %v", stored, err)
	}
	if stored.Usage.TokensUsed != n*37 {
		t.Errorf("persisted tokens = %d, want %d", stored.Usage.TokensUsed, n*37)
	}
}

// --- Identity upsert ---

func TestIdentityRepository_Upsert(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := NewIdentityRepository(db.GormDB())
	agent := uniqueAgent("admin")

	if _, err := repo.Get(ctx, agent); !errors.Is(err, identity.ErrNotRegistered) {
		t.Fatalf("Get unknown = %v", err)
	}
	id := &identity.AgentIdentity{AgentID: agent, PublicKey: "aa", RegisteredAt: time.Now().UTC()}
	if err := repo.Put(ctx, id); err != nil {
		t.Fatalf("Put: %v", err)
	}
	id.PublicKey = "bb"
	if err := repo.Put(ctx, id); err != nil {
		t.Fatalf("Put upsert: %v", err)
	}
	got, err := repo.Get(ctx, agent)
	if err != nil || got.PublicKey != "bb" {
		t.Fatalf("Get = %+v, %v", got, err)
	}
}

// --- Audit immutability ---

func TestAuditRepository_AppendOnly(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := NewAuditRepository(db.GormDB())
	agent := uniqueAgent("observer")

	ev := audit.Event{ID: uuid.NewString(), Timestamp: time.Now().UTC(), AgentID: agent, Operation: "Read", Result: audit.ResultDenied}
	if err := repo.Append(ctx, ev); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := repo.Append(ctx, ev); err == nil {
		t.Error("duplicate event ID accepted")
	}
	events, err := repo.Query(ctx, agent, 10)
	if err != nil || len(events) != 1 || events[0].Result != audit.ResultDenied {
		t.Fatalf("Query = %+v, %v", events, err)
	}
}
