package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/warden/internal/audit"
	"github.com/jkaninda/warden/internal/budget"
	"github.com/jkaninda/warden/internal/identity"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(Config{Path: path}, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_FileModeOwnerOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "warden.db")
	s := openTestStore(t, path)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("db file mode = %o, want 600", mode)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if s.Driver() != "sqlite" {
		t.Errorf("Driver = %q", s.Driver())
	}
}

func TestOpen_TightensExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.db")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	openTestStore(t, path)
	info, _ := os.Stat(path)
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("db file mode = %o, want 600", mode)
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	if _, err := Open(Config{}, testLogger()); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// --- Identities ---

func TestIdentities_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "warden.db")).Identities()

	if _, err := store.Get(ctx, "ghost"); !errors.Is(err, identity.ErrNotRegistered) {
		t.Fatalf("Get unknown = %v, want ErrNotRegistered", err)
	}
	if err := store.TouchVerified(ctx, "ghost", time.Now()); !errors.Is(err, identity.ErrNotRegistered) {
		t.Fatalf("TouchVerified unknown = %v, want ErrNotRegistered", err)
	}

	registered := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := &identity.AgentIdentity{
		AgentID:      "coder-1",
		PublicKey:    "abcd",
		Metadata:     map[string]any{"custom_team": "platform"},
		RegisteredAt: registered,
	}
	if err := store.Put(ctx, id); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Re-registration replaces the key.
	id.PublicKey = "ef01"
	if err := store.Put(ctx, id); err != nil {
		t.Fatalf("Put again: %v", err)
	}

	verified := registered.Add(time.Hour)
	if err := store.TouchVerified(ctx, "coder-1", verified); err != nil {
		t.Fatalf("TouchVerified: %v", err)
	}

	got, err := store.Get(ctx, "coder-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PublicKey != "ef01" {
		t.Errorf("PublicKey = %q, want ef01", got.PublicKey)
	}
	if got.Metadata["custom_team"] != "platform" {
		t.Errorf("Metadata = %v", got.Metadata)
	}
	if !got.RegisteredAt.Equal(registered) {
		t.Errorf("RegisteredAt = %v, want %v", got.RegisteredAt, registered)
	}
	if got.LastVerifiedAt == nil || !got.LastVerifiedAt.Equal(verified) {
		t.Errorf("LastVerifiedAt = %v, want %v", got.LastVerifiedAt, verified)
	}

	list, err := store.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %v, %v", list, err)
	}
}

func TestIdentities_WorkWithRegistry(t *testing.T) {
	ctx := context.Background()
	reg := identity.NewRegistry(openTestStore(t, filepath.Join(t.TempDir(), "warden.db")).Identities(), testLogger())

	if _, err := reg.Register(ctx, "observer-1", "", map[string]any{"team": "qa"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	res := reg.Verify(ctx, "observer-1", "", "")
	if !res.Verified {
		t.Fatalf("Verify = %+v", res)
	}
}

// --- Budgets ---

func TestBudgets_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "warden.db")).Budgets()

	if b, err := store.LoadBudget(ctx, "a"); b != nil || err != nil {
		t.Fatalf("LoadBudget missing = %v, %v", b, err)
	}
	if g, err := store.LoadGlobal(ctx); g != nil || err != nil {
		t.Fatalf("LoadGlobal missing = %v, %v", g, err)
	}

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := budget.Budget{
		AgentID:   "a",
		Limits:    budget.Limits{TokensPerHour: 100, TokensPerDay: 1000, MaxCostPerOperation: 0.5},
		Usage:     budget.Usage{TokensUsed: 10, OperationCount: 1, TotalCost: 0.02, LastReset: now, HourStart: now},
		UpdatedAt: now,
	}
	if err := store.SaveBudget(ctx, b); err != nil {
		t.Fatalf("SaveBudget: %v", err)
	}
	b.Usage.TokensUsed = 250
	b.Usage.OperationsBlocked = 2
	if err := store.SaveBudget(ctx, b); err != nil {
		t.Fatalf("SaveBudget upsert: %v", err)
	}

	got, err := store.LoadBudget(ctx, "a")
	if err != nil || got == nil {
		t.Fatalf("LoadBudget = %v, %v", got, err)
	}
	if got.Usage.TokensUsed != 250 || got.Usage.OperationsBlocked != 2 {
		t.Errorf("usage = %+v", got.Usage)
	}
	if got.Limits != b.Limits {
		t.Errorf("limits = %+v, want %+v", got.Limits, b.Limits)
	}
	if !got.Usage.LastReset.Equal(now) {
		t.Errorf("LastReset = %v, want %v", got.Usage.LastReset, now)
	}

	store.SaveBudget(ctx, budget.Budget{AgentID: "b", Limits: b.Limits})
	list, err := store.ListBudgets(ctx)
	if err != nil || len(list) != 2 || list[0].AgentID != "a" {
		t.Fatalf("ListBudgets = %v, %v", list, err)
	}

	if err := store.SaveGlobal(ctx, budget.GlobalBudget{TokensPerDay: 5000, TokensUsed: 260, ResetAt: now}); err != nil {
		t.Fatalf("SaveGlobal: %v", err)
	}
	if err := store.SaveGlobal(ctx, budget.GlobalBudget{TokensPerDay: 5000, TokensUsed: 300, ResetAt: now}); err != nil {
		t.Fatalf("SaveGlobal upsert: %v", err)
	}
	g, err := store.LoadGlobal(ctx)
	if err != nil || g == nil || g.TokensUsed != 300 {
		t.Fatalf("LoadGlobal = %+v, %v", g, err)
	}
}

func TestBudgets_LedgerSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "warden.db")
	cfg := budget.Config{DefaultLimits: budget.Limits{TokensPerDay: 1000, MaxCostPerOperation: 1}, GlobalTokensPerDay: 10000}

	first, err := Open(Config{Path: path}, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	first.Migrate(ctx)
	ledger := budget.NewLedger(budget.NewLocalOnly(first.Budgets()), cfg, testLogger())
	if res := ledger.Deduct(ctx, "a", budget.Spend{Tokens: 400}); !res.Success {
		t.Fatalf("Deduct: %s", res.Error)
	}
	first.Close()

	second := openTestStore(t, path)
	reopened := budget.NewLedger(budget.NewLocalOnly(second.Budgets()), cfg, testLogger())
	rem := reopened.Remaining(ctx, "a")
	if rem == nil || rem.Tokens != 600 {
		t.Fatalf("remaining after restart = %+v, want 600 tokens", rem)
	}
	if reopened.Global(ctx).TokensUsed != 400 {
		t.Errorf("global used = %d, want 400", reopened.Global(ctx).TokensUsed)
	}
}

// --- Audit ---

func TestAudit_AppendAndQuery(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "warden.db")).Audit()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, agent := range []string{"a", "b", "a"} {
		err := store.Append(ctx, audit.Event{
			ID:        string(rune('1' + i)),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			AgentID:   agent,
			Role:      "developer",
			Operation: "Read",
			Result:    audit.ResultSuccess,
			Duration:  1500 * time.Millisecond,
			Context:   map[string]any{"seq": i},
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	all, err := store.Query(ctx, "", 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("Query all = %d, %v", len(all), err)
	}
	if all[0].ID != "3" {
		t.Errorf("newest first: got %q", all[0].ID)
	}
	if all[0].Duration != 1500*time.Millisecond {
		t.Errorf("Duration = %v", all[0].Duration)
	}
	if all[0].Role != "developer" {
		t.Errorf("Role = %q", all[0].Role)
	}
	// JSON numbers decode as float64.
	if all[0].Context["seq"] != float64(2) {
		t.Errorf("Context = %v", all[0].Context)
	}

	onlyA, _ := store.Query(ctx, "a", 1)
	if len(onlyA) != 1 || onlyA[0].AgentID != "a" || onlyA[0].ID != "3" {
		t.Errorf("Query(a, 1) = %+v", onlyA)
	}

	// Duplicate IDs are rejected, events are never overwritten.
	if err := store.Append(ctx, audit.Event{ID: "1", AgentID: "a", Operation: "Read", Result: audit.ResultSuccess}); err == nil {
		t.Error("duplicate append succeeded")
	}
}
