package budget

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLedger(t *testing.T, limits Limits, opts ...Option) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	l := NewLedger(NewLocalOnly(store), Config{DefaultLimits: limits, GlobalTokensPerDay: 1_000_000}, testLogger(), opts...)
	return l, store
}

// --- Boundaries ---

func TestCheckBudget_BoundaryInclusive(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Limits{TokensPerDay: 1000, MaxCostPerOperation: 1})

	if res := l.Deduct(ctx, "a", Spend{Tokens: 400}); !res.Success {
		t.Fatalf("deduct failed: %s", res.Error)
	}
	remaining := l.CheckBudget(ctx, "a", Estimate{}).Remaining.Tokens
	if remaining != 600 {
		t.Fatalf("remaining = %d, want 600", remaining)
	}

	if res := l.CheckBudget(ctx, "a", Estimate{Tokens: remaining}); !res.Allowed {
		t.Fatalf("estimate == remaining should be allowed, got %q", res.Reason)
	}
	res := l.CheckBudget(ctx, "a", Estimate{Tokens: remaining + 1})
	if res.Allowed {
		t.Fatal("estimate == remaining+1 should be denied")
	}
	if !strings.Contains(res.Reason, "Daily token budget exceeded") {
		t.Errorf("unexpected reason: %q", res.Reason)
	}
}

func TestCheckBudget_BoundaryProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("allowed iff estimate <= remaining", prop.ForAll(
		func(limit, used, estimate int64) bool {
			ctx := context.Background()
			l := NewLedger(NewLocalOnly(NewMemoryStore()),
				Config{DefaultLimits: Limits{TokensPerDay: limit}, GlobalTokensPerDay: 1 << 40}, testLogger())
			if used > 0 {
				l.Deduct(ctx, "p", Spend{Tokens: used})
			}
			remaining := limit - used
			if remaining < 0 {
				remaining = 0
			}
			res := l.CheckBudget(ctx, "p", Estimate{Tokens: estimate})
			return res.Allowed == (estimate <= remaining)
		},
		gen.Int64Range(1, 100000),
		gen.Int64Range(0, 120000),
		gen.Int64Range(0, 120000),
	))

	properties.TestingRun(t)
}

func TestCheckBudget_ZeroRemainingDenied(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Limits{TokensPerDay: 500})
	l.Deduct(ctx, "a", Spend{Tokens: 500})

	res := l.CheckBudget(ctx, "a", Estimate{Tokens: 100})
	if res.Allowed {
		t.Fatal("expected denial with zero remaining")
	}
	st, err := l.Status(ctx, "a")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Budget.Usage.OperationsBlocked != 1 {
		t.Errorf("OperationsBlocked = %d, want 1", st.Budget.Usage.OperationsBlocked)
	}
}

func TestCheckBudget_GlobalCapCheckedFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := NewLedger(NewLocalOnly(store), Config{
		DefaultLimits:      Limits{TokensPerDay: 10000},
		GlobalTokensPerDay: 1000,
	}, testLogger())

	l.Deduct(ctx, "a", Spend{Tokens: 900})
	res := l.CheckBudget(ctx, "b", Estimate{Tokens: 200})
	if res.Allowed {
		t.Fatal("expected global cap denial")
	}
	if !strings.HasPrefix(res.Reason, "Global daily token budget exceeded") {
		t.Errorf("reason = %q", res.Reason)
	}
	if res.Remaining.GlobalTokens != 100 {
		t.Errorf("global remaining = %d, want 100", res.Remaining.GlobalTokens)
	}
}

func TestCheckBudget_PerOperationCost(t *testing.T) {
	l, _ := newTestLedger(t, Limits{TokensPerDay: 10000, MaxCostPerOperation: 0.5})

	res := l.CheckBudget(context.Background(), "a", Estimate{Tokens: 10, Cost: 0.75})
	if res.Allowed {
		t.Fatal("expected per-operation cost denial")
	}
	if !strings.Contains(res.Reason, "per-operation limit") {
		t.Errorf("reason = %q", res.Reason)
	}
	if res := l.CheckBudget(context.Background(), "a", Estimate{Tokens: 10, Cost: 0.5}); !res.Allowed {
		t.Errorf("cost equal to cap should be allowed: %q", res.Reason)
	}
}

func TestCheckBudget_HourlyWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC))
	l, _ := newTestLedger(t, Limits{TokensPerHour: 100, TokensPerDay: 1000}, WithClock(clock.Now))

	l.Deduct(ctx, "a", Spend{Tokens: 100})
	if res := l.CheckBudget(ctx, "a", Estimate{Tokens: 1}); res.Allowed {
		t.Fatal("expected hourly denial")
	}

	clock.Advance(time.Hour)
	res := l.CheckBudget(ctx, "a", Estimate{Tokens: 100})
	if !res.Allowed {
		t.Fatalf("expected allowed in the next hour: %q", res.Reason)
	}
	if res.Remaining.Tokens != 900 {
		t.Errorf("daily remaining = %d, want 900", res.Remaining.Tokens)
	}
}

// --- Deduction ---

func TestDeduct_Linearizable(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Limits{TokensPerDay: 1_000_000})

	const n = 100
	const x = 37
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if res := l.Deduct(ctx, "shared", Spend{Tokens: x}); !res.Success {
				t.Errorf("deduct failed: %s", res.Error)
			}
		}()
	}
	wg.Wait()

	st, err := l.Status(ctx, "shared")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Budget.Usage.TokensUsed != n*x {
		t.Errorf("TokensUsed = %d, want %d", st.Budget.Usage.TokensUsed, n*x)
	}
	if st.Budget.Usage.OperationCount != n {
		t.Errorf("OperationCount = %d, want %d", st.Budget.Usage.OperationCount, n)
	}
	if got := l.Global(ctx).TokensUsed; got != n*x {
		t.Errorf("global TokensUsed = %d, want %d", got, n*x)
	}
}

func TestDeduct_OverBudgetRecorded(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Limits{TokensPerDay: 100})

	res := l.Deduct(ctx, "a", Spend{Tokens: 150, Cost: 0.2})
	if !res.Success {
		t.Fatalf("over-budget deduction should succeed: %s", res.Error)
	}
	if res.Remaining.Tokens != 0 {
		t.Errorf("remaining = %d, want clamped 0", res.Remaining.Tokens)
	}
	st, _ := l.Status(ctx, "a")
	if st.Budget.Usage.TokensUsed != 150 {
		t.Errorf("TokensUsed = %d, want 150", st.Budget.Usage.TokensUsed)
	}
}

func TestDeduct_NegativeRejected(t *testing.T) {
	l, _ := newTestLedger(t, Limits{TokensPerDay: 100})
	if res := l.Deduct(context.Background(), "a", Spend{Tokens: -5}); res.Success {
		t.Fatal("negative spend should be rejected")
	}
}

// --- Windows ---

func TestDailyReset_PreservesLimits(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 3, 10, 23, 50, 0, 0, time.UTC))
	limits := Limits{TokensPerHour: 5000, TokensPerDay: 8000, MaxCostPerOperation: 2}
	l, _ := newTestLedger(t, limits, WithClock(clock.Now))

	l.Deduct(ctx, "a", Spend{Tokens: 3000, Cost: 1})
	clock.Advance(20 * time.Minute) // Crosses midnight.

	st, err := l.Status(ctx, "a")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Budget.Usage.TokensUsed != 0 {
		t.Errorf("TokensUsed = %d, want 0 after daily reset", st.Budget.Usage.TokensUsed)
	}
	if st.Budget.Usage.TotalCost != 0 {
		t.Errorf("TotalCost = %f, want 0", st.Budget.Usage.TotalCost)
	}
	if st.Budget.Limits != limits {
		t.Errorf("limits changed: %+v", st.Budget.Limits)
	}
	if st.Global.TokensUsed != 0 {
		t.Errorf("global TokensUsed = %d, want 0", st.Global.TokensUsed)
	}
}

func TestDailyReset_SameDayNoReset(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC))
	l, _ := newTestLedger(t, Limits{TokensPerDay: 8000}, WithClock(clock.Now))

	l.Deduct(ctx, "a", Spend{Tokens: 3000})
	clock.Advance(20 * time.Hour)

	st, _ := l.Status(ctx, "a")
	if st.Budget.Usage.TokensUsed != 3000 {
		t.Errorf("TokensUsed = %d, want 3000", st.Budget.Usage.TokensUsed)
	}
}

func TestReset_Manual(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Limits{TokensPerDay: 8000})
	l.Deduct(ctx, "a", Spend{Tokens: 3000})

	if err := l.Reset(ctx, "a"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	st, _ := l.Status(ctx, "a")
	if st.Budget.Usage.TokensUsed != 0 || st.Budget.Usage.OperationCount != 0 {
		t.Errorf("usage not zeroed: %+v", st.Budget.Usage)
	}
	if st.Budget.Limits.TokensPerDay != 8000 {
		t.Errorf("limits changed: %+v", st.Budget.Limits)
	}
}

// --- Initialization ---

func TestInitBudget_IdempotentAndResolver(t *testing.T) {
	ctx := context.Background()
	resolved := Limits{TokensPerDay: 4242, MaxCostPerOperation: 0.1}
	l, store := newTestLedger(t, Limits{TokensPerDay: 1}, WithLimitsResolver(func(agentID string) (Limits, bool) {
		return resolved, agentID == "known"
	}))

	b, err := l.InitBudget(ctx, "known", nil)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if b.Limits != resolved {
		t.Errorf("limits = %+v, want resolver limits", b.Limits)
	}

	again, err := l.InitBudget(ctx, "known", &Limits{TokensPerDay: 9})
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if again.Limits != resolved {
		t.Errorf("second init changed limits: %+v", again.Limits)
	}

	other, _ := l.InitBudget(ctx, "other", nil)
	if other.Limits.TokensPerDay != 1 {
		t.Errorf("fallback limits = %+v, want defaults", other.Limits)
	}

	if stored, _ := store.LoadBudget(ctx, "known"); stored == nil {
		t.Error("budget not persisted on creation")
	}
}

func TestLedger_HydratesFromLocalStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	_ = store.SaveBudget(ctx, Budget{
		AgentID: "a",
		Limits:  Limits{TokensPerDay: 1000},
		Usage:   Usage{TokensUsed: 250, LastReset: now, HourStart: now.Truncate(time.Hour)},
	})

	l := NewLedger(NewLocalOnly(store), Config{}, testLogger())
	res := l.CheckBudget(ctx, "a", Estimate{Tokens: 750})
	if !res.Allowed {
		t.Fatalf("expected allowed: %q", res.Reason)
	}
	if res.Remaining.Tokens != 750 {
		t.Errorf("remaining = %d, want 750", res.Remaining.Tokens)
	}
}

// --- Persistence failures ---

type failingStore struct {
	*MemoryStore
	fail bool
}

func (s *failingStore) SaveBudget(ctx context.Context, b Budget) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.SaveBudget(ctx, b)
}

func TestDeduct_LocalFailureSurfaced(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: NewMemoryStore()}
	l := NewLedger(NewLocalOnly(store), Config{DefaultLimits: Limits{TokensPerDay: 1000}}, testLogger())
	l.InitBudget(ctx, "a", nil)

	store.fail = true
	res := l.Deduct(ctx, "a", Spend{Tokens: 10})
	if res.Success {
		t.Fatal("expected failure when local persistence fails")
	}
	if !strings.Contains(res.Error, "disk full") {
		t.Errorf("error = %q", res.Error)
	}

	// The mutation stays in memory and reaches disk on the next flush.
	store.fail = false
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	stored, _ := store.LoadBudget(ctx, "a")
	if stored == nil || stored.Usage.TokensUsed != 10 {
		t.Errorf("flushed budget = %+v, want TokensUsed 10", stored)
	}
}

// --- Loading ---

// gatedPersister blocks Load for one agent until release is closed.
type gatedPersister struct {
	*LocalOnly
	agent   string
	entered chan struct{}
	release chan struct{}
	loads   sync.Map // agentID -> *atomic.Int32 call count
}

func (p *gatedPersister) Load(ctx context.Context, agentID string) (*Budget, error) {
	n, _ := p.loads.LoadOrStore(agentID, new(atomic.Int32))
	n.(*atomic.Int32).Add(1)
	if agentID == p.agent {
		close(p.entered)
		<-p.release
	}
	return p.LocalOnly.Load(ctx, agentID)
}

func TestLedger_SlowLoadDoesNotBlockOtherAgents(t *testing.T) {
	ctx := context.Background()
	p := &gatedPersister{
		LocalOnly: NewLocalOnly(NewMemoryStore()),
		agent:     "new-agent",
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	l := NewLedger(p, Config{DefaultLimits: Limits{TokensPerDay: 1000}}, testLogger())

	if res := l.CheckBudget(ctx, "loaded", Estimate{Tokens: 1}); !res.Allowed {
		t.Fatalf("warm-up check denied: %s", res.Reason)
	}

	results := make(chan CheckResult, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- l.CheckBudget(ctx, "new-agent", Estimate{Tokens: 1}) }()
	}
	<-p.entered

	done := make(chan CheckResult, 1)
	go func() { done <- l.CheckBudget(ctx, "loaded", Estimate{Tokens: 1}) }()
	select {
	case res := <-done:
		if !res.Allowed {
			t.Fatalf("check for loaded agent denied: %s", res.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("check for a loaded agent waited on another agent's load")
	}
	if got := l.Snapshot(); len(got) != 1 || got[0].AgentID != "loaded" {
		t.Errorf("snapshot during load = %+v, want only the loaded agent", got)
	}

	close(p.release)
	for i := 0; i < 2; i++ {
		if res := <-results; !res.Allowed {
			t.Errorf("check for new agent denied: %s", res.Reason)
		}
	}
	n, _ := p.loads.Load("new-agent")
	if got := n.(*atomic.Int32).Load(); got != 1 {
		t.Errorf("new-agent loaded %d times, want 1", got)
	}
}

func TestLedger_FailedLoadIsRetried(t *testing.T) {
	ctx := context.Background()
	store := &flakyLoadStore{MemoryStore: NewMemoryStore(), failures: 1}
	l := NewLedger(NewLocalOnly(store), Config{DefaultLimits: Limits{TokensPerDay: 1000}}, testLogger())

	if res := l.CheckBudget(ctx, "a", Estimate{Tokens: 1}); res.Allowed {
		t.Fatal("check should fail closed when the budget cannot be loaded")
	}
	if res := l.CheckBudget(ctx, "a", Estimate{Tokens: 1}); !res.Allowed {
		t.Fatalf("second check should reload and pass: %s", res.Reason)
	}
}

type flakyLoadStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *flakyLoadStore) LoadBudget(ctx context.Context, agentID string) (*Budget, error) {
	s.mu.Lock()
	fail := s.failures > 0
	s.failures--
	s.mu.Unlock()
	if fail {
		return nil, errors.New("disk I/O error")
	}
	return s.MemoryStore.LoadBudget(ctx, agentID)
}
