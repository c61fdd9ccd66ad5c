package approval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(ttl time.Duration, opts ...Option) (*Manager, *testClock) {
	clock := &testClock{t: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewManager(ttl, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...), clock
}

// --- Lifecycle ---

func TestManager_ApproveFlow(t *testing.T) {
	m, _ := newTestManager(time.Minute)
	ctx := context.Background()

	id, err := m.Create(ctx, &CreateRequest{AgentID: "admin-1", Operation: "Bash", Approvers: []string{"human", "admin"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if m.IsApproved(id, "admin-1", "Bash", "") {
		t.Fatal("pending approval reported as approved")
	}

	if err := m.Approve(ctx, id, "intruder"); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("Approve by ineligible approver = %v, want ErrNotEligible", err)
	}
	if err := m.Approve(ctx, id, "human"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !m.IsApproved(id, "admin-1", "Bash", "") {
		t.Error("approved request not recognized")
	}
	if m.IsApproved(id, "admin-1", "Write", "") {
		t.Error("approval leaked to another operation")
	}
	if m.IsApproved(id, "coder-1", "Bash", "") {
		t.Error("approval leaked to another agent")
	}

	if err := m.Deny(ctx, id, "admin"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("Deny after approve = %v, want ErrAlreadyResolved", err)
	}

	pa, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if pa.Status != StatusApproved || pa.ResolvedBy != "human" {
		t.Errorf("got status %s by %q", pa.Status, pa.ResolvedBy)
	}
}

func TestManager_ApprovalBoundToTarget(t *testing.T) {
	m, _ := newTestManager(time.Minute)
	ctx := context.Background()

	id, err := m.Create(ctx, &CreateRequest{AgentID: "admin-1", Operation: "Bash", Target: "ls tmp/"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Approve(ctx, id, "human"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !m.IsApproved(id, "admin-1", "Bash", "ls tmp/") {
		t.Error("approved target not recognized")
	}
	for _, target := range []string{"rm -rf /", "", "ls tmp/ && rm -rf /"} {
		if m.IsApproved(id, "admin-1", "Bash", target) {
			t.Errorf("approval for %q honored for %q", "ls tmp/", target)
		}
	}
}

func TestManager_Expiry(t *testing.T) {
	m, clock := newTestManager(time.Minute)
	ctx := context.Background()

	id, _ := m.Create(ctx, &CreateRequest{AgentID: "a", Operation: "Bash"})
	clock.Advance(2 * time.Minute)

	if err := m.Approve(ctx, id, "human"); !errors.Is(err, ErrExpired) {
		t.Fatalf("Approve after TTL = %v, want ErrExpired", err)
	}
	pa, _ := m.Get(ctx, id)
	if pa.Status != StatusExpired {
		t.Errorf("status = %s, want expired", pa.Status)
	}
}

func TestManager_ApprovalValidUntilExpiry(t *testing.T) {
	m, clock := newTestManager(time.Minute)
	ctx := context.Background()

	id, _ := m.Create(ctx, &CreateRequest{AgentID: "a", Operation: "Bash"})
	m.Approve(ctx, id, "human")
	clock.Advance(2 * time.Minute)
	if m.IsApproved(id, "a", "Bash", "") {
		t.Error("expired approval still honored")
	}
}

func TestManager_Cleanup(t *testing.T) {
	m, clock := newTestManager(time.Minute)
	ctx := context.Background()

	m.Create(ctx, &CreateRequest{AgentID: "a", Operation: "Bash"})
	clock.Advance(90 * time.Second)
	m.Cleanup(ctx)
	if m.Len() != 1 {
		t.Fatalf("expired entry removed too early: len=%d", m.Len())
	}
	clock.Advance(time.Minute)
	m.Cleanup(ctx)
	if m.Len() != 0 {
		t.Errorf("len = %d, want 0 after cleanup", m.Len())
	}
}

func TestManager_NotFound(t *testing.T) {
	m, _ := newTestManager(0)
	if _, err := m.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
	if err := m.Approve(context.Background(), "nope", "human"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Approve = %v, want ErrNotFound", err)
	}
}

func TestManager_StartCleanupStops(t *testing.T) {
	m, _ := newTestManager(time.Minute)
	stop := m.StartCleanup(context.Background(), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	stop()
}

// --- Learned auto-approval ---

func TestAutoApprover_LearnsFromManualApprovals(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auto := NewAutoApprover(AutoApprovalConfig{Enabled: true, Operations: []string{"Bash"}, RequiredApprovals: 2}, logger)
	m, _ := newTestManager(time.Minute, WithAutoApprover(auto))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _ := auto.ShouldAutoApprove("a", "Bash", "make test"); ok {
			t.Fatalf("auto-approved after %d manual approvals", i)
		}
		id, _ := m.Create(ctx, &CreateRequest{AgentID: "a", Operation: "Bash", Target: "make test"})
		if err := m.Approve(ctx, id, "human"); err != nil {
			t.Fatalf("Approve: %v", err)
		}
	}

	ok, reason := auto.ShouldAutoApprove("a", "Bash", "make test")
	if !ok || reason == "" {
		t.Fatal("expected auto-approval after two manual approvals")
	}
	if ok, _ := auto.ShouldAutoApprove("a", "Bash", "rm -rf /"); ok {
		t.Error("different target must not be auto-approved")
	}
	if ok, _ := auto.ShouldAutoApprove("a", "Write", "make test"); ok {
		t.Error("operation outside the allow list must not be auto-approved")
	}
}

func TestAutoApprover_HourlyCap(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auto := NewAutoApprover(AutoApprovalConfig{Enabled: true, Operations: []string{"Bash"}, RequiredApprovals: 1, MaxPerHour: 2}, logger)
	auto.RecordManualApproval("a", "Bash", "ls")

	granted := 0
	for i := 0; i < 5; i++ {
		if ok, _ := auto.ShouldAutoApprove("a", "Bash", "ls"); ok {
			granted++
		}
	}
	if granted != 2 {
		t.Errorf("granted = %d, want 2", granted)
	}
}

func TestAutoApprover_Disabled(t *testing.T) {
	var nilAuto *AutoApprover
	if ok, _ := nilAuto.ShouldAutoApprove("a", "Bash", ""); ok {
		t.Error("nil auto-approver approved")
	}
}
