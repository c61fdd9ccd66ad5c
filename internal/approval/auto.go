package approval

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// AutoApprover learns from manual approvals. Once the same agent, operation
// and target have been approved RequiredApprovals times inside the window,
// identical requests are approved automatically, up to MaxPerHour per agent.
type AutoApprover struct {
	mu       sync.Mutex
	history  map[string][]time.Time // key → timestamps of manual approvals
	counters map[string]int         // agentID → auto-approvals this hour
	hourSlot int64
	config   AutoApprovalConfig
	now      func() time.Time
	logger   *slog.Logger
}

// AutoApprovalConfig controls learned auto-approval.
type AutoApprovalConfig struct {
	Enabled           bool
	Operations        []string // Operations eligible for learning. Empty = none.
	RequiredApprovals int      // Default: 3.
	WindowHours       int      // Default: 24.
	MaxPerHour        int      // Per agent. Default: 10.
}

// NewAutoApprover creates an AutoApprover with the given config.
func NewAutoApprover(cfg AutoApprovalConfig, logger *slog.Logger) *AutoApprover {
	if cfg.MaxPerHour <= 0 {
		cfg.MaxPerHour = 10
	}
	if cfg.RequiredApprovals <= 0 {
		cfg.RequiredApprovals = 3
	}
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = 24
	}
	return &AutoApprover{
		history:  make(map[string][]time.Time),
		counters: make(map[string]int),
		config:   cfg,
		now:      time.Now,
		logger:   logger,
	}
}

// ShouldAutoApprove reports whether the request has been approved manually
// often enough to skip sign-off, with the reason when it has.
func (a *AutoApprover) ShouldAutoApprove(agentID, operation, target string) (bool, string) {
	if a == nil || !a.config.Enabled || !slices.Contains(a.config.Operations, operation) {
		return false, ""
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if slot := now.Unix() / 3600; slot != a.hourSlot {
		a.counters = make(map[string]int)
		a.hourSlot = slot
	}
	if a.counters[agentID] >= a.config.MaxPerHour {
		return false, ""
	}

	cutoff := now.Add(-a.window())
	recent := 0
	for _, ts := range a.history[approvalKey(agentID, operation, target)] {
		if ts.After(cutoff) {
			recent++
		}
	}
	if recent < a.config.RequiredApprovals {
		return false, ""
	}

	a.counters[agentID]++
	reason := fmt.Sprintf("%d prior manual approvals in %dh window", recent, a.config.WindowHours)
	a.logger.Info("auto-approving operation",
		slog.String("agent_id", agentID),
		slog.String("operation", operation),
		slog.String("reason", reason),
	)
	return true, reason
}

// RecordManualApproval records that a human approved the request.
func (a *AutoApprover) RecordManualApproval(agentID, operation, target string) {
	if a == nil || !a.config.Enabled {
		return
	}
	key := approvalKey(agentID, operation, target)

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	cutoff := now.Add(-a.window())
	kept := make([]time.Time, 0, len(a.history[key])+1)
	for _, ts := range a.history[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	a.history[key] = append(kept, now)
}

func (a *AutoApprover) window() time.Duration {
	return time.Duration(a.config.WindowHours) * time.Hour
}

func approvalKey(agentID, operation, target string) string {
	h := sha256.Sum256([]byte(agentID + "|" + operation + "|" + target))
	return fmt.Sprintf("%x", h[:16])
}
