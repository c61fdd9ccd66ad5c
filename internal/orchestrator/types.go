// Package orchestrator runs the enforcement pipeline that wraps every
// privileged agent operation. Enforce executes the blocking pre-checks
// (identity, permission, budget, approval, rate limit) in priority order and
// stops at the first denial. Complete runs the post-actions (audit, budget
// deduction) concurrently once the operation has been performed by the caller.
//
// All collaborators are injected through Options; the orchestrator owns its
// statistics and holds no package-level state.
package orchestrator

import (
	"context"
	"time"

	"github.com/jkaninda/warden/internal/budget"
)

// Built-in hook names.
const (
	HookIdentity   = "identity-check"
	HookPermission = "permission-check"
	HookBudget     = "budget-check"
	HookApproval   = "approval-check"
	HookRateLimit  = "rate-limit"
	HookAudit      = "audit-log"
	HookDeduct     = "budget-deduct"
)

// HookFunc is the handler of a pre-check or post-action.
// A returned error is a failure of the hook itself, not a denial.
type HookFunc func(ctx context.Context, hc *HookContext) (Decision, error)

// HookDescriptor registers a hook. Blocking hooks are pre-checks run by
// Enforce; non-blocking hooks are post-actions run by Complete.
// Lower Priority runs first among pre-checks.
type HookDescriptor struct {
	Name     string
	Priority int
	Blocking bool
	Handler  HookFunc
}

// Decision is the verdict of a single hook.
type Decision struct {
	Allowed bool
	Reason  string

	// Set by the approval pre-check when the operation is held for sign-off.
	RequiresApproval bool
	Approvers        []string
	ApprovalID       string

	// Set by budget hooks.
	Budget *budget.Remaining
}

// HookContext is passed to every hook of one Enforce or Complete call.
// Pre-checks run sequentially and may annotate it (Role is filled by the
// permission check). Post-actions run concurrently and must only read it.
type HookContext struct {
	AgentID       string
	Operation     string
	CorrelationID string
	Role          string
	Op            OperationContext
	Result        *OperationResult // nil during Enforce.
}

// OperationContext describes the operation being enforced.
type OperationContext struct {
	FilePath        string         `json:"file_path,omitempty"`
	FileSize        int64          `json:"file_size,omitempty"`
	Command         string         `json:"command,omitempty"`
	APIName         string         `json:"api_name,omitempty"`
	EstimatedTokens int64          `json:"estimated_tokens,omitempty"`
	EstimatedCost   float64        `json:"estimated_cost,omitempty"`
	Signature       string         `json:"signature,omitempty"`
	Challenge       string         `json:"challenge,omitempty"`
	ApprovalID      string         `json:"approval_id,omitempty"`
	CorrelationID   string         `json:"correlation_id,omitempty"` // Generated by Enforce when empty.
	Extra           map[string]any `json:"extra,omitempty"`
}

// Target returns the resource the operation touches, used to key approvals.
func (c OperationContext) Target() string {
	switch {
	case c.FilePath != "":
		return c.FilePath
	case c.Command != "":
		return c.Command
	default:
		return c.APIName
	}
}

// OperationResult is what the caller reports after performing the operation.
type OperationResult struct {
	Success       bool          `json:"success"`
	ExecutionTime time.Duration `json:"execution_time_ns"`
	TokensUsed    int64         `json:"tokens_used,omitempty"`
	Cost          float64       `json:"cost,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// HookOutcome records one executed hook.
type HookOutcome struct {
	Hook     string        `json:"hook"`
	Allowed  bool          `json:"allowed"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// PipelineResult is returned by Enforce.
type PipelineResult struct {
	Allowed          bool              `json:"allowed"`
	BlockedBy        string            `json:"blocked_by,omitempty"`
	Reasons          []HookOutcome     `json:"reasons"`
	BudgetRemaining  *budget.Remaining `json:"budget_remaining,omitempty"`
	ExecutionTime    time.Duration     `json:"execution_time_ns"`
	RequiresApproval bool              `json:"requires_approval,omitempty"`
	Approvers        []string          `json:"approvers,omitempty"`
	ApprovalID       string            `json:"approval_id,omitempty"`
	CorrelationID    string            `json:"correlation_id"`
}

// Reason returns the reason of the blocking hook, or of the last hook when allowed.
func (r *PipelineResult) Reason() string {
	for i := len(r.Reasons) - 1; i >= 0; i-- {
		if r.BlockedBy == "" || r.Reasons[i].Hook == r.BlockedBy {
			return r.Reasons[i].Reason
		}
	}
	return ""
}

// PostActionResult is returned by Complete. Individual post-action failures
// are reported in Results and never turn Success false.
type PostActionResult struct {
	Success         bool              `json:"success"`
	Results         []HookOutcome     `json:"results"`
	ExecutionTime   time.Duration     `json:"execution_time_ns"`
	BudgetRemaining *budget.Remaining `json:"budget_remaining,omitempty"`
	CorrelationID   string            `json:"correlation_id"`
}

// HookStats aggregates executions of one hook.
type HookStats struct {
	Executions  int64         `json:"executions"`
	Successes   int64         `json:"successes"`
	Failures    int64         `json:"failures"`
	AverageTime time.Duration `json:"average_time_ns"`
}

// Stats aggregates Enforce calls and hook executions since creation or the
// last ResetStats.
type Stats struct {
	TotalExecutions      int64                `json:"total_executions"`
	SuccessfulExecutions int64                `json:"successful_executions"`
	BlockedExecutions    int64                `json:"blocked_executions"`
	AverageExecutionTime time.Duration        `json:"average_execution_time_ns"`
	HookStats            map[string]HookStats `json:"hook_stats"`
}
