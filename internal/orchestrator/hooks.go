package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/audit"
	"github.com/jkaninda/warden/internal/budget"
	"github.com/jkaninda/warden/internal/security"
)

// Built-in hook priorities.
const (
	PriorityIdentity   = 1
	PriorityPermission = 2
	PriorityBudget     = 3
	PriorityApproval   = 4
	PriorityRateLimit  = 5

	PriorityAudit  = 1
	PriorityDeduct = 2
)

// bytesPerToken approximates the token count of a file from its size.
const bytesPerToken = 4

func (o *Orchestrator) builtinHooks() []HookDescriptor {
	var hooks []HookDescriptor
	if o.identity != nil {
		hooks = append(hooks, HookDescriptor{Name: HookIdentity, Priority: PriorityIdentity, Blocking: true, Handler: o.checkIdentity})
	}
	if o.permissions != nil {
		hooks = append(hooks, HookDescriptor{Name: HookPermission, Priority: PriorityPermission, Blocking: true, Handler: o.checkPermission})
		hooks = append(hooks, HookDescriptor{Name: HookApproval, Priority: PriorityApproval, Blocking: true, Handler: o.checkApproval})
	}
	if o.ledger != nil {
		hooks = append(hooks, HookDescriptor{Name: HookBudget, Priority: PriorityBudget, Blocking: true, Handler: o.checkBudget})
		hooks = append(hooks, HookDescriptor{Name: HookDeduct, Priority: PriorityDeduct, Handler: o.deductBudget})
	}
	if o.limiter.Enabled() {
		hooks = append(hooks, HookDescriptor{Name: HookRateLimit, Priority: PriorityRateLimit, Blocking: true, Handler: o.checkRateLimit})
	}
	if o.recorder != nil {
		hooks = append(hooks, HookDescriptor{Name: HookAudit, Priority: PriorityAudit, Handler: o.recordOutcome})
	}
	return hooks
}

func (o *Orchestrator) checkIdentity(ctx context.Context, hc *HookContext) (Decision, error) {
	res := o.identity.Verify(ctx, hc.AgentID, hc.Op.Signature, hc.Op.Challenge)
	return Decision{Allowed: res.Verified, Reason: res.Reason}, nil
}

func (o *Orchestrator) checkPermission(ctx context.Context, hc *HookContext) (Decision, error) {
	d := o.permissions.CheckPermission(ctx, hc.AgentID, hc.Operation, security.Resource{
		FilePath: hc.Op.FilePath,
		APIName:  hc.Op.APIName,
	})
	hc.Role = d.Role
	return Decision{Allowed: d.Allowed, Reason: d.Reason}, nil
}

func (o *Orchestrator) checkBudget(ctx context.Context, hc *HookContext) (Decision, error) {
	tokens := o.estimateTokens(hc.Op)
	cost := hc.Op.EstimatedCost
	if cost == 0 {
		cost = o.ledger.CostFor(tokens)
	}
	res := o.ledger.CheckBudget(ctx, hc.AgentID, budget.Estimate{Tokens: tokens, Cost: cost})
	return Decision{Allowed: res.Allowed, Reason: res.Reason, Budget: &res.Remaining}, nil
}

// checkApproval allows operations that need no sign-off, are auto-approved,
// or carry an approved request. Anything else opens a pending approval.
func (o *Orchestrator) checkApproval(ctx context.Context, hc *HookContext) (Decision, error) {
	role := o.roleOf(hc)
	req := o.permissions.CheckApprovalRequired(role, hc.Operation)
	if !req.Required {
		return Decision{Allowed: true, Reason: "No approval required"}, nil
	}

	switch {
	case o.policy.AutoApprove:
		return Decision{Allowed: true, Reason: "Auto-approved by configuration"}, nil
	case o.policy.AutoApproveNonProduction && !o.policy.Production:
		return Decision{Allowed: true, Reason: "Auto-approved outside production"}, nil
	case hc.Op.ApprovalID != "" && o.approvals != nil && o.approvals.IsApproved(hc.Op.ApprovalID, hc.AgentID, hc.Operation, hc.Op.Target()):
		return Decision{Allowed: true, Reason: fmt.Sprintf("Approved (%s)", hc.Op.ApprovalID)}, nil
	}
	if ok, reason := o.autoApprover.ShouldAutoApprove(hc.AgentID, hc.Operation, hc.Op.Target()); ok {
		return Decision{Allowed: true, Reason: reason}, nil
	}

	d := Decision{
		Allowed:          false,
		Reason:           fmt.Sprintf("Operation %s requires approval by one of %v", hc.Operation, req.Approvers),
		RequiresApproval: true,
		Approvers:        req.Approvers,
	}
	if o.approvals == nil {
		return d, nil
	}
	id, err := o.approvals.Create(ctx, &approval.CreateRequest{
		AgentID:         hc.AgentID,
		Operation:       hc.Operation,
		Role:            role,
		Target:          hc.Op.Target(),
		EstimatedTokens: o.estimateTokens(hc.Op),
		CorrelationID:   hc.CorrelationID,
		Approvers:       req.Approvers,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("creating approval request: %w", err)
	}
	if o.metrics != nil {
		o.metrics.ApprovalsPending.Set(float64(o.approvals.Len()))
	}
	d.ApprovalID = id
	d.Reason = fmt.Sprintf("%s (approval %s pending)", d.Reason, id)
	return d, nil
}

func (o *Orchestrator) checkRateLimit(_ context.Context, hc *HookContext) (Decision, error) {
	if err := o.limiter.Allow(hc.AgentID); err != nil {
		return Decision{Allowed: false, Reason: err.Error()}, nil
	}
	return Decision{Allowed: true, Reason: "Within rate limit"}, nil
}

func (o *Orchestrator) recordOutcome(ctx context.Context, hc *HookContext) (Decision, error) {
	r := hc.Result
	event := audit.Event{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		CorrelationID: hc.CorrelationID,
		AgentID:       hc.AgentID,
		Role:          o.roleOf(hc),
		Operation:     hc.Operation,
		Result:        audit.ResultSuccess,
		FilePath:      hc.Op.FilePath,
		Command:       hc.Op.Command,
		APIName:       hc.Op.APIName,
		TokensUsed:    r.TokensUsed,
		Cost:          r.Cost,
		Duration:      r.ExecutionTime,
		Error:         r.Error,
		Context:       maps.Clone(hc.Op.Extra),
	}
	if !r.Success {
		event.Result = audit.ResultFailure
	}
	if res := o.recorder.Record(ctx, event); !res.Success {
		return Decision{}, fmt.Errorf("audit write: %s", res.Reason)
	}
	return Decision{Allowed: true, Reason: "Recorded"}, nil
}

func (o *Orchestrator) deductBudget(ctx context.Context, hc *HookContext) (Decision, error) {
	r := hc.Result
	cost := r.Cost
	if cost == 0 {
		cost = o.ledger.CostFor(r.TokensUsed)
	}
	res := o.ledger.Deduct(ctx, hc.AgentID, budget.Spend{Tokens: r.TokensUsed, Cost: cost})
	if !res.Success {
		return Decision{Budget: &res.Remaining}, errors.New(res.Error)
	}
	if o.metrics != nil {
		o.metrics.BudgetTokensTotal.WithLabelValues(hc.AgentID).Add(float64(r.TokensUsed))
		o.metrics.BudgetCostTotal.WithLabelValues(hc.AgentID).Add(cost)
	}
	if o.anomaly.RecordSpend(hc.AgentID, r.TokensUsed) {
		o.logger.DebugContext(ctx, "token spend above anomaly threshold", slog.String("agent_id", hc.AgentID))
	}
	return Decision{Allowed: true, Reason: fmt.Sprintf("Deducted %d tokens", r.TokensUsed), Budget: &res.Remaining}, nil
}

// roleOf returns the role resolved by the permission check, or looks it up
// when that check did not run.
func (o *Orchestrator) roleOf(hc *HookContext) string {
	if hc.Role != "" || o.permissions == nil {
		return hc.Role
	}
	if r, ok := o.permissions.RoleFor(hc.AgentID); ok {
		return r.Name
	}
	return ""
}

// estimateTokens picks the explicit estimate, then the file size, then the default.
func (o *Orchestrator) estimateTokens(op OperationContext) int64 {
	switch {
	case op.EstimatedTokens > 0:
		return op.EstimatedTokens
	case op.FileSize > 0:
		return (op.FileSize + bytesPerToken - 1) / bytesPerToken
	default:
		return o.estimate
	}
}
