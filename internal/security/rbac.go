package security

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/jkaninda/warden/internal/budget"
)

// UnassignedPolicy decides how agents without a role assignment are treated.
type UnassignedPolicy string

const (
	UnassignedDefaultRole UnassignedPolicy = "default-role" // Fall back to DefaultRole.
	UnassignedDeny        UnassignedPolicy = "deny"
)

// DefaultApprovers is used when no approvers are configured.
var DefaultApprovers = []string{"human", "admin"}

// Role defines a named set of permissions plus the resources and budget it is scoped to.
type Role struct {
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	Permissions     []string       `json:"permissions"`                // "*", "ns:*" or exact permission strings.
	Paths           []string       `json:"paths,omitempty"`            // Allowed file path patterns. Empty = any path.
	APIAccess       []string       `json:"api_access,omitempty"`       // Allowed external API names. Empty = any API.
	Budget          *budget.Limits `json:"budget,omitempty"`           // nil = ledger defaults.
	RequireApproval []string       `json:"require_approval,omitempty"` // Operation names or permissions that need sign-off.
}

// RBACConfig is the full role-based access control configuration.
type RBACConfig struct {
	Roles            map[string]Role   // role name → definition
	Assignments      map[string]string // agent ID → role name
	DefaultRole      string            // role for agents not in Assignments
	UnassignedPolicy UnassignedPolicy  // "" = default-role
	Operations       map[string]string // operation → permission overrides
	Approvers        []string          // "" = DefaultApprovers
}

// Evaluator enforces role-based access control with default-deny semantics.
// Safe for concurrent use; Reload swaps the configuration atomically.
type Evaluator struct {
	mu               sync.RWMutex
	roles            map[string]Role
	assignments      map[string]string
	defaultRole      string
	unassignedPolicy UnassignedPolicy
	operations       map[string]string
	approvers        []string
	logger           *slog.Logger
}

// NewEvaluator creates an evaluator from the given configuration.
func NewEvaluator(cfg RBACConfig, logger *slog.Logger) *Evaluator {
	e := &Evaluator{logger: logger}
	e.apply(cfg)
	return e
}

// Reload replaces the configuration. In-flight checks finish against the old one.
func (e *Evaluator) Reload(cfg RBACConfig) {
	e.mu.Lock()
	e.apply(cfg)
	e.mu.Unlock()
	e.logger.Info("rbac configuration reloaded",
		slog.Int("roles", len(cfg.Roles)),
		slog.Int("assignments", len(cfg.Assignments)),
	)
}

func (e *Evaluator) apply(cfg RBACConfig) {
	roles := make(map[string]Role, len(cfg.Roles))
	for name, r := range cfg.Roles {
		if r.Name == "" {
			r.Name = name
		}
		roles[name] = r
	}
	e.roles = roles
	e.assignments = maps.Clone(cfg.Assignments)
	e.defaultRole = cfg.DefaultRole
	e.unassignedPolicy = cfg.UnassignedPolicy
	if e.unassignedPolicy == "" {
		e.unassignedPolicy = UnassignedDefaultRole
	}
	e.operations = mergeOperations(cfg.Operations)
	e.approvers = cfg.Approvers
	if len(e.approvers) == 0 {
		e.approvers = DefaultApprovers
	}
}

// CheckPermission decides whether agentID may perform operation on res.
// Precedence: universal wildcard, exact permission, namespace wildcard.
// Resource scoping is applied only after the permission itself is granted.
func (e *Evaluator) CheckPermission(ctx context.Context, agentID, operation string, res Resource) PermissionDecision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	role, d, ok := e.resolveRole(agentID)
	if !ok {
		e.logDenied(ctx, agentID, operation, d)
		return d
	}

	perm, mapped := e.permissionFor(operation)
	d = PermissionDecision{Role: role.Name, Permission: perm}
	switch {
	case !mapped && hasWildcard(role.Permissions):
		d.Allowed = true
		d.Reason = "Universal wildcard permission"
	case !mapped:
		d.Reason = fmt.Sprintf("No permission mapping for operation %s", operation)
	case grants(role.Permissions, perm):
		d.Allowed = true
		d.Reason = fmt.Sprintf("Role %s grants %s", role.Name, perm)
	default:
		d.Reason = fmt.Sprintf("Missing permission: %s", perm)
	}

	if d.Allowed {
		if reason := checkScope(role, res); reason != "" {
			d.Allowed = false
			d.Reason = reason
		}
	}
	if !d.Allowed {
		e.logDenied(ctx, agentID, operation, d)
	}
	return d
}

// CheckApprovalRequired reports whether roleName must get sign-off for operation.
// Independent of CheckPermission: an allowed operation can still need approval.
func (e *Evaluator) CheckApprovalRequired(roleName, operation string) ApprovalRequirement {
	e.mu.RLock()
	defer e.mu.RUnlock()

	role, ok := e.roles[roleName]
	if !ok || len(role.RequireApproval) == 0 {
		return ApprovalRequirement{}
	}
	perm, _ := e.permissionFor(operation)
	if slices.Contains(role.RequireApproval, operation) || (perm != "" && grants(role.RequireApproval, perm)) {
		return ApprovalRequirement{Required: true, Approvers: slices.Clone(e.approvers)}
	}
	return ApprovalRequirement{}
}

// RoleFor returns the role agentID resolves to, if any.
func (e *Evaluator) RoleFor(agentID string) (Role, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	role, _, ok := e.resolveRole(agentID)
	return role, ok
}

// BudgetLimitsFor returns the budget limits of agentID's role.
// Satisfies budget.LimitsResolver.
func (e *Evaluator) BudgetLimitsFor(agentID string) (budget.Limits, bool) {
	role, ok := e.RoleFor(agentID)
	if !ok || role.Budget == nil {
		return budget.Limits{}, false
	}
	return *role.Budget, true
}

// PermissionFor maps an operation to its canonical permission.
func (e *Evaluator) PermissionFor(operation string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.permissionFor(operation)
}

// RoleNames returns the configured role names, sorted.
func (e *Evaluator) RoleNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.roles))
	for name := range e.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveRole returns the role for the agent. Caller holds e.mu.
// On failure the returned decision carries the denial reason.
func (e *Evaluator) resolveRole(agentID string) (Role, PermissionDecision, bool) {
	roleName, ok := e.assignments[agentID]
	if !ok {
		if e.unassignedPolicy == UnassignedDeny || e.defaultRole == "" {
			return Role{}, PermissionDecision{Reason: fmt.Sprintf("No role assigned to agent %s", agentID)}, false
		}
		roleName = e.defaultRole
	}
	role, ok := e.roles[roleName]
	if !ok {
		return Role{}, PermissionDecision{Role: roleName, Reason: fmt.Sprintf("Unknown role: %s", roleName)}, false
	}
	return role, PermissionDecision{}, true
}

// permissionFor consults the operation table. Operations already written as
// namespaced permissions ("file:read") map to themselves. Caller holds e.mu.
func (e *Evaluator) permissionFor(operation string) (string, bool) {
	if perm, ok := e.operations[operation]; ok {
		return perm, true
	}
	if ns, action, ok := strings.Cut(operation, ":"); ok && ns != "" && action != "" {
		return operation, true
	}
	return "", false
}

func (e *Evaluator) logDenied(ctx context.Context, agentID, operation string, d PermissionDecision) {
	e.logger.WarnContext(ctx, "permission denied",
		slog.String("agent_id", agentID),
		slog.String("operation", operation),
		slog.String("role", d.Role),
		slog.String("reason", d.Reason),
	)
}
