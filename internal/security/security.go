// Package security implements role-based permission evaluation for agent
// operations: role resolution, operation-to-permission mapping, wildcard
// matching, resource scoping and approval requirements.
package security

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied is wrapped by PermissionDecision.Err for every denial.
var ErrPermissionDenied = errors.New("permission denied")

// Resource identifies what an operation touches. Empty fields are not scoped.
type Resource struct {
	FilePath string
	APIName  string
}

// PermissionDecision is the outcome of Evaluator.CheckPermission.
type PermissionDecision struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason"`
	Role       string `json:"role,omitempty"`
	Permission string `json:"permission,omitempty"`
}

// Err returns nil when allowed, otherwise the reason wrapped in ErrPermissionDenied.
func (d PermissionDecision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPermissionDenied, d.Reason)
}

// ApprovalRequirement reports whether an operation needs human sign-off.
type ApprovalRequirement struct {
	Required  bool     `json:"required"`
	Approvers []string `json:"approvers,omitempty"`
}
