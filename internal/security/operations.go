package security

import "strings"

// Canonical permissions.
const (
	PermFileRead    = "file:read"
	PermFileWrite   = "file:write"
	PermBashExecute = "bash:execute"
	PermAPICall     = "api:call"
	PermAgentSpawn  = "agent:spawn"
	PermTaskWrite   = "task:write"

	Wildcard = "*"
)

// DefaultOperations maps agent tool operations to canonical permissions.
func DefaultOperations() map[string]string {
	return map[string]string{
		"Read":         PermFileRead,
		"Glob":         PermFileRead,
		"Grep":         PermFileRead,
		"LS":           PermFileRead,
		"NotebookRead": PermFileRead,
		"Write":        PermFileWrite,
		"Edit":         PermFileWrite,
		"MultiEdit":    PermFileWrite,
		"NotebookEdit": PermFileWrite,
		"Bash":         PermBashExecute,
		"WebFetch":     PermAPICall,
		"WebSearch":    PermAPICall,
		"Task":         PermAgentSpawn,
		"TodoWrite":    PermTaskWrite,
	}
}

// mergeOperations overlays overrides on the built-in table.
func mergeOperations(overrides map[string]string) map[string]string {
	ops := DefaultOperations()
	for op, perm := range overrides {
		ops[op] = perm
	}
	return ops
}

// grants reports whether a single granted permission covers perm.
// Precedence is applied by the caller: universal, exact, then namespace.
func grants(granted []string, perm string) bool {
	for _, g := range granted {
		if g == Wildcard {
			return true
		}
	}
	for _, g := range granted {
		if g == perm {
			return true
		}
	}
	ns, _, ok := strings.Cut(perm, ":")
	if !ok {
		return false
	}
	for _, g := range granted {
		if g == ns+":*" {
			return true
		}
	}
	return false
}

func hasWildcard(granted []string) bool {
	for _, g := range granted {
		if g == Wildcard {
			return true
		}
	}
	return false
}
