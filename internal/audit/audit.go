// Package audit records the decisions and outcomes of agent operations to
// append-only sinks. Recording is best-effort: failures are reported in the
// Result and never abort the operation being audited.
package audit

import (
	"context"
	"time"
)

// Outcome values for Event.Result.
const (
	ResultAllowed = "allowed" // Pre-checks passed; written by callers that audit intent.
	ResultDenied  = "denied"
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Event is a single entry in the append-only audit log.
type Event struct {
	ID            string        `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	AgentID       string        `json:"agent_id"`
	Role          string        `json:"role,omitempty"`
	Operation     string        `json:"operation"`
	Result        string        `json:"result"`
	BlockedBy     string        `json:"blocked_by,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	FilePath      string        `json:"file_path,omitempty"`
	Command       string        `json:"command,omitempty"`
	APIName       string        `json:"api_name,omitempty"`
	TokensUsed    int64         `json:"tokens_used,omitempty"`
	Cost          float64       `json:"cost,omitempty"`
	Duration      time.Duration `json:"duration_ns,omitempty"`
	Error         string        `json:"error,omitempty"`

	// Context carries caller-supplied details of the operation.
	Context map[string]any `json:"context,omitempty"`
}

// Result is the outcome of Recorder.Record.
type Result struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

func ok() Result { return Result{Success: true} }

func failed(err error) Result { return Result{Success: false, Reason: err.Error()} }

// Recorder appends audit events. Implementations must be safe for
// concurrent use and must not panic.
type Recorder interface {
	Record(ctx context.Context, event Event) Result
}

// Store is an append-only store for audit events.
// No update or delete methods: immutability is enforced at the interface level.
type Store interface {
	Append(ctx context.Context, event Event) error
	// Query returns events newest first, filtered to agentID when non-empty.
	Query(ctx context.Context, agentID string, limit int) ([]Event, error)
}
