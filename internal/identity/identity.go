// Package identity provides the agent identity registry. Each agent has a
// persistent record, optionally bound to an Ed25519 public key, that is
// verified before any privileged operation runs.
package identity

import (
	"context"
	"errors"
	"time"
)

// ErrNotRegistered is returned by stores when no identity exists for an agent.
var ErrNotRegistered = errors.New("agent not registered")

// AgentIdentity is the persisted identity of one agent.
type AgentIdentity struct {
	AgentID        string         `json:"agent_id"`
	PublicKey      string         `json:"public_key,omitempty"` // Hex-encoded Ed25519 key. Empty = trust-on-first-use only.
	Metadata       map[string]any `json:"metadata,omitempty"`
	RegisteredAt   time.Time      `json:"registered_at"`
	LastVerifiedAt *time.Time     `json:"last_verified_at,omitempty"`
}

// VerificationResult is the outcome of Registry.Verify.
// Failures are reported here, never as errors or panics.
type VerificationResult struct {
	Verified bool           `json:"verified"`
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Verification failure reasons.
const (
	ReasonNotRegistered     = "Agent not registered"
	ReasonChallengeRequired = "Challenge required"
	ReasonNoPublicKey       = "No public key registered"
	ReasonInvalidSignature  = "Invalid signature"
)

// Store persists agent identities. Records are never deleted.
// Get returns an error wrapping ErrNotRegistered when the agent is unknown.
type Store interface {
	Get(ctx context.Context, agentID string) (*AgentIdentity, error)
	Put(ctx context.Context, id *AgentIdentity) error
	TouchVerified(ctx context.Context, agentID string, at time.Time) error
	List(ctx context.Context) ([]AgentIdentity, error)
}
