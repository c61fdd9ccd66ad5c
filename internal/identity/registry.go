package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Registry registers and verifies agent identities.
type Registry struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry backed by store.
func NewRegistry(store Store, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{store: store, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores or overwrites the identity of agentID. publicKeyHex may be
// empty, in which case the agent can only be verified by trust-on-first-use.
// Re-registration keeps the original RegisteredAt.
func (r *Registry) Register(ctx context.Context, agentID, publicKeyHex string, metadata map[string]any) (*AgentIdentity, error) {
	if agentID == "" {
		return nil, errors.New("agent ID is required")
	}
	if publicKeyHex != "" {
		if _, err := ParsePublicKeyHex(publicKeyHex); err != nil {
			return nil, fmt.Errorf("registering %s: %w", agentID, err)
		}
	}

	id := &AgentIdentity{
		AgentID:      agentID,
		PublicKey:    publicKeyHex,
		Metadata:     NormalizeMetadata(metadata),
		RegisteredAt: r.now().UTC(),
	}
	existing, err := r.store.Get(ctx, agentID)
	switch {
	case err == nil:
		id.RegisteredAt = existing.RegisteredAt
		id.LastVerifiedAt = existing.LastVerifiedAt
	case !errors.Is(err, ErrNotRegistered):
		return nil, fmt.Errorf("looking up %s: %w", agentID, err)
	}

	if err := r.store.Put(ctx, id); err != nil {
		return nil, fmt.Errorf("storing identity %s: %w", agentID, err)
	}
	r.logger.InfoContext(ctx, "agent registered",
		slog.String("agent_id", agentID),
		slog.Bool("has_public_key", publicKeyHex != ""),
		slog.Bool("reregistered", existing != nil),
	)
	return id, nil
}

// Get returns the stored identity of agentID.
func (r *Registry) Get(ctx context.Context, agentID string) (*AgentIdentity, error) {
	return r.store.Get(ctx, agentID)
}

// List returns every registered identity.
func (r *Registry) List(ctx context.Context) ([]AgentIdentity, error) {
	return r.store.List(ctx)
}

// Verify checks the identity of agentID. Without a signature the agent is
// trusted on first use. With a signature, challenge must be the signed
// payload and the signature a hex Ed25519 signature by the registered key.
// LastVerifiedAt is refreshed only on success.
func (r *Registry) Verify(ctx context.Context, agentID, signature, challenge string) VerificationResult {
	id, err := r.store.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, ErrNotRegistered) {
			return VerificationResult{Verified: false, Reason: ReasonNotRegistered}
		}
		r.logger.ErrorContext(ctx, "identity lookup failed",
			slog.String("agent_id", agentID),
			slog.String("error", err.Error()),
		)
		return VerificationResult{Verified: false, Reason: fmt.Sprintf("Identity lookup failed: %v", err)}
	}

	if signature != "" {
		if reason := verifySignature(id, signature, challenge); reason != "" {
			r.logger.WarnContext(ctx, "identity verification failed",
				slog.String("agent_id", agentID),
				slog.String("reason", reason),
			)
			return VerificationResult{Verified: false, Reason: reason, Metadata: id.Metadata}
		}
	}

	if err := r.store.TouchVerified(ctx, agentID, r.now().UTC()); err != nil {
		r.logger.WarnContext(ctx, "recording verification time",
			slog.String("agent_id", agentID),
			slog.String("error", err.Error()),
		)
	}
	mode := "trust-on-first-use"
	if signature != "" {
		mode = "signature"
	}
	return VerificationResult{Verified: true, Reason: "Verified (" + mode + ")", Metadata: id.Metadata}
}

// verifySignature returns an empty string on success, otherwise the failure reason.
func verifySignature(id *AgentIdentity, signature, challenge string) string {
	if challenge == "" {
		return ReasonChallengeRequired
	}
	if id.PublicKey == "" {
		return ReasonNoPublicKey
	}
	pub, err := ParsePublicKeyHex(id.PublicKey)
	if err != nil {
		return ReasonInvalidSignature
	}
	sig, err := hex.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ReasonInvalidSignature
	}
	if !ed25519.Verify(pub, []byte(challenge), sig) {
		return ReasonInvalidSignature
	}
	return ""
}
