// Package approval implements an in-memory approval manager for agent
// operations that require human sign-off before they run.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

var (
	ErrNotFound        = errors.New("approval not found")
	ErrExpired         = errors.New("approval expired")
	ErrAlreadyResolved = errors.New("approval already resolved")
	ErrNotEligible     = errors.New("approver not eligible")
)

// DefaultTTL applies when the manager is created with a non-positive TTL.
const DefaultTTL = 5 * time.Minute

// Status represents the state of an approval request.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusDenied
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusDenied:
		return "denied"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// PendingApproval is an approval request and its resolution.
type PendingApproval struct {
	ID              string    `json:"id"`
	AgentID         string    `json:"agent_id"`
	Operation       string    `json:"operation"`
	Role            string    `json:"role,omitempty"`
	Target          string    `json:"target,omitempty"` // File path, command or API the operation touches.
	EstimatedTokens int64     `json:"estimated_tokens,omitempty"`
	CorrelationID   string    `json:"correlation_id,omitempty"`
	Approvers       []string  `json:"approvers,omitempty"` // Empty = anyone may resolve.
	Status          Status    `json:"status"`
	ResolvedBy      string    `json:"resolved_by,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	ResolvedAt      time.Time `json:"resolved_at,omitempty"`
}

// CreateRequest contains the fields needed to create a pending approval.
type CreateRequest struct {
	AgentID         string
	Operation       string
	Role            string
	Target          string
	EstimatedTokens int64
	CorrelationID   string
	Approvers       []string
}

// Manager stores approval requests in memory.
// Thread-safe. Approvals expire after a configurable TTL.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*PendingApproval
	ttl     time.Duration
	now     func() time.Time
	learner *AutoApprover
	logger  *slog.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithAutoApprover records every manual approval with a so repeated
// operations can later be approved automatically.
func WithAutoApprover(a *AutoApprover) Option {
	return func(m *Manager) { m.learner = a }
}

// NewManager creates an approval manager with the given default TTL.
func NewManager(ttl time.Duration, logger *slog.Logger, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		pending: make(map[string]*PendingApproval),
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create stores a new pending approval and returns its unique ID.
func (m *Manager) Create(ctx context.Context, req *CreateRequest) (string, error) {
	id, err := generateID()
	if err != nil {
		return "", fmt.Errorf("generating approval ID: %w", err)
	}

	now := m.now().UTC()
	pa := &PendingApproval{
		ID:              id,
		AgentID:         req.AgentID,
		Operation:       req.Operation,
		Role:            req.Role,
		Target:          req.Target,
		EstimatedTokens: req.EstimatedTokens,
		CorrelationID:   req.CorrelationID,
		Approvers:       slices.Clone(req.Approvers),
		Status:          StatusPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(m.ttl),
	}

	m.mu.Lock()
	m.pending[id] = pa
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "approval created",
		slog.String("approval_id", id),
		slog.String("agent_id", req.AgentID),
		slog.String("operation", req.Operation),
		slog.Any("approvers", req.Approvers),
	)
	return id, nil
}

// Approve marks a pending approval as approved by the given approver.
func (m *Manager) Approve(ctx context.Context, id, approverID string) error {
	pa, err := m.resolve(ctx, id, approverID, StatusApproved)
	if err != nil {
		return err
	}
	if m.learner != nil {
		m.learner.RecordManualApproval(pa.AgentID, pa.Operation, pa.Target)
	}
	return nil
}

// Deny marks a pending approval as denied.
func (m *Manager) Deny(ctx context.Context, id, denierID string) error {
	_, err := m.resolve(ctx, id, denierID, StatusDenied)
	return err
}

func (m *Manager) resolve(ctx context.Context, id, resolverID string, status Status) (PendingApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pa, ok := m.pending[id]
	if !ok {
		return PendingApproval{}, ErrNotFound
	}
	now := m.now().UTC()
	if pa.Status == StatusPending && now.After(pa.ExpiresAt) {
		pa.Status = StatusExpired
	}
	switch pa.Status {
	case StatusExpired:
		return PendingApproval{}, ErrExpired
	case StatusPending:
	default:
		return PendingApproval{}, ErrAlreadyResolved
	}
	if len(pa.Approvers) > 0 && !slices.Contains(pa.Approvers, resolverID) {
		return PendingApproval{}, fmt.Errorf("%w: %q is not one of %v", ErrNotEligible, resolverID, pa.Approvers)
	}

	pa.Status = status
	pa.ResolvedBy = resolverID
	pa.ResolvedAt = now

	m.logger.InfoContext(ctx, "approval resolved",
		slog.String("approval_id", id),
		slog.String("resolver", resolverID),
		slog.String("status", status.String()),
		slog.String("operation", pa.Operation),
	)
	return *pa, nil
}

// Get retrieves an approval by ID, marking it expired if past its TTL.
func (m *Manager) Get(_ context.Context, id string) (*PendingApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pa, ok := m.pending[id]
	if !ok {
		return nil, ErrNotFound
	}
	if pa.Status == StatusPending && m.now().UTC().After(pa.ExpiresAt) {
		pa.Status = StatusExpired
	}
	cp := *pa
	cp.Approvers = slices.Clone(pa.Approvers)
	return &cp, nil
}

// IsApproved reports whether id is an unexpired approval granted for
// agentID performing operation on target. An approval covers only the
// target it was requested for.
func (m *Manager) IsApproved(id, agentID, operation, target string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	pa, ok := m.pending[id]
	if !ok || pa.Status != StatusApproved {
		return false
	}
	if m.now().UTC().After(pa.ExpiresAt) {
		return false
	}
	return pa.AgentID == agentID && pa.Operation == operation && pa.Target == target
}

// Cleanup marks overdue requests expired and removes anything resolved or
// expired more than one TTL ago.
func (m *Manager) Cleanup(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	for id, pa := range m.pending {
		if pa.Status == StatusPending && now.After(pa.ExpiresAt) {
			pa.Status = StatusExpired
		}
		if pa.Status != StatusPending && now.After(pa.ExpiresAt.Add(m.ttl)) {
			delete(m.pending, id)
		}
	}
}

// Len returns the number of tracked approvals.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// StartCleanup starts a background goroutine that calls Cleanup periodically.
// Returns a cancel function to stop the goroutine.
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Cleanup(ctx)
			}
		}
	}()
	return cancel
}

func generateID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
