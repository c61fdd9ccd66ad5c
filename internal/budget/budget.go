// Package budget implements per-agent and global token/cost accounting with
// daily and hourly windows, check-then-deduct semantics, and local plus
// best-effort remote persistence.
package budget

import (
	"errors"
	"time"
)

// ErrBudgetExceeded is wrapped into every budget denial reason surfaced as an error.
var ErrBudgetExceeded = errors.New("budget limit exceeded")

// Default limits applied when neither the caller nor the limits resolver
// supplies any.
const (
	DefaultTokensPerHour       int64   = 0 // 0 = no hourly window.
	DefaultTokensPerDay        int64   = 100000
	DefaultMaxCostPerOperation float64 = 1.0
	DefaultGlobalTokensPerDay  int64   = 1000000
)

// Limits are the caps applied to one agent.
type Limits struct {
	TokensPerHour       int64   `json:"tokens_per_hour"`
	TokensPerDay        int64   `json:"tokens_per_day"`
	MaxCostPerOperation float64 `json:"max_cost_per_operation"`
}

// DefaultLimits returns the built-in agent limits.
func DefaultLimits() Limits {
	return Limits{
		TokensPerHour:       DefaultTokensPerHour,
		TokensPerDay:        DefaultTokensPerDay,
		MaxCostPerOperation: DefaultMaxCostPerOperation,
	}
}

// Usage is the consumption recorded against an agent's limits.
type Usage struct {
	TokensUsed        int64     `json:"tokens_used"`
	HourTokensUsed    int64     `json:"hour_tokens_used"`
	HourStart         time.Time `json:"hour_start"`
	OperationCount    int64     `json:"operation_count"`
	OperationsBlocked int64     `json:"operations_blocked"`
	TotalCost         float64   `json:"total_cost"`
	LastReset         time.Time `json:"last_reset"`
}

// Budget is the full budget record of one agent.
type Budget struct {
	AgentID   string    `json:"agent_id"`
	Limits    Limits    `json:"limits"`
	Usage     Usage     `json:"usage"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RemainingTokens returns the tokens left in the daily window, never negative.
func (b *Budget) RemainingTokens() int64 {
	remaining := b.Limits.TokensPerDay - b.Usage.TokensUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RemainingHourTokens returns the tokens left in the hourly window.
// Returns -1 when no hourly cap is configured.
func (b *Budget) RemainingHourTokens() int64 {
	if b.Limits.TokensPerHour <= 0 {
		return -1
	}
	remaining := b.Limits.TokensPerHour - b.Usage.HourTokensUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// GlobalBudget caps the combined daily consumption of all agents.
type GlobalBudget struct {
	TokensPerDay int64     `json:"tokens_per_day"`
	TokensUsed   int64     `json:"tokens_used"`
	ResetAt      time.Time `json:"reset_at"`
}

// RemainingTokens returns the tokens left in the global daily window.
func (g *GlobalBudget) RemainingTokens() int64 {
	remaining := g.TokensPerDay - g.TokensUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Estimate is the projected consumption of an operation, checked before it runs.
type Estimate struct {
	Tokens int64   `json:"tokens"`
	Cost   float64 `json:"cost"`
}

// Spend is the actual consumption of an operation, deducted after it runs.
type Spend struct {
	Tokens int64   `json:"tokens"`
	Cost   float64 `json:"cost"`
}

// Remaining is a point-in-time snapshot of what an agent can still consume.
type Remaining struct {
	Tokens       int64   `json:"tokens"`
	HourTokens   int64   `json:"hour_tokens"` // -1 when no hourly cap is configured.
	GlobalTokens int64   `json:"global_tokens"`
	MaxCost      float64 `json:"max_cost_per_operation"`
}

// CheckResult is the outcome of CheckBudget.
type CheckResult struct {
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason"`
	Remaining Remaining `json:"remaining"`
}

// DeductResult is the outcome of Deduct.
type DeductResult struct {
	Success   bool      `json:"success"`
	Remaining Remaining `json:"remaining"`
	Error     string    `json:"error,omitempty"`
}

// Status is a read-only view of an agent's budget.
type Status struct {
	Budget          Budget       `json:"budget"`
	Global          GlobalBudget `json:"global"`
	Remaining       Remaining    `json:"remaining"`
	DailyPercent    float64      `json:"daily_percent"`
	HourlyPercent   float64      `json:"hourly_percent"`
	GlobalPercent   float64      `json:"global_percent"`
	AverageOpTokens float64      `json:"average_operation_tokens"`
}

func percent(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100
}
