package postgres

import (
	"encoding/json"
	"time"
)

// JSONB is a json.RawMessage stored in a jsonb column (TEXT on SQLite).
type JSONB json.RawMessage

// AgentIdentityModel maps to the "agent_identities" table.
type AgentIdentityModel struct {
	AgentID        string `gorm:"primaryKey"`
	PublicKey      string `gorm:"not null;default:''"`
	Metadata       JSONB  `gorm:"type:jsonb;not null;default:'{}'"`
	RegisteredAt   time.Time
	LastVerifiedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (AgentIdentityModel) TableName() string { return "agent_identities" }

// BudgetModel maps to the "agent_budgets" table. One row per agent.
type BudgetModel struct {
	AgentID             string  `gorm:"primaryKey"`
	TokensPerHour       int64   `gorm:"not null;default:0"`
	TokensPerDay        int64   `gorm:"not null"`
	MaxCostPerOperation float64 `gorm:"type:numeric(14,6);not null"`
	TokensUsed          int64   `gorm:"not null;default:0"`
	HourTokensUsed      int64   `gorm:"not null;default:0"`
	HourStart           time.Time
	OperationCount      int64   `gorm:"not null;default:0"`
	OperationsBlocked   int64   `gorm:"not null;default:0"`
	TotalCost           float64 `gorm:"type:numeric(14,6);not null;default:0"`
	LastReset           time.Time
	UpdatedAt           time.Time `gorm:"autoUpdateTime:false"`
}

func (BudgetModel) TableName() string { return "agent_budgets" }

// globalBudgetID is the primary key of the single global budget row.
const globalBudgetID = 1

// GlobalBudgetModel maps to the "global_budget" table. Holds a single row.
type GlobalBudgetModel struct {
	ID           int   `gorm:"primaryKey;autoIncrement:false"`
	TokensPerDay int64 `gorm:"not null"`
	TokensUsed   int64 `gorm:"not null;default:0"`
	ResetAt      time.Time
	UpdatedAt    time.Time
}

func (GlobalBudgetModel) TableName() string { return "global_budget" }

// AuditEventModel maps to the "audit_events" table. Rows are never updated.
type AuditEventModel struct {
	ID            string `gorm:"primaryKey"`
	CorrelationID string `gorm:"index"`
	AgentID       string `gorm:"not null;index"`
	Role          string
	Operation     string `gorm:"not null"`
	Result        string `gorm:"not null"`
	BlockedBy     string
	Reason        string
	FilePath      string
	Command       string
	APIName       string
	TokensUsed    int64
	CostUSD       float64 `gorm:"type:numeric(14,6)"`
	DurationMS    int64
	Error         string
	Context       JSONB     `gorm:"type:jsonb"`
	CreatedAt     time.Time `gorm:"index"`
}

func (AuditEventModel) TableName() string { return "audit_events" }

// AllModels lists every model in migration order.
func AllModels() []any {
	return []any{
		&AgentIdentityModel{},
		&BudgetModel{},
		&GlobalBudgetModel{},
		&AuditEventModel{},
	}
}
