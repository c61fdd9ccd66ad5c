package postgres

import (
	"encoding/json"
	"time"

	"github.com/jkaninda/warden/internal/audit"
	"github.com/jkaninda/warden/internal/budget"
	"github.com/jkaninda/warden/internal/identity"
)

// --- Identity ---

func toIdentityModel(id *identity.AgentIdentity) AgentIdentityModel {
	meta, _ := json.Marshal(id.Metadata)
	if id.Metadata == nil {
		meta = []byte("{}")
	}
	return AgentIdentityModel{
		AgentID:        id.AgentID,
		PublicKey:      id.PublicKey,
		Metadata:       JSONB(meta),
		RegisteredAt:   id.RegisteredAt,
		LastVerifiedAt: id.LastVerifiedAt,
	}
}

func toIdentityDomain(m *AgentIdentityModel) *identity.AgentIdentity {
	var meta map[string]any
	_ = json.Unmarshal(m.Metadata, &meta)
	if meta == nil {
		meta = map[string]any{}
	}
	return &identity.AgentIdentity{
		AgentID:        m.AgentID,
		PublicKey:      m.PublicKey,
		Metadata:       meta,
		RegisteredAt:   m.RegisteredAt,
		LastVerifiedAt: m.LastVerifiedAt,
	}
}

// --- Budget ---

func toBudgetModel(b budget.Budget) BudgetModel {
	return BudgetModel{
		AgentID:             b.AgentID,
		TokensPerHour:       b.Limits.TokensPerHour,
		TokensPerDay:        b.Limits.TokensPerDay,
		MaxCostPerOperation: b.Limits.MaxCostPerOperation,
		TokensUsed:          b.Usage.TokensUsed,
		HourTokensUsed:      b.Usage.HourTokensUsed,
		HourStart:           b.Usage.HourStart,
		OperationCount:      b.Usage.OperationCount,
		OperationsBlocked:   b.Usage.OperationsBlocked,
		TotalCost:           b.Usage.TotalCost,
		LastReset:           b.Usage.LastReset,
		UpdatedAt:           b.UpdatedAt,
	}
}

func toBudgetDomain(m *BudgetModel) budget.Budget {
	return budget.Budget{
		AgentID: m.AgentID,
		Limits: budget.Limits{
			TokensPerHour:       m.TokensPerHour,
			TokensPerDay:        m.TokensPerDay,
			MaxCostPerOperation: m.MaxCostPerOperation,
		},
		Usage: budget.Usage{
			TokensUsed:        m.TokensUsed,
			HourTokensUsed:    m.HourTokensUsed,
			HourStart:         m.HourStart,
			OperationCount:    m.OperationCount,
			OperationsBlocked: m.OperationsBlocked,
			TotalCost:         m.TotalCost,
			LastReset:         m.LastReset,
		},
		UpdatedAt: m.UpdatedAt,
	}
}

// --- Audit ---

func toAuditModel(e audit.Event) AuditEventModel {
	var ctxJSON JSONB
	if len(e.Context) > 0 {
		if data, err := json.Marshal(e.Context); err == nil {
			ctxJSON = JSONB(data)
		}
	}
	return AuditEventModel{
		ID:            e.ID,
		CorrelationID: e.CorrelationID,
		AgentID:       e.AgentID,
		Role:          e.Role,
		Operation:     e.Operation,
		Result:        e.Result,
		BlockedBy:     e.BlockedBy,
		Reason:        e.Reason,
		FilePath:      e.FilePath,
		Command:       e.Command,
		APIName:       e.APIName,
		TokensUsed:    e.TokensUsed,
		CostUSD:       e.Cost,
		DurationMS:    e.Duration.Milliseconds(),
		Error:         e.Error,
		Context:       ctxJSON,
		CreatedAt:     e.Timestamp,
	}
}

func toAuditDomain(m *AuditEventModel) audit.Event {
	var opCtx map[string]any
	if len(m.Context) > 0 {
		_ = json.Unmarshal(m.Context, &opCtx)
	}
	return audit.Event{
		ID:            m.ID,
		Timestamp:     m.CreatedAt,
		CorrelationID: m.CorrelationID,
		AgentID:       m.AgentID,
		Role:          m.Role,
		Operation:     m.Operation,
		Result:        m.Result,
		BlockedBy:     m.BlockedBy,
		Reason:        m.Reason,
		FilePath:      m.FilePath,
		Command:       m.Command,
		APIName:       m.APIName,
		TokensUsed:    m.TokensUsed,
		Cost:          m.CostUSD,
		Duration:      time.Duration(m.DurationMS) * time.Millisecond,
		Error:         m.Error,
		Context:       opCtx,
	}
}
