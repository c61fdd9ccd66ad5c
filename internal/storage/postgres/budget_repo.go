package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/warden/internal/budget"
)

// BudgetRepository implements budget.LocalStore with GORM.
// The ledger serializes writes per agent; rows are replaced wholesale.
type BudgetRepository struct {
	db *gorm.DB
}

// NewBudgetRepository creates a BudgetRepository.
func NewBudgetRepository(db *gorm.DB) *BudgetRepository {
	return &BudgetRepository{db: db}
}

// LoadBudget returns the agent's budget, or nil when none is stored.
func (r *BudgetRepository) LoadBudget(ctx context.Context, agentID string) (*budget.Budget, error) {
	var model BudgetModel
	err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading budget for %s: %w", agentID, err)
	}
	b := toBudgetDomain(&model)
	return &b, nil
}

// SaveBudget upserts the agent's budget row.
func (r *BudgetRepository) SaveBudget(ctx context.Context, b budget.Budget) error {
	model := toBudgetModel(b)
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "agent_id"}},
			UpdateAll: true,
		}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("saving budget for %s: %w", b.AgentID, err)
	}
	return nil
}

// ListBudgets returns every stored budget ordered by agent ID.
func (r *BudgetRepository) ListBudgets(ctx context.Context) ([]budget.Budget, error) {
	var models []BudgetModel
	if err := r.db.WithContext(ctx).
		Order("agent_id").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing budgets: %w", err)
	}
	out := make([]budget.Budget, len(models))
	for i := range models {
		out[i] = toBudgetDomain(&models[i])
	}
	return out, nil
}

// LoadGlobal returns the global budget, or nil when none is stored.
func (r *BudgetRepository) LoadGlobal(ctx context.Context) (*budget.GlobalBudget, error) {
	var model GlobalBudgetModel
	err := r.db.WithContext(ctx).First(&model, globalBudgetID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading global budget: %w", err)
	}
	return &budget.GlobalBudget{
		TokensPerDay: model.TokensPerDay,
		TokensUsed:   model.TokensUsed,
		ResetAt:      model.ResetAt,
	}, nil
}

// SaveGlobal upserts the single global budget row.
func (r *BudgetRepository) SaveGlobal(ctx context.Context, g budget.GlobalBudget) error {
	model := GlobalBudgetModel{
		ID:           globalBudgetID,
		TokensPerDay: g.TokensPerDay,
		TokensUsed:   g.TokensUsed,
		ResetAt:      g.ResetAt,
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("saving global budget: %w", err)
	}
	return nil
}
