package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/warden/internal/identity"
)

// IdentityRepository implements identity.Store with GORM.
type IdentityRepository struct {
	db *gorm.DB
}

// NewIdentityRepository creates an IdentityRepository.
func NewIdentityRepository(db *gorm.DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

// Get retrieves an identity by agent ID.
func (r *IdentityRepository) Get(ctx context.Context, agentID string) (*identity.AgentIdentity, error) {
	var model AgentIdentityModel
	err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", identity.ErrNotRegistered, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting agent identity %s: %w", agentID, err)
	}
	return toIdentityDomain(&model), nil
}

// Put persists an identity. Uses upsert to allow re-registration.
func (r *IdentityRepository) Put(ctx context.Context, id *identity.AgentIdentity) error {
	model := toIdentityModel(id)
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "agent_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"public_key", "metadata", "registered_at", "last_verified_at", "updated_at"}),
		}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("registering agent identity: %w", err)
	}
	return nil
}

// TouchVerified records a successful verification.
func (r *IdentityRepository) TouchVerified(ctx context.Context, agentID string, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&AgentIdentityModel{}).
		Where("agent_id = ?", agentID).
		Update("last_verified_at", at)
	if res.Error != nil {
		return fmt.Errorf("updating last verification for %s: %w", agentID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", identity.ErrNotRegistered, agentID)
	}
	return nil
}

// List returns all identities ordered by agent ID.
func (r *IdentityRepository) List(ctx context.Context) ([]identity.AgentIdentity, error) {
	var models []AgentIdentityModel
	if err := r.db.WithContext(ctx).
		Order("agent_id").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing identities: %w", err)
	}
	result := make([]identity.AgentIdentity, len(models))
	for i := range models {
		result[i] = *toIdentityDomain(&models[i])
	}
	return result, nil
}
