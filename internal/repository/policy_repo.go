package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/assess-pipeline/internal/models"
)

// AssignmentPolicyRepository reads per-assignment grading policies.
type AssignmentPolicyRepository interface {
	GetByAssignment(ctx context.Context, assignmentID string) (models.AssignmentPolicy, error)
	Upsert(ctx context.Context, policy *models.AssignmentPolicy) error
}

type assignmentPolicyRepository struct {
	db *gorm.DB
}

// NewAssignmentPolicyRepository constructs an AssignmentPolicyRepository.
func NewAssignmentPolicyRepository(db *gorm.DB) AssignmentPolicyRepository {
	return &assignmentPolicyRepository{db: db}
}

func (r *assignmentPolicyRepository) GetByAssignment(ctx context.Context, assignmentID string) (models.AssignmentPolicy, error) {
	var policy models.AssignmentPolicy
	if err := r.db.WithContext(ctx).Where("assignment_id = ?", assignmentID).First(&policy).Error; err != nil {
		return models.AssignmentPolicy{}, err
	}
	return policy, nil
}

func (r *assignmentPolicyRepository) Upsert(ctx context.Context, policy *models.AssignmentPolicy) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "assignment_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"auto_accept_threshold", "requires_review", "updated_at"}),
	}).Create(policy).Error
}
