package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/assess-pipeline/internal/models"
)

// AssignmentRepository reads the assignment catalogue.
type AssignmentRepository interface {
	GetByID(ctx context.Context, id string) (models.Assignment, error)
	GetByIDs(ctx context.Context, ids []string) (map[string]models.Assignment, error)
	Upsert(ctx context.Context, assignment *models.Assignment) error
}

type assignmentRepository struct {
	db *gorm.DB
}

// NewAssignmentRepository constructs an AssignmentRepository.
func NewAssignmentRepository(db *gorm.DB) AssignmentRepository {
	return &assignmentRepository{db: db}
}

func (r *assignmentRepository) GetByID(ctx context.Context, id string) (models.Assignment, error) {
	var assignment models.Assignment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&assignment).Error; err != nil {
		return models.Assignment{}, err
	}
	return assignment, nil
}

func (r *assignmentRepository) GetByIDs(ctx context.Context, ids []string) (map[string]models.Assignment, error) {
	result := make(map[string]models.Assignment, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	var assignments []models.Assignment
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&assignments).Error; err != nil {
		return nil, err
	}

	for _, assignment := range assignments {
		result[assignment.ID] = assignment
	}
	return result, nil
}

func (r *assignmentRepository) Upsert(ctx context.Context, assignment *models.Assignment) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "subject", "due_date", "updated_at"}),
	}).Create(assignment).Error
}
