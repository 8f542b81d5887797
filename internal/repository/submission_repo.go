package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/assess-pipeline/internal/models"
)

// SubmissionFilter allows narrowing submission queries.
type SubmissionFilter struct {
	AssignmentID  *string
	StudentID     *string
	States        []models.SubmissionState
	UpdatedBefore *time.Time
	OldestFirst   bool
	Limit         int
}

// TransitionGuard is the precondition a conditional update must still observe in the row.
type TransitionGuard struct {
	States            []models.SubmissionState
	TeacherScoreUnset bool
	UpdatedBefore     *time.Time
}

// SubmissionRepository defines data operations for submissions.
type SubmissionRepository interface {
	Create(ctx context.Context, submission *models.Submission) error
	GetByID(ctx context.Context, id string) (models.Submission, error)
	List(ctx context.Context, filter SubmissionFilter) ([]models.Submission, error)
	Transition(ctx context.Context, id string, guard TransitionGuard, updates map[string]interface{}) (bool, error)
	ApplyOverride(ctx context.Context, id string, guard TransitionGuard, updates map[string]interface{}, record *models.SubmissionOverride) (bool, error)
	ListOverrides(ctx context.Context, submissionID string) ([]models.SubmissionOverride, error)
}

type submissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository instantiates the repository.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

func (r *submissionRepository) Create(ctx context.Context, submission *models.Submission) error {
	return r.db.WithContext(ctx).Create(submission).Error
}

func (r *submissionRepository) GetByID(ctx context.Context, id string) (models.Submission, error) {
	var submission models.Submission
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&submission).Error; err != nil {
		return models.Submission{}, err
	}

	return submission, nil
}

func (r *submissionRepository) List(ctx context.Context, filter SubmissionFilter) ([]models.Submission, error) {
	query := r.db.WithContext(ctx).Model(&models.Submission{})

	if filter.AssignmentID != nil {
		query = query.Where("assignment_id = ?", *filter.AssignmentID)
	}

	if filter.StudentID != nil {
		query = query.Where("student_id = ?", *filter.StudentID)
	}

	if len(filter.States) > 0 {
		query = query.Where("state IN ?", filter.States)
	}

	if filter.UpdatedBefore != nil {
		query = query.Where("updated_at < ?", *filter.UpdatedBefore)
	}

	if filter.OldestFirst {
		query = query.Order("created_at ASC")
	} else {
		query = query.Order("created_at DESC")
	}

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var submissions []models.Submission
	if err := query.Find(&submissions).Error; err != nil {
		return nil, err
	}

	return submissions, nil
}

// Transition applies updates only while the row still satisfies guard and reports whether it did.
func (r *submissionRepository) Transition(ctx context.Context, id string, guard TransitionGuard, updates map[string]interface{}) (bool, error) {
	result := guarded(r.db.WithContext(ctx), id, guard).Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

// ApplyOverride performs the guarded update and writes the audit record in one transaction.
func (r *submissionRepository) ApplyOverride(ctx context.Context, id string, guard TransitionGuard, updates map[string]interface{}, record *models.SubmissionOverride) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := guarded(tx, id, guard).Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != 1 {
			return nil
		}

		record.SubmissionID = id
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}

	return applied, nil
}

func (r *submissionRepository) ListOverrides(ctx context.Context, submissionID string) ([]models.SubmissionOverride, error) {
	var overrides []models.SubmissionOverride
	if err := r.db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		Order("created_at ASC").
		Find(&overrides).Error; err != nil {
		return nil, err
	}

	return overrides, nil
}

func guarded(db *gorm.DB, id string, guard TransitionGuard) *gorm.DB {
	query := db.Model(&models.Submission{}).Where("id = ?", id)
	if len(guard.States) > 0 {
		query = query.Where("state IN ?", guard.States)
	}
	if guard.TeacherScoreUnset {
		query = query.Where("teacher_score IS NULL")
	}
	if guard.UpdatedBefore != nil {
		query = query.Where("updated_at < ?", *guard.UpdatedBefore)
	}
	return query
}
