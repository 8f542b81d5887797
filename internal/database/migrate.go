package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/noah-isme/assess-pipeline/internal/models"
)

// Migrate creates or updates the tables owned by the pipeline.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Assignment{},
		&models.AssignmentPolicy{},
		&models.Submission{},
		&models.SubmissionOverride{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
