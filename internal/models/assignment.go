package models

import "time"

// Assignment is the catalogue entry a submission answers. It is maintained outside the pipeline.
type Assignment struct {
	ID        string     `gorm:"primaryKey;size:64" json:"id"`
	Title     string     `gorm:"size:255;not null" json:"title"`
	Subject   string     `gorm:"size:128" json:"subject"`
	DueDate   *time.Time `json:"due_date"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// AssignmentPolicy decides when an automated score is final without teacher action.
// Rows are optional; assignments without one use the configured default.
type AssignmentPolicy struct {
	AssignmentID        string    `gorm:"primaryKey;size:64" json:"assignment_id"`
	AutoAcceptThreshold float64   `gorm:"not null" json:"auto_accept_threshold"`
	RequiresReview      bool      `gorm:"not null;default:false" json:"requires_review"`
	UpdatedAt           time.Time `json:"updated_at"`
}
