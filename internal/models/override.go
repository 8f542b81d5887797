package models

import "time"

// SubmissionOverride is the audit record of an accepted teacher score.
type SubmissionOverride struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	SubmissionID string    `gorm:"size:36;not null;index" json:"submission_id"`
	Score        float64   `gorm:"not null" json:"score"`
	Feedback     string    `gorm:"type:text" json:"feedback"`
	TeacherID    string    `gorm:"size:64" json:"teacher_id"`
	CreatedAt    time.Time `json:"created_at"`
}
