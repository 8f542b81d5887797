package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/noah-isme/assess-pipeline/pkg/ai"
	"github.com/noah-isme/assess-pipeline/pkg/docstore"
)

// SubmissionState is the lifecycle stage of a submission.
type SubmissionState string

const (
	SubmissionStatePending     SubmissionState = "pending"
	SubmissionStateAnalyzing   SubmissionState = "analyzing"
	SubmissionStateAnalyzed    SubmissionState = "analyzed"
	SubmissionStateFailed      SubmissionState = "failed"
	SubmissionStateNeedsReview SubmissionState = "needs_review"
	SubmissionStateCompleted   SubmissionState = "completed"
)

// Valid reports whether the state is one of the known lifecycle stages.
func (s SubmissionState) Valid() bool {
	switch s {
	case SubmissionStatePending, SubmissionStateAnalyzing, SubmissionStateAnalyzed,
		SubmissionStateFailed, SubmissionStateNeedsReview, SubmissionStateCompleted:
		return true
	default:
		return false
	}
}

// HasArtifacts reports whether submissions in this state carry extracted text and a report.
func (s SubmissionState) HasArtifacts() bool {
	return s == SubmissionStateAnalyzed || s == SubmissionStateNeedsReview || s == SubmissionStateCompleted
}

// Submission is one student's attempt at one assignment.
type Submission struct {
	ID              string               `gorm:"primaryKey;size:36" json:"id"`
	AssignmentID    string               `gorm:"size:64;not null;index" json:"assignment_id"`
	StudentID       string               `gorm:"size:64;not null;index" json:"student_id"`
	DocumentRef     docstore.Ref         `gorm:"size:80;not null" json:"document_ref"`
	FileName        string               `gorm:"size:255" json:"file_name"`
	ContentType     string               `gorm:"size:128" json:"content_type"`
	SizeBytes       int64                `json:"size_bytes"`
	State           SubmissionState      `gorm:"size:24;not null;index" json:"state"`
	ExtractedText   *string              `gorm:"type:text" json:"extracted_text,omitempty"`
	ReportRef       *docstore.Ref        `gorm:"size:80" json:"report_ref,omitempty"`
	AutoScore       *float64             `json:"auto_score,omitempty"`
	TeacherScore    *float64             `json:"teacher_score,omitempty"`
	Feedback        string               `gorm:"type:text" json:"feedback"`
	TeacherFeedback string               `gorm:"type:text" json:"teacher_feedback"`
	AnalysisDetails datatypes.JSONMap    `gorm:"type:json" json:"analysis_details,omitempty"`
	FailureReason   *ai.Reason           `gorm:"size:32" json:"failure_reason,omitempty"`
	Attempts        int                  `gorm:"not null;default:0" json:"attempts"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
	AnalyzedAt      *time.Time           `json:"analyzed_at,omitempty"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
	Overrides       []SubmissionOverride `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// HasArtifacts reports whether extracted text and the report reference are both present.
func (s Submission) HasArtifacts() bool {
	return s.ExtractedText != nil && s.ReportRef != nil
}
