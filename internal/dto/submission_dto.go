package dto

import (
	"time"

	"github.com/noah-isme/assess-pipeline/internal/models"
)

// SubmissionCreateRequest describes the multipart fields accompanying an upload.
type SubmissionCreateRequest struct {
	AssignmentID string `form:"assignment_id" validate:"required,max=64"`
	StudentID    string `form:"student_id" validate:"required,max=64"`
}

// SubmissionCreatedResponse acknowledges an accepted upload.
type SubmissionCreatedResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// SubmissionOverrideRequest carries a teacher's score.
type SubmissionOverrideRequest struct {
	Score    *float64 `json:"score" validate:"required,gte=0,lte=100"`
	Feedback string   `json:"feedback" validate:"omitempty,max=4000"`
}

// ReviewQueueFilter narrows the teacher review queue.
type ReviewQueueFilter struct {
	AssignmentID string `query:"assignment_id" validate:"omitempty,max=64"`
	Limit        int    `query:"limit" validate:"omitempty,gte=1,lte=200"`
}

// SubmissionStatusResponse is the projection shown to students and teachers.
type SubmissionStatusResponse struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Subject  string     `json:"subject"`
	Deadline *time.Time `json:"deadline"`
	Status   string     `json:"status"`
	Score    *float64   `json:"score,omitempty"`
	Feedback *string    `json:"feedback,omitempty"`
}

// ReviewQueueItem compares the automated and teacher scores of one submission.
type ReviewQueueItem struct {
	ID           string    `json:"id"`
	StudentID    string    `json:"student_id"`
	AssignmentID string    `json:"assignment_id"`
	Name         string    `json:"name"`
	AutoScore    *float64  `json:"auto_score"`
	TeacherScore *float64  `json:"teacher_score"`
	Status       string    `json:"status"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// SubmissionOpsResponse exposes the raw lifecycle for operators.
type SubmissionOpsResponse struct {
	ID              string                     `json:"id"`
	AssignmentID    string                     `json:"assignment_id"`
	StudentID       string                     `json:"student_id"`
	State           string                     `json:"state"`
	VisibleStatus   string                     `json:"visible_status"`
	DocumentRef     string                     `json:"document_ref"`
	ReportRef       *string                    `json:"report_ref"`
	FailureReason   *string                    `json:"failure_reason"`
	Attempts        int                        `json:"attempts"`
	AutoScore       *float64                   `json:"auto_score"`
	TeacherScore    *float64                   `json:"teacher_score"`
	AnalysisDetails map[string]interface{}     `json:"analysis_details,omitempty"`
	Overrides       []SubmissionOverrideRecord `json:"overrides"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
	AnalyzedAt      *time.Time                 `json:"analyzed_at"`
	CompletedAt     *time.Time                 `json:"completed_at"`
}

// SubmissionOverrideRecord serializes an override audit entry.
type SubmissionOverrideRecord struct {
	Score     float64   `json:"score"`
	Feedback  string    `json:"feedback"`
	TeacherID string    `json:"teacher_id"`
	CreatedAt time.Time `json:"created_at"`
}

// NewSubmissionOverrideRecords converts audit rows into DTOs.
func NewSubmissionOverrideRecords(overrides []models.SubmissionOverride) []SubmissionOverrideRecord {
	records := make([]SubmissionOverrideRecord, 0, len(overrides))
	for _, override := range overrides {
		records = append(records, SubmissionOverrideRecord{
			Score:     override.Score,
			Feedback:  override.Feedback,
			TeacherID: override.TeacherID,
			CreatedAt: override.CreatedAt,
		})
	}
	return records
}
