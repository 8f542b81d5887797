package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/assess-pipeline/internal/models"
)

// Externally visible statuses.
const (
	VisibleStatusPending     = "pending"
	VisibleStatusNeedsReview = "needs_review"
	VisibleStatusCompleted   = "completed"
)

const maxFeedbackLength = 4000

// FinalScore derives the authoritative score. ok is false while the score is not yet final.
func FinalScore(sub models.Submission, policy models.AssignmentPolicy) (float64, bool) {
	if sub.TeacherScore != nil {
		return *sub.TeacherScore, true
	}
	if sub.AutoScore != nil && *sub.AutoScore >= policy.AutoAcceptThreshold && !policy.RequiresReview {
		return *sub.AutoScore, true
	}
	return 0, false
}

// VisibleStatus projects the lifecycle state onto what students and teachers see.
func VisibleStatus(sub models.Submission, policy models.AssignmentPolicy) string {
	switch sub.State {
	case models.SubmissionStatePending, models.SubmissionStateAnalyzing, models.SubmissionStateFailed:
		return VisibleStatusPending
	case models.SubmissionStateCompleted:
		return VisibleStatusCompleted
	}

	if _, ok := FinalScore(sub, policy); ok {
		return VisibleStatusCompleted
	}
	return VisibleStatusNeedsReview
}

// OverrideInput is a teacher's score for a submission.
type OverrideInput struct {
	Score     float64
	Feedback  string
	TeacherID string
}

// ReconciliationService applies teacher overrides on top of automated scores.
type ReconciliationService interface {
	SubmitTeacherOverride(ctx context.Context, submissionID string, input OverrideInput) (models.Submission, error)
}

type reconciliationService struct {
	registry  SubmissionRegistry
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
}

// NewReconciliationService constructs the reconciliation service.
func NewReconciliationService(registry SubmissionRegistry, logger zerolog.Logger) ReconciliationService {
	return &reconciliationService{
		registry:  registry,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "reconciliation_service").Logger(),
	}
}

func (s *reconciliationService) SubmitTeacherOverride(ctx context.Context, submissionID string, input OverrideInput) (models.Submission, error) {
	tracer := otel.Tracer("github.com/noah-isme/assess-pipeline/internal/service/reconciliation")
	ctx, span := tracer.Start(ctx, "reconciliation.override")
	span.SetAttributes(
		attribute.String("submission.id", submissionID),
		attribute.Float64("override.score", input.Score),
	)
	defer span.End()

	if input.Score < 0 || input.Score > 100 {
		span.SetStatus(codes.Error, "score_out_of_range")
		return models.Submission{}, fmt.Errorf("%w: score must be between 0 and 100", ErrInvalidInput)
	}

	feedback := strings.TrimSpace(s.sanitizer.Sanitize(input.Feedback))
	if len(feedback) > maxFeedbackLength {
		span.SetStatus(codes.Error, "feedback_too_long")
		return models.Submission{}, fmt.Errorf("%w: feedback exceeds %d characters", ErrInvalidInput, maxFeedbackLength)
	}

	updated, err := s.registry.ApplyOverride(ctx, submissionID, input.Score, feedback, strings.TrimSpace(input.TeacherID))
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, ErrConflict):
			span.SetStatus(codes.Error, "override_conflict")
		case errors.Is(err, ErrInvalidState):
			span.SetStatus(codes.Error, "override_invalid_state")
		default:
			span.SetStatus(codes.Error, "override_failed")
		}
		return models.Submission{}, err
	}

	s.logger.Info().
		Str("submission_id", submissionID).
		Str("teacher_id", input.TeacherID).
		Float64("score", input.Score).
		Msg("teacher override applied")

	return updated, nil
}
