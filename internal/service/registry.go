package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/assess-pipeline/internal/models"
	"github.com/noah-isme/assess-pipeline/internal/observability"
	"github.com/noah-isme/assess-pipeline/internal/repository"
	"github.com/noah-isme/assess-pipeline/pkg/ai"
	"github.com/noah-isme/assess-pipeline/pkg/docstore"
)

// CreateSubmissionInput registers an uploaded document against an assignment.
type CreateSubmissionInput struct {
	AssignmentID string       `validate:"required,max=64"`
	StudentID    string       `validate:"required,max=64"`
	DocumentRef  docstore.Ref `validate:"required"`
	FileName     string       `validate:"max=255"`
	ContentType  string       `validate:"max=128"`
	SizeBytes    int64        `validate:"gte=0"`
}

// AnalysisOutcome is committed atomically by CompleteAnalysis.
type AnalysisOutcome struct {
	ExtractedText string
	ReportRef     docstore.Ref
	AutoScore     float64
	Feedback      string
	Details       map[string]interface{}
}

// SubmissionRegistry owns every submission state transition.
type SubmissionRegistry interface {
	Create(ctx context.Context, input CreateSubmissionInput) (models.Submission, error)
	Get(ctx context.Context, id string) (models.Submission, error)
	List(ctx context.Context, filter repository.SubmissionFilter) ([]models.Submission, error)
	Policy(ctx context.Context, assignmentID string) (models.AssignmentPolicy, error)
	BeginAnalysis(ctx context.Context, id string) error
	CompleteAnalysis(ctx context.Context, id string, outcome AnalysisOutcome) (models.Submission, error)
	FailAnalysis(ctx context.Context, id string, reason ai.Reason) error
	ReclaimStale(ctx context.Context, id string, claimedBefore time.Time) error
	RetryFailed(ctx context.Context, id string) error
	ApplyOverride(ctx context.Context, id string, score float64, feedback, teacherID string) (models.Submission, error)
	Overrides(ctx context.Context, id string) ([]models.SubmissionOverride, error)
}

type submissionRegistry struct {
	repo      repository.SubmissionRepository
	store     docstore.Store
	policies  PolicyProvider
	events    EventPublisher
	validator *validator.Validate
	logger    zerolog.Logger
	now       func() time.Time
}

// NewSubmissionRegistry constructs the registry. events may be nil.
func NewSubmissionRegistry(repo repository.SubmissionRepository, store docstore.Store, policies PolicyProvider, events EventPublisher, validate *validator.Validate, logger zerolog.Logger) SubmissionRegistry {
	if events == nil {
		events = noopPublisher{}
	}

	return &submissionRegistry{
		repo:      repo,
		store:     store,
		policies:  policies,
		events:    events,
		validator: validate,
		logger:    logger.With().Str("component", "submission_registry").Logger(),
		now:       time.Now,
	}
}

func (r *submissionRegistry) Create(ctx context.Context, input CreateSubmissionInput) (models.Submission, error) {
	input.AssignmentID = strings.TrimSpace(input.AssignmentID)
	input.StudentID = strings.TrimSpace(input.StudentID)

	if err := r.validator.Struct(input); err != nil {
		return models.Submission{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if err := docstore.Resolve(ctx, r.store, input.DocumentRef); err != nil {
		if errors.Is(err, docstore.ErrNotFound) || errors.Is(err, docstore.ErrInvalidRef) {
			return models.Submission{}, fmt.Errorf("%w: document reference does not resolve: %v", ErrInvalidInput, err)
		}
		return models.Submission{}, fmt.Errorf("resolve document: %w", err)
	}

	submission := models.Submission{
		ID:           uuid.NewString(),
		AssignmentID: input.AssignmentID,
		StudentID:    input.StudentID,
		DocumentRef:  input.DocumentRef,
		FileName:     input.FileName,
		ContentType:  input.ContentType,
		SizeBytes:    input.SizeBytes,
		State:        models.SubmissionStatePending,
		CreatedAt:    r.now().UTC(),
	}

	if err := r.repo.Create(ctx, &submission); err != nil {
		return models.Submission{}, err
	}

	observability.SubmissionsCreated().Inc()
	r.publish(ctx, EventSubmissionCreated, submission)
	r.logger.Info().Str("submission_id", submission.ID).Str("assignment_id", submission.AssignmentID).Msg("submission registered")

	return submission, nil
}

func (r *submissionRegistry) Get(ctx context.Context, id string) (models.Submission, error) {
	submission, err := r.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Submission{}, ErrSubmissionNotFound
		}
		return models.Submission{}, err
	}
	return submission, nil
}

func (r *submissionRegistry) List(ctx context.Context, filter repository.SubmissionFilter) ([]models.Submission, error) {
	return r.repo.List(ctx, filter)
}

func (r *submissionRegistry) Policy(ctx context.Context, assignmentID string) (models.AssignmentPolicy, error) {
	return r.policies.PolicyFor(ctx, assignmentID)
}

func (r *submissionRegistry) BeginAnalysis(ctx context.Context, id string) error {
	ok, err := r.repo.Transition(ctx, id, repository.TransitionGuard{
		States: []models.SubmissionState{models.SubmissionStatePending},
	}, map[string]interface{}{
		"state":    models.SubmissionStateAnalyzing,
		"attempts": gorm.Expr("attempts + 1"),
	})
	if err != nil {
		return err
	}
	if !ok {
		current, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if current.State == models.SubmissionStateAnalyzing {
			return ErrAlreadyInProgress
		}
		return fmt.Errorf("%w: begin analysis from %s", ErrInvalidState, current.State)
	}

	r.transitioned(ctx, id, EventAnalysisStarted)
	return nil
}

func (r *submissionRegistry) CompleteAnalysis(ctx context.Context, id string, outcome AnalysisOutcome) (models.Submission, error) {
	if outcome.AutoScore < 0 || outcome.AutoScore > 100 {
		return models.Submission{}, fmt.Errorf("%w: auto score must be between 0 and 100", ErrInvalidInput)
	}
	if err := outcome.ReportRef.Validate(); err != nil {
		return models.Submission{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return models.Submission{}, err
	}
	if current.State != models.SubmissionStateAnalyzing {
		return models.Submission{}, fmt.Errorf("%w: complete analysis from %s", ErrInvalidState, current.State)
	}

	policy, err := r.policies.PolicyFor(ctx, current.AssignmentID)
	if err != nil {
		return models.Submission{}, fmt.Errorf("load policy: %w", err)
	}

	score := outcome.AutoScore
	text := outcome.ExtractedText
	reportRef := outcome.ReportRef
	analyzedAt := r.now().UTC()

	// Analyzed is settled in the same write, so readers never observe it.
	projected := current
	projected.State = models.SubmissionStateAnalyzed
	projected.AutoScore = &score
	settled := models.SubmissionStateNeedsReview
	if _, final := FinalScore(projected, policy); final {
		settled = models.SubmissionStateCompleted
	}

	updates := map[string]interface{}{
		"state":            settled,
		"extracted_text":   text,
		"report_ref":       reportRef,
		"auto_score":       score,
		"feedback":         strings.TrimSpace(outcome.Feedback),
		"analysis_details": datatypes.JSONMap(outcome.Details),
		"analyzed_at":      analyzedAt,
		"failure_reason":   nil,
	}
	if settled == models.SubmissionStateCompleted {
		updates["completed_at"] = analyzedAt
	}

	ok, err := r.repo.Transition(ctx, id, repository.TransitionGuard{
		States: []models.SubmissionState{models.SubmissionStateAnalyzing},
	}, updates)
	if err != nil {
		return models.Submission{}, err
	}
	if !ok {
		return models.Submission{}, r.missedTransition(ctx, id, "complete analysis")
	}

	observability.SubmissionTransitions().WithLabelValues(string(models.SubmissionStateAnalyzed)).Inc()
	updated := r.transitioned(ctx, id, EventAnalysisCompleted)
	return updated, nil
}

func (r *submissionRegistry) FailAnalysis(ctx context.Context, id string, reason ai.Reason) error {
	if !reason.Valid() {
		return fmt.Errorf("%w: unknown failure reason %q", ErrInvalidInput, reason)
	}

	ok, err := r.repo.Transition(ctx, id, repository.TransitionGuard{
		States: []models.SubmissionState{models.SubmissionStateAnalyzing},
	}, map[string]interface{}{
		"state":          models.SubmissionStateFailed,
		"failure_reason": reason,
	})
	if err != nil {
		return err
	}
	if !ok {
		return r.missedTransition(ctx, id, "fail analysis")
	}

	observability.AnalysisFailures().WithLabelValues(string(reason)).Inc()
	r.transitioned(ctx, id, EventAnalysisFailed)
	return nil
}

// ReclaimStale fails an analysis claim that has not been touched since claimedBefore, so a
// worker that died mid-analysis cannot hold the submission forever.
func (r *submissionRegistry) ReclaimStale(ctx context.Context, id string, claimedBefore time.Time) error {
	ok, err := r.repo.Transition(ctx, id, repository.TransitionGuard{
		States:        []models.SubmissionState{models.SubmissionStateAnalyzing},
		UpdatedBefore: &claimedBefore,
	}, map[string]interface{}{
		"state":          models.SubmissionStateFailed,
		"failure_reason": ai.ReasonTimeout,
	})
	if err != nil {
		return err
	}
	if !ok {
		return r.missedTransition(ctx, id, "reclaim")
	}

	observability.AnalysisFailures().WithLabelValues(string(ai.ReasonTimeout)).Inc()
	r.transitioned(ctx, id, EventAnalysisFailed)
	return nil
}

func (r *submissionRegistry) RetryFailed(ctx context.Context, id string) error {
	ok, err := r.repo.Transition(ctx, id, repository.TransitionGuard{
		States: []models.SubmissionState{models.SubmissionStateFailed},
	}, map[string]interface{}{
		"state":          models.SubmissionStatePending,
		"failure_reason": nil,
	})
	if err != nil {
		return err
	}
	if !ok {
		return r.missedTransition(ctx, id, "retry")
	}

	r.transitioned(ctx, id, EventSubmissionRetried)
	return nil
}

func (r *submissionRegistry) ApplyOverride(ctx context.Context, id string, score float64, feedback, teacherID string) (models.Submission, error) {
	completedAt := r.now().UTC()
	ok, err := r.repo.ApplyOverride(ctx, id, repository.TransitionGuard{
		States:            []models.SubmissionState{models.SubmissionStateAnalyzed, models.SubmissionStateNeedsReview},
		TeacherScoreUnset: true,
	}, map[string]interface{}{
		"teacher_score":    score,
		"teacher_feedback": feedback,
		"state":            models.SubmissionStateCompleted,
		"completed_at":     completedAt,
	}, &models.SubmissionOverride{
		Score:     score,
		Feedback:  feedback,
		TeacherID: teacherID,
		CreatedAt: completedAt,
	})
	if err != nil {
		return models.Submission{}, err
	}
	if !ok {
		current, err := r.Get(ctx, id)
		if err != nil {
			return models.Submission{}, err
		}
		if current.TeacherScore != nil {
			return models.Submission{}, ErrConflict
		}
		return models.Submission{}, fmt.Errorf("%w: override from %s", ErrInvalidState, current.State)
	}

	return r.transitioned(ctx, id, EventSubmissionOverridden), nil
}

func (r *submissionRegistry) Overrides(ctx context.Context, id string) ([]models.SubmissionOverride, error) {
	return r.repo.ListOverrides(ctx, id)
}

func (r *submissionRegistry) missedTransition(ctx context.Context, id, operation string) error {
	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s from %s", ErrInvalidState, operation, current.State)
}

// transitioned reloads the row, records metrics and publishes the lifecycle event.
func (r *submissionRegistry) transitioned(ctx context.Context, id string, eventType string) models.Submission {
	updated, err := r.Get(ctx, id)
	if err != nil {
		r.logger.Warn().Err(err).Str("submission_id", id).Msg("failed to reload submission after transition")
		return models.Submission{ID: id}
	}

	observability.SubmissionTransitions().WithLabelValues(string(updated.State)).Inc()
	r.publish(ctx, eventType, updated)
	r.logger.Debug().Str("submission_id", id).Str("state", string(updated.State)).Str("event", eventType).Msg("submission transitioned")
	return updated
}

func (r *submissionRegistry) publish(ctx context.Context, eventType string, submission models.Submission) {
	r.events.Publish(ctx, SubmissionEvent{
		Type:         eventType,
		SubmissionID: submission.ID,
		AssignmentID: submission.AssignmentID,
		StudentID:    submission.StudentID,
		State:        submission.State,
		OccurredAt:   r.now().UTC(),
	})
}
