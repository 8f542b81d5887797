package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/assess-pipeline/internal/dto"
	"github.com/noah-isme/assess-pipeline/internal/middleware"
	"github.com/noah-isme/assess-pipeline/internal/models"
	"github.com/noah-isme/assess-pipeline/internal/repository"
	"github.com/noah-isme/assess-pipeline/pkg/docstore"
)

const (
	defaultMaxUploadBytes = 10 << 20
	defaultListLimit      = 100
)

// DefaultAllowedTypes are the document formats accepted for upload.
var DefaultAllowedTypes = []string{
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"text/plain",
}

// AnalysisScheduler hands submissions to the analysis workers.
type AnalysisScheduler interface {
	Enqueue(submissionID string) bool
	Cancel(submissionID string) bool
}

// UploadConfig bounds accepted uploads.
type UploadConfig struct {
	MaxBytes     int64
	AllowedTypes []string
	MaxAttempts  int
}

// SubmissionService exposes the submission workflows used by the HTTP layer.
type SubmissionService interface {
	Upload(ctx context.Context, payload dto.SubmissionCreateRequest, file *multipart.FileHeader) (dto.SubmissionCreatedResponse, error)
	Owner(ctx context.Context, id string) (string, error)
	Status(ctx context.Context, id string) (dto.SubmissionStatusResponse, error)
	Report(ctx context.Context, id string) ([]byte, string, error)
	Retry(ctx context.Context, id string) (dto.SubmissionStatusResponse, error)
	Cancel(ctx context.Context, id string) (bool, error)
	ListByStudent(ctx context.Context, studentID string) ([]dto.SubmissionStatusResponse, error)
	ReviewQueue(ctx context.Context, filter dto.ReviewQueueFilter) ([]dto.ReviewQueueItem, error)
	Operational(ctx context.Context, id string) (dto.SubmissionOpsResponse, error)
	Project(ctx context.Context, submission models.Submission) (dto.SubmissionStatusResponse, error)
}

type submissionService struct {
	registry    SubmissionRegistry
	assignments repository.AssignmentRepository
	store       docstore.Store
	scheduler   AnalysisScheduler
	validator   *validator.Validate
	cfg         UploadConfig
	logger      zerolog.Logger
}

// NewSubmissionService constructs a SubmissionService instance.
func NewSubmissionService(registry SubmissionRegistry, assignments repository.AssignmentRepository, store docstore.Store, scheduler AnalysisScheduler, validate *validator.Validate, cfg UploadConfig, logger zerolog.Logger) SubmissionService {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxUploadBytes
	}
	if len(cfg.AllowedTypes) == 0 {
		cfg.AllowedTypes = DefaultAllowedTypes
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	return &submissionService{
		registry:    registry,
		assignments: assignments,
		store:       store,
		scheduler:   scheduler,
		validator:   validate,
		cfg:         cfg,
		logger:      logger.With().Str("component", "submission_service").Logger(),
	}
}

func (s *submissionService) Upload(ctx context.Context, payload dto.SubmissionCreateRequest, file *multipart.FileHeader) (dto.SubmissionCreatedResponse, error) {
	payload.AssignmentID = strings.TrimSpace(payload.AssignmentID)
	payload.StudentID = strings.TrimSpace(payload.StudentID)
	if err := s.validator.Struct(payload); err != nil {
		return dto.SubmissionCreatedResponse{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if file == nil {
		return dto.SubmissionCreatedResponse{}, fmt.Errorf("%w: submission file is required", ErrInvalidInput)
	}
	if file.Size > s.cfg.MaxBytes {
		return dto.SubmissionCreatedResponse{}, fmt.Errorf("%w: file exceeds %d bytes", ErrInvalidInput, s.cfg.MaxBytes)
	}

	content, err := readUpload(file, s.cfg.MaxBytes)
	if err != nil {
		return dto.SubmissionCreatedResponse{}, err
	}

	contentType, err := s.detectType(content)
	if err != nil {
		return dto.SubmissionCreatedResponse{}, err
	}

	ref, err := s.store.Put(ctx, content)
	if err != nil {
		return dto.SubmissionCreatedResponse{}, fmt.Errorf("store document: %w", err)
	}

	submission, err := s.registry.Create(ctx, CreateSubmissionInput{
		AssignmentID: payload.AssignmentID,
		StudentID:    payload.StudentID,
		DocumentRef:  ref,
		FileName:     filepath.Base(file.Filename),
		ContentType:  contentType,
		SizeBytes:    int64(len(content)),
	})
	if err != nil {
		return dto.SubmissionCreatedResponse{}, err
	}

	if s.scheduler != nil {
		s.scheduler.Enqueue(submission.ID)
	}

	s.logger.Info().
		Str("submission_id", submission.ID).
		Str("correlation_id", middleware.CorrelationIDFromContext(ctx)).
		Str("content_type", contentType).
		Int("size", len(content)).
		Msg("submission uploaded")

	return dto.SubmissionCreatedResponse{ID: submission.ID, Status: VisibleStatusPending}, nil
}

// Owner returns the student a submission belongs to.
func (s *submissionService) Owner(ctx context.Context, id string) (string, error) {
	submission, err := s.registry.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return submission.StudentID, nil
}

func (s *submissionService) Status(ctx context.Context, id string) (dto.SubmissionStatusResponse, error) {
	submission, err := s.registry.Get(ctx, id)
	if err != nil {
		return dto.SubmissionStatusResponse{}, err
	}
	return s.Project(ctx, submission)
}

func (s *submissionService) Report(ctx context.Context, id string) ([]byte, string, error) {
	submission, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if submission.ReportRef == nil {
		return nil, "", ErrReportNotFound
	}

	content, err := s.store.Get(ctx, *submission.ReportRef)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, "", ErrReportNotFound
		}
		return nil, "", fmt.Errorf("load report: %w", err)
	}

	return content, reportFileName(submission), nil
}

func (s *submissionService) Retry(ctx context.Context, id string) (dto.SubmissionStatusResponse, error) {
	submission, err := s.registry.Get(ctx, id)
	if err != nil {
		return dto.SubmissionStatusResponse{}, err
	}
	if submission.State != models.SubmissionStateFailed {
		return dto.SubmissionStatusResponse{}, fmt.Errorf("%w: retry from %s", ErrInvalidState, submission.State)
	}
	if submission.Attempts >= s.cfg.MaxAttempts {
		return dto.SubmissionStatusResponse{}, ErrRetryLimitReached
	}

	if err := s.registry.RetryFailed(ctx, id); err != nil {
		return dto.SubmissionStatusResponse{}, err
	}
	if s.scheduler != nil {
		s.scheduler.Enqueue(id)
	}

	s.logger.Info().Str("submission_id", id).Int("attempts", submission.Attempts).Msg("submission retry requested")
	return s.Status(ctx, id)
}

func (s *submissionService) Cancel(ctx context.Context, id string) (bool, error) {
	if _, err := s.registry.Get(ctx, id); err != nil {
		return false, err
	}
	if s.scheduler == nil {
		return false, nil
	}
	return s.scheduler.Cancel(id), nil
}

func (s *submissionService) ListByStudent(ctx context.Context, studentID string) ([]dto.SubmissionStatusResponse, error) {
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return nil, fmt.Errorf("%w: student id is required", ErrInvalidInput)
	}

	submissions, err := s.registry.List(ctx, repository.SubmissionFilter{StudentID: &studentID, Limit: defaultListLimit})
	if err != nil {
		return nil, err
	}

	catalogue, err := s.catalogue(ctx, submissions)
	if err != nil {
		return nil, err
	}

	responses := make([]dto.SubmissionStatusResponse, 0, len(submissions))
	for _, submission := range submissions {
		policy, err := s.registry.Policy(ctx, submission.AssignmentID)
		if err != nil {
			return nil, err
		}
		responses = append(responses, project(submission, catalogue[submission.AssignmentID], policy))
	}
	return responses, nil
}

func (s *submissionService) ReviewQueue(ctx context.Context, filter dto.ReviewQueueFilter) ([]dto.ReviewQueueItem, error) {
	if err := s.validator.Struct(filter); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	repoFilter := repository.SubmissionFilter{
		States: []models.SubmissionState{
			models.SubmissionStateAnalyzed,
			models.SubmissionStateNeedsReview,
			models.SubmissionStateCompleted,
		},
		OldestFirst: true,
		Limit:       filter.Limit,
	}
	if repoFilter.Limit == 0 {
		repoFilter.Limit = defaultListLimit
	}
	if assignmentID := strings.TrimSpace(filter.AssignmentID); assignmentID != "" {
		repoFilter.AssignmentID = &assignmentID
	}

	submissions, err := s.registry.List(ctx, repoFilter)
	if err != nil {
		return nil, err
	}

	catalogue, err := s.catalogue(ctx, submissions)
	if err != nil {
		return nil, err
	}

	items := make([]dto.ReviewQueueItem, 0, len(submissions))
	for _, submission := range submissions {
		policy, err := s.registry.Policy(ctx, submission.AssignmentID)
		if err != nil {
			return nil, err
		}
		items = append(items, dto.ReviewQueueItem{
			ID:           submission.ID,
			StudentID:    submission.StudentID,
			AssignmentID: submission.AssignmentID,
			Name:         assignmentName(submission, catalogue[submission.AssignmentID]),
			AutoScore:    submission.AutoScore,
			TeacherScore: submission.TeacherScore,
			Status:       VisibleStatus(submission, policy),
			SubmittedAt:  submission.CreatedAt,
		})
	}
	return items, nil
}

func (s *submissionService) Operational(ctx context.Context, id string) (dto.SubmissionOpsResponse, error) {
	submission, err := s.registry.Get(ctx, id)
	if err != nil {
		return dto.SubmissionOpsResponse{}, err
	}
	policy, err := s.registry.Policy(ctx, submission.AssignmentID)
	if err != nil {
		return dto.SubmissionOpsResponse{}, err
	}
	overrides, err := s.registry.Overrides(ctx, id)
	if err != nil {
		return dto.SubmissionOpsResponse{}, err
	}

	response := dto.SubmissionOpsResponse{
		ID:              submission.ID,
		AssignmentID:    submission.AssignmentID,
		StudentID:       submission.StudentID,
		State:           string(submission.State),
		VisibleStatus:   VisibleStatus(submission, policy),
		DocumentRef:     submission.DocumentRef.String(),
		Attempts:        submission.Attempts,
		AutoScore:       submission.AutoScore,
		TeacherScore:    submission.TeacherScore,
		AnalysisDetails: submission.AnalysisDetails,
		Overrides:       dto.NewSubmissionOverrideRecords(overrides),
		CreatedAt:       submission.CreatedAt,
		UpdatedAt:       submission.UpdatedAt,
		AnalyzedAt:      submission.AnalyzedAt,
		CompletedAt:     submission.CompletedAt,
	}
	if submission.ReportRef != nil {
		ref := submission.ReportRef.String()
		response.ReportRef = &ref
	}
	if submission.FailureReason != nil {
		reason := string(*submission.FailureReason)
		response.FailureReason = &reason
	}
	return response, nil
}

// Project builds the externally visible status of a submission.
func (s *submissionService) Project(ctx context.Context, submission models.Submission) (dto.SubmissionStatusResponse, error) {
	policy, err := s.registry.Policy(ctx, submission.AssignmentID)
	if err != nil {
		return dto.SubmissionStatusResponse{}, err
	}

	var assignment models.Assignment
	if s.assignments != nil {
		found, err := s.assignments.GetByIDs(ctx, []string{submission.AssignmentID})
		if err != nil {
			return dto.SubmissionStatusResponse{}, err
		}
		assignment = found[submission.AssignmentID]
	}

	return project(submission, assignment, policy), nil
}

func (s *submissionService) catalogue(ctx context.Context, submissions []models.Submission) (map[string]models.Assignment, error) {
	if s.assignments == nil || len(submissions) == 0 {
		return map[string]models.Assignment{}, nil
	}

	seen := make(map[string]struct{}, len(submissions))
	ids := make([]string, 0, len(submissions))
	for _, submission := range submissions {
		if _, ok := seen[submission.AssignmentID]; ok {
			continue
		}
		seen[submission.AssignmentID] = struct{}{}
		ids = append(ids, submission.AssignmentID)
	}
	return s.assignments.GetByIDs(ctx, ids)
}

func (s *submissionService) detectType(content []byte) (string, error) {
	detected := mimetype.Detect(content)
	for _, allowed := range s.cfg.AllowedTypes {
		if detected.Is(allowed) {
			return allowed, nil
		}
	}
	return "", fmt.Errorf("%w: unsupported file type %s", ErrInvalidInput, detected.String())
}

func project(submission models.Submission, assignment models.Assignment, policy models.AssignmentPolicy) dto.SubmissionStatusResponse {
	response := dto.SubmissionStatusResponse{
		ID:       submission.ID,
		Name:     assignmentName(submission, assignment),
		Subject:  assignment.Subject,
		Deadline: assignment.DueDate,
		Status:   VisibleStatus(submission, policy),
	}

	if score, ok := FinalScore(submission, policy); ok {
		response.Score = &score
	}

	if submission.State.HasArtifacts() {
		feedback := submission.Feedback
		if submission.TeacherFeedback != "" {
			feedback = submission.TeacherFeedback
		}
		if feedback != "" {
			response.Feedback = &feedback
		}
	}

	return response
}

func assignmentName(submission models.Submission, assignment models.Assignment) string {
	if assignment.Title != "" {
		return assignment.Title
	}
	return submission.AssignmentID
}

func reportFileName(submission models.Submission) string {
	base := strings.TrimSuffix(filepath.Base(submission.FileName), filepath.Ext(submission.FileName))
	if base == "" || base == "." {
		base = submission.ID
	}
	return base + "-report.pdf"
}

func readUpload(file *multipart.FileHeader, maxBytes int64) ([]byte, error) {
	reader, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer reader.Close()

	content, err := io.ReadAll(io.LimitReader(reader, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrInvalidInput)
	}
	if int64(len(content)) > maxBytes {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", ErrInvalidInput, maxBytes)
	}
	return content, nil
}
