package service

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/assess-pipeline/internal/dto"
	"github.com/noah-isme/assess-pipeline/internal/models"
	"github.com/noah-isme/assess-pipeline/pkg/ai"
)

type recordingScheduler struct {
	mu        sync.Mutex
	enqueued  []string
	cancelled []string
	inFlight  map[string]bool
}

func (r *recordingScheduler) Enqueue(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueued = append(r.enqueued, id)
	return true
}

func (r *recordingScheduler) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, id)
	return r.inFlight[id]
}

func newUploadFileHeader(t *testing.T, name string, content []byte) *multipart.FileHeader {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest("POST", "/", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(int64(len(content))+1024))
	files := req.MultipartForm.File["file"]
	require.Len(t, files, 1)
	return files[0]
}

func newTestSubmissionService(t *testing.T, p *testPipeline, scheduler AnalysisScheduler, cfg UploadConfig) SubmissionService {
	t.Helper()
	return NewSubmissionService(p.registry, p.assignments, p.store, scheduler, validator.New(validator.WithRequiredStructEnabled()), cfg, zerolog.Nop())
}

func TestSubmissionServiceUploadRegistersPendingSubmission(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	scheduler := &recordingScheduler{}
	svc := newTestSubmissionService(t, p, scheduler, UploadConfig{})

	content := []byte("The water cycle moves moisture between oceans and sky.")
	created, err := svc.Upload(ctx, dto.SubmissionCreateRequest{AssignmentID: "essay-1", StudentID: "student-9"}, newUploadFileHeader(t, "cycle.txt", content))
	require.NoError(t, err)
	require.Equal(t, VisibleStatusPending, created.Status)
	require.Equal(t, []string{created.ID}, scheduler.enqueued)

	stored, err := p.registry.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatePending, stored.State)
	require.Equal(t, "cycle.txt", stored.FileName)
	require.Equal(t, "text/plain", stored.ContentType)
	require.EqualValues(t, len(content), stored.SizeBytes)

	document, err := p.store.Get(ctx, stored.DocumentRef)
	require.NoError(t, err)
	require.Equal(t, content, document)

	again, err := svc.Upload(ctx, dto.SubmissionCreateRequest{AssignmentID: "essay-1", StudentID: "student-9"}, newUploadFileHeader(t, "cycle.txt", content))
	require.NoError(t, err)
	require.NotEqual(t, created.ID, again.ID)
	require.Equal(t, 1, p.store.Len())
}

func TestSubmissionServiceUploadValidation(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	svc := newTestSubmissionService(t, p, nil, UploadConfig{MaxBytes: 64})

	valid := dto.SubmissionCreateRequest{AssignmentID: "essay-1", StudentID: "student-1"}

	_, err := svc.Upload(ctx, dto.SubmissionCreateRequest{StudentID: "student-1"}, newUploadFileHeader(t, "a.txt", []byte("text")))
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Upload(ctx, valid, nil)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Upload(ctx, valid, newUploadFileHeader(t, "empty.txt", []byte{}))
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Upload(ctx, valid, newUploadFileHeader(t, "large.txt", []byte(strings.Repeat("a", 65))))
	require.ErrorIs(t, err, ErrInvalidInput)

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	_, err = svc.Upload(ctx, valid, newUploadFileHeader(t, "photo.png", png))
	require.ErrorIs(t, err, ErrInvalidInput)

	pdf := []byte("%PDF-1.4\n%test document\n")
	created, err := svc.Upload(ctx, valid, newUploadFileHeader(t, "essay.pdf", pdf))
	require.NoError(t, err)
	stored, err := p.registry.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "application/pdf", stored.ContentType)
}

func TestSubmissionServiceStatusProjection(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	svc := newTestSubmissionService(t, p, nil, UploadConfig{})

	deadline := time.Date(2026, 11, 1, 23, 59, 0, 0, time.UTC)
	require.NoError(t, p.assignments.Upsert(ctx, &models.Assignment{ID: "essay-1", Title: "Water Cycle Essay", Subject: "Geography", DueDate: &deadline}))

	submission := p.submit(t, "essay-1", "status projection")
	status, err := svc.Status(ctx, submission.ID)
	require.NoError(t, err)
	require.Equal(t, "Water Cycle Essay", status.Name)
	require.Equal(t, "Geography", status.Subject)
	require.NotNil(t, status.Deadline)
	require.True(t, deadline.Equal(*status.Deadline))
	require.Equal(t, VisibleStatusPending, status.Status)
	require.Nil(t, status.Score)
	require.Nil(t, status.Feedback)

	p.analyze(t, submission.ID, 72)
	status, err = svc.Status(ctx, submission.ID)
	require.NoError(t, err)
	require.Equal(t, VisibleStatusNeedsReview, status.Status)
	require.Nil(t, status.Score)
	require.NotNil(t, status.Feedback)
	require.Equal(t, "looks fine", *status.Feedback)

	_, err = p.registry.ApplyOverride(ctx, submission.ID, 78, "Well structured", "teacher-1")
	require.NoError(t, err)
	status, err = svc.Status(ctx, submission.ID)
	require.NoError(t, err)
	require.Equal(t, VisibleStatusCompleted, status.Status)
	require.Equal(t, 78.0, *status.Score)
	require.Equal(t, "Well structured", *status.Feedback)

	uncatalogued := p.submit(t, "essay-unknown", "no catalogue entry")
	status, err = svc.Status(ctx, uncatalogued.ID)
	require.NoError(t, err)
	require.Equal(t, "essay-unknown", status.Name)

	_, err = svc.Status(ctx, "missing")
	require.ErrorIs(t, err, ErrSubmissionNotFound)
}

func TestSubmissionServiceReport(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	svc := newTestSubmissionService(t, p, nil, UploadConfig{})

	submission := p.submit(t, "essay-1", "report lookup")
	_, _, err := svc.Report(ctx, submission.ID)
	require.ErrorIs(t, err, ErrReportNotFound)

	p.analyze(t, submission.ID, 95)
	content, name, err := svc.Report(ctx, submission.ID)
	require.NoError(t, err)
	require.Equal(t, "essay-report.pdf", name)
	require.Equal(t, []byte("report for "+submission.ID), content)
}

func TestSubmissionServiceRetryIsBounded(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	scheduler := &recordingScheduler{}
	svc := newTestSubmissionService(t, p, scheduler, UploadConfig{MaxAttempts: 2})

	submission := p.submit(t, "essay-1", "retry me")
	_, err := svc.Retry(ctx, submission.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	for attempt := 1; attempt <= 2; attempt++ {
		require.NoError(t, p.registry.BeginAnalysis(ctx, submission.ID))
		require.NoError(t, p.registry.FailAnalysis(ctx, submission.ID, ai.ReasonUnreadableDocument))
		if attempt == 2 {
			break
		}
		status, err := svc.Retry(ctx, submission.ID)
		require.NoError(t, err)
		require.Equal(t, VisibleStatusPending, status.Status)
	}

	require.Equal(t, []string{submission.ID}, scheduler.enqueued)

	_, err = svc.Retry(ctx, submission.ID)
	require.ErrorIs(t, err, ErrRetryLimitReached)
}

func TestSubmissionServiceCancel(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	submission := p.submit(t, "essay-1", "cancel me")
	scheduler := &recordingScheduler{inFlight: map[string]bool{submission.ID: true}}
	svc := newTestSubmissionService(t, p, scheduler, UploadConfig{})

	cancelled, err := svc.Cancel(ctx, submission.ID)
	require.NoError(t, err)
	require.True(t, cancelled)

	_, err = svc.Cancel(ctx, "missing")
	require.ErrorIs(t, err, ErrSubmissionNotFound)
}

func TestSubmissionServiceListsAndReviewQueue(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	svc := newTestSubmissionService(t, p, nil, UploadConfig{})

	require.NoError(t, p.assignments.Upsert(ctx, &models.Assignment{ID: "essay-1", Title: "Essay One"}))

	accepted := p.analyze(t, p.submit(t, "essay-1", "accepted work").ID, 93)
	review := p.analyze(t, p.submit(t, "essay-1", "needs review").ID, 65)
	pending := p.submit(t, "essay-2", "still pending")

	mine, err := svc.ListByStudent(ctx, "student-1")
	require.NoError(t, err)
	require.Len(t, mine, 3)

	_, err = svc.ListByStudent(ctx, " ")
	require.ErrorIs(t, err, ErrInvalidInput)

	queue, err := svc.ReviewQueue(ctx, dto.ReviewQueueFilter{AssignmentID: "essay-1"})
	require.NoError(t, err)
	require.Len(t, queue, 2)

	byID := map[string]dto.ReviewQueueItem{}
	for _, item := range queue {
		byID[item.ID] = item
		require.Equal(t, "Essay One", item.Name)
	}
	require.Equal(t, VisibleStatusCompleted, byID[accepted.ID].Status)
	require.Equal(t, VisibleStatusNeedsReview, byID[review.ID].Status)
	require.Equal(t, 65.0, *byID[review.ID].AutoScore)
	require.Nil(t, byID[review.ID].TeacherScore)
	require.NotContains(t, byID, pending.ID)

	_, err = svc.ReviewQueue(ctx, dto.ReviewQueueFilter{Limit: 1000})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestSubmissionServiceOperationalView(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	svc := newTestSubmissionService(t, p, nil, UploadConfig{})

	submission := p.submit(t, "essay-1", "operational view")
	require.NoError(t, p.registry.BeginAnalysis(ctx, submission.ID))
	require.NoError(t, p.registry.FailAnalysis(ctx, submission.ID, ai.ReasonTimeout))

	view, err := svc.Operational(ctx, submission.ID)
	require.NoError(t, err)
	require.Equal(t, string(models.SubmissionStateFailed), view.State)
	require.Equal(t, VisibleStatusPending, view.VisibleStatus)
	require.NotNil(t, view.FailureReason)
	require.Equal(t, string(ai.ReasonTimeout), *view.FailureReason)
	require.Equal(t, 1, view.Attempts)
	require.Nil(t, view.ReportRef)
	require.Empty(t, view.Overrides)
}
