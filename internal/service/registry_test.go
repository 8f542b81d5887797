package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/assess-pipeline/internal/models"
	"github.com/noah-isme/assess-pipeline/internal/repository"
	"github.com/noah-isme/assess-pipeline/pkg/ai"
	"github.com/noah-isme/assess-pipeline/pkg/docstore"
)

type testPipeline struct {
	db          *gorm.DB
	store       *docstore.MemoryStore
	submissions repository.SubmissionRepository
	assignments repository.AssignmentRepository
	policies    repository.AssignmentPolicyRepository
	registry    SubmissionRegistry
	bus         EventBus
}

func setupServiceDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.Assignment{}, &models.AssignmentPolicy{}, &models.Submission{}, &models.SubmissionOverride{}))
	return db
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()

	db := setupServiceDB(t)
	store := docstore.NewMemoryStore()
	submissions := repository.NewSubmissionRepository(db)
	policies := repository.NewAssignmentPolicyRepository(db)
	bus := NewEventBus(nil, "", nil, zerolog.Nop())
	provider := NewPolicyProvider(policies, models.AssignmentPolicy{AutoAcceptThreshold: 90})

	return &testPipeline{
		db:          db,
		store:       store,
		submissions: submissions,
		assignments: repository.NewAssignmentRepository(db),
		policies:    policies,
		registry:    NewSubmissionRegistry(submissions, store, provider, bus, validator.New(validator.WithRequiredStructEnabled()), zerolog.Nop()),
		bus:         bus,
	}
}

func (p *testPipeline) submit(t *testing.T, assignmentID, content string) models.Submission {
	t.Helper()

	ctx := context.Background()
	ref, err := p.store.Put(ctx, []byte(content))
	require.NoError(t, err)

	submission, err := p.registry.Create(ctx, CreateSubmissionInput{
		AssignmentID: assignmentID,
		StudentID:    "student-1",
		DocumentRef:  ref,
		FileName:     "essay.txt",
		ContentType:  "text/plain",
		SizeBytes:    int64(len(content)),
	})
	require.NoError(t, err)
	return submission
}

func (p *testPipeline) analyze(t *testing.T, id string, score float64) models.Submission {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, p.registry.BeginAnalysis(ctx, id))

	reportRef, err := p.store.Put(ctx, []byte("report for "+id))
	require.NoError(t, err)

	updated, err := p.registry.CompleteAnalysis(ctx, id, AnalysisOutcome{
		ExtractedText: "extracted text",
		ReportRef:     reportRef,
		AutoScore:     score,
		Feedback:      "looks fine",
	})
	require.NoError(t, err)
	return updated
}

func TestRegistryCreateRequiresResolvableDocument(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.registry.Create(ctx, CreateSubmissionInput{
		AssignmentID: "essay-1",
		StudentID:    "student-1",
		DocumentRef:  docstore.RefFor([]byte("never stored")),
	})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = p.registry.Create(ctx, CreateSubmissionInput{
		AssignmentID: "  ",
		StudentID:    "student-1",
		DocumentRef:  docstore.RefFor([]byte("never stored")),
	})
	require.ErrorIs(t, err, ErrInvalidInput)

	submission := p.submit(t, "essay-1", "my essay")
	require.Equal(t, models.SubmissionStatePending, submission.State)
	require.False(t, submission.HasArtifacts())
	require.Zero(t, submission.Attempts)
}

func TestRegistryArtifactsFollowLifecycle(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	submission := p.submit(t, "essay-1", "artifact check")
	require.NoError(t, p.registry.BeginAnalysis(ctx, submission.ID))

	analyzing, err := p.registry.Get(ctx, submission.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStateAnalyzing, analyzing.State)
	require.Equal(t, 1, analyzing.Attempts)
	require.False(t, analyzing.HasArtifacts())

	require.NoError(t, p.registry.FailAnalysis(ctx, submission.ID, ai.ReasonTimeout))
	failed, err := p.registry.Get(ctx, submission.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStateFailed, failed.State)
	require.NotNil(t, failed.FailureReason)
	require.Equal(t, ai.ReasonTimeout, *failed.FailureReason)
	require.False(t, failed.HasArtifacts())

	require.NoError(t, p.registry.RetryFailed(ctx, submission.ID))
	completed := p.analyze(t, submission.ID, 95)
	require.True(t, completed.State.HasArtifacts())
	require.True(t, completed.HasArtifacts())
	require.Nil(t, completed.FailureReason)
	require.Equal(t, 2, completed.Attempts)
	require.NotNil(t, completed.AnalyzedAt)
}

func TestRegistryBeginAnalysisAdmitsOneWorker(t *testing.T) {
	p := newTestPipeline(t)
	submission := p.submit(t, "essay-1", "race me")

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		admitted  int
		inProcess int
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.registry.BeginAnalysis(context.Background(), submission.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, ErrAlreadyInProgress):
				inProcess++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, admitted)
	require.Equal(t, workers-1, inProcess)

	stored, err := p.registry.Get(context.Background(), submission.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.Attempts)
}

func TestRegistryCompleteAnalysisSettlesByPolicy(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	require.NoError(t, p.policies.Upsert(ctx, &models.AssignmentPolicy{AssignmentID: "reviewed", AutoAcceptThreshold: 50, RequiresReview: true}))

	accepted := p.analyze(t, p.submit(t, "essay-1", "strong essay").ID, 92)
	require.Equal(t, models.SubmissionStateCompleted, accepted.State)
	require.NotNil(t, accepted.CompletedAt)

	borderline := p.analyze(t, p.submit(t, "essay-1", "borderline essay").ID, 90)
	require.Equal(t, models.SubmissionStateCompleted, borderline.State)

	weak := p.analyze(t, p.submit(t, "essay-1", "weak essay").ID, 72)
	require.Equal(t, models.SubmissionStateNeedsReview, weak.State)
	require.Nil(t, weak.CompletedAt)

	mandatory := p.analyze(t, p.submit(t, "reviewed", "excellent essay").ID, 99)
	require.Equal(t, models.SubmissionStateNeedsReview, mandatory.State)
}

func TestRegistryRejectsIllegalTransitions(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	submission := p.submit(t, "essay-1", "illegal moves")

	_, err := p.registry.CompleteAnalysis(ctx, submission.ID, AnalysisOutcome{ReportRef: docstore.RefFor([]byte("r")), AutoScore: 10})
	require.ErrorIs(t, err, ErrInvalidState)

	require.ErrorIs(t, p.registry.FailAnalysis(ctx, submission.ID, ai.ReasonTimeout), ErrInvalidState)
	require.ErrorIs(t, p.registry.RetryFailed(ctx, submission.ID), ErrInvalidState)

	require.NoError(t, p.registry.BeginAnalysis(ctx, submission.ID))
	require.ErrorIs(t, p.registry.FailAnalysis(ctx, submission.ID, ai.Reason("exploded")), ErrInvalidInput)

	_, err = p.registry.CompleteAnalysis(ctx, submission.ID, AnalysisOutcome{ReportRef: docstore.RefFor([]byte("r")), AutoScore: 101})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = p.registry.CompleteAnalysis(ctx, submission.ID, AnalysisOutcome{ReportRef: "not-a-ref", AutoScore: 50})
	require.ErrorIs(t, err, ErrInvalidInput)

	completed := p.completeAnalyzing(t, submission.ID, 95)
	require.Equal(t, models.SubmissionStateCompleted, completed.State)
	require.ErrorIs(t, p.registry.BeginAnalysis(ctx, submission.ID), ErrInvalidState)

	_, err = p.registry.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrSubmissionNotFound)
}

// completeAnalyzing completes a submission that is already analyzing.
func (p *testPipeline) completeAnalyzing(t *testing.T, id string, score float64) models.Submission {
	t.Helper()

	ctx := context.Background()
	reportRef, err := p.store.Put(ctx, []byte("report for "+id))
	require.NoError(t, err)

	updated, err := p.registry.CompleteAnalysis(ctx, id, AnalysisOutcome{
		ExtractedText: "extracted text",
		ReportRef:     reportRef,
		AutoScore:     score,
	})
	require.NoError(t, err)
	return updated
}

func TestRegistryPublishesLifecycleEvents(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	events, unsubscribe := p.bus.SubscribeAll()
	defer unsubscribe()

	submission := p.submit(t, "essay-1", "event stream")
	p.analyze(t, submission.ID, 40)

	var types []string
	for len(types) < 3 {
		event := <-events
		require.Equal(t, submission.ID, event.SubmissionID)
		types = append(types, event.Type)
	}
	require.Equal(t, []string{EventSubmissionCreated, EventAnalysisStarted, EventAnalysisCompleted}, types)

	_, err := p.registry.ApplyOverride(ctx, submission.ID, 60, "", "teacher-1")
	require.NoError(t, err)
	event := <-events
	require.Equal(t, EventSubmissionOverridden, event.Type)
	require.Equal(t, models.SubmissionStateCompleted, event.State)
}
