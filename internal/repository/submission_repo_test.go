package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/assess-pipeline/internal/models"
	"github.com/noah-isme/assess-pipeline/pkg/docstore"
)

func setupRepoDB(t *testing.T) *gorm.DB {
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

func newPendingSubmission(assignmentID, studentID string) *models.Submission {
	return &models.Submission{
		ID:           uuid.NewString(),
		AssignmentID: assignmentID,
		StudentID:    studentID,
		DocumentRef:  docstore.RefFor([]byte(uuid.NewString())),
		FileName:     "essay.txt",
		State:        models.SubmissionStatePending,
	}
}

func TestSubmissionRepositoryTransitionIsGuarded(t *testing.T) {
	db := setupRepoDB(t)
	repo := NewSubmissionRepository(db)
	ctx := context.Background()

	sub := newPendingSubmission("a1", "s1")
	require.NoError(t, repo.Create(ctx, sub))

	pending := TransitionGuard{States: []models.SubmissionState{models.SubmissionStatePending}}
	updates := map[string]interface{}{"state": models.SubmissionStateAnalyzing, "attempts": gorm.Expr("attempts + 1")}

	ok, err := repo.Transition(ctx, sub.ID, pending, updates)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.Transition(ctx, sub.ID, pending, updates)
	require.NoError(t, err)
	require.False(t, ok)

	stored, err := repo.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStateAnalyzing, stored.State)
	require.Equal(t, 1, stored.Attempts)

	ok, err = repo.Transition(ctx, "missing", pending, updates)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSubmissionRepositoryApplyOverride(t *testing.T) {
	db := setupRepoDB(t)
	repo := NewSubmissionRepository(db)
	ctx := context.Background()

	sub := newPendingSubmission("a1", "s1")
	sub.State = models.SubmissionStateNeedsReview
	require.NoError(t, repo.Create(ctx, sub))

	guard := TransitionGuard{
		States:            []models.SubmissionState{models.SubmissionStateAnalyzed, models.SubmissionStateNeedsReview},
		TeacherScoreUnset: true,
	}

	first := 78.0
	ok, err := repo.ApplyOverride(ctx, sub.ID, guard, map[string]interface{}{
		"teacher_score": first,
		"state":         models.SubmissionStateCompleted,
		"completed_at":  time.Now().UTC(),
	}, &models.SubmissionOverride{Score: first, TeacherID: "t1"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.ApplyOverride(ctx, sub.ID, guard, map[string]interface{}{
		"teacher_score": 95.0,
		"state":         models.SubmissionStateCompleted,
	}, &models.SubmissionOverride{Score: 95, TeacherID: "t2"})
	require.NoError(t, err)
	require.False(t, ok)

	stored, err := repo.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.TeacherScore)
	require.Equal(t, first, *stored.TeacherScore)

	overrides, err := repo.ListOverrides(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	require.Equal(t, "t1", overrides[0].TeacherID)
}

func TestSubmissionRepositoryList(t *testing.T) {
	db := setupRepoDB(t)
	repo := NewSubmissionRepository(db)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	for i, studentID := range []string{"s1", "s1", "s2"} {
		sub := newPendingSubmission("a1", studentID)
		sub.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if i == 2 {
			sub.State = models.SubmissionStateFailed
		}
		require.NoError(t, repo.Create(ctx, sub))
	}

	student := "s1"
	byStudent, err := repo.List(ctx, SubmissionFilter{StudentID: &student})
	require.NoError(t, err)
	require.Len(t, byStudent, 2)
	require.True(t, byStudent[0].CreatedAt.After(byStudent[1].CreatedAt))

	pending, err := repo.List(ctx, SubmissionFilter{States: []models.SubmissionState{models.SubmissionStatePending}, OldestFirst: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "s1", pending[0].StudentID)
	require.True(t, pending[0].CreatedAt.Equal(base))
}

func TestAssignmentAndPolicyRepositories(t *testing.T) {
	db := setupRepoDB(t)
	ctx := context.Background()

	assignments := NewAssignmentRepository(db)
	due := time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC)
	require.NoError(t, assignments.Upsert(ctx, &models.Assignment{ID: "a1", Title: "Essay", Subject: "English", DueDate: &due}))
	require.NoError(t, assignments.Upsert(ctx, &models.Assignment{ID: "a1", Title: "Essay (revised)", Subject: "English", DueDate: &due}))

	found, err := assignments.GetByIDs(ctx, []string{"a1", "missing"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "Essay (revised)", found["a1"].Title)

	_, err = assignments.GetByID(ctx, "missing")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	policies := NewAssignmentPolicyRepository(db)
	require.NoError(t, policies.Upsert(ctx, &models.AssignmentPolicy{AssignmentID: "a1", AutoAcceptThreshold: 85, RequiresReview: true}))

	policy, err := policies.GetByAssignment(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 85.0, policy.AutoAcceptThreshold)
	require.True(t, policy.RequiresReview)
}

func TestSubmissionRepositoryUpdatedBefore(t *testing.T) {
	db := setupRepoDB(t)
	repo := NewSubmissionRepository(db)
	ctx := context.Background()

	sub := newPendingSubmission("a1", "s1")
	sub.State = models.SubmissionStateAnalyzing
	require.NoError(t, repo.Create(ctx, sub))

	claimedAt := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(&models.Submission{}).Where("id = ?", sub.ID).UpdateColumn("updated_at", claimedAt).Error)

	analyzing := []models.SubmissionState{models.SubmissionStateAnalyzing}
	recent := time.Now().Add(-2 * time.Hour)
	stale := time.Now().Add(-30 * time.Minute)

	found, err := repo.List(ctx, SubmissionFilter{States: analyzing, UpdatedBefore: &recent})
	require.NoError(t, err)
	require.Empty(t, found)

	found, err = repo.List(ctx, SubmissionFilter{States: analyzing, UpdatedBefore: &stale})
	require.NoError(t, err)
	require.Len(t, found, 1)

	updates := map[string]interface{}{"state": models.SubmissionStateFailed}
	ok, err := repo.Transition(ctx, sub.ID, TransitionGuard{States: analyzing, UpdatedBefore: &recent}, updates)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = repo.Transition(ctx, sub.ID, TransitionGuard{States: analyzing, UpdatedBefore: &stale}, updates)
	require.NoError(t, err)
	require.True(t, ok)
}
