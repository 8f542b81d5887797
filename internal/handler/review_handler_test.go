package handler_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/assess-pipeline/internal/dto"
	"github.com/noah-isme/assess-pipeline/internal/service"
)

func TestReviewQueueRequiresStaff(t *testing.T) {
	env := newHandlerEnv(t)
	reviewed := env.submit(t)
	env.complete(t, reviewed, 72)
	env.submit(t)

	resp := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/reviews", nil), "student-1", "student")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/reviews?assignment_id=essay-1", nil), "teacher-1", "teacher")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var queue envelope[[]dto.ReviewQueueItem]
	decodeResponse(t, resp, &queue)
	require.Len(t, queue.Data, 1)
	require.Equal(t, reviewed, queue.Data[0].ID)
	require.Equal(t, service.VisibleStatusNeedsReview, queue.Data[0].Status)
	require.NotNil(t, queue.Data[0].AutoScore)
	require.InDelta(t, 72, *queue.Data[0].AutoScore, 0.001)
	require.Nil(t, queue.Data[0].TeacherScore)

	resp = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/reviews?limit=abc", nil), "teacher-1", "teacher")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/reviews?limit=500", nil), "teacher-1", "teacher")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStudentSubmissionsAreSelfOnly(t *testing.T) {
	env := newHandlerEnv(t)
	env.submit(t)
	env.submit(t)

	resp := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/students/student-1/submissions", nil), "student-1", "student")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var own envelope[[]dto.SubmissionStatusResponse]
	decodeResponse(t, resp, &own)
	require.Len(t, own.Data, 2)

	resp = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/students/student-1/submissions", nil), "student-2", "student")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/students/student-1/submissions", nil), "teacher-1", "teacher")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOpsViewRequiresAdmin(t *testing.T) {
	env := newHandlerEnv(t)
	id := env.submit(t)
	env.complete(t, id, 72)

	resp := postJSON(t, env, "/api/v1/submissions/"+id+"/override", map[string]interface{}{"score": 81, "feedback": "solid"}, "teacher-1", "teacher")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/ops/submissions/"+id, nil), "teacher-1", "teacher")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/ops/submissions/"+id, nil), "admin-1", "admin")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view envelope[dto.SubmissionOpsResponse]
	decodeResponse(t, resp, &view)
	require.Equal(t, "completed", view.Data.State)
	require.Equal(t, service.VisibleStatusCompleted, view.Data.VisibleStatus)
	require.Equal(t, 1, view.Data.Attempts)
	require.NotNil(t, view.Data.ReportRef)
	require.Nil(t, view.Data.FailureReason)
	require.Len(t, view.Data.Overrides, 1)
	require.Equal(t, "teacher-1", view.Data.Overrides[0].TeacherID)
	require.InDelta(t, 81, view.Data.Overrides[0].Score, 0.001)
}
