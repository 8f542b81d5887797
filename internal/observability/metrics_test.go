package observability

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesPipelineCollectors(t *testing.T) {
	SubmissionTransitions().WithLabelValues("analyzing").Inc()
	QueueDepth().Set(4)

	app := fiber.New()
	app.Get("/metrics", MetricsHandler())

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "submissions_created_total")
	require.Contains(t, string(body), `submission_transitions_total{state="analyzing"}`)
	require.Contains(t, string(body), "analysis_queue_depth 4")
}

func TestRegisterMetricsIsIdempotent(t *testing.T) {
	require.NotPanics(t, func() {
		RegisterMetrics()
		RegisterMetrics()
	})
	require.Same(t, SubmissionsCreated(), SubmissionsCreated())
}
