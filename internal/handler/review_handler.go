package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/assess-pipeline/internal/dto"
	"github.com/noah-isme/assess-pipeline/internal/middleware"
	"github.com/noah-isme/assess-pipeline/internal/service"
	"github.com/noah-isme/assess-pipeline/internal/utils"
)

// ReviewHandler serves the teacher review queue and per-student submission lists.
type ReviewHandler struct {
	service service.SubmissionService
	logger  zerolog.Logger
}

// NewReviewHandler constructs a ReviewHandler.
func NewReviewHandler(service service.SubmissionService, logger zerolog.Logger) *ReviewHandler {
	return &ReviewHandler{
		service: service,
		logger:  logger.With().Str("component", "review_handler").Logger(),
	}
}

// Register binds the review queue under the /reviews group.
func (h *ReviewHandler) Register(router fiber.Router) {
	router.Get("", middleware.RequireRole("teacher", "admin"), h.queue)
}

// RegisterStudentRoutes binds per-student listings under the /students group.
func (h *ReviewHandler) RegisterStudentRoutes(router fiber.Router) {
	router.Get("/:id/submissions", middleware.RequireSelfOrRole("id", "teacher", "admin"), h.studentSubmissions)
}

func (h *ReviewHandler) queue(c *fiber.Ctx) error {
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}

	items, err := h.service.ReviewQueue(requestContext(c), dto.ReviewQueueFilter{
		AssignmentID: c.Query("assignment_id"),
		Limit:        limit,
	})
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "review queue", items)
}

func (h *ReviewHandler) studentSubmissions(c *fiber.Ctx) error {
	items, err := h.service.ListByStudent(requestContext(c), c.Params("id"))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "student submissions", items)
}
