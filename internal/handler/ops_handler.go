package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/assess-pipeline/internal/service"
	"github.com/noah-isme/assess-pipeline/internal/utils"
)

// OpsHandler exposes the raw submission lifecycle to operators.
type OpsHandler struct {
	service service.SubmissionService
	logger  zerolog.Logger
}

// NewOpsHandler constructs an OpsHandler.
func NewOpsHandler(service service.SubmissionService, logger zerolog.Logger) *OpsHandler {
	return &OpsHandler{
		service: service,
		logger:  logger.With().Str("component", "ops_handler").Logger(),
	}
}

// Register binds operational routes. Callers guard the group with an admin role check.
func (h *OpsHandler) Register(router fiber.Router) {
	router.Get("/submissions/:id", h.submission)
}

func (h *OpsHandler) submission(c *fiber.Ctx) error {
	view, err := h.service.Operational(requestContext(c), c.Params("id"))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "submission lifecycle", view)
}
