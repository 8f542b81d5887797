package handler

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/assess-pipeline/internal/dto"
	"github.com/noah-isme/assess-pipeline/internal/middleware"
	"github.com/noah-isme/assess-pipeline/internal/service"
	"github.com/noah-isme/assess-pipeline/internal/utils"
)

// SubmissionHandler manages submission endpoints.
type SubmissionHandler struct {
	service        service.SubmissionService
	reconciliation service.ReconciliationService
	validator      *validator.Validate
	logger         zerolog.Logger
	uploadLimiter  fiber.Handler
}

// NewSubmissionHandler builds a submission handler instance. uploadLimiter may be nil.
func NewSubmissionHandler(service service.SubmissionService, reconciliation service.ReconciliationService, validator *validator.Validate, uploadLimiter fiber.Handler, logger zerolog.Logger) *SubmissionHandler {
	return &SubmissionHandler{
		service:        service,
		reconciliation: reconciliation,
		validator:      validator,
		logger:         logger.With().Str("component", "submission_handler").Logger(),
		uploadLimiter:  uploadLimiter,
	}
}

// Register attaches the routes to the provided router group.
func (h *SubmissionHandler) Register(router fiber.Router) {
	staff := middleware.RequireRole(middleware.RoleTeacher, middleware.RoleAdmin)

	if h.uploadLimiter != nil {
		router.Post("", h.uploadLimiter, h.upload)
	} else {
		router.Post("", h.upload)
	}
	router.Get("/:id", h.status)
	router.Get("/:id/report", h.report)
	router.Post("/:id/override", staff, h.override)
	router.Post("/:id/retry", staff, h.retry)
	router.Post("/:id/cancel", staff, h.cancel)
}

func (h *SubmissionHandler) upload(c *fiber.Ctx) error {
	payload := dto.SubmissionCreateRequest{
		AssignmentID: strings.TrimSpace(c.FormValue("assignment_id")),
		StudentID:    strings.TrimSpace(c.FormValue("student_id")),
	}

	userID := middleware.UserID(c)
	if payload.StudentID == "" {
		payload.StudentID = userID
	}
	if !middleware.IsStaff(c) && payload.StudentID != userID {
		return utils.SendError(c, fiber.StatusForbidden, "students may only submit for themselves")
	}

	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	file, err := c.FormFile("file")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "file is required")
	}

	created, err := h.service.Upload(requestContext(c), payload, file)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "submission received", created)
}

func (h *SubmissionHandler) status(c *fiber.Ctx) error {
	ctx := requestContext(c)
	if err := authorizeSubmission(ctx, c, h.service, c.Params("id")); err != nil {
		return h.handleError(c, err)
	}

	status, err := h.service.Status(ctx, c.Params("id"))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "submission status", status)
}

func (h *SubmissionHandler) report(c *fiber.Ctx) error {
	ctx := requestContext(c)
	if err := authorizeSubmission(ctx, c, h.service, c.Params("id")); err != nil {
		return h.handleError(c, err)
	}

	content, name, err := h.service.Report(ctx, c.Params("id"))
	if err != nil {
		return h.handleError(c, err)
	}

	c.Set(fiber.HeaderContentType, "application/pdf")
	c.Attachment(name)
	return c.Send(content)
}

func (h *SubmissionHandler) override(c *fiber.Ctx) error {
	var payload dto.SubmissionOverrideRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	ctx := requestContext(c)
	updated, err := h.reconciliation.SubmitTeacherOverride(ctx, c.Params("id"), service.OverrideInput{
		Score:     *payload.Score,
		Feedback:  payload.Feedback,
		TeacherID: middleware.UserID(c),
	})
	if err != nil {
		return h.handleError(c, err)
	}

	status, err := h.service.Project(ctx, updated)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "override applied", status)
}

func (h *SubmissionHandler) retry(c *fiber.Ctx) error {
	status, err := h.service.Retry(requestContext(c), c.Params("id"))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "submission requeued", status)
}

func (h *SubmissionHandler) cancel(c *fiber.Ctx) error {
	cancelled, err := h.service.Cancel(requestContext(c), c.Params("id"))
	if err != nil {
		return h.handleError(c, err)
	}

	message := "no analysis in flight"
	if cancelled {
		message = "cancellation requested"
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, message, fiber.Map{"cancelled": cancelled})
}

func (h *SubmissionHandler) handleError(c *fiber.Ctx, err error) error {
	return sendServiceError(c, h.logger, err)
}
