package handler

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/assess-pipeline/internal/middleware"
	"github.com/noah-isme/assess-pipeline/internal/service"
	"github.com/noah-isme/assess-pipeline/internal/utils"
)

func parseQueryInt(c *fiber.Ctx, key string) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

// authorizeSubmission lets staff and the owning student through. Anyone else sees the
// submission as missing, which keeps ids of other students undiscoverable.
func authorizeSubmission(ctx context.Context, c *fiber.Ctx, submissions service.SubmissionService, id string) error {
	owner, err := submissions.Owner(ctx, id)
	if err != nil {
		return err
	}
	if middleware.IsStaff(c) || owner == middleware.UserID(c) {
		return nil
	}
	return service.ErrSubmissionNotFound
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// serviceErrors maps the service error taxonomy onto HTTP statuses. An empty message echoes the error.
var serviceErrors = []errorMapping{
	{service.ErrSubmissionNotFound, fiber.StatusNotFound, "not_found", "submission not found"},
	{service.ErrReportNotFound, fiber.StatusNotFound, "report_not_found", "report not available"},
	{service.ErrInvalidInput, fiber.StatusBadRequest, "invalid_input", ""},
	{service.ErrConflict, fiber.StatusConflict, "conflict", "submission already has a teacher score"},
	{service.ErrAlreadyInProgress, fiber.StatusConflict, "already_in_progress", "analysis already in progress"},
	{service.ErrRetryLimitReached, fiber.StatusConflict, "retry_limit_reached", "retry limit reached"},
	{service.ErrInvalidState, fiber.StatusUnprocessableEntity, "invalid_state", ""},
}

func sendServiceError(c *fiber.Ctx, logger zerolog.Logger, err error) error {
	for _, mapping := range serviceErrors {
		if !errors.Is(err, mapping.target) {
			continue
		}
		message := mapping.message
		if message == "" {
			message = err.Error()
		}
		return utils.SendErrorCode(c, mapping.status, mapping.code, message)
	}

	if isValidationError(err) {
		return utils.SendErrorCode(c, fiber.StatusBadRequest, "invalid_input", err.Error())
	}

	requestLogger(logger, c).Error().Err(err).Str("path", c.Path()).Msg("internal server error")
	return utils.SendErrorCode(c, fiber.StatusInternalServerError, "internal", "internal server error")
}
