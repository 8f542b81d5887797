package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/assess-pipeline/internal/service"
)

const streamPingInterval = 30 * time.Second

// SubmissionStreamHandler pushes the status projection over a websocket whenever a submission changes.
type SubmissionStreamHandler struct {
	service service.SubmissionService
	events  service.EventBus
	logger  zerolog.Logger
}

// NewSubmissionStreamHandler constructs the websocket handler.
func NewSubmissionStreamHandler(service service.SubmissionService, events service.EventBus, logger zerolog.Logger) *SubmissionStreamHandler {
	return &SubmissionStreamHandler{
		service: service,
		events:  events,
		logger:  logger.With().Str("component", "submission_stream_handler").Logger(),
	}
}

// Register binds the websocket route under the submissions group.
func (h *SubmissionStreamHandler) Register(router fiber.Router) {
	router.Get("/:id/ws", h.upgrade, websocket.New(h.handleConnection))
}

func (h *SubmissionStreamHandler) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	ctx := requestContext(c)
	if err := authorizeSubmission(ctx, c, h.service, c.Params("id")); err != nil {
		return sendServiceError(c, h.logger, err)
	}

	c.Locals("request_ctx", ctx)
	return c.Next()
}

func (h *SubmissionStreamHandler) handleConnection(conn *websocket.Conn) {
	submissionID := conn.Params("id")
	parent, _ := conn.Locals("request_ctx").(context.Context)
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	events, unsubscribe := h.events.Subscribe(submissionID)
	defer unsubscribe()

	logger := h.logger.With().Str("submission_id", submissionID).Logger()
	logger.Debug().Msg("submission stream connected")
	defer logger.Debug().Msg("submission stream disconnected")

	if err := h.push(ctx, conn, submissionID); err != nil {
		logger.Warn().Err(err).Msg("failed to send initial status")
		return
	}

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			if err := h.push(ctx, conn, submissionID); err != nil {
				logger.Debug().Err(err).Msg("submission stream write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (h *SubmissionStreamHandler) push(ctx context.Context, conn *websocket.Conn, submissionID string) error {
	status, err := h.service.Status(ctx, submissionID)
	if err != nil {
		return err
	}
	return conn.WriteJSON(status)
}
