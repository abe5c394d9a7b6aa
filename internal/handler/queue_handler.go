package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/sar-go-api/internal/dto"
	"github.com/noah-isme/sar-go-api/internal/middleware"
	"github.com/noah-isme/sar-go-api/internal/service"
	"github.com/noah-isme/sar-go-api/internal/utils"
)

// QueueHandler exposes reviewer queues and the administrative workflow controls.
type QueueHandler struct {
	workflow service.WorkflowService
	logger   zerolog.Logger
}

// NewQueueHandler constructs a queue handler.
func NewQueueHandler(workflow service.WorkflowService, logger zerolog.Logger) *QueueHandler {
	return &QueueHandler{
		workflow: workflow,
		logger:   logger.With().Str("component", "queue_handler").Logger(),
	}
}

// RegisterQueues wires the reviewer queue route.
func (h *QueueHandler) RegisterQueues(router fiber.Router) {
	router.Get("/", middleware.RequireCapability(middleware.CapReviewSubmission), h.queue)
}

// RegisterAdmin wires balancing and override routes.
func (h *QueueHandler) RegisterAdmin(router fiber.Router) {
	router.Post("/queues/balance", middleware.RequireCapability(middleware.CapManageQueues), h.balance)
	router.Post("/submissions/:id/override", middleware.RequireCapability(middleware.CapOverrideDecision), h.override)
}

func (h *QueueHandler) queue(c *fiber.Ctx) error {
	reviewerID, err := parseQueryInt(c, "reviewer_id")
	if err != nil || reviewerID < 0 {
		return badRequest(c, "invalid reviewer_id")
	}

	queue, err := h.workflow.Queue(requestContext(c), actorFromContext(c), uint(reviewerID))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "review queue", queue)
}

func (h *QueueHandler) balance(c *fiber.Ctx) error {
	var req dto.BalanceRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request payload")
		}
	}

	result, err := h.workflow.Balance(requestContext(c), actorFromContext(c), req)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	requestLogger(h.logger, c).Info().
		Int("moves", len(result.Moves)).
		Int("pending", result.PendingTotal).
		Msg("queues balanced")
	return utils.SendSuccess(c, "queues balanced", result)
}

func (h *QueueHandler) override(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}

	var req dto.OverrideRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request payload")
	}

	status, err := h.workflow.Override(requestContext(c), actorFromContext(c), id, req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "decision overridden", status)
}
