package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/sar-go-api/internal/dto"
	"github.com/noah-isme/sar-go-api/internal/middleware"
	"github.com/noah-isme/sar-go-api/internal/service"
	"github.com/noah-isme/sar-go-api/internal/utils"
)

// SubmissionHandler exposes the ledger and the workflow transitions of a single submission.
type SubmissionHandler struct {
	ledger   service.LedgerService
	workflow service.WorkflowService
	logger   zerolog.Logger
}

// NewSubmissionHandler constructs a submission handler.
func NewSubmissionHandler(ledger service.LedgerService, workflow service.WorkflowService, logger zerolog.Logger) *SubmissionHandler {
	return &SubmissionHandler{
		ledger:   ledger,
		workflow: workflow,
		logger:   logger.With().Str("component", "submission_handler").Logger(),
	}
}

// Register wires submission routes.
func (h *SubmissionHandler) Register(router fiber.Router) {
	submit := middleware.RequireCapability(middleware.CapSubmitActivity)
	review := middleware.RequireCapability(middleware.CapReviewSubmission)
	read := middleware.RequireCapability(middleware.CapReadSubmissions)

	router.Post("/", submit, h.create)
	router.Get("/", read, h.list)
	router.Get("/categories", read, h.categories)
	router.Get("/:id", read, h.get)
	router.Post("/:id/submit", submit, h.submit)
	router.Post("/:id/resubmit", submit, h.resubmit)
	router.Post("/:id/start-review", review, h.startReview)
	router.Post("/:id/review", review, h.review)
}

func (h *SubmissionHandler) create(c *fiber.Ctx) error {
	var req dto.SubmissionCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request payload")
	}

	detail, err := h.ledger.Create(requestContext(c), actorFromContext(c), req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "submission recorded", detail)
}

func (h *SubmissionHandler) list(c *fiber.Ctx) error {
	var query dto.SubmissionListQuery
	if err := c.QueryParser(&query); err != nil {
		return badRequest(c, "invalid query parameters")
	}

	result, err := h.ledger.Query(requestContext(c), actorFromContext(c), query)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.OK(c, result.Items, "submissions", result.Pagination)
}

func (h *SubmissionHandler) categories(c *fiber.Ctx) error {
	return utils.SendSuccess(c, "activity categories", h.ledger.Categories())
}

func (h *SubmissionHandler) get(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}

	detail, err := h.ledger.Get(requestContext(c), actorFromContext(c), id)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "submission", detail)
}

func (h *SubmissionHandler) submit(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}

	status, err := h.workflow.Submit(requestContext(c), actorFromContext(c), id)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "submission submitted", status)
}

func (h *SubmissionHandler) resubmit(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}

	var req dto.ResubmitRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request payload")
		}
	}

	status, err := h.workflow.Resubmit(requestContext(c), actorFromContext(c), id, req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "submission resubmitted", status)
}

func (h *SubmissionHandler) startReview(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}

	status, err := h.workflow.StartReview(requestContext(c), actorFromContext(c), id)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "review started", status)
}

func (h *SubmissionHandler) review(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}

	var req dto.ReviewRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request payload")
	}

	status, err := h.workflow.Review(requestContext(c), actorFromContext(c), id, req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "review recorded", status)
}
