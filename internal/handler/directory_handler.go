package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/sar-go-api/internal/dto"
	"github.com/noah-isme/sar-go-api/internal/middleware"
	"github.com/noah-isme/sar-go-api/internal/service"
	"github.com/noah-isme/sar-go-api/internal/utils"
)

// DirectoryHandler manages the reviewer directory, the student roster and the audit trail.
type DirectoryHandler struct {
	directory service.DirectoryService
	activity  service.ActivityService
	logger    zerolog.Logger
}

// NewDirectoryHandler constructs a directory handler.
func NewDirectoryHandler(directory service.DirectoryService, activity service.ActivityService, logger zerolog.Logger) *DirectoryHandler {
	return &DirectoryHandler{
		directory: directory,
		activity:  activity,
		logger:    logger.With().Str("component", "directory_handler").Logger(),
	}
}

// Register wires the administrative directory routes.
func (h *DirectoryHandler) Register(router fiber.Router) {
	guard := middleware.RequireCapability(middleware.CapManageDirectory)

	router.Get("/reviewers", guard, h.listReviewers)
	router.Put("/reviewers/:id", guard, h.upsertReviewer)
	router.Get("/students", guard, h.listStudents)
	router.Put("/students/:id", guard, h.upsertStudent)
	router.Get("/activity", guard, h.listActivity)
}

func (h *DirectoryHandler) listReviewers(c *fiber.Ctx) error {
	var query dto.DirectoryQuery
	if err := c.QueryParser(&query); err != nil {
		return badRequest(c, "invalid query parameters")
	}

	reviewers, err := h.directory.ListReviewers(requestContext(c), query)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "reviewers", reviewers)
}

func (h *DirectoryHandler) upsertReviewer(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}

	var req dto.ReviewerUpsertRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request payload")
	}

	reviewer, err := h.directory.UpsertReviewer(requestContext(c), actorFromContext(c), id, req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "reviewer saved", reviewer)
}

func (h *DirectoryHandler) listStudents(c *fiber.Ctx) error {
	var query dto.DirectoryQuery
	if err := c.QueryParser(&query); err != nil {
		return badRequest(c, "invalid query parameters")
	}

	students, err := h.directory.ListStudents(requestContext(c), query)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "students", students)
}

func (h *DirectoryHandler) upsertStudent(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}

	var req dto.StudentUpsertRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request payload")
	}

	student, err := h.directory.UpsertStudent(requestContext(c), actorFromContext(c), id, req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "student saved", student)
}

func (h *DirectoryHandler) listActivity(c *fiber.Ctx) error {
	var query dto.ActivityLogQuery
	if err := c.QueryParser(&query); err != nil {
		return badRequest(c, "invalid query parameters")
	}

	result, err := h.activity.List(requestContext(c), query)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.OK(c, result.Items, "activity log", result.Pagination)
}
