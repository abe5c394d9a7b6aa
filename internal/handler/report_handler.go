package handler

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/sar-go-api/internal/dto"
	"github.com/noah-isme/sar-go-api/internal/middleware"
	"github.com/noah-isme/sar-go-api/internal/service"
	"github.com/noah-isme/sar-go-api/internal/utils"
)

// ReportHandler serves dashboard metrics and compliance exports.
type ReportHandler struct {
	service service.ReportService
	logger  zerolog.Logger
}

// NewReportHandler constructs a report handler.
func NewReportHandler(service service.ReportService, logger zerolog.Logger) *ReportHandler {
	return &ReportHandler{
		service: service,
		logger:  logger.With().Str("component", "report_handler").Logger(),
	}
}

// Register wires report routes.
func (h *ReportHandler) Register(router fiber.Router) {
	view := middleware.RequireCapability(middleware.CapViewReports)
	viewOrSelf := middleware.RequireCapability(middleware.CapViewReports, middleware.CapViewOwnReports)
	export := middleware.RequireCapability(middleware.CapExportReports)

	router.Get("/kpi", view, h.kpi)
	router.Get("/departments", view, h.departments)
	router.Get("/students/:id/portfolio", viewOrSelf, h.portfolio)
	router.Get("/heatmap", viewOrSelf, h.heatmap)
	router.Get("/export", export, h.export)
	router.Get("/exports/:id/download", export, h.download)
}

func (h *ReportHandler) kpi(c *fiber.Ctx) error {
	var query dto.ReportWindowQuery
	if err := c.QueryParser(&query); err != nil {
		return badRequest(c, "invalid query parameters")
	}

	result, err := h.service.KPI(requestContext(c), actorFromContext(c), query)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	if result.CacheHit {
		c.Set("X-Cache", "HIT")
	} else {
		c.Set("X-Cache", "MISS")
	}
	return utils.SendSuccess(c, "kpi", result)
}

func (h *ReportHandler) departments(c *fiber.Ctx) error {
	var query dto.ReportWindowQuery
	if err := c.QueryParser(&query); err != nil {
		return badRequest(c, "invalid query parameters")
	}

	result, err := h.service.Departments(requestContext(c), actorFromContext(c), query)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "department aggregates", result)
}

func (h *ReportHandler) portfolio(c *fiber.Ctx) error {
	studentID, err := parseIDParam(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.service.Portfolio(requestContext(c), actorFromContext(c), studentID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "portfolio", result)
}

func (h *ReportHandler) heatmap(c *fiber.Ctx) error {
	var query dto.HeatmapQuery
	if err := c.QueryParser(&query); err != nil {
		return badRequest(c, "invalid query parameters")
	}

	result, err := h.service.Heatmap(requestContext(c), actorFromContext(c), query)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "activity heatmap", result)
}

func (h *ReportHandler) export(c *fiber.Ctx) error {
	var query dto.ExportQuery
	if err := c.QueryParser(&query); err != nil {
		return badRequest(c, "invalid query parameters")
	}

	result, err := h.service.Export(requestContext(c), actorFromContext(c), query)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "export generated", result)
}

func (h *ReportHandler) download(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}

	reader, export, err := h.service.OpenExport(requestContext(c), actorFromContext(c), id)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSONCharsetUTF8)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q",
		fmt.Sprintf("%s-%s.json", export.Preset, export.WindowTo.Format("20060102"))))
	return c.SendStream(reader, int(export.ByteSize))
}
