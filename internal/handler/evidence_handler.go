package handler

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/sar-go-api/internal/middleware"
	"github.com/noah-isme/sar-go-api/internal/service"
	"github.com/noah-isme/sar-go-api/internal/utils"
)

// EvidenceHandler exposes the content-addressed evidence store.
type EvidenceHandler struct {
	service service.EvidenceService
	logger  zerolog.Logger
}

// NewEvidenceHandler constructs an evidence handler.
func NewEvidenceHandler(service service.EvidenceService, logger zerolog.Logger) *EvidenceHandler {
	return &EvidenceHandler{
		service: service,
		logger:  logger.With().Str("component", "evidence_handler").Logger(),
	}
}

// Register wires evidence routes.
func (h *EvidenceHandler) Register(router fiber.Router) {
	router.Post("/", middleware.RequireCapability(middleware.CapUploadEvidence), h.upload)
	router.Get("/:id/meta", middleware.RequireCapability(middleware.CapReadEvidence), h.meta)
	router.Get("/:id", middleware.RequireCapability(middleware.CapReadEvidence), h.download)
}

func (h *EvidenceHandler) upload(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "file is required")
	}

	reader, err := file.Open()
	if err != nil {
		return badRequest(c, "file could not be read")
	}
	defer reader.Close()

	result, err := h.service.Put(requestContext(c), service.EvidenceUpload{
		Name:       file.Filename,
		Reader:     reader,
		UploadedBy: userIDFromContext(c),
	})
	if err != nil {
		return respondError(c, h.logger, err)
	}

	status := fiber.StatusCreated
	message := "evidence stored"
	if result.Deduplicated {
		status = fiber.StatusOK
		message = "evidence already stored"
	}
	return utils.SendSuccessWithStatus(c, status, message, result)
}

func (h *EvidenceHandler) meta(c *fiber.Ctx) error {
	result, err := h.service.Describe(requestContext(c), strings.ToLower(c.Params("id")))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "evidence metadata", result)
}

func (h *EvidenceHandler) download(c *fiber.Ctx) error {
	reader, meta, err := h.service.Get(requestContext(c), strings.ToLower(c.Params("id")))
	if err != nil {
		return respondError(c, h.logger, err)
	}

	c.Set(fiber.HeaderContentType, meta.MimeType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", meta.OriginalName))
	c.Set(fiber.HeaderETag, `"`+meta.EvidenceRef+`"`)
	c.Set(fiber.HeaderCacheControl, "private, max-age=31536000, immutable")
	// fasthttp closes the reader once the body is written.
	return c.SendStream(reader, int(meta.ByteSize))
}
