package handler

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/sar-go-api/internal/middleware"
	"github.com/noah-isme/sar-go-api/internal/service"
	"github.com/noah-isme/sar-go-api/internal/utils"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// Ordered so the most specific sentinel wins when an error wraps several.
var errorMappings = []errorMapping{
	{service.ErrSizeLimitExceeded, fiber.StatusRequestEntityTooLarge, "size_limit_exceeded"},
	{service.ErrUnsupportedType, fiber.StatusUnsupportedMediaType, "unsupported_type"},
	{service.ErrValidation, fiber.StatusBadRequest, "validation_error"},
	{service.ErrInvalidState, fiber.StatusConflict, "invalid_state"},
	{service.ErrNotAssigned, fiber.StatusForbidden, "not_assigned"},
	{service.ErrNotFound, fiber.StatusNotFound, "not_found"},
	{service.ErrNoReviewersAvailable, fiber.StatusServiceUnavailable, "no_reviewers_available"},
	{service.ErrStorageFailure, fiber.StatusServiceUnavailable, "storage_failure"},
	{service.ErrLockTimeout, fiber.StatusServiceUnavailable, "storage_failure"},
}

// respondError maps the service error taxonomy onto the JSON envelope.
func respondError(c *fiber.Ctx, base zerolog.Logger, err error) error {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			c.Locals(middleware.LocalErrorCode, mapping.code)
			if mapping.status >= fiber.StatusInternalServerError {
				requestLogger(base, c).Error().Err(err).Str("code", mapping.code).Msg("request failed")
			}
			return utils.FailWithCode(c, mapping.status, mapping.code, err.Error(), validationDetails(err))
		}
	}

	requestLogger(base, c).Error().Err(err).Msg("unexpected error")
	c.Locals(middleware.LocalErrorCode, "internal_error")
	return utils.FailWithCode(c, fiber.StatusInternalServerError, "internal_error", "internal server error", nil)
}

func badRequest(c *fiber.Ctx, message string) error {
	c.Locals(middleware.LocalErrorCode, "validation_error")
	return utils.FailWithCode(c, fiber.StatusBadRequest, "validation_error", message, nil)
}

// validationDetails lists per-field failures when err carries validator output.
func validationDetails(err error) []fiber.Map {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}

	details := make([]fiber.Map, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		details = append(details, fiber.Map{
			"field": fieldErr.Field(),
			"rule":  fieldErr.Tag(),
		})
	}
	return details
}

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

func parseIDParam(c *fiber.Ctx, name string) (uint, error) {
	parsed, err := strconv.ParseUint(strings.TrimSpace(c.Params(name)), 10, 64)
	if err != nil || parsed == 0 {
		return 0, errors.New("invalid " + name)
	}
	return uint(parsed), nil
}

func userIDFromContext(c *fiber.Ctx) uint {
	if v := c.Locals(middleware.LocalUserID); v != nil {
		if id, ok := v.(uint); ok {
			return id
		}
		if id, ok := v.(int); ok {
			if id < 0 {
				return 0
			}
			return uint(id)
		}
	}
	return 0
}

func localString(c *fiber.Ctx, key string) string {
	if value, ok := c.Locals(key).(string); ok {
		return value
	}
	return ""
}

// actorFromContext builds the service actor from the identity locals set by JWTProtected.
func actorFromContext(c *fiber.Ctx) service.Actor {
	return service.Actor{
		ID:            userIDFromContext(c),
		Role:          localString(c, middleware.LocalUserRole),
		Department:    localString(c, middleware.LocalUserDepartment),
		CorrelationID: middleware.GetCorrelationID(c),
	}
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
