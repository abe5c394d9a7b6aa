package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/sar-go-api/internal/utils"
)

// AuthOptions configures the WithAuth helper.
type AuthOptions struct {
	// Capabilities admits the caller when any one of them is held. Empty admits every role.
	Capabilities   []Capability
	AllowAnonymous bool
}

// WithAuth wraps a single handler with authentication and capability guards, for routes
// registered outside a protected group such as long-lived streams.
func WithAuth(handler fiber.Handler, opts AuthOptions) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, _ := c.Locals(LocalUserID).(uint)
		if userID == 0 {
			if opts.AllowAnonymous {
				return handler(c)
			}
			return utils.FailWithCode(c, fiber.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}

		if len(opts.Capabilities) == 0 {
			return handler(c)
		}

		role := normalizeRoleValue(c.Locals(LocalUserRole))
		for _, capability := range opts.Capabilities {
			if HasCapability(role, capability) {
				return handler(c)
			}
		}
		return utils.FailWithCode(c, fiber.StatusForbidden, "not_assigned", "insufficient permissions", nil)
	}
}
