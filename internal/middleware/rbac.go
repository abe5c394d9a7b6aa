package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/sar-go-api/internal/utils"
)

// Roles carried in the token role claim.
const (
	RoleStudent = "student"
	RoleFaculty = "faculty"
	RoleAdmin   = "admin"
)

// Capability names a permission checked per route.
type Capability string

// Route capabilities.
const (
	CapUploadEvidence      Capability = "upload_evidence"
	CapReadEvidence        Capability = "read_evidence"
	CapSubmitActivity      Capability = "submit_activity"
	CapReadSubmissions     Capability = "read_submissions"
	CapReviewSubmission    Capability = "review_submission"
	CapManageQueues        Capability = "manage_queues"
	CapOverrideDecision    Capability = "override_decision"
	CapManageDirectory     Capability = "manage_directory"
	CapViewReports         Capability = "view_reports"
	CapViewOwnReports      Capability = "view_own_reports"
	CapExportReports       Capability = "export_reports"
	CapReceiveNotification Capability = "receive_notifications"
)

var roleCapabilities = map[string]map[Capability]struct{}{
	RoleStudent: capabilitySet(
		CapUploadEvidence, CapReadEvidence, CapSubmitActivity, CapReadSubmissions,
		CapViewOwnReports, CapReceiveNotification,
	),
	RoleFaculty: capabilitySet(
		CapReadEvidence, CapReadSubmissions, CapReviewSubmission, CapViewReports, CapReceiveNotification,
	),
	RoleAdmin: capabilitySet(
		CapReadEvidence, CapReadSubmissions, CapReviewSubmission, CapManageQueues, CapOverrideDecision,
		CapManageDirectory, CapViewReports, CapExportReports, CapReceiveNotification,
	),
}

func capabilitySet(caps ...Capability) map[Capability]struct{} {
	set := make(map[Capability]struct{}, len(caps))
	for _, capability := range caps {
		set[capability] = struct{}{}
	}
	return set
}

// HasCapability reports whether the role is granted the capability.
func HasCapability(role string, capability Capability) bool {
	_, ok := roleCapabilities[normalizeRoleValue(role)][capability]
	return ok
}

// RequireCapability admits callers whose role holds at least one of the capabilities.
func RequireCapability(caps ...Capability) fiber.Handler {
	return func(c *fiber.Ctx) error {
		role := normalizeRoleValue(c.Locals(LocalUserRole))
		for _, capability := range caps {
			if HasCapability(role, capability) {
				return c.Next()
			}
		}
		return utils.FailWithCode(c, fiber.StatusForbidden, "not_assigned", "insufficient permissions", nil)
	}
}

// RequireRole ensures that the authenticated user possesses one of the allowed roles.
func RequireRole(roles ...string) fiber.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		normalized := strings.ToLower(strings.TrimSpace(role))
		if normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}

	return func(c *fiber.Ctx) error {
		role := normalizeRoleValue(c.Locals(LocalUserRole))
		if _, ok := allowed[role]; !ok {
			return utils.FailWithCode(c, fiber.StatusForbidden, "not_assigned", "insufficient permissions", nil)
		}
		return c.Next()
	}
}

func normalizeRoleValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case fmt.Stringer:
		return strings.ToLower(strings.TrimSpace(v.String()))
	default:
		if value == nil {
			return ""
		}
		return strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", value)))
	}
}
