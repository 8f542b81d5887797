package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/assess-pipeline/internal/utils"
)

// RequireRole admits only callers holding one of roles.
func RequireRole(roles ...string) fiber.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		if normalized := strings.ToLower(strings.TrimSpace(role)); normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}

	return func(c *fiber.Ctx) error {
		if _, ok := allowed[Role(c)]; !ok {
			return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
		}
		return c.Next()
	}
}

// RequireSelfOrRole admits callers whose id equals the named route param, and anyone holding one of roles.
func RequireSelfOrRole(param string, roles ...string) fiber.Handler {
	privileged := RequireRole(roles...)

	return func(c *fiber.Ctx) error {
		owner := strings.TrimSpace(c.Params(param))
		if owner != "" && owner == UserID(c) {
			return c.Next()
		}
		return privileged(c)
	}
}

// UserID returns the authenticated subject set by JWTProtected.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(LocalUserID).(string)
	return strings.TrimSpace(id)
}

// Role returns the caller's normalised role, or "" when unauthenticated.
func Role(c *fiber.Ctx) string {
	role, _ := c.Locals(LocalUserRole).(string)
	return strings.ToLower(strings.TrimSpace(role))
}

// IsStaff reports whether the caller may act on other students' submissions.
func IsStaff(c *fiber.Ctx) bool {
	role := Role(c)
	return role == RoleTeacher || role == RoleAdmin
}
