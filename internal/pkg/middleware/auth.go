package middleware

import (
	"github.com/gofiber/fiber/v2"

	icuser "github.com/fairwaymentors/clubhouse/internal/pkg/usercontext"
)

// RequireAPISessionAuth ensures a logged-in session for API routes and
// returns JSON 401 if the session is missing.
func RequireAPISessionAuth(c *fiber.Ctx) error {
	v := c.Locals(icuser.KeyFromProtected)
	loggedIn := false
	if b, ok := v.(bool); ok {
		loggedIn = b
	}
	if !loggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "login required",
		})
	}
	return c.Next()
}

// RequireAdmin ensures a logged-in admin for API routes.
func RequireAdmin(c *fiber.Ctx) error {
	if isAdmin, ok := c.Locals(icuser.KeyIsAdmin).(bool); !ok || !isAdmin {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":   "forbidden",
			"message": "admin required",
		})
	}
	return c.Next()
}
