package middleware

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/fairwaymentors/clubhouse/app/models"
	"github.com/fairwaymentors/clubhouse/app/repository"
	"github.com/fairwaymentors/clubhouse/internal/pkg/session"
	"github.com/fairwaymentors/clubhouse/internal/pkg/usercontext"
)

// UserContextMiddleware resolves the session into a UserContext local for
// every request. Anonymous requests get the zero context.
func UserContextMiddleware(c *fiber.Ctx) error {
	userID, ok := session.GetSessionValue(c, "user_id").(uint)
	if !ok || userID == 0 {
		c.Locals(usercontext.KeyUserContext, usercontext.UserContext{})
		c.Locals(usercontext.KeyFromProtected, false)
		return c.Next()
	}

	repo := repository.GetGlobalFactory().GetUserRepository()
	user, err := repo.GetByID(userID)
	if err != nil || user.Status != models.STATUS_ACTIVE {
		if err != nil {
			log.Printf("usercontext: user lookup failed for %d: %v", userID, err)
		}
		c.Locals(usercontext.KeyUserContext, usercontext.UserContext{})
		c.Locals(usercontext.KeyFromProtected, false)
		return c.Next()
	}

	c.Locals(usercontext.KeyUserContext, usercontext.UserContext{
		UserID:     user.ID,
		Username:   user.Name,
		IsLoggedIn: true,
		IsAdmin:    user.Role == models.ROLE_ADMIN,
		IsMentor:   user.IsMentor(),
	})
	c.Locals(usercontext.KeyFromProtected, true)
	c.Locals(usercontext.KeyIsAdmin, user.Role == models.ROLE_ADMIN)
	return c.Next()
}
