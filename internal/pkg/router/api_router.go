package router

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/fairwaymentors/clubhouse/app/controllers"
	"github.com/fairwaymentors/clubhouse/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", cors.New())

	// The webhook endpoint is registered outside the rate limiter: provider
	// retries must never be throttled away.
	api.Post("/v1/billing/webhook/stripe", controllers.HandleStripeWebhook)

	v1 := api.Group("/v1", limiter.New(limiter.Config{
		Max:        60,
		Expiration: 1 * time.Minute,
	}))

	auth := v1.Group("/auth")
	auth.Post("/register", controllers.HandleRegister)
	auth.Get("/activate", controllers.HandleActivate)
	auth.Post("/login", controllers.HandleLogin)
	auth.Post("/logout", controllers.HandleLogout)

	billing := v1.Group("/billing")
	billing.Post("/checkout", controllers.HandleCreateCheckout)
	billing.Post("/portal", controllers.HandleBillingPortal)
	billing.Post("/cancel", controllers.HandleCancelSubscription)
	billing.Get("/subscription", middleware.RequireAPISessionAuth, controllers.HandleGetSubscription)

	user := v1.Group("/user", apiKeyOrSessionAuth())
	user.Get("/account", controllers.HandleGetUserAccount)
	user.Post("/api-key", controllers.HandleIssueAPIKey)
	user.Delete("/api-key", controllers.HandleRevokeAPIKey)
}

// apiKeyOrSessionAuth accepts either an API key header or a logged-in
// session for the same routes.
func apiKeyOrSessionAuth() fiber.Handler {
	apiKeyAuth := middleware.APIKeyAuthMiddleware()
	return func(c *fiber.Ctx) error {
		if strings.TrimSpace(c.Get("X-API-Key")) != "" || strings.TrimSpace(c.Get(fiber.HeaderAuthorization)) != "" {
			return apiKeyAuth(c)
		}
		return middleware.RequireAPISessionAuth(c)
	}
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
