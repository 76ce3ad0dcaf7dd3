package router

import (
	"github.com/fairwaymentors/clubhouse/app/controllers"
	"github.com/fairwaymentors/clubhouse/app/repository"
	"github.com/fairwaymentors/clubhouse/internal/pkg/billing"
	"github.com/fairwaymentors/clubhouse/internal/pkg/database"
	"github.com/fairwaymentors/clubhouse/internal/pkg/middleware"
	"github.com/fairwaymentors/clubhouse/internal/pkg/session"

	"github.com/gofiber/fiber/v2"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// init session
	session.NewSessionStore()

	// Repositories are shared by the middleware and the controllers.
	repository.InitializeFactory(database.GetDB())

	// Apply UserContext middleware globally as first middleware
	app.Use(middleware.UserContextMiddleware)

	// Wire the billing service against the live store and the Stripe API.
	// The provider doubles as the webhook parser.
	provider := billing.NewStripeProviderFromEnv()
	svc := billing.NewServiceFromDB(database.GetDB(), provider)
	controllers.InitializeBillingController(svc, provider)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
