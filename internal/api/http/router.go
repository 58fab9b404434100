package http

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk-service/internal/api/http/handlers"
	"github.com/spec-kit/helpdesk-service/internal/auth"
	"github.com/spec-kit/helpdesk-service/internal/ratelimit"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Users          *handlers.UsersHandler
	Tickets        *handlers.TicketsHandler
	Events         *handlers.EventsHandler
	AuthMiddleware *auth.AuthMiddleware
	Limiter        ratelimit.Limiter
	Logger         *zap.Logger
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	app.Get("/metrics", cfg.Health.Metrics)

	api := app.Group("/api", cfg.AuthMiddleware.Optional)
	if cfg.Limiter != nil {
		api.Use(RateLimit(cfg.Limiter, cfg.Logger))
	}

	authGroup := api.Group("/auth")
	authGroup.Post("/register", cfg.Users.Register)
	authGroup.Post("/login", cfg.Users.Login)
	authGroup.Post("/logout", cfg.Users.Logout)
	authGroup.Get("/me", cfg.AuthMiddleware.Handle, cfg.Users.Me)

	users := api.Group("/users", cfg.AuthMiddleware.Handle, auth.RequireStaff())
	users.Get("/agents", cfg.Users.ListAgents)

	tickets := api.Group("/tickets", cfg.AuthMiddleware.Handle)
	tickets.Post("/", cfg.Tickets.CreateTicket)
	tickets.Get("/", cfg.Tickets.ListTickets)
	tickets.Get("/:id", cfg.Tickets.GetTicket)
	tickets.Patch("/:id", cfg.Tickets.PatchTicket)
	tickets.Post("/:id/comments", cfg.Tickets.AddComment)

	api.Get("/events", cfg.AuthMiddleware.Handle, cfg.Events.Upgrade, cfg.Events.Stream())
}
