package routes

import (
	"log/slog"

	"github.com/BradenHooton/authgate/internal/auth"
	"github.com/BradenHooton/authgate/internal/handlers"
	"github.com/BradenHooton/authgate/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	authHandler *handlers.AuthHandler,
	authenticator auth.SessionAuthenticator,
	cookies auth.CookieConfig,
	rateLimitConfig middleware.RateLimitConfig,
	logger *slog.Logger,
) {
	router.Route("/auth", func(r chi.Router) {
		r.Use(middleware.RequireJSON(logger))

		// Public routes; credential endpoints sit behind the per-IP request limit
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimitByIP(rateLimitConfig))
			r.Post("/login", authHandler.Login)
			r.Post("/register", authHandler.Register)
		})
		r.Post("/logout", authHandler.Logout)

		// Session required
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireSession(authenticator, cookies, logger))
			r.Get("/me", authHandler.Me)
			r.Get("/sessions", authHandler.Sessions)
			r.Post("/logout-all", authHandler.LogoutAll)
		})
	})
}
