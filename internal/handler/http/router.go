package http

import (
	"log/slog"

	"github.com/cmlabs-hris/presence-sync/internal/handler/http/middleware"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/jwt"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v3"
	"github.com/go-chi/jwtauth/v5"
)

type RouterConfig struct {
	AllowedOrigins []string
	Employees      []string
}

// NewRouter builds the local API the UI shell talks to.
func NewRouter(cfg RouterConfig, logger *slog.Logger, JWTService jwt.Service, presenceHandler PresenceHandler, eventHandler EventHandler, authHandler AuthHandler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		MaxAge:           300,
	}))

	r.Use(httplog.RequestLogger(logger, &httplog.Options{
		Level:  slog.LevelDebug,
		Schema: httplog.SchemaECS,
	}))

	r.Use(chiMiddleware.AllowContentEncoding("application/json"))
	r.Use(chiMiddleware.CleanPath)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/"))

	r.Route("/api/v1", func(r chi.Router) {
		// Authenticated by a query token
		r.Get("/events", eventHandler.Stream)

		// Requires authentication
		r.Group(func(r chi.Router) {
			r.Use(jwtauth.Verifier(JWTService.JWTAuth()))
			r.Use(middleware.AuthRequired(JWTService))

			r.Post("/auth/logout", authHandler.Logout)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireKnownEmployee(cfg.Employees))

				r.Route("/presence", func(r chi.Router) {
					r.Get("/", presenceHandler.GetCurrent)
					r.Get("/today", presenceHandler.GetToday)
					r.Post("/refresh", presenceHandler.Refresh)
					r.Post("/clock-in", presenceHandler.ClockIn)
					r.Post("/clock-out", presenceHandler.ClockOut)
					r.Post("/breaks/start", presenceHandler.StartBreak)
					r.Post("/breaks/end", presenceHandler.EndBreak)
				})

				r.Post("/events/token", eventHandler.GetStreamToken)
				r.Post("/sync", presenceHandler.Sync)
				r.Get("/diagnostics", presenceHandler.Diagnostics)
				r.Put("/visibility", presenceHandler.SetVisibility)
			})
		})
	})
	return r
}
