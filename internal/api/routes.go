package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
		r.With(s.authMiddleware).Get("/me", s.HandleMe)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Devices
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.HandleListDevices)
			r.Get("/{id}", s.HandleGetDevice)
		})

		// Timers
		r.Get("/timers", s.HandleListTimers)

		// Gateway
		r.Get("/gateway/status", s.HandleGatewayStatus)

		// Events
		r.Get("/events", s.HandleListEvents)
	})
}
