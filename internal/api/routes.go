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
		r.Post("/refresh", s.HandleRefresh)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/me", s.HandleGetCurrentUser)
		r.Get("/stats", s.HandleStats)

		// Devices
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.HandleListDevices)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.HandleGetDevice)
				r.Get("/state", s.HandleGetDeviceState)
			})
		})

		// Decoders
		r.Route("/decoders", func(r chi.Router) {
			r.Get("/", s.HandleListDecoders)
			r.Get("/{address}", s.HandleGetDecoder)
		})

		r.Get("/signals", s.HandleListSignals)

		// Events
		r.Get("/events", s.HandleListEvents)
		r.Get("/events/live", s.HandleLiveEvents)
	})
}
