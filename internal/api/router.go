package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Auth endpoints (no auth required)
		r.Post("/auth/login", s.handleLogin)

		// Device callback endpoints. No JWT: the device authenticates
		// with its API token inside the payload. GET answers 200 so the
		// device's reachability probes succeed.
		r.Route("/callbacks", func(r chi.Router) {
			r.Post("/value", s.handleValueCallback)
			r.Get("/value", s.handleCallbackProbe)
			r.Post("/service", s.handleServiceCallback)
			r.Get("/service", s.handleCallbackProbe)
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// WS ticket requires authentication - user must be logged in
			// to request a ticket
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			// Function endpoints (the device's UI configuration)
			r.Route("/functions", func(r chi.Router) {
				r.Get("/", s.handleListFunctions)
				r.Get("/{uid}", s.handleGetFunction)
			})

			// Datapoint endpoints
			r.Route("/datapoints", func(r chi.Router) {
				r.Get("/values", s.handleListValues)

				r.Route("/{uid}", func(r chi.Router) {
					r.Get("/value", s.handleGetValue)
					r.Put("/value", s.handleSetValue)
					r.Get("/history", s.handleGetHistory)
				})
			})

			// Out-of-band refresh
			r.Post("/refresh", s.handleRefresh)

			// WebSocket (auth via ticket, validated in handler)
			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

// handleHealth returns the server health status and device availability.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": s.version,
	}
	if s.coordinator != nil {
		resp["device_available"] = s.coordinator.Available()
		resp["callbacks_enabled"] = s.coordinator.CallbacksEnabled()
		if err := s.coordinator.LastError(); err != nil {
			resp["last_error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
