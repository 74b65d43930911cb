package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(handleNotFound)
	r.MethodNotAllowed(handleMethodNotAllowed)

	// Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		// Set before the nested routes so Mount hands them down.
		r.NotFound(handleNotFound)
		r.MethodNotAllowed(handleMethodNotAllowed)

		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Get("/{id}", s.handleGetDevice)
		})

		r.Route("/mappings", func(r chi.Router) {
			r.Get("/", s.handleListMappings)
			r.Get("/{address}", s.handleGetMapping)
		})

		r.Get("/events", s.handleListEvents)

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the segment and server health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if !s.segment.Live() {
		status = "degraded"
	}
	resp := map[string]any{
		"status":      status,
		"version":     s.version,
		"interface":   s.iface,
		"operational": s.segment.Operational(),
		"fresh":       s.segment.Fresh(),
	}
	if s.mqtt != nil {
		resp["mqtt_connected"] = s.mqtt.IsConnected()
	}
	writeJSON(w, http.StatusOK, resp)
}
