package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// defaultWSPath is the WebSocket route under /api/v1 when none is configured.
const defaultWSPath = "/ws"

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		// Shadow operations through the session
		r.Route("/shadows/{thing}", func(r chi.Router) {
			r.Get("/", s.handleGetShadow)
			r.Patch("/", s.handleUpdateShadow)
			r.Delete("/", s.handleDeleteShadow)
			r.Get("/version", s.handleShadowVersion)
		})

		// Device agent
		if s.agent != nil {
			r.Route("/local", func(r chi.Router) {
				r.Get("/state", s.handleLocalState)
				r.Post("/report", s.handleLocalReport)
				r.Post("/sync", s.handleLocalSync)
				r.Get("/stats", s.handleLocalStats)
			})
		}

		wsPath := s.wsCfg.Path
		if wsPath == "" {
			wsPath = defaultWSPath
		}
		r.Get(wsPath, s.handleWebSocket)
	})

	return r
}
