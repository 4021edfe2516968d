package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requestMetrics)

		if s.cfg.RateLimit.Enabled {
			r.Use(s.rateLimitMiddleware(s.cfg.RateLimit.RequestsPerMinute))
		}

		r.Get("/health", s.handleHealth)
		r.Get("/projects", s.handleProjects)

		r.Route("/projects/{project}", func(r chi.Router) {
			r.Get("/builds", s.handleBuilds)
			r.Get("/history/{level}", s.handleHistory)

			r.Route("/builds/{build}", func(r chi.Router) {
				r.Get("/detail", s.handleDetail)
				r.Get("/detail/{stream:stdout|stderr}", s.handleDetailOutput)

				r.Route("/nodes/{level}", func(r chi.Router) {
					r.Get("/", s.handleNode)
					r.Get("/children", s.handleChildren)
					r.Get("/tests", s.handleTests)
					r.Get("/metrics", s.handleNodeMetrics)
				})
			})
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}

	origins := s.cfg.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
