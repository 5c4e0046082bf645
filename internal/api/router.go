// Package api provides the HTTP API layer for the entity resolution server.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"entitylink/internal/config"
	"entitylink/internal/logging"
	"entitylink/internal/resolution"
	"entitylink/internal/storage"
)

// Router wires the resolution session behind an HTTP surface.
type Router struct {
	config  *config.Config
	mux     *chi.Mux
	session *resolution.Session
	store   storage.RecordStore
	index   storage.SemanticIndex
	logger  logging.Logger
	version string
}

// NewRouter creates the API router with middleware and routes. index may be
// nil when the semantic backend is disabled; the health endpoint reports it
// as such.
func NewRouter(cfg *config.Config, session *resolution.Session, store storage.RecordStore, index storage.SemanticIndex, logger logging.Logger) *Router {
	r := &Router{
		config:  cfg,
		mux:     chi.NewRouter(),
		session: session,
		store:   store,
		index:   index,
		logger:  logger.WithComponent("api"),
		version: "1.0.0",
	}

	r.setupMiddleware()
	r.setupRoutes()

	return r
}

// Handler returns the HTTP handler.
func (r *Router) Handler() http.Handler {
	return r.mux
}

func (r *Router) setupMiddleware() {
	// Recovery middleware (should be first)
	r.mux.Use(chimiddleware.Recoverer)

	r.mux.Use(chimiddleware.Timeout(60 * time.Second))

	// Request size limit (1MB) - resolution payloads are small field maps
	r.mux.Use(chimiddleware.RequestSize(1 * 1024 * 1024))

	r.mux.Use(r.requestLogger())

	// Heartbeat for load balancer health checks
	r.mux.Use(chimiddleware.Heartbeat("/ping"))
}

func (r *Router) setupRoutes() {
	r.mux.Get("/healthz", r.handleHealth)

	r.mux.Route("/v1", func(v1 chi.Router) {
		v1.Post("/resolve", r.handleResolve)
		v1.Post("/resolve/choice", r.handleResolveChoice)
	})
}
