package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/dcaos/internal/casework"
	"github.com/opensource-finance/dcaos/internal/domain"
	"github.com/opensource-finance/dcaos/internal/metrics"
	"github.com/opensource-finance/dcaos/internal/workload"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// Deps are the services the API exposes.
type Deps struct {
	Repository domain.Repository
	Cache      domain.Cache
	Cases      *casework.Service
	Workload   *workload.Service
	Metrics    *metrics.Metrics
	Version    string
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps.Repository, deps.Cache, deps.Cases, deps.Workload, deps.Version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(MetricsMiddleware(deps.Metrics))
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Health endpoints (no identity required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	// API routes (identity required)
	router.Group(func(r chi.Router) {
		r.Use(IdentityMiddleware(deps.Cases))

		r.Get("/me", handler.Me)
		r.Get("/dashboard", handler.Dashboard)

		r.Route("/cases", func(r chi.Router) {
			r.Get("/", handler.ListCases)
			r.Post("/", handler.CreateCase)
			r.Get("/{id}", handler.GetCase)
			r.Patch("/{id}/status", handler.ChangeStatus)
			r.Post("/{id}/assign", handler.AssignAgency)
			r.Post("/{id}/employee", handler.AssignEmployee)
			r.Post("/{id}/strategy", handler.GenerateStrategy)
			r.Get("/{id}/decisions", handler.ListDecisions)
		})

		r.Post("/allocations/run", handler.RunAllocation)

		r.Get("/agencies", handler.ListAgencies)
		r.Get("/agencies/{id}", handler.GetAgency)
		r.Get("/workload", handler.Workload)

		r.Get("/users", handler.ListUsers)
		r.Post("/users", handler.CreateUser)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
