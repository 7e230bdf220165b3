// Package api exposes the catalog, the valuation model and the verdict
// pipeline over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ServerConfig holds the listener settings
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  ServerConfig
}

// NewServer creates a new API server
func NewServer(cfg ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(RecoverMiddleware)
	router.Use(LoggingMiddleware)

	router.Get("/health", handler.Health)
	if deps.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	router.Route("/v1", func(r chi.Router) {
		r.Get("/catalog", handler.CatalogStats)
		r.Post("/assets", handler.IngestAsset)
		r.Post("/evaluate", handler.Evaluate)

		r.Get("/model", handler.GetModel)
		r.Post("/model/train", handler.TrainModel)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start listens until Shutdown is called
func (s *Server) Start() error {
	readTimeout := s.config.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := s.config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 60 * time.Second
	}

	s.server = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
	}

	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
