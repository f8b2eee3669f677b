// Package server assembles the HTTP router and runs the listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/stylestore/internal/metrics"
	"github.com/sirupsen/logrus"
)

type Server struct {
	router     *mux.Router
	httpServer *http.Server
	logger     *logrus.Logger
}

func New(port string, logger *logrus.Logger, m *metrics.Metrics) *Server {
	router := mux.NewRouter()
	router.Use(loggingMiddleware(logger, m))
	router.Use(recoveryMiddleware(logger))
	if m != nil {
		router.Handle("/metrics", m.Handler()).Methods("GET")
	}

	return &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         ":" + port,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Router is where components register their routes before ListenAndServe.
func (s *Server) Router() *mux.Router {
	return s.router
}

// ListenAndServe blocks until the server stops. A graceful Shutdown is not
// reported as an error.
func (s *Server) ListenAndServe() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting order service")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	s.logger.Info("Server gracefully stopped")
	return nil
}
