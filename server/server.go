// Package server is the HTTP transport over the registry: seven verbs
// mapped 1:1 onto registry operations.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/chrysalis/registry"
)

// Config holds the server's dependencies and settings.
type Config struct {
	Registry *registry.Registry
	Listen   string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the chrysalis HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
}

// New creates a Server with all routes configured.
func New(cfg Config) *Server {
	h := &handlers{reg: cfg.Registry}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", h.register)
	mux.HandleFunc("POST /run/{name}", h.run)
	mux.HandleFunc("POST /connect/{name}", h.connect)
	mux.HandleFunc("POST /stop/{name}", h.stop)
	mux.HandleFunc("GET /status/{name}", h.status)
	mux.HandleFunc("DELETE /unregister/{name}", h.unregister)
	mux.HandleFunc("GET /list", h.list)

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		// Mutating requests block on the driver; give them room.
		cfg.WriteTimeout = 5 * time.Minute
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Listen,
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: mux,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	logger := log.WithFunc("server.Serve")
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()
	logger.Infof(ctx, "listening on %s", s.httpServer.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
