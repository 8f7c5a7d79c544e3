package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/andrsolo/numgate/internal/config"
)

// Server hosts the public activation API. The single endpoint mirrors the
// handler_api.php protocol existing clients already speak.
type Server struct {
	cfg        config.HTTPConfig
	handler    *APIHandler
	logger     *slog.Logger
	httpServer *http.Server
	stopOnce   sync.Once
}

func NewServer(cfg config.HTTPConfig, handler *APIHandler, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, handler: handler, logger: logger}
}

// ListenAndServe starts the HTTP server and blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/stubs/handler_api.php", s.handler.Handle)

	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      r,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.logger.Info("HTTP server starting", "addr", s.cfg.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}
	})
	return err
}
