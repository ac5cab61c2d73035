package handlers

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/nijaru/scribe/config"
	"github.com/nijaru/scribe/middleware"
)

type Server struct {
	config config.LiveConfig
	logger *logrus.Logger
	server *http.Server
}

func NewServer(cfg config.LiveConfig, h *Handler) *Server {
	s := &Server{config: cfg, logger: logrus.StandardLogger()}
	s.server = &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      s.routes(h),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) routes(h *Handler) http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)

	limiter := middleware.NewRateLimiter(s.config.RateLimit, s.config.RateLimitInterval)
	return middleware.Chain(mux,
		middleware.Recovery(s.logger),
		middleware.RequestID(),
		middleware.Logging(s.logger),
		limiter.Middleware,
	)
}

// Start blocks until the server stops. A graceful shutdown returns nil.
func (s *Server) Start() error {
	s.logger.WithField("port", s.config.ServerPort).Info("Starting server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	return s.server.Shutdown(ctx)
}
