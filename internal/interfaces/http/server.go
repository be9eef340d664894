package http

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/internal/interfaces/http/middleware"
	"github.com/turtacn/mixprop/pkg/errors"
)

type ServerConfig struct {
	Addr            string                     `mapstructure:"addr"`
	ReadTimeout     time.Duration              `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration              `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration              `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration              `mapstructure:"shutdown_timeout"`
	RateLimit       middleware.RateLimitConfig `mapstructure:"rate_limit"`
	EnableRateLimit bool                       `mapstructure:"enable_rate_limit"`
}

// ApplyDefaults fills unset fields.
func (c *ServerConfig) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = time.Minute
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	d := middleware.DefaultRateLimitConfig()
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = d.RequestsPerSecond
	}
	if c.RateLimit.BurstSize == 0 {
		c.RateLimit.BurstSize = d.BurstSize
	}
	if c.RateLimit.CleanupInterval == 0 {
		c.RateLimit.CleanupInterval = d.CleanupInterval
	}
}

type Server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
	logger          logging.Logger
}

func NewServer(cfg ServerConfig, handler http.Handler, logger logging.Logger) *Server {
	cfg.ApplyDefaults()
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logging.OrNop(logger),
	}
}

// Serve accepts connections on ln until Stop. A clean shutdown returns nil.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("http server listening", logging.String("addr", ln.Addr().String()))
	if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, errors.ErrCodeServiceUnavailable, "http server failed")
	}
	return nil
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeServiceUnavailable, "http listen failed").WithDetail(s.srv.Addr)
	}
	return s.Serve(ln)
}

// Stop drains in-flight requests for at most the shutdown timeout.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return errors.Wrap(err, errors.ErrCodeTimeout, "http server shutdown failed")
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}
