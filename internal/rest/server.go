package rest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/KilimcininKorOglu/dirmgr/internal/config"
	"github.com/KilimcininKorOglu/dirmgr/internal/logging"
	"github.com/KilimcininKorOglu/dirmgr/internal/server"
)

// ServerConfig holds REST server configuration.
type ServerConfig struct {
	Address      string
	JWTSecret    string
	TokenTTL     time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	RateLimit    int
	Metrics      bool
}

// DefaultServerConfig returns default configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:      "127.0.0.1:8089",
		TokenTTL:     12 * time.Hour,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		RateLimit:    100,
		Metrics:      true,
	}
}

// ConfigFrom derives the REST configuration from the server section.
func ConfigFrom(c config.ServerConfig) *ServerConfig {
	cfg := DefaultServerConfig()
	cfg.Address = c.AdminAddress
	cfg.JWTSecret = c.JWTSecret
	cfg.Metrics = c.Metrics
	cfg.RateLimit = c.RateLimit
	if c.TokenTTL > 0 {
		cfg.TokenTTL = c.TokenTTL
	}
	if c.ReadTimeout > 0 {
		cfg.ReadTimeout = c.ReadTimeout
	}
	if c.WriteTimeout > 0 {
		cfg.WriteTimeout = c.WriteTimeout
	}
	return cfg
}

// Server is the admin REST API server.
type Server struct {
	config   *ServerConfig
	logger   logging.Logger
	auth     *Authenticator
	handlers *Handlers
	handler  http.Handler
	server   *http.Server
	addr     net.Addr
}

// NewServer creates a new REST server for srv. cm may be nil, which
// disables the config endpoints.
func NewServer(cfg *ServerConfig, srv *server.Server, cm *config.ConfigManager, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	auth := NewAuthenticator(srv.Sessions(), cfg.JWTSecret, cfg.TokenTTL)
	handlers := NewHandlers(srv, auth, logger)
	handlers.SetConfigManager(cm)

	return &Server{
		config:   cfg,
		logger:   logger.WithSource("rest"),
		auth:     auth,
		handlers: handlers,
		handler: NewRouter(handlers, auth, RouterOptions{
			Metrics:   cfg.Metrics,
			RateLimit: cfg.RateLimit,
		}),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Authenticator returns the token authenticator.
func (s *Server) Authenticator() *Authenticator {
	return s.auth
}

// Start starts the REST server.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.addr = listener.Addr()

	s.server = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("REST server started", "address", s.addr.String())

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the listen address once started.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Stop gracefully stops the REST server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return err
		}
	}

	s.logger.Info("REST server stopped")
	return nil
}
