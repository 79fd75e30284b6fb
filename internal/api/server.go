package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Config sets the admin listener endpoint.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DefaultConfig listens on localhost with an ephemeral port.
func DefaultConfig() Config {
	return Config{Host: "127.0.0.1", Port: 0}
}

// Server runs the admin HTTP endpoint for one daemon.
type Server struct {
	cfg        Config
	dispatcher *Dispatcher
	server     *http.Server
	listener   net.Listener
	logger     *slog.Logger
}

// NewServer creates an admin server around the dispatcher.
func NewServer(cfg Config, dispatcher *Dispatcher, logger *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		server: &http.Server{
			Handler:      dispatcher,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
			ConnState: func(c net.Conn, state http.ConnState) {
				switch state {
				case http.StateNew:
					dispatcher.openConnections.Inc()
				case http.StateClosed, http.StateHijacked:
					dispatcher.closeConnections.Inc()
				}
			},
		},
		logger: logger.With("component", "admin-server"),
	}
}

// Start binds the listener and serves until Stop. Blocking: run it on
// its own goroutine.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.dispatcher.acceptErrors.Inc()
		return fmt.Errorf("admin listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.logger.Info("admin server listening", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Addr returns the bound address, for tests using an ephemeral port.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping admin server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
