// Package statusapi serves device state and operations to local clients
// over a Unix socket and, optionally, a token-protected TCP listener.
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
)

// Server is the local status API server.
type Server struct {
	cfg     Config
	handler *Handler
	logger  *slog.Logger
}

// NewServer creates a new Server. Config defaults are applied automatically.
// journal may be nil when journaling is disabled.
func NewServer(cfg Config, ctrl Controller, journal HistoryReader, logger *slog.Logger) *Server {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		handler: NewHandler(ctrl, journal, cfg.WatchPingInterval, logger),
		logger:  logger.With("component", "statusapi"),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully and removes
// the socket.
func (s *Server) Run(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	os.Remove(s.cfg.SocketPath)
	if dir := filepath.Dir(s.cfg.SocketPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("statusapi: create socket dir: %w", err)
		}
	}

	unixLn, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("statusapi: listen unix %s: %w", s.cfg.SocketPath, err)
	}
	if err := setSocketPermissions(s.cfg.SocketPath, s.cfg.SocketGroup, s.logger); err != nil {
		s.logger.Warn("failed to set socket permissions", "error", err)
	}

	baseCtx := func(net.Listener) context.Context { return ctx }
	unixServer := &http.Server{
		Handler:     s.handler.Router(controlAuth(s.cfg.ControlGroup, s.logger)),
		BaseContext: baseCtx,
		ConnContext: connContextWithPeerCred(s.logger),
	}

	var tcpServer *http.Server
	var tcpLn net.Listener
	if s.cfg.HTTPEnabled {
		token, err := readTokenFile(s.cfg.HTTPTokenFile)
		if err != nil {
			unixLn.Close()
			os.Remove(s.cfg.SocketPath)
			return fmt.Errorf("statusapi: read token file: %w", err)
		}
		tcpLn, err = net.Listen("tcp", s.cfg.HTTPListen)
		if err != nil {
			unixLn.Close()
			os.Remove(s.cfg.SocketPath)
			return fmt.Errorf("statusapi: listen tcp %s: %w", s.cfg.HTTPListen, err)
		}
		tcpServer = &http.Server{
			Handler:     BearerAuthMiddleware(token)(s.handler.Router(nil)),
			BaseContext: baseCtx,
		}
	}

	s.logger.Info("server started",
		"socket", s.cfg.SocketPath,
		"http_enabled", s.cfg.HTTPEnabled,
		"http_listen", s.cfg.HTTPListen,
	)

	var wg sync.WaitGroup
	serve := func(name string, srv *http.Server, ln net.Listener) {
		defer wg.Done()
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "listener", name, "error", err)
		}
	}
	wg.Add(1)
	go serve("unix", unixServer, unixLn)
	if tcpServer != nil {
		wg.Add(1)
		go serve("tcp", tcpServer, tcpLn)
	}

	<-ctx.Done()
	s.logger.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	unixServer.Shutdown(shutdownCtx)
	if tcpServer != nil {
		tcpServer.Shutdown(shutdownCtx)
	}
	os.Remove(s.cfg.SocketPath)
	wg.Wait()

	s.logger.Info("server stopped")
	return ctx.Err()
}
