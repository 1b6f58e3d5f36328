// Package server wires the sync server's HTTP, websocket, SSE and gRPC
// health surfaces together and runs them until shutdown.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pdm-pw/pdm-sync-server/pkg/config"
	"github.com/pdm-pw/pdm-sync-server/pkg/control"
	"github.com/pdm-pw/pdm-sync-server/pkg/errors"
	"github.com/pdm-pw/pdm-sync-server/pkg/health"
	"github.com/pdm-pw/pdm-sync-server/pkg/logging"
	"github.com/pdm-pw/pdm-sync-server/pkg/metrics"
	"github.com/pdm-pw/pdm-sync-server/pkg/notification"
	"github.com/pdm-pw/pdm-sync-server/pkg/wsession"

	"google.golang.org/grpc"
)

const readHeaderTimeout = 10 * time.Second

type Server struct {
	config        *config.Config
	logger        logging.Logger
	health        *health.Checker
	metrics       *metrics.Metrics
	notifications *notification.Service
	websockets    *wsession.Handler
	router        http.Handler
}

func New(cfg *config.Config, logger logging.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("configuration cannot be nil", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := metrics.New()
	checker := health.NewChecker(cfg.Profile)

	notifications := notification.NewService(notification.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		ClientTimeout:     cfg.ClientTimeout,
		SweepInterval:     cfg.SweepInterval,
	}, m, logging.WithPrefix(logger, logging.ModulePrefix("notification")))

	var validator wsession.Validator
	if cfg.SessionValidation.Enabled() {
		validator = wsession.NewHTTPValidator(
			cfg.SessionValidation.BaseURL,
			cfg.SessionValidation.Path,
			cfg.SessionValidation.Timeout,
		)
	}
	websockets := wsession.NewHandler(wsession.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdleTimeout:       cfg.IdleTimeout,
		Validator:         validator,
	}, wsession.NewRegistry(cfg.MaxConnectionsPerUser), checker, m,
		logging.WithPrefix(logger, logging.ModulePrefix("websocket")))

	s := &Server{
		config:        cfg,
		logger:        logger,
		health:        checker,
		metrics:       m,
		notifications: notifications,
		websockets:    websockets,
	}
	s.router = s.routes()
	return s, nil
}

// Handler is the HTTP surface without the listener, used by tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on the configured address and serves until ctx is done
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return errors.NewNetworkError("failed to listen", err).WithContext("address", s.config.ListenAddress)
	}
	return s.Serve(ctx, listener)
}

// Serve runs on an existing listener. On ctx cancellation it stops the
// notification stream, drains HTTP within the shutdown timeout, closes the
// websocket sessions and reports NOT_SERVING over gRPC.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.notifications.Start(ctx)

	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errChan := make(chan error, 2)
	go func() {
		s.logger.Infof("Sync server listening, address: %s, profile: %s", listener.Addr(), s.config.Profile)
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- errors.NewNetworkError("HTTP server failed", err)
		}
	}()

	grpcServer, grpcHealth, err := s.startGRPCHealth(errChan)
	if err != nil {
		_ = httpServer.Close()
		s.notifications.Stop()
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Infof("Context done, shutting down sync server")
	case runErr = <-errChan:
		s.logger.Errorf("Sync server failed, shutting down, error: %v", runErr)
	}

	// probes see NOT_SERVING while connections drain
	if grpcHealth != nil {
		grpcHealth.SetNotServing()
	}

	s.notifications.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warnf("HTTP server did not drain within %v, closing, error: %v", s.config.ShutdownTimeout, err)
		_ = httpServer.Close()
	}

	s.websockets.CloseAll()

	if grpcHealth != nil {
		grpcHealth.Shutdown()
	}
	if grpcServer != nil {
		stopGRPC(grpcServer, shutdownCtx)
	}

	s.logger.Infof("Sync server stopped")
	return runErr
}

func (s *Server) startGRPCHealth(errChan chan<- error) (*grpc.Server, *control.HealthHandler, error) {
	if s.config.GRPCHealthAddress == "" {
		return nil, nil, nil
	}

	listener, err := net.Listen("tcp", s.config.GRPCHealthAddress)
	if err != nil {
		return nil, nil, errors.NewNetworkError("failed to listen for gRPC health", err).
			WithContext("address", s.config.GRPCHealthAddress)
	}

	grpcServer := grpc.NewServer()
	grpcHealth := control.RegisterGRPCHealthHandler(grpcServer, logging.WithPrefix(s.logger, logging.ModulePrefix("grpc-health")))

	go func() {
		s.logger.Infof("gRPC health service listening, address: %s", listener.Addr())
		if err := grpcServer.Serve(listener); err != nil {
			errChan <- errors.NewNetworkError("gRPC health server failed", err)
		}
	}()
	grpcHealth.SetServing()

	return grpcServer, grpcHealth, nil
}

// stopGRPC stops gracefully, or forcibly once ctx is done
func stopGRPC(grpcServer *grpc.Server, ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		grpcServer.Stop()
		<-stopped
	}
}
