// Package api hosts the quantdesk HTTP and gRPC endpoints in one process.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"

	"quantdesk/internal/config"
	"quantdesk/internal/service"
)

// shutdownTimeout bounds graceful shutdown of both listeners.
const shutdownTimeout = 5 * time.Second

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	httpAddr string
	grpcAddr string
	log      *slog.Logger

	httpServer *http.Server
	grpcServer *grpc.Server
}

// NewServer creates a Server listening on the addresses in cfg. handler
// serves HTTP; the gRPC server exposes svc as quantdesk.Backtest.
func NewServer(cfg config.Server, handler http.Handler, svc *service.Service, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	gs := grpc.NewServer()
	NewBacktestService(svc).RegisterGRPC(gs)

	httpAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		httpAddr:   httpAddr,
		grpcAddr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.GRPCPort),
		log:        log.With("component", "api"),
		httpServer: &http.Server{Addr: httpAddr, Handler: handler, ReadHeaderTimeout: 10 * time.Second},
		grpcServer: gs,
	}
}

// GRPC exposes the gRPC server for additional registrations.
func (s *Server) GRPC() *grpc.Server { return s.grpcServer }

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a listener fails. Both servers are shut down
// gracefully before it returns.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpAddr, err)
	}
	grpcLis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		httpLis.Close()
		return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
	}
	return s.Serve(ctx, httpLis, grpcLis)
}

// Serve is ListenAndServe over existing listeners.
func (s *Server) Serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	errCh := make(chan error, 2)
	go func() {
		s.log.Info("HTTP server listening", "addr", httpLis.Addr().String())
		if err := s.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		s.log.Info("gRPC server listening", "addr", grpcLis.Addr().String())
		if err := s.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		s.log.Info("shutting down API server")
	case serveErr = <-errCh:
		s.log.Error("API server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Shutdown performs a graceful shutdown of the HTTP and gRPC servers. gRPC
// calls still running when ctx expires are cut off.
func (s *Server) Shutdown(ctx context.Context) error {
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	err := s.httpServer.Shutdown(ctx)
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-stopped
	}
	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
