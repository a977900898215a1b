package ops

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// UpstreamService is the health service name that tracks the upstream socket.
const UpstreamService = "marketgate.upstream"

// Server exposes the gRPC health service on a Unix domain socket and
// Prometheus metrics over HTTP.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string

	metrics *http.Server
	log     *zap.Logger
}

// New binds the health service to socketPath. metricsAddr may be empty to
// skip the HTTP listener.
func New(socketPath, metricsAddr string, log *zap.Logger) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("ops: create socket directory: %w", err)
	}

	// A previous run may have left its socket behind.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("ops: remove stale socket: %w", err)
	}

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ops: listen on unix socket %s: %w", socketPath, err)
	}

	if err := os.Chmod(socketPath, 0o600); err != nil {
		lis.Close()
		return nil, fmt.Errorf("ops: chmod socket: %w", err)
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(UpstreamService, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{
		grpcServer: gs,
		health:     hs,
		listener:   lis,
		socketPath: socketPath,
		log:        log.Named("ops"),
	}
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metrics = &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return s, nil
}

// Health returns the health server so a Monitor can update it.
func (s *Server) Health() *health.Server {
	return s.health
}

// Serve blocks until the gRPC server stops. The metrics listener runs
// alongside it.
func (s *Server) Serve() error {
	if s.metrics != nil {
		go func() {
			if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}
	return s.grpcServer.Serve(s.listener)
}

// GracefulStop marks every service NOT_SERVING, drains in-flight RPCs and
// removes the socket file.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.metrics.Shutdown(ctx)
		cancel()
	}
	s.grpcServer.GracefulStop()
	s.listener.Close()
	os.Remove(s.socketPath)
}
