// Package grpchealth exposes the standard grpc.health.v1 service so
// orchestrators can check the relay without going through HTTP.
package grpchealth

import (
	"errors"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/bird-detector/internal/logging"
)

// ServiceName is the health service name reported for the relay.
const ServiceName = "birddetector.CustomVision"

// Server wraps a gRPC server that only hosts the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// NewServer creates a health server with every service NOT_SERVING.
func NewServer(logger *zap.Logger) *Server {
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		logger: logger.Named("grpchealth"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetServing(false)
	return s
}

// SetServing flips both the overall and the relay service status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve blocks until the listener fails or Stop is called.
func (s *Server) Serve(listener net.Listener) error {
	s.logger.Info("gRPC health service listening", zap.String("addr", listener.Addr().String()))
	if err := s.grpc.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return logging.NewOperationError("grpchealth.serve", "", err)
	}
	return nil
}

// Stop marks the service NOT_SERVING and drains in-flight health checks.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
