package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/nilmstack/nilm-engine/internal/config"
)

// Server serves the NILM engine over gRPC together with the standard health
// and reflection services.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	listener net.Listener
	grace    time.Duration
	logger   *slog.Logger
}

// NewServer binds cfg.Address. Unary calls are timed by go-grpc-prometheus
// and logged at debug level.
func NewServer(cfg config.ServerConfig, service NILMEngineServer, logger *slog.Logger, opts ...grpc.ServerOption) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "grpc"))

	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}

	grpc_prometheus.EnableHandlingTimeHistogram()
	grpcServer := grpc.NewServer(append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor, accessLog(logger)),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}, opts...)...)

	RegisterNILMEngineServer(grpcServer, service)
	grpc_prometheus.Register(grpcServer)

	healthSrv := health.NewServer()
	for _, name := range []string{"", ServiceName} {
		healthSrv.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	reflection.Register(grpcServer)

	return &Server{
		grpc:     grpcServer,
		health:   healthSrv,
		listener: lis,
		grace:    cfg.GracefulTimeout,
		logger:   logger,
	}, nil
}

// Run serves until ctx is cancelled, then drains in-flight calls for up to
// the graceful timeout before closing remaining connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gRPC server listening", slog.String("address", s.Address()))
		errCh <- s.grpc.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.health.Shutdown()
	drained := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(drained)
	}()

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		s.logger.Warn("graceful stop timed out, closing connections")
		s.grpc.Stop()
		<-drained
	}
	return nil
}

// Address is the bound listener address.
func (s *Server) Address() string {
	return s.listener.Addr().String()
}

func accessLog(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("unary call",
			slog.String("method", info.FullMethod),
			slog.String("code", status.Code(err).String()),
			slog.Duration("elapsed", time.Since(start)),
		)
		return resp, err
	}
}
