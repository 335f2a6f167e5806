package grpc

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
	"github.com/nemanja-m/lectern/internal/shared/config"
	"github.com/nemanja-m/lectern/internal/shared/logging"
	"github.com/nemanja-m/lectern/internal/shared/rpc"
)

type Server struct {
	addr       string
	grpcServer *grpc.Server
	logger     logging.Logger
}

func NewServer(
	cfg config.GRPCConfig,
	directory core.ServiceDirectory,
	jobs core.JobStore,
	logger logging.Logger,
) *Server {
	grpcServer := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             cfg.KeepaliveMinTime,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger)),
	)

	rpc.RegisterCoordinatorServer(
		grpcServer,
		NewCoordinatorService(
			cfg.HeartbeatInterval,
			directory,
			jobs,
			logger,
		),
	)

	if cfg.EnableReflection {
		reflection.Register(grpcServer)
	}

	return &Server{
		addr:       cfg.Addr,
		grpcServer: grpcServer,
		logger:     logger,
	}
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.logger.Info("Starting gRPC server", "addr", s.addr)
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

func loggingInterceptor(logger logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Warn("gRPC call failed", "method", info.FullMethod, "duration", time.Since(start), "error", err)
		} else {
			logger.Debug("gRPC call", "method", info.FullMethod, "duration", time.Since(start))
		}
		return resp, err
	}
}
