package grpc

import (
	"context"
	"errors"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nemanja-m/lectern/internal/shared/logging"
	"github.com/nemanja-m/lectern/internal/shared/rpc"
	"github.com/nemanja-m/lectern/internal/worker/core"
)

// ProducerService answers job offers from the coordinator. Any error status is a
// refusal.
type ProducerService struct {
	acceptor core.JobAcceptor
}

func NewProducerService(acceptor core.JobAcceptor) *ProducerService {
	return &ProducerService{acceptor: acceptor}
}

func (s *ProducerService) AcceptJob(ctx context.Context, req *rpc.AcceptJobRequest) (*rpc.Empty, error) {
	if err := s.acceptor.Accept(ctx, req); err != nil {
		return nil, toStatus(err)
	}
	return &rpc.Empty{}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, core.ErrAtCapacity):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, core.ErrUnknownCapability), errors.Is(err, core.ErrInvalidJob):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, core.ErrShuttingDown):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

type Server struct {
	addr       string
	grpcServer *grpc.Server
	logger     logging.Logger
}

func NewServer(addr string, acceptor core.JobAcceptor, logger logging.Logger) *Server {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	rpc.RegisterJobProducerServer(grpcServer, NewProducerService(acceptor))

	return &Server{
		addr:       addr,
		grpcServer: grpcServer,
		logger:     logger,
	}
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.logger.Info("Starting job producer server", "addr", s.addr)
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
			logger.Debug("Job offer refused", "method", info.FullMethod, "duration", time.Since(start), "error", err)
		}
		return resp, err
	}
}
