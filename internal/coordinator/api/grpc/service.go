package grpc

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
	"github.com/nemanja-m/lectern/internal/coordinator/service"
	"github.com/nemanja-m/lectern/internal/shared/logging"
	"github.com/nemanja-m/lectern/internal/shared/rpc"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
)

// CoordinatorService is the coordinator side of the host protocol: hosts register
// their capabilities, send heartbeats and report job outcomes.
type CoordinatorService struct {
	heartbeatInterval time.Duration
	directory         core.ServiceDirectory
	jobs              core.JobStore

	logger logging.Logger
}

func NewCoordinatorService(
	heartbeatInterval time.Duration,
	directory core.ServiceDirectory,
	jobs core.JobStore,
	logger logging.Logger,
) *CoordinatorService {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &CoordinatorService{
		heartbeatInterval: heartbeatInterval,
		directory:         directory,
		jobs:              jobs,
		logger:            logger,
	}
}

// RegisterHost records the host and replaces its service registrations with the
// advertised capabilities.
func (s *CoordinatorService) RegisterHost(
	ctx context.Context,
	req *rpc.RegisterHostRequest,
) (*rpc.RegisterHostResponse, error) {
	s.logger.Debug("Received host registration",
		"host", req.Host,
		"address", req.Address,
		"capabilities", len(req.Capabilities),
	)

	err := s.directory.RegisterHost(ctx, &core.HostRegistration{
		Host:        req.Host,
		Address:     req.Address,
		MaxJobs:     req.MaxJobs,
		CPUCores:    req.CPUCores,
		MemoryBytes: req.MemoryBytes,
	})
	if errors.Is(err, core.ErrInvalidRegistration) {
		s.logger.Error("Invalid host registration", "host", req.Host, "error", err)
		return &rpc.RegisterHostResponse{Accepted: false, Message: err.Error()}, nil
	}
	if err != nil {
		s.logger.Error("Failed to register host", "host", req.Host, "error", err)
		return nil, toStatus(err)
	}

	advertised := make(map[string]bool, len(req.Capabilities))
	for _, capability := range req.Capabilities {
		reg, err := s.directory.Register(ctx, capability.Type, req.Host, capability.Path, capability.JobProducer)
		if errors.Is(err, core.ErrInvalidRegistration) {
			return &rpc.RegisterHostResponse{Accepted: false, Message: err.Error()}, nil
		}
		if err != nil {
			return nil, toStatus(err)
		}
		advertised[reg.Key()] = true
	}

	// Capabilities the host no longer offers are dropped.
	existing, err := s.directory.RegistrationsByHost(ctx, req.Host)
	if err != nil {
		return nil, toStatus(err)
	}
	for _, reg := range existing {
		if advertised[reg.Key()] {
			continue
		}
		if err := s.directory.Unregister(ctx, reg.ServiceType, reg.Host, reg.Path); err != nil {
			return nil, toStatus(err)
		}
	}

	s.logger.Info("Host registered successfully", "host", req.Host, "capabilities", len(req.Capabilities))
	return &rpc.RegisterHostResponse{
		Accepted:                 true,
		Message:                  "OK",
		HeartbeatIntervalSeconds: int(s.heartbeatInterval / time.Second),
	}, nil
}

func (s *CoordinatorService) Heartbeat(
	ctx context.Context,
	req *rpc.HeartbeatRequest,
) (*rpc.HeartbeatResponse, error) {
	if err := s.directory.Heartbeat(ctx, req.Host); err != nil {
		if errors.Is(err, core.ErrUnknownHost) {
			s.logger.Warn("Heartbeat from unknown host", "host", req.Host)
		} else {
			s.logger.Error("Failed to record heartbeat", "host", req.Host, "error", err)
		}
		return &rpc.HeartbeatResponse{Acknowledged: false}, nil
	}

	s.logger.Debug("Heartbeat received", "host", req.Host, "running_jobs", req.RunningJobs)
	return &rpc.HeartbeatResponse{Acknowledged: true}, nil
}

func (s *CoordinatorService) UnregisterHost(
	ctx context.Context,
	req *rpc.UnregisterHostRequest,
) (*rpc.Empty, error) {
	if req.Host == "" {
		return nil, status.Error(codes.InvalidArgument, "host is required")
	}
	if err := s.directory.UnregisterHost(ctx, req.Host); err != nil {
		return nil, toStatus(err)
	}
	return &rpc.Empty{}, nil
}

// ReportJob records the outcome of a job.
func (s *CoordinatorService) ReportJob(
	ctx context.Context,
	req *rpc.JobReport,
) (*rpc.Empty, error) {
	id, err := uuid.Parse(req.JobID)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid job id %q", req.JobID)
	}
	jobStatus, err := core.ParseJobStatus(req.Status)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	action, err := core.ParseAction(req.Action)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	job, err := service.CompleteJob(ctx, s.jobs, id, jobStatus, &core.JobResult{
		MediaPackage: req.MediaPackage,
		Action:       action,
		Properties:   req.Properties,
		Error:        req.Error,
	})
	if err != nil {
		s.logger.Error("Failed to record job report", "job_id", id, "error", err)
		return nil, toStatus(err)
	}

	s.logger.Info("Job reported", "job_id", id, "status", jobStatus, "action", action, "host", job.Host)
	return &rpc.Empty{}, nil
}
