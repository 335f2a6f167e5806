package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/nemanja-m/lectern/internal/shared/config"
	"github.com/nemanja-m/lectern/internal/shared/rpc"
	"github.com/nemanja-m/lectern/internal/worker/core"
)

type CoordinatorClient struct {
	conn   *grpc.ClientConn
	client *rpc.CoordinatorClient

	coordinatorAddr string
}

var _ core.CoordinatorClient = (*CoordinatorClient)(nil)

func NewCoordinatorClient(coordinatorAddr string, cfg config.WorkerGRPCConfig, opts ...grpc.DialOption) (*CoordinatorClient, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(
			keepalive.ClientParameters{
				Time:                cfg.KeepaliveTime,
				Timeout:             cfg.KeepaliveTimeout,
				PermitWithoutStream: true,
			},
		),
	}, opts...)

	conn, err := grpc.NewClient(coordinatorAddr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to coordinator: %w", err)
	}

	return &CoordinatorClient{
		conn:            conn,
		client:          rpc.NewCoordinatorClient(conn),
		coordinatorAddr: coordinatorAddr,
	}, nil
}

func (c *CoordinatorClient) RegisterHost(ctx context.Context, req *rpc.RegisterHostRequest) (time.Duration, error) {
	resp, err := c.client.RegisterHost(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("failed to register host: %w", err)
	}
	if !resp.Accepted {
		return 0, fmt.Errorf("%w: %s", core.ErrRegistrationRejected, resp.Message)
	}
	return time.Duration(resp.HeartbeatIntervalSeconds) * time.Second, nil
}

func (c *CoordinatorClient) Heartbeat(ctx context.Context, host string, runningJobs int) (bool, error) {
	resp, err := c.client.Heartbeat(ctx, &rpc.HeartbeatRequest{Host: host, RunningJobs: runningJobs})
	if err != nil {
		return false, fmt.Errorf("failed to send heartbeat: %w", err)
	}
	return resp.Acknowledged, nil
}

func (c *CoordinatorClient) UnregisterHost(ctx context.Context, host string) error {
	if err := c.client.UnregisterHost(ctx, &rpc.UnregisterHostRequest{Host: host}); err != nil {
		return fmt.Errorf("failed to unregister host: %w", err)
	}
	return nil
}

// ReportJob wraps ErrReportRejected around answers that a retry cannot change.
func (c *CoordinatorClient) ReportJob(ctx context.Context, report *rpc.JobReport) error {
	err := c.client.ReportJob(ctx, report)
	switch status.Code(err) {
	case codes.OK:
		return nil
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition:
		return errors.Join(core.ErrReportRejected, err)
	default:
		return fmt.Errorf("failed to report job %s: %w", report.JobID, err)
	}
}

func (c *CoordinatorClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
