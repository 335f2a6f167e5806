package grpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
	"github.com/nemanja-m/lectern/internal/shared/logging"
	"github.com/nemanja-m/lectern/internal/shared/rpc"
)

// ProducerClient offers jobs to the job producer endpoints of hosts. Connections are
// opened lazily and reused per address.
type ProducerClient struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	opts  []grpc.DialOption

	logger logging.Logger
}

func NewProducerClient(logger logging.Logger, opts ...grpc.DialOption) *ProducerClient {
	defaults := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: false,
		}),
	}
	return &ProducerClient{
		conns:  make(map[string]*grpc.ClientConn),
		opts:   append(defaults, opts...),
		logger: logger,
	}
}

// AcceptJob runs the accept handshake. A refusal by the host, or a host that cannot be
// reached, is reported as core.ErrDispatchRejected. Deadlines and cancellation are
// returned as context errors so that a slow host is not mistaken for a refusing one.
func (c *ProducerClient) AcceptJob(ctx context.Context, target core.ProducerTarget, job *core.Job) error {
	conn, err := c.conn(target.Address)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrDispatchRejected, target.Host, err)
	}

	err = rpc.NewJobProducerClient(conn).AcceptJob(ctx, &rpc.AcceptJobRequest{
		JobID:     job.ID.String(),
		Type:      job.Type,
		Operation: job.Operation,
		Arguments: job.Arguments,
		Payload:   job.Payload,
	})
	switch status.Code(err) {
	case codes.OK:
		return nil
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.Canceled:
		return context.Canceled
	default:
		c.logger.Debug("Job refused", "job_id", job.ID, "host", target.Host, "error", err)
		return fmt.Errorf("%w: %s: %v", core.ErrDispatchRejected, target.Host, err)
	}
}

func (c *ProducerClient) conn(address string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[address]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(address, c.opts...)
	if err != nil {
		return nil, err
	}
	c.conns[address] = conn
	return conn, nil
}

func (c *ProducerClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for address, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, address)
	}
	return firstErr
}
