package core

import (
	"context"
	"time"

	"github.com/nemanja-m/lectern/internal/shared/rpc"
)

type CoordinatorClient interface {
	// RegisterHost returns the heartbeat interval requested by the coordinator.
	RegisterHost(ctx context.Context, req *rpc.RegisterHostRequest) (time.Duration, error)
	// Heartbeat reports false when the coordinator no longer knows the host.
	Heartbeat(ctx context.Context, host string, runningJobs int) (bool, error)
	UnregisterHost(ctx context.Context, host string) error
	ReportJob(ctx context.Context, report *rpc.JobReport) error
	Close() error
}

type WorkerService interface {
	Run(ctx context.Context) error
}

// OperationRequest is one job as seen by an operation handler.
type OperationRequest struct {
	JobID        string
	Capability   string
	Operation    string
	Arguments    []string
	MediaPackage string
	// Snapshot is set for jobs dispatched by a workflow.
	Snapshot *rpc.WorkflowSnapshot
}

// Configuration returns the effective operation configuration, or nil outside a workflow.
func (r *OperationRequest) Configuration() map[string]string {
	if r.Snapshot == nil {
		return nil
	}
	return r.Snapshot.Configuration
}

type OperationResult struct {
	// MediaPackage replaces the workflow media package when set.
	MediaPackage string
	Action       string
	Properties   map[string]string
}

// OperationHandler performs the work behind one capability. A returned error fails
// the job.
type OperationHandler interface {
	Handle(ctx context.Context, req *OperationRequest) (*OperationResult, error)
}

// JobAcceptor takes jobs offered by the coordinator. Accept returns once the job is
// running or refused; the outcome is reported separately.
type JobAcceptor interface {
	Accept(ctx context.Context, req *rpc.AcceptJobRequest) error
}
