package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ServiceDirectory tracks which hosts can perform which capability and how busy they are.
type ServiceDirectory interface {
	Register(ctx context.Context, capability, host, path string, jobProducer bool) (*ServiceRegistration, error)
	Unregister(ctx context.Context, capability, host, path string) error
	SetMaintenance(ctx context.Context, capability, host string, inMaintenance bool) error
	ListEligible(ctx context.Context, capability string) ([]*ServiceRegistration, error)
	LoadStatistics(ctx context.Context) (map[string]HostLoad, error)

	Registration(ctx context.Context, capability, host, path string) (*ServiceRegistration, error)
	Registrations(ctx context.Context) ([]*ServiceRegistration, error)
	RegistrationsByType(ctx context.Context, capability string) ([]*ServiceRegistration, error)
	RegistrationsByHost(ctx context.Context, host string) ([]*ServiceRegistration, error)
	ServiceStatistics(ctx context.Context) ([]*ServiceStatistics, error)

	RegisterHost(ctx context.Context, host *HostRegistration) error
	UnregisterHost(ctx context.Context, host string) error
	Heartbeat(ctx context.Context, host string) error
	Host(ctx context.Context, host string) (*HostRegistration, error)
	Hosts(ctx context.Context) ([]*HostRegistration, error)
	StaleHosts(ctx context.Context, timeout time.Duration) ([]*HostRegistration, error)
}

// JobStore is the durable record of jobs. UpdateJob replaces the whole record;
// callers read, modify and write back.
type JobStore interface {
	CreateJob(ctx context.Context, spec JobSpec) (*Job, error)
	UpdateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, int, error)
	CountJobs(ctx context.Context, jobType string, status JobStatus) (int, error)
	CountJobsOnHost(ctx context.Context, jobType string, status JobStatus, host string) (int, error)
	HostLoads(ctx context.Context) (map[string]HostLoad, error)

	// OnCompletion registers fn to run once after job id reaches FINISHED or FAILED.
	OnCompletion(id uuid.UUID, fn func(job *Job))
}

// Dispatcher binds jobs to hosts through the accept handshake.
type Dispatcher interface {
	Dispatch(ctx context.Context, capability, operation string, arguments []string) (*Job, error)
	// DispatchJob dispatches an existing queued job and fails it when no host takes it.
	DispatchJob(ctx context.Context, job *Job) error
	// DispatchQueued dispatches an existing queued job and leaves it queued when no
	// host is eligible.
	DispatchQueued(ctx context.Context, job *Job) error
}

// ProducerTarget identifies the job producer endpoint of one registration.
type ProducerTarget struct {
	Host    string
	Address string
	Path    string
}

// JobProducer is the remote accept endpoint exposed by capability hosts.
// A returned error is a refusal of the job.
type JobProducer interface {
	AcceptJob(ctx context.Context, target ProducerTarget, job *Job) error
}
