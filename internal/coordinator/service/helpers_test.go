package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
	"github.com/nemanja-m/lectern/internal/coordinator/storage"
	"github.com/nemanja-m/lectern/internal/shared/logging"
)

type testEnv struct {
	backend   *storage.InMemoryBackend
	jobs      core.JobStore
	directory core.ServiceDirectory
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvFrom(t, storage.NewInMemoryBackend())
}

// newTestEnvFrom builds the services over an existing backend, as a restart would.
func newTestEnvFrom(t *testing.T, backend *storage.InMemoryBackend) *testEnv {
	t.Helper()
	jobs := NewJobStore(backend, logging.Discard())
	directory, err := NewServiceDirectory(context.Background(), backend, jobs, logging.Discard())
	require.NoError(t, err)
	return &testEnv{backend: backend, jobs: jobs, directory: directory}
}

func (e *testEnv) register(t *testing.T, capability, host string) {
	t.Helper()
	_, err := e.directory.Register(context.Background(), capability, host, "/"+capability, true)
	require.NoError(t, err)
}

// putJob stores a job of jobType on host in the given status.
func (e *testEnv) putJob(t *testing.T, jobType, host string, status core.JobStatus) *core.Job {
	t.Helper()
	ctx := context.Background()
	job, err := e.jobs.CreateJob(ctx, core.JobSpec{Type: jobType, Operation: "test"})
	require.NoError(t, err)
	job.Host = host
	job.Status = status
	require.NoError(t, e.jobs.UpdateJob(ctx, job))
	return job
}

func (e *testEnv) dispatcher(producer core.JobProducer, handshake time.Duration) *JobDispatcher {
	return NewDispatcher(e.directory, e.jobs, producer, DispatcherConfig{
		HandshakeTimeout:  handshake,
		AcceptCallTimeout: 5 * time.Second,
	}, logging.Discard())
}

func (e *testEnv) job(t *testing.T, job *core.Job) *core.Job {
	t.Helper()
	stored, err := e.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	return stored
}

type acceptFunc func(ctx context.Context, job *core.Job) error

// fakeProducer answers accept calls per host. Hosts without a behaviour accept.
type fakeProducer struct {
	mu        sync.Mutex
	behaviour map[string]acceptFunc
	targets   []core.ProducerTarget
	offered   []*core.Job
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{behaviour: make(map[string]acceptFunc)}
}

func (p *fakeProducer) on(host string, fn acceptFunc) *fakeProducer {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.behaviour[host] = fn
	return p
}

func (p *fakeProducer) AcceptJob(ctx context.Context, target core.ProducerTarget, job *core.Job) error {
	p.mu.Lock()
	p.targets = append(p.targets, target)
	p.offered = append(p.offered, job)
	fn := p.behaviour[target.Host]
	p.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(ctx, job)
}

func (p *fakeProducer) hosts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	hosts := make([]string, len(p.targets))
	for i, target := range p.targets {
		hosts[i] = target.Host
	}
	return hosts
}

func (p *fakeProducer) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.targets)
}

func reject(ctx context.Context, job *core.Job) error {
	return fmt.Errorf("%w: busy", core.ErrDispatchRejected)
}

// blockUntil returns an accept behaviour that answers with err once release is closed.
func blockUntil(release <-chan struct{}, err error) acceptFunc {
	return func(ctx context.Context, job *core.Job) error {
		select {
		case <-release:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func registrationHosts(regs []*core.ServiceRegistration) []string {
	hosts := make([]string, 0, len(regs))
	for _, r := range regs {
		hosts = append(hosts, r.Host)
	}
	return hosts
}

func containsHost(hosts []*core.HostRegistration, name string) bool {
	return slices.ContainsFunc(hosts, func(h *core.HostRegistration) bool { return h.Host == name })
}
