package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
	"github.com/nemanja-m/lectern/internal/coordinator/storage"
	"github.com/nemanja-m/lectern/internal/shared/logging"
)

// seedHost stores a host whose last heartbeat is age old.
func seedHost(t *testing.T, backend core.Persistence, name string, age time.Duration) {
	t.Helper()
	hosts := storage.NewCollection[core.HostRegistration](backend, storage.KindHost)
	seen := time.Now().Add(-age).UTC()
	require.NoError(t, hosts.Save(context.Background(), name, &core.HostRegistration{
		Host:            name,
		RegisteredAt:    seen,
		LastHeartbeatAt: seen,
	}))
}

func TestHostHealthChecker_RemovesStaleHosts(t *testing.T) {
	backend := storage.NewInMemoryBackend()
	seedHost(t, backend, "stale", time.Hour)
	seedHost(t, backend, "fresh", 0)
	env := newTestEnvFrom(t, backend)
	env.register(t, "encode", "stale")
	env.register(t, "encode", "fresh")

	running := env.putJob(t, "encode", "stale", core.JobStatusRunning)
	dispatching := env.putJob(t, "encode", "stale", core.JobStatusDispatching)
	finished := env.putJob(t, "encode", "stale", core.JobStatusFinished)
	other := env.putJob(t, "encode", "fresh", core.JobStatusRunning)

	checker := NewHostHealthChecker(time.Minute, 30*time.Second, env.directory, env.jobs, logging.Discard())
	checker.removeStaleHosts(context.Background())

	hosts, err := env.directory.Hosts(context.Background())
	require.NoError(t, err)
	assert.False(t, containsHost(hosts, "stale"))
	assert.True(t, containsHost(hosts, "fresh"))

	regs, err := env.directory.RegistrationsByHost(context.Background(), "stale")
	require.NoError(t, err)
	assert.Empty(t, regs)

	failed := env.job(t, running)
	assert.Equal(t, core.JobStatusFailed, failed.Status)
	require.NotNil(t, failed.Result)
	assert.Contains(t, failed.Result.Error, "heartbeats")
	assert.Equal(t, core.JobStatusFailed, env.job(t, dispatching).Status)
	assert.Equal(t, core.JobStatusFinished, env.job(t, finished).Status)
	assert.Equal(t, core.JobStatusRunning, env.job(t, other).Status)
}

func TestHostHealthChecker_NothingStale(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.directory.RegisterHost(context.Background(), &core.HostRegistration{Host: "hostA"}))

	checker := NewHostHealthChecker(time.Minute, time.Minute, env.directory, env.jobs, logging.Discard())
	checker.removeStaleHosts(context.Background())

	_, err := env.directory.Host(context.Background(), "hostA")
	assert.NoError(t, err)
}

func TestHostHealthChecker_StartStopsOnCancel(t *testing.T) {
	backend := storage.NewInMemoryBackend()
	seedHost(t, backend, "stale", time.Hour)
	env := newTestEnvFrom(t, backend)

	checker := NewHostHealthChecker(5*time.Millisecond, time.Minute, env.directory, env.jobs, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := env.directory.Host(context.Background(), "stale")
		return core.IsNotFound(err)
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("health checker did not stop")
	}
}
