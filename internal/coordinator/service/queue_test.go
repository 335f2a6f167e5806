package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
	"github.com/nemanja-m/lectern/internal/shared/logging"
)

func TestQueueDispatcher_DispatchesStandaloneJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	producer := newFakeProducer()
	d := env.dispatcher(producer, time.Second)
	queue := NewQueueDispatcher(time.Minute, env.jobs, d, logging.Discard())

	standalone, err := env.jobs.CreateJob(ctx, core.JobSpec{Type: "encode"})
	require.NoError(t, err)
	workflowJob, err := env.jobs.CreateJob(ctx, core.JobSpec{Type: "encode", WorkflowID: "wf-1"})
	require.NoError(t, err)

	// Without hosts the job waits in the queue instead of failing.
	queue.dispatchQueued(ctx)
	assert.Equal(t, core.JobStatusQueued, env.job(t, standalone).Status)

	env.register(t, "encode", "hostA")
	queue.dispatchQueued(ctx)

	dispatched := env.job(t, standalone)
	assert.Equal(t, core.JobStatusRunning, dispatched.Status)
	assert.Equal(t, "hostA", dispatched.Host)
	assert.Equal(t, core.JobStatusQueued, env.job(t, workflowJob).Status)
	assert.Equal(t, 1, producer.calls())
}

func TestQueueDispatcher_ExhaustedJobFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "encode", "hostA")
	d := env.dispatcher(newFakeProducer().on("hostA", reject), time.Second)
	queue := NewQueueDispatcher(time.Minute, env.jobs, d, logging.Discard())

	job, err := env.jobs.CreateJob(ctx, core.JobSpec{Type: "encode"})
	require.NoError(t, err)

	queue.dispatchQueued(ctx)
	assert.Equal(t, core.JobStatusFailed, env.job(t, job).Status)
}

func TestQueueDispatcher_Start(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "encode", "hostA")
	d := env.dispatcher(newFakeProducer(), time.Second)
	queue := NewQueueDispatcher(5*time.Millisecond, env.jobs, d, logging.Discard())

	job, err := env.jobs.CreateJob(context.Background(), core.JobSpec{Type: "encode"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queue.Start(ctx)

	require.Eventually(t, func() bool {
		return env.job(t, job).Status == core.JobStatusRunning
	}, time.Second, 5*time.Millisecond)
}
