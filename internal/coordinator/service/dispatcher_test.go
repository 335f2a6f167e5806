package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
	"github.com/nemanja-m/lectern/internal/shared/logging"
)

func TestDispatcher_NoEligibleHostFailsJob(t *testing.T) {
	env := newTestEnv(t)
	producer := newFakeProducer()
	d := env.dispatcher(producer, time.Second)

	job, err := d.Dispatch(context.Background(), "encode", "START_OPERATION", nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNoEligibleHost)
	assert.True(t, core.IsDispatchFailure(err))
	var dispatchErr *core.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, "encode", dispatchErr.Capability)

	require.NotNil(t, job)
	assert.Equal(t, core.JobStatusFailed, job.Status)
	assert.Empty(t, job.Host)
	assert.Equal(t, 0, producer.calls())
}

func TestDispatcher_AcceptedInTime(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "encode", "hostA")
	producer := newFakeProducer()
	d := env.dispatcher(producer, time.Second)

	job, err := d.Dispatch(context.Background(), "encode", "START_OPERATION", []string{"x"})
	require.NoError(t, err)

	assert.Equal(t, core.JobStatusRunning, job.Status)
	assert.Equal(t, "hostA", job.Host)
	assert.Equal(t, 1, job.DispatchAttempts)
	assert.NotNil(t, job.StartedAt)

	require.Len(t, producer.offered, 1)
	assert.Equal(t, []string{"x"}, producer.offered[0].Arguments)
	assert.Equal(t, "START_OPERATION", producer.offered[0].Operation)
}

func TestDispatcher_RejectionTriesNextCandidate(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "encode", "hostA")
	env.register(t, "encode", "hostB")
	env.putJob(t, "encode", "hostB", core.JobStatusRunning)

	var observed *core.Job
	producer := newFakeProducer().
		on("hostA", reject).
		on("hostB", func(ctx context.Context, job *core.Job) error {
			// The assignment is persisted before the host is asked.
			stored, err := env.jobs.GetJob(ctx, job.ID)
			if err != nil {
				return err
			}
			observed = stored
			return nil
		})
	d := env.dispatcher(producer, time.Second)

	job, err := d.Dispatch(context.Background(), "encode", "START_OPERATION", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"hostA", "hostB"}, producer.hosts())
	assert.Equal(t, core.JobStatusRunning, job.Status)
	assert.Equal(t, "hostB", job.Host)
	assert.Equal(t, 2, job.DispatchAttempts)

	require.NotNil(t, observed)
	assert.Equal(t, core.JobStatusDispatching, observed.Status)
	assert.Equal(t, "hostB", observed.Host)
}

func TestDispatcher_AllRejectExhausts(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "encode", "hostA")
	env.register(t, "encode", "hostB")
	producer := newFakeProducer().on("hostA", reject).on("hostB", reject)
	d := env.dispatcher(producer, time.Second)

	job, err := d.Dispatch(context.Background(), "encode", "START_OPERATION", nil)

	assert.ErrorIs(t, err, core.ErrDispatchExhausted)
	assert.Equal(t, core.JobStatusFailed, job.Status)
	assert.Empty(t, job.Host)
	assert.Equal(t, 2, job.DispatchAttempts)
	require.NotNil(t, job.Result)
	assert.Contains(t, job.Result.Error, "dispatch exhausted")
}

func TestDispatcher_SilenceIsHandOff(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "encode", "hostA")
	release := make(chan struct{})
	producer := newFakeProducer().on("hostA", blockUntil(release, nil))
	d := env.dispatcher(producer, 20*time.Millisecond)

	started := time.Now()
	job, err := d.Dispatch(context.Background(), "encode", "START_OPERATION", nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, core.JobStatusRunning, job.Status)
	assert.Equal(t, "hostA", job.Host)

	close(release)
	d.Wait()
	assert.Equal(t, core.JobStatusRunning, env.job(t, job).Status)
}

func TestDispatcher_LateRejectionFailsJob(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "encode", "hostA")
	release := make(chan struct{})
	producer := newFakeProducer().on("hostA", blockUntil(release, core.ErrDispatchRejected))
	d := env.dispatcher(producer, 20*time.Millisecond)

	job, err := d.Dispatch(context.Background(), "encode", "START_OPERATION", nil)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusRunning, job.Status)

	completed := make(chan *core.Job, 1)
	env.jobs.OnCompletion(job.ID, func(j *core.Job) { completed <- j })

	close(release)
	d.Wait()

	select {
	case j := <-completed:
		assert.Equal(t, core.JobStatusFailed, j.Status)
	case <-time.After(time.Second):
		t.Fatal("completion callback not fired after late rejection")
	}
}

func TestDispatcher_LateTimeoutKeepsHandOff(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "encode", "hostA")
	producer := newFakeProducer().on("hostA", func(ctx context.Context, job *core.Job) error {
		<-ctx.Done()
		return ctx.Err()
	})
	d := NewDispatcher(env.directory, env.jobs, producer, DispatcherConfig{
		HandshakeTimeout:  10 * time.Millisecond,
		AcceptCallTimeout: 50 * time.Millisecond,
	}, logging.Discard())

	job, err := d.Dispatch(context.Background(), "encode", "START_OPERATION", nil)
	require.NoError(t, err)
	d.Wait()

	assert.Equal(t, core.JobStatusRunning, env.job(t, job).Status)
}

func TestDispatcher_SkipsRegistrationsThatDoNotProduceJobs(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.directory.Register(context.Background(), "encode", "hostA", "/encode", false)
	require.NoError(t, err)
	d := env.dispatcher(newFakeProducer(), time.Second)

	_, err = d.Dispatch(context.Background(), "encode", "START_OPERATION", nil)
	assert.ErrorIs(t, err, core.ErrNoEligibleHost)
}

func TestDispatcher_DispatchQueuedKeepsJobQueued(t *testing.T) {
	env := newTestEnv(t)
	d := env.dispatcher(newFakeProducer(), time.Second)
	job, err := env.jobs.CreateJob(context.Background(), core.JobSpec{Type: "encode"})
	require.NoError(t, err)

	err = d.DispatchQueued(context.Background(), job)
	assert.ErrorIs(t, err, core.ErrNoEligibleHost)
	assert.Equal(t, core.JobStatusQueued, env.job(t, job).Status)
}

func TestDispatcher_RequiresQueuedJob(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "encode", "hostA")
	d := env.dispatcher(newFakeProducer(), time.Second)
	job := env.putJob(t, "encode", "hostA", core.JobStatusRunning)

	err := d.DispatchJob(context.Background(), job)
	assert.ErrorIs(t, err, core.ErrJobNotQueued)
}

func TestDispatcher_OneDispatchInFlightPerJob(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "encode", "hostA")
	offered := make(chan struct{})
	release := make(chan struct{})
	producer := newFakeProducer().on("hostA", func(ctx context.Context, job *core.Job) error {
		close(offered)
		<-release
		return nil
	})
	d := env.dispatcher(producer, 5*time.Second)
	job, err := env.jobs.CreateJob(context.Background(), core.JobSpec{Type: "encode"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstErr = d.DispatchJob(context.Background(), job)
	}()

	<-offered
	err = d.DispatchJob(context.Background(), job)
	assert.ErrorIs(t, err, core.ErrAlreadyDispatching)

	close(release)
	wg.Wait()
	require.NoError(t, firstErr)
	assert.Equal(t, 1, producer.calls())
	assert.Equal(t, "hostA", env.job(t, job).Host)
}

func TestDispatcher_CompletionRaceDuringHandshake(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "encode", "hostA")
	producer := newFakeProducer().on("hostA", func(ctx context.Context, job *core.Job) error {
		// The host finishes the job before the handshake returns.
		stored, err := env.jobs.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		stored.Status = core.JobStatusFinished
		return env.jobs.UpdateJob(ctx, stored)
	})
	d := env.dispatcher(producer, time.Second)

	job, err := d.Dispatch(context.Background(), "encode", "START_OPERATION", nil)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusFinished, job.Status)
}

func TestDispatcher_ResolvesHostAddress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.directory.RegisterHost(ctx, &core.HostRegistration{Host: "hostA", Address: "10.0.0.5:7070"}))
	env.register(t, "encode", "hostA")
	env.register(t, "encode", "hostB")
	env.putJob(t, "inspect", "hostA", core.JobStatusRunning)
	producer := newFakeProducer().on("hostB", reject)
	d := env.dispatcher(producer, time.Second)

	_, err := d.Dispatch(ctx, "encode", "START_OPERATION", nil)
	require.NoError(t, err)

	require.Len(t, producer.targets, 2)
	assert.Equal(t, core.ProducerTarget{Host: "hostB", Address: "hostB", Path: "/encode"}, producer.targets[0])
	assert.Equal(t, core.ProducerTarget{Host: "hostA", Address: "10.0.0.5:7070", Path: "/encode"}, producer.targets[1])
}

func TestDispatcher_Recover(t *testing.T) {
	env := newTestEnv(t)
	stuck := env.putJob(t, "encode", "hostA", core.JobStatusDispatching)
	running := env.putJob(t, "encode", "hostA", core.JobStatusRunning)
	d := env.dispatcher(newFakeProducer(), time.Second)

	require.NoError(t, d.Recover(context.Background()))

	recovered := env.job(t, stuck)
	assert.Equal(t, core.JobStatusQueued, recovered.Status)
	assert.Empty(t, recovered.Host)
	assert.Equal(t, core.JobStatusRunning, env.job(t, running).Status)
}

func TestDispatcher_FailureFiresCompletion(t *testing.T) {
	env := newTestEnv(t)
	d := env.dispatcher(newFakeProducer(), time.Second)
	job, err := env.jobs.CreateJob(context.Background(), core.JobSpec{Type: "encode"})
	require.NoError(t, err)

	var completed *core.Job
	env.jobs.OnCompletion(job.ID, func(j *core.Job) { completed = j })

	err = d.DispatchJob(context.Background(), job)
	require.True(t, errors.Is(err, core.ErrNoEligibleHost))
	require.NotNil(t, completed)
	assert.Equal(t, core.JobStatusFailed, completed.Status)
}
