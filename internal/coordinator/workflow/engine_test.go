package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
	"github.com/nemanja-m/lectern/internal/coordinator/service"
	"github.com/nemanja-m/lectern/internal/coordinator/storage"
	"github.com/nemanja-m/lectern/internal/shared/logging"
	"github.com/nemanja-m/lectern/internal/shared/rpc"
)

// recordingProducer accepts every job unless its type is rejected.
type recordingProducer struct {
	mu     sync.Mutex
	jobs   []*core.Job
	reject map[string]bool
}

func (p *recordingProducer) AcceptJob(ctx context.Context, target core.ProducerTarget, job *core.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	if p.reject[job.Type] {
		return core.ErrDispatchRejected
	}
	return nil
}

func (p *recordingProducer) offered() []*core.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*core.Job(nil), p.jobs...)
}

type harness struct {
	backend   *storage.InMemoryBackend
	jobs      core.JobStore
	directory core.ServiceDirectory
	producer  *recordingProducer
	engine    *Engine
}

func newHarness(t *testing.T) *harness {
	return restartHarness(t, storage.NewInMemoryBackend())
}

// restartHarness builds a fresh coordinator over backend, losing everything held
// only in memory.
func restartHarness(t *testing.T, backend *storage.InMemoryBackend) *harness {
	t.Helper()
	ctx := context.Background()
	jobs := service.NewJobStore(backend, logging.Discard())
	directory, err := service.NewServiceDirectory(ctx, backend, jobs, logging.Discard())
	require.NoError(t, err)
	producer := &recordingProducer{reject: make(map[string]bool)}
	dispatcher := service.NewDispatcher(directory, jobs, producer, service.DispatcherConfig{
		HandshakeTimeout: time.Second,
	}, logging.Discard())
	engine, err := NewEngine(backend, jobs, dispatcher, Config{RetryBase: time.Millisecond}, logging.Discard())
	require.NoError(t, err)
	return &harness{backend: backend, jobs: jobs, directory: directory, producer: producer, engine: engine}
}

func (h *harness) serve(t *testing.T, capabilities ...string) {
	t.Helper()
	for _, capability := range capabilities {
		_, err := h.directory.Register(context.Background(), capability, "hostA", "/"+capability, true)
		require.NoError(t, err)
	}
}

func (h *harness) instance(t *testing.T, id uuid.UUID) *core.WorkflowInstance {
	t.Helper()
	inst, err := h.engine.Get(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func (h *harness) currentJob(t *testing.T, id uuid.UUID) *core.Job {
	t.Helper()
	inst := h.instance(t, id)
	require.NotEmpty(t, inst.CurrentJobID, "instance has no outstanding job")
	job, err := h.jobs.GetJob(context.Background(), uuid.MustParse(inst.CurrentJobID))
	require.NoError(t, err)
	return job
}

// report completes the current job of the instance the way a host would and waits
// for the engine to react.
func (h *harness) report(t *testing.T, id uuid.UUID, status core.JobStatus, result *core.JobResult) {
	t.Helper()
	job := h.currentJob(t, id)
	job.Status = status
	job.Result = result
	require.NoError(t, h.jobs.UpdateJob(context.Background(), job))
	h.engine.Wait()
}

func (h *harness) workflowJobs(t *testing.T, id uuid.UUID) []*core.Job {
	t.Helper()
	jobs, _, err := h.jobs.ListJobs(context.Background(), core.JobFilter{WorkflowID: id.String()})
	require.NoError(t, err)
	return jobs
}

func twoStep(failOnError bool) *core.WorkflowDefinition {
	return &core.WorkflowDefinition{
		ID: "ingest",
		Operations: []core.OperationDefinition{
			{ID: "op1", Capability: "inspect", FailOnError: failOnError},
			{ID: "op2", Capability: "encode"},
		},
	}
}

func continueWith(mediaPackage string, properties map[string]string) *core.JobResult {
	return &core.JobResult{Action: core.ActionContinue, MediaPackage: mediaPackage, Properties: properties}
}

func TestEngine_RunsOperationsInSequence(t *testing.T) {
	h := newHarness(t)
	h.serve(t, "inspect", "encode")
	ctx := context.Background()

	inst, err := h.engine.Start(ctx, twoStep(true), "<mp v=1/>", map[string]string{"quality": "high"})
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowStateRunning, inst.State)
	assert.Equal(t, 0, inst.CurrentOperationIndex)

	// Only the first operation is out.
	require.Len(t, h.workflowJobs(t, inst.ID), 1)
	first := h.currentJob(t, inst.ID)
	assert.Equal(t, "inspect", first.Type)
	assert.Equal(t, rpc.OperationStart, first.Operation)
	assert.Equal(t, "<mp v=1/>", first.Payload)

	h.report(t, inst.ID, core.JobStatusFinished, continueWith("<mp v=2/>", map[string]string{"duration": "42"}))

	current := h.instance(t, inst.ID)
	assert.Equal(t, 1, current.CurrentOperationIndex)
	assert.Equal(t, core.OperationStateSucceeded, current.Operations[0].State)
	assert.Equal(t, "<mp v=2/>", current.MediaPackage)
	assert.Equal(t, "42", current.Configuration["duration"])

	second := h.currentJob(t, inst.ID)
	assert.Equal(t, "encode", second.Type)
	assert.Equal(t, "<mp v=2/>", second.Payload)

	var snapshot rpc.WorkflowSnapshot
	require.NoError(t, json.Unmarshal([]byte(second.Arguments[0]), &snapshot))
	assert.Equal(t, inst.ID.String(), snapshot.WorkflowID)
	assert.Equal(t, 1, snapshot.OperationIndex)
	assert.Equal(t, "op2", snapshot.OperationID)
	assert.Equal(t, "42", snapshot.Configuration["duration"])
	assert.Equal(t, "high", snapshot.Configuration["quality"])

	h.report(t, inst.ID, core.JobStatusFinished, continueWith("", nil))

	done := h.instance(t, inst.ID)
	assert.Equal(t, core.WorkflowStateSucceeded, done.State)
	assert.Equal(t, 2, done.CurrentOperationIndex)
	assert.Empty(t, done.CurrentJobID)
	assert.Equal(t, "<mp v=2/>", done.MediaPackage)
}

func TestEngine_FailOnErrorStopsWorkflow(t *testing.T) {
	h := newHarness(t)
	h.serve(t, "inspect", "encode")

	inst, err := h.engine.Start(context.Background(), twoStep(true), "mp", nil)
	require.NoError(t, err)

	h.report(t, inst.ID, core.JobStatusFailed, &core.JobResult{Error: "corrupt input"})

	failed := h.instance(t, inst.ID)
	assert.Equal(t, core.WorkflowStateFailed, failed.State)
	assert.Equal(t, 0, failed.CurrentOperationIndex)
	assert.Equal(t, core.OperationStateFailed, failed.Operations[0].State)
	assert.Contains(t, failed.Error, "corrupt input")
	assert.Empty(t, failed.CurrentJobID)
	assert.Len(t, h.workflowJobs(t, inst.ID), 1)
}

func TestEngine_FailureWithoutFailOnErrorContinues(t *testing.T) {
	h := newHarness(t)
	h.serve(t, "inspect", "encode")

	inst, err := h.engine.Start(context.Background(), twoStep(false), "mp", nil)
	require.NoError(t, err)

	h.report(t, inst.ID, core.JobStatusFailed, nil)

	running := h.instance(t, inst.ID)
	assert.Equal(t, core.WorkflowStateRunning, running.State)
	assert.Equal(t, 1, running.CurrentOperationIndex)
	assert.Equal(t, core.OperationStateFailed, running.Operations[0].State)
	assert.Equal(t, "encode", h.currentJob(t, inst.ID).Type)

	h.report(t, inst.ID, core.JobStatusFinished, continueWith("", nil))

	done := h.instance(t, inst.ID)
	assert.Equal(t, core.WorkflowStateSucceeded, done.State)
	assert.Equal(t, 2, done.CurrentOperationIndex)
}

func TestEngine_FailActionAppliesPolicy(t *testing.T) {
	h := newHarness(t)
	h.serve(t, "inspect", "encode")

	inst, err := h.engine.Start(context.Background(), twoStep(true), "mp", nil)
	require.NoError(t, err)

	h.report(t, inst.ID, core.JobStatusFinished, &core.JobResult{Action: core.ActionFail})

	failed := h.instance(t, inst.ID)
	assert.Equal(t, core.WorkflowStateFailed, failed.State)
	assert.Equal(t, 0, failed.CurrentOperationIndex)
}

func TestEngine_DispatchFailureAppliesPolicy(t *testing.T) {
	t.Run("fail on error", func(t *testing.T) {
		h := newHarness(t)
		h.serve(t, "encode")

		inst, err := h.engine.Start(context.Background(), twoStep(true), "mp", nil)
		require.NoError(t, err)

		assert.Equal(t, core.WorkflowStateFailed, inst.State)
		assert.Equal(t, 0, inst.CurrentOperationIndex)
		assert.Contains(t, inst.Error, "no eligible host")

		jobs := h.workflowJobs(t, inst.ID)
		require.Len(t, jobs, 1)
		assert.Equal(t, core.JobStatusFailed, jobs[0].Status)
	})

	t.Run("continue", func(t *testing.T) {
		h := newHarness(t)
		h.serve(t, "inspect", "encode")
		h.producer.reject["inspect"] = true

		inst, err := h.engine.Start(context.Background(), twoStep(false), "mp", nil)
		require.NoError(t, err)

		assert.Equal(t, core.WorkflowStateRunning, inst.State)
		assert.Equal(t, 1, inst.CurrentOperationIndex)
		assert.Equal(t, "encode", h.currentJob(t, inst.ID).Type)
	})
}

func TestEngine_DispatchRetries(t *testing.T) {
	h := newHarness(t)
	def := &core.WorkflowDefinition{
		ID:         "retrying",
		Operations: []core.OperationDefinition{{ID: "op1", Capability: "encode", FailOnError: true, Retries: 2}},
	}

	inst, err := h.engine.Start(context.Background(), def, "mp", nil)
	require.NoError(t, err)

	assert.Equal(t, core.WorkflowStateFailed, inst.State)
	assert.Equal(t, 3, inst.Operations[0].Attempts)
	assert.Len(t, h.workflowJobs(t, inst.ID), 3)
}

func TestEngine_StopPausedWorkflow(t *testing.T) {
	h := newHarness(t)
	h.serve(t, "inspect", "encode")
	ctx := context.Background()

	inst, err := h.engine.Start(ctx, twoStep(true), "mp", nil)
	require.NoError(t, err)
	h.report(t, inst.ID, core.JobStatusFinished, &core.JobResult{Action: core.ActionPause})

	paused := h.instance(t, inst.ID)
	require.Equal(t, core.WorkflowStatePaused, paused.State)
	assert.Equal(t, 0, paused.CurrentOperationIndex)
	assert.Equal(t, core.OperationStatePaused, paused.Operations[0].State)

	stopped, err := h.engine.Stop(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowStateStopped, stopped.State)

	_, err = h.engine.Resume(ctx, inst.ID, nil)
	require.Error(t, err)
	assert.True(t, core.IsIllegalTransition(err))
	var transitionErr *core.TransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, core.WorkflowStateStopped, transitionErr.From)

	h.engine.Wait()
	assert.Len(t, h.workflowJobs(t, inst.ID), 1)
	assert.Equal(t, core.WorkflowStateStopped, h.instance(t, inst.ID).State)
}

func TestEngine_ResumeAfterPauseAction(t *testing.T) {
	h := newHarness(t)
	h.serve(t, "inspect", "encode")
	ctx := context.Background()

	inst, err := h.engine.Start(ctx, twoStep(true), "mp", nil)
	require.NoError(t, err)
	h.report(t, inst.ID, core.JobStatusFinished, &core.JobResult{Action: core.ActionPause})

	resumed, err := h.engine.Resume(ctx, inst.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowStateRunning, resumed.State)
	assert.Equal(t, 0, resumed.CurrentOperationIndex)

	job := h.currentJob(t, inst.ID)
	assert.Equal(t, "inspect", job.Type)
	assert.Equal(t, rpc.OperationResume, job.Operation)
	assert.Equal(t, 2, h.instance(t, inst.ID).Operations[0].Attempts)

	h.report(t, inst.ID, core.JobStatusFinished, continueWith("", nil))
	assert.Equal(t, rpc.OperationStart, h.currentJob(t, inst.ID).Operation)
}

func TestEngine_SkipAction(t *testing.T) {
	h := newHarness(t)
	h.serve(t, "inspect", "encode")

	inst, err := h.engine.Start(context.Background(), twoStep(true), "mp", nil)
	require.NoError(t, err)
	h.report(t, inst.ID, core.JobStatusFinished, &core.JobResult{
		Action:       core.ActionSkip,
		MediaPackage: "ignored",
		Properties:   map[string]string{"ignored": "true"},
	})

	current := h.instance(t, inst.ID)
	assert.Equal(t, 1, current.CurrentOperationIndex)
	assert.Equal(t, core.OperationStateSkipped, current.Operations[0].State)
	assert.Equal(t, "mp", current.MediaPackage)
	assert.NotContains(t, current.Configuration, "ignored")
}

func TestEngine_ConditionSkipsOperation(t *testing.T) {
	h := newHarness(t)
	h.serve(t, "inspect", "publish")
	def := &core.WorkflowDefinition{
		ID: "conditional",
		Operations: []core.OperationDefinition{
			{ID: "publish", Capability: "publish", If: `"publish" in config && config.publish == "true"`},
			{ID: "inspect", Capability: "inspect"},
		},
	}

	inst, err := h.engine.Start(context.Background(), def, "mp", map[string]string{"publish": "false"})
	require.NoError(t, err)

	assert.Equal(t, 1, inst.CurrentOperationIndex)
	assert.Equal(t, core.OperationStateSkipped, inst.Operations[0].State)
	for _, job := range h.producer.offered() {
		assert.NotEqual(t, "publish", job.Type)
	}

	other, err := h.engine.Start(context.Background(), def, "mp", map[string]string{"publish": "true"})
	require.NoError(t, err)
	assert.Equal(t, 0, other.CurrentOperationIndex)
	assert.Equal(t, "publish", h.currentJob(t, other.ID).Type)
}

func TestEngine_AdminPauseWaitsForResume(t *testing.T) {
	h := newHarness(t)
	h.serve(t, "inspect", "encode")
	ctx := context.Background()

	inst, err := h.engine.Start(ctx, twoStep(true), "mp", nil)
	require.NoError(t, err)

	paused, err := h.engine.Pause(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowStatePaused, paused.State)

	// The outstanding job still records its outcome.
	h.report(t, inst.ID, core.JobStatusFinished, continueWith("mp2", nil))

	held := h.instance(t, inst.ID)
	assert.Equal(t, core.WorkflowStatePaused, held.State)
	assert.Equal(t, 1, held.CurrentOperationIndex)
	assert.Empty(t, held.CurrentJobID)
	assert.Len(t, h.workflowJobs(t, inst.ID), 1)

	resumed, err := h.engine.Resume(ctx, inst.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowStateRunning, resumed.State)
	job := h.currentJob(t, inst.ID)
	assert.Equal(t, "encode", job.Type)
	assert.Equal(t, rpc.OperationStart, job.Operation)
}

func TestEngine_ResumeWhileJobOutstanding(t *testing.T) {
	h := newHarness(t)
	h.serve(t, "inspect", "encode")
	ctx := context.Background()

	inst, err := h.engine.Start(ctx, twoStep(true), "mp", nil)
	require.NoError(t, err)
	first := h.currentJob(t, inst.ID)

	_, err = h.engine.Pause(ctx, inst.ID)
	require.NoError(t, err)
	resumed, err := h.engine.Resume(ctx, inst.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID.String(), resumed.CurrentJobID)
	assert.Len(t, h.workflowJobs(t, inst.ID), 1)

	h.report(t, inst.ID, core.JobStatusFinished, continueWith("", nil))
	assert.Equal(t, 1, h.instance(t, inst.ID).CurrentOperationIndex)
}

func TestEngine_IllegalTransitions(t *testing.T) {
	h := newHarness(t)
	h.serve(t, "inspect", "encode")
	ctx := context.Background()

	inst, err := h.engine.Start(ctx, twoStep(true), "mp", nil)
	require.NoError(t, err)

	_, err = h.engine.Resume(ctx, inst.ID, nil)
	assert.True(t, core.IsIllegalTransition(err), "resume of a running workflow")

	err = h.engine.Remove(ctx, inst.ID)
	assert.True(t, core.IsIllegalTransition(err), "remove of a running workflow")

	_, err = h.engine.Stop(ctx, inst.ID)
	require.NoError(t, err)

	_, err = h.engine.Pause(ctx, inst.ID)
	assert.True(t, core.IsIllegalTransition(err), "pause of a stopped workflow")
	_, err = h.engine.Stop(ctx, inst.ID)
	assert.True(t, core.IsIllegalTransition(err), "stop of a stopped workflow")

	_, err = h.engine.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, core.ErrWorkflowNotFound)
}

func TestEngine_IgnoresStaleCompletions(t *testing.T) {
	h := newHarness(t)
	h.serve(t, "inspect", "encode")
	ctx := context.Background()

	inst, err := h.engine.Start(ctx, twoStep(true), "mp", nil)
	require.NoError(t, err)

	stranger := &core.Job{ID: uuid.New(), Status: core.JobStatusFailed}
	require.NoError(t, h.engine.Advance(ctx, inst.ID, stranger))

	current := h.instance(t, inst.ID)
	assert.Equal(t, core.WorkflowStateRunning, current.State)
	assert.Equal(t, 0, current.CurrentOperationIndex)
}

func TestEngine_CompletionAfterStopIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.serve(t, "inspect", "encode")
	ctx := context.Background()

	inst, err := h.engine.Start(ctx, twoStep(true), "mp", nil)
	require.NoError(t, err)
	job := h.currentJob(t, inst.ID)

	_, err = h.engine.Stop(ctx, inst.ID)
	require.NoError(t, err)

	job.Status = core.JobStatusFinished
	require.NoError(t, h.jobs.UpdateJob(ctx, job))
	h.engine.Wait()

	stopped := h.instance(t, inst.ID)
	assert.Equal(t, core.WorkflowStateStopped, stopped.State)
	assert.Equal(t, 0, stopped.CurrentOperationIndex)
	assert.Len(t, h.workflowJobs(t, inst.ID), 1)
}

func TestEngine_RecoverReattachesRunningJob(t *testing.T) {
	h := newHarness(t)
	h.serve(t, "inspect", "encode")
	inst, err := h.engine.Start(context.Background(), twoStep(true), "mp", nil)
	require.NoError(t, err)

	restarted := restartHarness(t, h.backend)
	require.NoError(t, restarted.engine.Recover(context.Background()))
	assert.Len(t, restarted.workflowJobs(t, inst.ID), 1)

	restarted.report(t, inst.ID, core.JobStatusFinished, continueWith("", nil))
	assert.Equal(t, 1, restarted.instance(t, inst.ID).CurrentOperationIndex)
	assert.Equal(t, "encode", restarted.currentJob(t, inst.ID).Type)
}

func TestEngine_RecoverAdvancesFinishedJob(t *testing.T) {
	h := newHarness(t)
	h.serve(t, "inspect", "encode")
	ctx := context.Background()
	inst, err := h.engine.Start(ctx, twoStep(true), "mp", nil)
	require.NoError(t, err)

	restarted := restartHarness(t, h.backend)
	// The host reported while the coordinator was down.
	job := restarted.currentJob(t, inst.ID)
	job.Status = core.JobStatusFinished
	job.Result = continueWith("mp2", nil)
	require.NoError(t, restarted.jobs.UpdateJob(ctx, job))

	require.NoError(t, restarted.engine.Recover(ctx))
	restarted.engine.Wait()
	// A second recovery does not dispatch anything new.
	require.NoError(t, restarted.engine.Recover(ctx))
	restarted.engine.Wait()

	current := restarted.instance(t, inst.ID)
	assert.Equal(t, 1, current.CurrentOperationIndex)
	assert.Equal(t, "mp2", current.MediaPackage)
	assert.Len(t, restarted.workflowJobs(t, inst.ID), 2)
}

func TestEngine_RecoverRedispatchesQueuedJob(t *testing.T) {
	h := newHarness(t)
	h.serve(t, "inspect", "encode")
	ctx := context.Background()
	inst, err := h.engine.Start(ctx, twoStep(true), "mp", nil)
	require.NoError(t, err)

	restarted := restartHarness(t, h.backend)
	job := restarted.currentJob(t, inst.ID)
	job.Status = core.JobStatusQueued
	job.Host = ""
	require.NoError(t, restarted.jobs.UpdateJob(ctx, job))

	require.NoError(t, restarted.engine.Recover(ctx))

	redispatched := restarted.currentJob(t, inst.ID)
	assert.Equal(t, job.ID, redispatched.ID)
	assert.Equal(t, core.JobStatusRunning, redispatched.Status)
	assert.Len(t, restarted.producer.offered(), 1)
}

func TestEngine_RecoverDispatchesMissingJob(t *testing.T) {
	h := newHarness(t)
	h.serve(t, "inspect", "encode")
	ctx := context.Background()
	inst, err := h.engine.Start(ctx, twoStep(true), "mp", nil)
	require.NoError(t, err)
	lost := h.currentJob(t, inst.ID)

	restarted := restartHarness(t, h.backend)
	require.NoError(t, restarted.jobs.DeleteJob(ctx, lost.ID))
	require.NoError(t, restarted.engine.Recover(ctx))

	replacement := restarted.currentJob(t, inst.ID)
	assert.NotEqual(t, lost.ID, replacement.ID)
	assert.Equal(t, "inspect", replacement.Type)
	assert.Equal(t, 0, restarted.instance(t, inst.ID).CurrentOperationIndex)
}

func TestEngine_ListAndRemove(t *testing.T) {
	h := newHarness(t)
	h.serve(t, "inspect", "encode")
	ctx := context.Background()

	running, err := h.engine.Start(ctx, twoStep(true), "mp", nil)
	require.NoError(t, err)
	other := &core.WorkflowDefinition{ID: "other", Operations: []core.OperationDefinition{{Capability: "missing", FailOnError: true}}}
	failed, err := h.engine.Start(ctx, other, "mp", nil)
	require.NoError(t, err)
	require.Equal(t, core.WorkflowStateFailed, failed.State)

	all, total, err := h.engine.List(ctx, core.WorkflowFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, all, 2)

	state := core.WorkflowStateRunning
	byState, _, err := h.engine.List(ctx, core.WorkflowFilter{State: &state})
	require.NoError(t, err)
	require.Len(t, byState, 1)
	assert.Equal(t, running.ID, byState[0].ID)

	byDefinition, _, err := h.engine.List(ctx, core.WorkflowFilter{DefinitionID: "other"})
	require.NoError(t, err)
	require.Len(t, byDefinition, 1)

	require.NoError(t, h.engine.Remove(ctx, failed.ID))
	_, err = h.engine.Get(ctx, failed.ID)
	assert.ErrorIs(t, err, core.ErrWorkflowNotFound)
}

func TestEngine_RejectsInvalidDefinition(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Start(context.Background(), &core.WorkflowDefinition{ID: "empty"}, "mp", nil)
	assert.ErrorIs(t, err, core.ErrInvalidDefinition)
}

func TestEngine_SnapshotExpandsConfiguration(t *testing.T) {
	h := newHarness(t)
	h.serve(t, "encode")
	def := &core.WorkflowDefinition{
		ID: "expand",
		Operations: []core.OperationDefinition{{
			Capability:    "encode",
			Configuration: map[string]string{"target": "${series}/out.mp4", "quality": "low"},
		}},
	}

	inst, err := h.engine.Start(context.Background(), def, "mp", map[string]string{
		"series":  "cs101",
		"quality": "high",
	})
	require.NoError(t, err)

	job := h.currentJob(t, inst.ID)
	var snapshot rpc.WorkflowSnapshot
	require.NoError(t, json.Unmarshal([]byte(job.Arguments[0]), &snapshot))
	assert.Equal(t, "cs101/out.mp4", snapshot.Configuration["target"])
	assert.Equal(t, "low", snapshot.Configuration["quality"])
	assert.Equal(t, "encode", snapshot.OperationID)
	assert.True(t, strings.HasPrefix(job.Arguments[0], "{"))
}

func TestEngine_StartOutlivesCallerContext(t *testing.T) {
	h := newHarness(t)
	h.serve(t, "inspect")
	def := &core.WorkflowDefinition{
		ID: "ingest",
		Operations: []core.OperationDefinition{
			{ID: "op1", Capability: "encode", Retries: 3},
			{ID: "op2", Capability: "inspect"},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inst, err := h.engine.Start(ctx, def, "mp", nil)
	require.NoError(t, err)

	assert.Equal(t, core.WorkflowStateRunning, inst.State)
	assert.Equal(t, 1, inst.CurrentOperationIndex)
	assert.Equal(t, core.OperationStateFailed, inst.Operations[0].State)
	assert.Equal(t, 4, inst.Operations[0].Attempts)

	job := h.currentJob(t, inst.ID)
	assert.Equal(t, "inspect", job.Type)
	assert.Equal(t, core.JobStatusRunning, job.Status)
	require.Len(t, h.producer.offered(), 1)
}

// interruptingDispatcher loses every dispatch without deciding it.
type interruptingDispatcher struct {
	core.Dispatcher
}

func (interruptingDispatcher) DispatchJob(ctx context.Context, job *core.Job) error {
	return errors.New("connection reset")
}

func TestEngine_InterruptedDispatchAppliesPolicy(t *testing.T) {
	h := newHarness(t)
	engine, err := NewEngine(h.backend, h.jobs, interruptingDispatcher{}, Config{RetryBase: time.Millisecond}, logging.Discard())
	require.NoError(t, err)
	ctx := context.Background()

	inst, err := engine.Start(ctx, twoStep(true), "mp", nil)
	require.NoError(t, err)
	engine.Wait()

	failed, err := engine.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowStateFailed, failed.State)
	assert.Equal(t, 0, failed.CurrentOperationIndex)
	assert.Contains(t, failed.Error, "dispatch interrupted")
	assert.Empty(t, failed.CurrentJobID)

	jobs := h.workflowJobs(t, inst.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, core.JobStatusFailed, jobs[0].Status)
}

func TestEngine_ResumeMergesProperties(t *testing.T) {
	h := newHarness(t)
	h.serve(t, "inspect", "encode")
	ctx := context.Background()

	inst, err := h.engine.Start(ctx, twoStep(true), "mp", map[string]string{"quality": "high"})
	require.NoError(t, err)
	h.report(t, inst.ID, core.JobStatusFinished, &core.JobResult{Action: core.ActionPause})

	resumed, err := h.engine.Resume(ctx, inst.ID, map[string]string{"approved": "yes", "quality": "low"})
	require.NoError(t, err)
	assert.Equal(t, "yes", resumed.Configuration["approved"])
	assert.Equal(t, "low", resumed.Configuration["quality"])

	job := h.currentJob(t, inst.ID)
	assert.Equal(t, rpc.OperationResume, job.Operation)
	var snapshot rpc.WorkflowSnapshot
	require.NoError(t, json.Unmarshal([]byte(job.Arguments[0]), &snapshot))
	assert.Equal(t, "yes", snapshot.Configuration["approved"])
	assert.Equal(t, "low", snapshot.Configuration["quality"])
}

func TestEngine_EmptyDefinitionSucceeds(t *testing.T) {
	h := newHarness(t)

	inst, err := h.engine.Start(context.Background(), &core.WorkflowDefinition{ID: "empty"}, "mp", nil)
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowStateSucceeded, inst.State)
	assert.Equal(t, 0, inst.CurrentOperationIndex)
	assert.Empty(t, h.workflowJobs(t, inst.ID))
}
