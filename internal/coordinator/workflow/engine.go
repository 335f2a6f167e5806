package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
	"github.com/nemanja-m/lectern/internal/coordinator/storage"
	"github.com/nemanja-m/lectern/internal/shared/logging"
	"github.com/nemanja-m/lectern/internal/shared/metrics"
	"github.com/nemanja-m/lectern/internal/shared/rpc"
)

type Config struct {
	// RetryBase is the first delay between dispatch retries of an operation.
	RetryBase time.Duration
}

// Engine runs workflow instances one operation at a time. Every state change is
// persisted before the engine moves on, so a restarted engine picks up where the
// previous one stopped.
type Engine struct {
	instances  *storage.Collection[core.WorkflowInstance]
	jobs       core.JobStore
	dispatcher core.Dispatcher
	conditions *conditions
	retryBase  time.Duration

	locks sync.Map // uuid.UUID -> *sync.Mutex

	// advancing tracks completion handlers that are still running.
	advancing sync.WaitGroup

	logger logging.Logger
}

func NewEngine(
	backend core.Persistence,
	jobs core.JobStore,
	dispatcher core.Dispatcher,
	cfg Config,
	logger logging.Logger,
) (*Engine, error) {
	conds, err := sharedConditions()
	if err != nil {
		return nil, err
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	return &Engine{
		instances:  storage.NewCollection[core.WorkflowInstance](backend, storage.KindWorkflow),
		jobs:       jobs,
		dispatcher: dispatcher,
		conditions: conds,
		retryBase:  cfg.RetryBase,
		logger:     logger,
	}, nil
}

// Start creates an instance of def and dispatches its first operation. Dispatch
// failures are handled by the operation's failure policy and are visible in the
// returned instance; only persistence failures are returned as errors. The instance
// keeps progressing when ctx ends early.
func (e *Engine) Start(
	ctx context.Context,
	def *core.WorkflowDefinition,
	mediaPackage string,
	configuration map[string]string,
) (*core.WorkflowInstance, error) {
	def = normalize(def)
	if err := Validate(def); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inst := &core.WorkflowInstance{
		ID:            uuid.New(),
		DefinitionID:  def.ID,
		Title:         def.Title,
		State:         core.WorkflowStateInstantiated,
		Operations:    make([]core.OperationInstance, len(def.Operations)),
		MediaPackage:  mediaPackage,
		Configuration: make(map[string]string, len(configuration)),
		CreatedAt:     now,
	}
	for i, op := range def.Operations {
		inst.Operations[i] = core.OperationInstance{
			OperationDefinition: op,
			State:               core.OperationStateInstantiated,
		}
	}
	for k, v := range configuration {
		inst.Configuration[k] = v
	}

	ctx = context.WithoutCancel(ctx)
	unlock := e.lock(inst.ID)
	defer unlock()

	if err := e.save(ctx, inst); err != nil {
		return nil, err
	}
	metrics.WorkflowTransitions.WithLabelValues(inst.DefinitionID, string(inst.State)).Inc()
	e.logger.Info("Workflow created", "workflow_id", inst.ID, "definition", inst.DefinitionID)

	e.transition(inst, core.WorkflowStateRunning)
	if err := e.save(ctx, inst); err != nil {
		return nil, err
	}
	if err := e.execute(ctx, inst, false); err != nil {
		return nil, err
	}
	return cloneInstance(inst), nil
}

// Advance applies the outcome of job to the instance waiting for it. Completions of
// jobs other than the current one, and of instances that already ended, are ignored.
func (e *Engine) Advance(ctx context.Context, id uuid.UUID, job *core.Job) error {
	unlock := e.lock(id)
	defer unlock()

	inst, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if inst.State.IsTerminal() || inst.CurrentJobID != job.ID.String() || !job.Status.IsTerminal() {
		e.logger.Debug("Ignoring job completion",
			"workflow_id", id,
			"job_id", job.ID,
			"state", inst.State,
		)
		return nil
	}
	if inst.CurrentOperationIndex >= len(inst.Operations) {
		return fmt.Errorf("workflow %s has no operation at index %d", id, inst.CurrentOperationIndex)
	}

	inst.CurrentJobID = ""
	op := &inst.Operations[inst.CurrentOperationIndex]
	adminPaused := inst.State == core.WorkflowStatePaused

	action := core.ActionContinue
	if job.Result != nil && job.Result.Action != "" {
		action = job.Result.Action
	}

	switch {
	case job.Status == core.JobStatusFailed || action == core.ActionFail:
		if done, err := e.operationFailed(ctx, inst, op, jobFailure(job)); done {
			return err
		}

	case action == core.ActionSkip:
		op.State = core.OperationStateSkipped
		inst.CurrentOperationIndex++

	case action == core.ActionPause:
		op.State = core.OperationStatePaused
		if !adminPaused {
			e.transition(inst, core.WorkflowStatePaused)
		}
		return e.save(ctx, inst)

	default:
		if job.Result != nil {
			if job.Result.MediaPackage != "" {
				inst.MediaPackage = job.Result.MediaPackage
			}
			if err := mergeProperties(&inst.Configuration, job.Result.Properties); err != nil {
				return fmt.Errorf("merge reported properties: %w", err)
			}
		}
		op.State = core.OperationStateSucceeded
		inst.CurrentOperationIndex++
	}

	e.logger.Info("Operation completed",
		"workflow_id", id,
		"operation", op.ID,
		"state", op.State,
		"job_id", job.ID,
	)

	if adminPaused {
		return e.save(ctx, inst)
	}
	return e.execute(ctx, inst, false)
}

// Pause holds a running instance. An outstanding job still records its outcome but
// the next operation waits for Resume.
func (e *Engine) Pause(ctx context.Context, id uuid.UUID) (*core.WorkflowInstance, error) {
	unlock := e.lock(id)
	defer unlock()

	inst, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.State != core.WorkflowStateRunning {
		return nil, &core.TransitionError{ID: id, From: inst.State, Action: "pause"}
	}
	e.transition(inst, core.WorkflowStatePaused)
	if err := e.save(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// Resume continues a paused instance with properties merged into its configuration.
// An operation that paused itself is dispatched again as a resume; otherwise the
// current operation starts.
func (e *Engine) Resume(ctx context.Context, id uuid.UUID, properties map[string]string) (*core.WorkflowInstance, error) {
	ctx = context.WithoutCancel(ctx)
	unlock := e.lock(id)
	defer unlock()

	inst, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.State != core.WorkflowStatePaused {
		return nil, &core.TransitionError{ID: id, From: inst.State, Action: "resume"}
	}
	if err := mergeProperties(&inst.Configuration, properties); err != nil {
		return nil, fmt.Errorf("merge resume properties: %w", err)
	}

	e.transition(inst, core.WorkflowStateRunning)
	if inst.CurrentJobID != "" {
		// Paused by an operator while a job was out; its completion drives the instance.
		if err := e.save(ctx, inst); err != nil {
			return nil, err
		}
		return inst, nil
	}

	resume := false
	if op := inst.CurrentOperation(); op != nil {
		resume = op.State == core.OperationStatePaused
	}
	if err := e.execute(ctx, inst, resume); err != nil {
		return nil, err
	}
	return cloneInstance(inst), nil
}

// Stop ends a running or paused instance. Outstanding jobs are not cancelled; their
// completions are ignored.
func (e *Engine) Stop(ctx context.Context, id uuid.UUID) (*core.WorkflowInstance, error) {
	unlock := e.lock(id)
	defer unlock()

	inst, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.State != core.WorkflowStateRunning && inst.State != core.WorkflowStatePaused {
		return nil, &core.TransitionError{ID: id, From: inst.State, Action: "stop"}
	}
	inst.CurrentJobID = ""
	e.transition(inst, core.WorkflowStateStopped)
	if err := e.save(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*core.WorkflowInstance, error) {
	return e.load(ctx, id)
}

// List returns the requested page ordered by creation time and the total match count.
func (e *Engine) List(ctx context.Context, filter core.WorkflowFilter) ([]*core.WorkflowInstance, int, error) {
	instances, err := e.instances.Query(ctx, func(inst *core.WorkflowInstance) bool {
		if filter.State != nil && inst.State != *filter.State {
			return false
		}
		return filter.DefinitionID == "" || inst.DefinitionID == filter.DefinitionID
	})
	if err != nil {
		return nil, 0, err
	}
	sortInstances(instances)

	total := len(instances)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return instances[start:end], total, nil
}

// Remove deletes an instance that already ended.
func (e *Engine) Remove(ctx context.Context, id uuid.UUID) error {
	unlock := e.lock(id)
	defer unlock()

	inst, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if !inst.State.IsTerminal() {
		return &core.TransitionError{ID: id, From: inst.State, Action: "remove"}
	}
	if err := e.instances.Delete(ctx, id.String()); err != nil {
		return err
	}
	e.locks.Delete(id)
	e.logger.Info("Workflow removed", "workflow_id", id)
	return nil
}

// Recover resumes every unfinished instance after a restart. Running it more than
// once has no further effect.
func (e *Engine) Recover(ctx context.Context) error {
	instances, err := e.instances.Query(ctx, func(inst *core.WorkflowInstance) bool {
		return !inst.State.IsTerminal()
	})
	if err != nil {
		return fmt.Errorf("list unfinished workflows: %w", err)
	}
	sortInstances(instances)

	var errs []error
	for _, inst := range instances {
		if err := e.recoverInstance(ctx, inst.ID); err != nil {
			e.logger.Error("Failed to recover workflow", "workflow_id", inst.ID, "error", err)
			errs = append(errs, fmt.Errorf("recover workflow %s: %w", inst.ID, err))
		}
	}
	if len(instances) > 0 {
		e.logger.Info("Workflows recovered", "count", len(instances), "failed", len(errs))
	}
	return errors.Join(errs...)
}

func (e *Engine) recoverInstance(ctx context.Context, id uuid.UUID) error {
	unlock := e.lock(id)
	defer unlock()

	inst, err := e.load(ctx, id)
	if err != nil {
		return err
	}

	switch inst.State {
	case core.WorkflowStateInstantiated:
		e.transition(inst, core.WorkflowStateRunning)
		return e.execute(ctx, inst, false)

	case core.WorkflowStatePaused:
		if inst.CurrentJobID == "" {
			return nil
		}
		job, err := e.currentJob(ctx, inst)
		if err != nil {
			return err
		}
		if job == nil {
			inst.CurrentJobID = ""
			return e.save(ctx, inst)
		}
		e.jobs.OnCompletion(job.ID, e.onJobCompleted(inst.ID))
		return nil

	case core.WorkflowStateRunning:
		job, err := e.currentJob(ctx, inst)
		if err != nil {
			return err
		}
		if job == nil {
			inst.CurrentJobID = ""
			resume := false
			if op := inst.CurrentOperation(); op != nil {
				resume = op.State == core.OperationStatePaused
			}
			return e.execute(ctx, inst, resume)
		}
		if job.Status == core.JobStatusQueued || job.Status == core.JobStatusDispatching {
			return e.redispatch(ctx, inst, job)
		}
		// Running jobs report later; finished ones fire right away.
		e.jobs.OnCompletion(job.ID, e.onJobCompleted(inst.ID))
		return nil
	}
	return nil
}

// currentJob loads the outstanding job of inst. It returns nil when there is none.
func (e *Engine) currentJob(ctx context.Context, inst *core.WorkflowInstance) (*core.Job, error) {
	if inst.CurrentJobID == "" {
		return nil, nil
	}
	jobID, err := uuid.Parse(inst.CurrentJobID)
	if err != nil {
		return nil, nil
	}
	job, err := e.jobs.GetJob(ctx, jobID)
	if errors.Is(err, core.ErrJobNotFound) {
		return nil, nil
	}
	return job, err
}

// redispatch retries a job whose dispatch was interrupted.
func (e *Engine) redispatch(ctx context.Context, inst *core.WorkflowInstance, job *core.Job) error {
	err := e.dispatcher.DispatchJob(ctx, job)
	switch {
	case err == nil, errors.Is(err, core.ErrJobNotQueued):
		e.jobs.OnCompletion(job.ID, e.onJobCompleted(inst.ID))
		return nil
	case core.IsDispatchFailure(err):
		op := inst.CurrentOperation()
		if op == nil {
			return e.execute(ctx, inst, false)
		}
		if done, serr := e.operationFailed(ctx, inst, op, err); done {
			return serr
		}
		return e.execute(ctx, inst, false)
	default:
		return err
	}
}

// execute runs operations from the current index until one is waiting for a job or
// the instance ends. The caller holds the instance lock.
func (e *Engine) execute(ctx context.Context, inst *core.WorkflowInstance, resume bool) error {
	for {
		if inst.CurrentOperationIndex >= len(inst.Operations) {
			inst.CurrentJobID = ""
			e.transition(inst, core.WorkflowStateSucceeded)
			return e.save(ctx, inst)
		}

		op := &inst.Operations[inst.CurrentOperationIndex]
		run, err := e.conditions.Evaluate(op.If, inst.Configuration)
		if err == nil && !run {
			op.State = core.OperationStateSkipped
			inst.CurrentOperationIndex++
			resume = false
			e.logger.Info("Operation skipped by condition", "workflow_id", inst.ID, "operation", op.ID)
			if err := e.save(ctx, inst); err != nil {
				return err
			}
			continue
		}
		if err == nil {
			err = e.dispatchOperation(ctx, inst, op, resume)
			if err == nil {
				return nil
			}
			if !core.IsDispatchFailure(err) {
				return err
			}
		}

		if done, serr := e.operationFailed(ctx, inst, op, err); done {
			return serr
		}
		resume = false
	}
}

// dispatchOperation dispatches a job for op, retrying with backoff while no host
// takes it.
func (e *Engine) dispatchOperation(ctx context.Context, inst *core.WorkflowInstance, op *core.OperationInstance, resume bool) error {
	backoff := retry.WithMaxRetries(uint64(op.Retries), retry.NewFibonacci(e.retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := e.dispatchOnce(ctx, inst, op, resume)
		if core.IsDispatchFailure(err) {
			e.logger.Warn("Operation dispatch failed",
				"workflow_id", inst.ID,
				"operation", op.ID,
				"attempt", op.Attempts,
				"error", err,
			)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (e *Engine) dispatchOnce(ctx context.Context, inst *core.WorkflowInstance, op *core.OperationInstance, resume bool) error {
	args, err := e.jobArguments(inst, op)
	if err != nil {
		return err
	}
	operation := rpc.OperationStart
	if resume {
		operation = rpc.OperationResume
	}

	job, err := e.jobs.CreateJob(ctx, core.JobSpec{
		Type:       op.Capability,
		Operation:  operation,
		Arguments:  args,
		Payload:    inst.MediaPackage,
		WorkflowID: inst.ID.String(),
	})
	if err != nil {
		return err
	}

	// The job is recorded before it leaves so that recovery can find it.
	op.State = core.OperationStateRunning
	op.JobID = job.ID.String()
	op.Attempts++
	inst.CurrentJobID = job.ID.String()
	if err := e.save(ctx, inst); err != nil {
		return err
	}

	if err := e.dispatcher.DispatchJob(ctx, job); err != nil {
		if core.IsDispatchFailure(err) {
			inst.CurrentJobID = ""
			return err
		}
		return e.abandonDispatch(ctx, inst, job, err)
	}
	e.jobs.OnCompletion(job.ID, e.onJobCompleted(inst.ID))
	e.logger.Info("Operation dispatched",
		"workflow_id", inst.ID,
		"operation", op.ID,
		"job_id", job.ID,
		"job_operation", operation,
	)
	return nil
}

// abandonDispatch settles a job whose dispatch broke off without an outcome. A job
// still queued is failed so that the operation's failure policy applies; either way
// the instance waits for the job's completion.
func (e *Engine) abandonDispatch(ctx context.Context, inst *core.WorkflowInstance, job *core.Job, cause error) error {
	e.logger.Error("Operation dispatch interrupted",
		"workflow_id", inst.ID,
		"job_id", job.ID,
		"error", cause,
	)
	latest, err := e.jobs.GetJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load interrupted job %s: %w", job.ID, err)
	}
	if latest.Status == core.JobStatusQueued {
		latest.Status = core.JobStatusFailed
		latest.Result = &core.JobResult{Error: fmt.Sprintf("dispatch interrupted: %v", cause)}
		if err := e.jobs.UpdateJob(ctx, latest); err != nil && !errors.Is(err, core.ErrJobFinalized) {
			return fmt.Errorf("fail interrupted job %s: %w", job.ID, err)
		}
	}
	e.jobs.OnCompletion(job.ID, e.onJobCompleted(inst.ID))
	return nil
}

func (e *Engine) jobArguments(inst *core.WorkflowInstance, op *core.OperationInstance) ([]string, error) {
	configuration, err := effectiveConfiguration(inst.Configuration, op.Configuration)
	if err != nil {
		return nil, err
	}
	snapshot, err := json.Marshal(rpc.WorkflowSnapshot{
		WorkflowID:     inst.ID.String(),
		DefinitionID:   inst.DefinitionID,
		OperationIndex: inst.CurrentOperationIndex,
		OperationID:    op.ID,
		Capability:     op.Capability,
		Configuration:  configuration,
	})
	if err != nil {
		return nil, fmt.Errorf("encode workflow snapshot: %w", err)
	}
	return []string{string(snapshot)}, nil
}

// operationFailed applies the failure policy of op and reports whether the instance
// stopped executing. The returned error is only set when done is true.
func (e *Engine) operationFailed(ctx context.Context, inst *core.WorkflowInstance, op *core.OperationInstance, cause error) (bool, error) {
	op.State = core.OperationStateFailed
	inst.CurrentJobID = ""
	inst.Error = fmt.Sprintf("operation %s: %v", op.ID, cause)
	e.logger.Warn("Operation failed",
		"workflow_id", inst.ID,
		"operation", op.ID,
		"fail_on_error", op.FailOnError,
		"error", cause,
	)

	if op.FailOnError {
		e.transition(inst, core.WorkflowStateFailed)
		return true, e.save(ctx, inst)
	}
	inst.CurrentOperationIndex++
	if err := e.save(ctx, inst); err != nil {
		return true, err
	}
	return false, nil
}

func (e *Engine) onJobCompleted(id uuid.UUID) func(*core.Job) {
	return func(job *core.Job) {
		e.advancing.Add(1)
		go func() {
			defer e.advancing.Done()
			if err := e.Advance(context.Background(), id, job); err != nil {
				e.logger.Error("Failed to advance workflow", "workflow_id", id, "job_id", job.ID, "error", err)
			}
		}()
	}
}

// Wait blocks until completion handlers started so far have returned.
func (e *Engine) Wait() {
	e.advancing.Wait()
}

func (e *Engine) transition(inst *core.WorkflowInstance, to core.WorkflowState) {
	from := inst.State
	inst.State = to
	metrics.WorkflowTransitions.WithLabelValues(inst.DefinitionID, string(to)).Inc()
	e.logger.Info("Workflow state changed",
		"workflow_id", inst.ID,
		"from", from,
		"to", to,
		"operation_index", inst.CurrentOperationIndex,
	)
}

func (e *Engine) save(ctx context.Context, inst *core.WorkflowInstance) error {
	inst.UpdatedAt = time.Now().UTC()
	return e.instances.Save(ctx, inst.ID.String(), inst)
}

func (e *Engine) load(ctx context.Context, id uuid.UUID) (*core.WorkflowInstance, error) {
	inst, err := e.instances.Load(ctx, id.String())
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", core.ErrWorkflowNotFound, id)
	}
	return inst, err
}

func (e *Engine) lock(id uuid.UUID) func() {
	mu, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func jobFailure(job *core.Job) error {
	if job.Result != nil && job.Result.Error != "" {
		return errors.New(job.Result.Error)
	}
	if job.Status == core.JobStatusFailed {
		return fmt.Errorf("job %s failed", job.ID)
	}
	return fmt.Errorf("job %s reported %s", job.ID, core.ActionFail)
}

func sortInstances(instances []*core.WorkflowInstance) {
	sort.Slice(instances, func(i, k int) bool {
		if instances[i].CreatedAt.Equal(instances[k].CreatedAt) {
			return instances[i].ID.String() < instances[k].ID.String()
		}
		return instances[i].CreatedAt.Before(instances[k].CreatedAt)
	})
}

func cloneInstance(inst *core.WorkflowInstance) *core.WorkflowInstance {
	out := *inst
	out.Operations = append([]core.OperationInstance(nil), inst.Operations...)
	out.Configuration = make(map[string]string, len(inst.Configuration))
	for k, v := range inst.Configuration {
		out.Configuration[k] = v
	}
	return &out
}
