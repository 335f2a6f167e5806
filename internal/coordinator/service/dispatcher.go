package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
	"github.com/nemanja-m/lectern/internal/shared/logging"
	"github.com/nemanja-m/lectern/internal/shared/metrics"
)

type DispatcherConfig struct {
	// HandshakeTimeout bounds how long a dispatch waits for an immediate answer.
	// Silence past this point counts as acceptance.
	HandshakeTimeout time.Duration
	// AcceptCallTimeout bounds the accept call itself, which keeps running in the
	// background after a hand-off so that a late rejection can still be observed.
	AcceptCallTimeout time.Duration
}

// JobDispatcher binds queued jobs to hosts through the accept handshake.
type JobDispatcher struct {
	directory core.ServiceDirectory
	jobs      core.JobStore
	producer  core.JobProducer
	cfg       DispatcherConfig

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}

	// pending tracks accept calls still running after a hand-off.
	pending sync.WaitGroup

	logger logging.Logger
}

func NewDispatcher(
	directory core.ServiceDirectory,
	jobs core.JobStore,
	producer core.JobProducer,
	cfg DispatcherConfig,
	logger logging.Logger,
) *JobDispatcher {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = time.Second
	}
	if cfg.AcceptCallTimeout < cfg.HandshakeTimeout {
		cfg.AcceptCallTimeout = cfg.HandshakeTimeout
	}
	return &JobDispatcher{
		directory: directory,
		jobs:      jobs,
		producer:  producer,
		cfg:       cfg,
		inflight:  make(map[uuid.UUID]struct{}),
		logger:    logger,
	}
}

// Dispatch creates a job and dispatches it. The returned job reflects the outcome
// and is non-nil whenever the job was created, including on dispatch failure.
func (d *JobDispatcher) Dispatch(ctx context.Context, capability, operation string, arguments []string) (*core.Job, error) {
	job, err := d.jobs.CreateJob(ctx, core.JobSpec{
		Type:      capability,
		Operation: operation,
		Arguments: arguments,
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	dispatchErr := d.DispatchJob(ctx, job)
	if latest, err := d.jobs.GetJob(ctx, job.ID); err == nil {
		job = latest
	}
	return job, dispatchErr
}

func (d *JobDispatcher) DispatchJob(ctx context.Context, job *core.Job) error {
	return d.dispatch(ctx, job.ID, true)
}

func (d *JobDispatcher) DispatchQueued(ctx context.Context, job *core.Job) error {
	return d.dispatch(ctx, job.ID, false)
}

func (d *JobDispatcher) dispatch(ctx context.Context, id uuid.UUID, failWhenNone bool) error {
	if !d.acquire(id) {
		return fmt.Errorf("%w: %s", core.ErrAlreadyDispatching, id)
	}
	defer d.release(id)

	job, err := d.jobs.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != core.JobStatusQueued {
		return fmt.Errorf("%w: %s is %s", core.ErrJobNotQueued, id, job.Status)
	}

	candidates, err := d.candidates(ctx, job.Type)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		metrics.DispatchOutcomes.WithLabelValues(job.Type, metrics.OutcomeNoEligibleHost).Inc()
		dispatchErr := &core.DispatchError{JobID: id, Capability: job.Type, Err: core.ErrNoEligibleHost}
		if !failWhenNone {
			return dispatchErr
		}
		d.logger.Warn("No eligible host for job", "job_id", id, "type", job.Type)
		if err := d.fail(ctx, job, dispatchErr); err != nil {
			return err
		}
		return dispatchErr
	}

	for _, reg := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := d.offer(ctx, job, reg)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	metrics.DispatchOutcomes.WithLabelValues(job.Type, metrics.OutcomeExhausted).Inc()
	dispatchErr := &core.DispatchError{JobID: id, Capability: job.Type, Err: core.ErrDispatchExhausted}
	d.logger.Warn("Every eligible host rejected job",
		"job_id", id,
		"type", job.Type,
		"candidates", len(candidates),
	)
	if err := d.fail(ctx, job, dispatchErr); err != nil {
		return err
	}
	return dispatchErr
}

// candidates keeps the eligible registrations that accept jobs.
func (d *JobDispatcher) candidates(ctx context.Context, capability string) ([]*core.ServiceRegistration, error) {
	eligible, err := d.directory.ListEligible(ctx, capability)
	if err != nil {
		return nil, fmt.Errorf("list eligible hosts: %w", err)
	}
	out := eligible[:0]
	for _, reg := range eligible {
		if reg.JobProducer {
			out = append(out, reg)
		}
	}
	return out, nil
}

// offer runs one handshake. It reports done once the job left the dispatcher's hands,
// either accepted, handed off or completed by someone else.
func (d *JobDispatcher) offer(ctx context.Context, job *core.Job, reg *core.ServiceRegistration) (bool, error) {
	job.Host = reg.Host
	job.Status = core.JobStatusDispatching
	job.DispatchAttempts++
	if err := d.jobs.UpdateJob(ctx, job); err != nil {
		if errors.Is(err, core.ErrJobFinalized) {
			return true, nil
		}
		return false, fmt.Errorf("assign job %s to %s: %w", job.ID, reg.Host, err)
	}

	target := d.target(ctx, reg)
	offered := cloneJob(job)
	answer := make(chan error, 1)
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.AcceptCallTimeout)
	started := time.Now()
	go func() {
		defer cancel()
		answer <- d.producer.AcceptJob(callCtx, target, offered)
	}()

	timer := time.NewTimer(d.cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case err := <-answer:
		metrics.HandshakeDuration.WithLabelValues(job.Type).Observe(time.Since(started).Seconds())
		if err != nil {
			metrics.DispatchOutcomes.WithLabelValues(job.Type, metrics.OutcomeRejected).Inc()
			d.logger.Info("Host rejected job", "job_id", job.ID, "host", reg.Host, "error", err)
			return d.rollback(ctx, job)
		}
		metrics.DispatchOutcomes.WithLabelValues(job.Type, metrics.OutcomeAccepted).Inc()
		d.logger.Debug("Host accepted job", "job_id", job.ID, "host", reg.Host)
		return true, d.markRunning(ctx, job)

	case <-timer.C:
		metrics.HandshakeDuration.WithLabelValues(job.Type).Observe(time.Since(started).Seconds())
		metrics.DispatchOutcomes.WithLabelValues(job.Type, metrics.OutcomeHandedOff).Inc()
		d.logger.Debug("Job handed off without answer", "job_id", job.ID, "host", reg.Host)
		if err := d.markRunning(ctx, job); err != nil {
			return true, err
		}
		d.watchLateAnswer(job.ID, job.Type, reg.Host, answer)
		return true, nil
	}
}

func (d *JobDispatcher) rollback(ctx context.Context, job *core.Job) (bool, error) {
	job.Host = ""
	job.Status = core.JobStatusQueued
	if err := d.jobs.UpdateJob(ctx, job); err != nil {
		if errors.Is(err, core.ErrJobFinalized) {
			return true, nil
		}
		return false, fmt.Errorf("requeue job %s: %w", job.ID, err)
	}
	return false, nil
}

// markRunning tolerates a completion report that raced ahead of the handshake.
func (d *JobDispatcher) markRunning(ctx context.Context, job *core.Job) error {
	job.Status = core.JobStatusRunning
	err := d.jobs.UpdateJob(ctx, job)
	if err != nil && !errors.Is(err, core.ErrJobFinalized) {
		return fmt.Errorf("mark job %s running: %w", job.ID, err)
	}
	return nil
}

// watchLateAnswer fails a handed-off job when its host refuses it after the handshake
// window. Timeouts of the accept call itself keep the hand-off.
func (d *JobDispatcher) watchLateAnswer(id uuid.UUID, jobType, host string, answer <-chan error) {
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()

		err := <-answer
		if err == nil || !errors.Is(err, core.ErrDispatchRejected) {
			return
		}

		ctx := context.Background()
		job, getErr := d.jobs.GetJob(ctx, id)
		if getErr != nil {
			d.logger.Error("Failed to load job after late rejection", "job_id", id, "error", getErr)
			return
		}
		if job.Status != core.JobStatusRunning || job.Host != host {
			return
		}

		metrics.DispatchOutcomes.WithLabelValues(jobType, metrics.OutcomeLateRejected).Inc()
		d.logger.Warn("Host rejected job after hand-off", "job_id", id, "host", host, "error", err)
		job.Status = core.JobStatusFailed
		job.Result = &core.JobResult{Error: err.Error()}
		if err := d.jobs.UpdateJob(ctx, job); err != nil && !errors.Is(err, core.ErrJobFinalized) {
			d.logger.Error("Failed to fail rejected job", "job_id", id, "error", err)
		}
	}()
}

func (d *JobDispatcher) fail(ctx context.Context, job *core.Job, cause error) error {
	job.Host = ""
	job.Status = core.JobStatusFailed
	job.Result = &core.JobResult{Error: cause.Error()}
	if err := d.jobs.UpdateJob(ctx, job); err != nil && !errors.Is(err, core.ErrJobFinalized) {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	return nil
}

// target resolves the dialable address of a registration. Hosts that registered
// without an address are dialed by name.
func (d *JobDispatcher) target(ctx context.Context, reg *core.ServiceRegistration) core.ProducerTarget {
	address := reg.Host
	if host, err := d.directory.Host(ctx, reg.Host); err == nil && host.Address != "" {
		address = host.Address
	}
	return core.ProducerTarget{Host: reg.Host, Address: address, Path: reg.Path}
}

func (d *JobDispatcher) acquire(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[id]; busy {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *JobDispatcher) release(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, id)
}

// Recover returns jobs left in DISPATCHING by a previous run to the queue.
func (d *JobDispatcher) Recover(ctx context.Context) error {
	status := core.JobStatusDispatching
	jobs, _, err := d.jobs.ListJobs(ctx, core.JobFilter{Status: &status})
	if err != nil {
		return fmt.Errorf("list dispatching jobs: %w", err)
	}
	for _, job := range jobs {
		job.Host = ""
		job.Status = core.JobStatusQueued
		if err := d.jobs.UpdateJob(ctx, job); err != nil && !errors.Is(err, core.ErrJobFinalized) {
			return fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
	}
	if len(jobs) > 0 {
		d.logger.Info("Requeued interrupted dispatches", "count", len(jobs))
	}
	return nil
}

// Wait blocks until every accept call still running after a hand-off has returned.
func (d *JobDispatcher) Wait() {
	d.pending.Wait()
}
