package service

import (
	"context"
	"errors"
	"time"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
	"github.com/nemanja-m/lectern/internal/shared/logging"
)

// QueueDispatcher periodically dispatches standalone jobs that are still queued.
// Workflow jobs are left to the workflow engine.
type QueueDispatcher struct {
	interval   time.Duration
	jobs       core.JobStore
	dispatcher core.Dispatcher
	logger     logging.Logger
}

func NewQueueDispatcher(
	interval time.Duration,
	jobs core.JobStore,
	dispatcher core.Dispatcher,
	logger logging.Logger,
) *QueueDispatcher {
	return &QueueDispatcher{
		interval:   interval,
		jobs:       jobs,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (q *QueueDispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.dispatchQueued(ctx)
		}
	}
}

func (q *QueueDispatcher) dispatchQueued(ctx context.Context) {
	status := core.JobStatusQueued
	jobs, _, err := q.jobs.ListJobs(ctx, core.JobFilter{Status: &status, Standalone: true})
	if err != nil {
		q.logger.Error("Failed to list queued jobs", "error", err)
		return
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		err := q.dispatcher.DispatchQueued(ctx, job)
		switch {
		case err == nil:
			q.logger.Info("Dispatched queued job", "job_id", job.ID, "type", job.Type)
		case errors.Is(err, core.ErrNoEligibleHost),
			errors.Is(err, core.ErrAlreadyDispatching),
			errors.Is(err, core.ErrJobNotQueued):
			q.logger.Debug("Queued job left in queue", "job_id", job.ID, "reason", err)
		default:
			q.logger.Error("Failed to dispatch queued job", "job_id", job.ID, "error", err)
		}
	}
}
