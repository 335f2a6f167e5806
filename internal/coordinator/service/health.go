package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
	"github.com/nemanja-m/lectern/internal/shared/logging"
)

type HostHealthChecker struct {
	checkInterval time.Duration
	staleTimeout  time.Duration
	directory     core.ServiceDirectory
	jobs          core.JobStore
	logger        logging.Logger
}

func NewHostHealthChecker(
	checkInterval time.Duration,
	staleTimeout time.Duration,
	directory core.ServiceDirectory,
	jobs core.JobStore,
	logger logging.Logger,
) *HostHealthChecker {
	return &HostHealthChecker{
		checkInterval: checkInterval,
		staleTimeout:  staleTimeout,
		directory:     directory,
		jobs:          jobs,
		logger:        logger,
	}
}

func (h *HostHealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.removeStaleHosts(ctx)
		}
	}
}

func (h *HostHealthChecker) removeStaleHosts(ctx context.Context) {
	staleHosts, err := h.directory.StaleHosts(ctx, h.staleTimeout)
	if err != nil {
		h.logger.Error("Failed to get stale hosts", "error", err)
		return
	}
	for _, host := range staleHosts {
		h.logger.Info("Removing stale host", "host", host.Host, "last_heartbeat", host.LastHeartbeatAt)

		if err := h.failHostJobs(ctx, host.Host); err != nil {
			h.logger.Error("Failed to fail host jobs", "host", host.Host, "error", err)
		}

		if err := h.directory.UnregisterHost(ctx, host.Host); err != nil {
			h.logger.Error("Failed to remove stale host", "host", host.Host, "error", err)
		}
	}
}

// failHostJobs fails the jobs the host was working on so that waiting workflows
// apply their failure policy.
func (h *HostHealthChecker) failHostJobs(ctx context.Context, host string) error {
	for _, status := range []core.JobStatus{core.JobStatusRunning, core.JobStatusDispatching} {
		jobs, _, err := h.jobs.ListJobs(ctx, core.JobFilter{Status: &status, Host: host})
		if err != nil {
			return err
		}
		for _, job := range jobs {
			job.Status = core.JobStatusFailed
			job.Result = &core.JobResult{Error: fmt.Sprintf("host %s stopped sending heartbeats", host)}
			if err := h.jobs.UpdateJob(ctx, job); err != nil && !errors.Is(err, core.ErrJobFinalized) {
				return err
			}
			h.logger.Warn("Failed job of stale host", "job_id", job.ID, "host", host)
		}
	}
	return nil
}
