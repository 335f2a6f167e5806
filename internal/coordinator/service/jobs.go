package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
	"github.com/nemanja-m/lectern/internal/coordinator/storage"
	"github.com/nemanja-m/lectern/internal/shared/logging"
	"github.com/nemanja-m/lectern/internal/shared/metrics"
)

type jobStore struct {
	jobs        *storage.Collection[core.Job]
	completions *completionRegistry

	// mu serializes read-modify-write cycles so that a completed job is never
	// overwritten by a stale copy.
	mu sync.Mutex

	logger logging.Logger
}

func NewJobStore(backend core.Persistence, logger logging.Logger) core.JobStore {
	return &jobStore{
		jobs:        storage.NewCollection[core.Job](backend, storage.KindJob),
		completions: newCompletionRegistry(),
		logger:      logger,
	}
}

func (s *jobStore) CreateJob(ctx context.Context, spec core.JobSpec) (*core.Job, error) {
	if spec.Type == "" {
		return nil, fmt.Errorf("job type is required")
	}
	now := time.Now().UTC()
	job := &core.Job{
		ID:         uuid.New(),
		Type:       spec.Type,
		Status:     core.JobStatusQueued,
		Operation:  spec.Operation,
		Arguments:  append([]string{}, spec.Arguments...),
		Payload:    spec.Payload,
		WorkflowID: spec.WorkflowID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.jobs.Save(ctx, job.ID.String(), job); err != nil {
		return nil, err
	}
	metrics.JobTransitions.WithLabelValues(job.Type, string(job.Status)).Inc()
	s.logger.Debug("Job created", "job_id", job.ID, "type", job.Type, "operation", job.Operation)
	return job, nil
}

// UpdateJob replaces the stored job. It stamps timing fields on job as the status moves
// and rejects changes to jobs that already reached a terminal status.
func (s *jobStore) UpdateJob(ctx context.Context, job *core.Job) error {
	s.mu.Lock()
	stored, err := s.jobs.Load(ctx, job.ID.String())
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("%w: %s", core.ErrJobNotFound, job.ID)
		}
		return err
	}
	if stored.Status.IsTerminal() {
		s.mu.Unlock()
		if stored.Status == job.Status {
			return nil
		}
		return fmt.Errorf("%w: %s is %s", core.ErrJobFinalized, job.ID, stored.Status)
	}

	now := time.Now().UTC()
	stampTimes(job, stored.Status, now)
	job.UpdatedAt = now

	if err := s.jobs.Save(ctx, job.ID.String(), job); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if job.Status != stored.Status {
		metrics.JobTransitions.WithLabelValues(job.Type, string(job.Status)).Inc()
		s.logger.Debug("Job status changed",
			"job_id", job.ID,
			"type", job.Type,
			"from", stored.Status,
			"to", job.Status,
			"host", job.Host,
		)
	}
	if job.Status.IsTerminal() {
		s.completions.fire(job)
	}
	return nil
}

func stampTimes(job *core.Job, previous core.JobStatus, now time.Time) {
	switch job.Status {
	case core.JobStatusRunning:
		if previous != core.JobStatusRunning {
			job.StartedAt = &now
			job.QueueTime = now.Sub(job.CreatedAt)
		}
	case core.JobStatusFinished, core.JobStatusFailed:
		job.CompletedAt = &now
		// Failed jobs may never have started.
		if job.StartedAt != nil {
			job.RunTime = now.Sub(*job.StartedAt)
		}
	}
}

func (s *jobStore) GetJob(ctx context.Context, id uuid.UUID) (*core.Job, error) {
	job, err := s.jobs.Load(ctx, id.String())
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
	}
	return job, err
}

func (s *jobStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	s.completions.remove(id)
	return s.jobs.Delete(ctx, id.String())
}

// ListJobs returns the requested page ordered by creation time and the total match count.
// A zero limit returns every match.
func (s *jobStore) ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.Job, int, error) {
	jobs, err := s.jobs.Query(ctx, func(j *core.Job) bool {
		if filter.Type != "" && j.Type != filter.Type {
			return false
		}
		if filter.Status != nil && j.Status != *filter.Status {
			return false
		}
		if filter.Host != "" && j.Host != filter.Host {
			return false
		}
		if filter.WorkflowID != "" && j.WorkflowID != filter.WorkflowID {
			return false
		}
		if filter.Standalone && j.WorkflowID != "" {
			return false
		}
		return true
	})
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID.String() < jobs[k].ID.String()
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})

	total := len(jobs)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return jobs[start:end], total, nil
}

func (s *jobStore) CountJobs(ctx context.Context, jobType string, status core.JobStatus) (int, error) {
	return s.CountJobsOnHost(ctx, jobType, status, "")
}

// CountJobsOnHost counts jobs by status. Empty jobType or host match any value.
func (s *jobStore) CountJobsOnHost(ctx context.Context, jobType string, status core.JobStatus, host string) (int, error) {
	jobs, err := s.jobs.Query(ctx, func(j *core.Job) bool {
		return j.Status == status &&
			(jobType == "" || j.Type == jobType) &&
			(host == "" || j.Host == host)
	})
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// HostLoads counts RUNNING and QUEUED jobs of any type per assigned host.
func (s *jobStore) HostLoads(ctx context.Context) (map[string]core.HostLoad, error) {
	jobs, err := s.jobs.Query(ctx, func(j *core.Job) bool {
		return j.Host != "" && (j.Status == core.JobStatusRunning || j.Status == core.JobStatusQueued)
	})
	if err != nil {
		return nil, err
	}
	loads := make(map[string]core.HostLoad)
	for _, j := range jobs {
		load := loads[j.Host]
		if j.Status == core.JobStatusRunning {
			load.Running++
		} else {
			load.Queued++
		}
		loads[j.Host] = load
	}
	return loads, nil
}

// OnCompletion calls fn right away when the job is already complete.
func (s *jobStore) OnCompletion(id uuid.UUID, fn func(job *core.Job)) {
	s.mu.Lock()
	job, err := s.jobs.Load(context.Background(), id.String())
	if err == nil && job.Status.IsTerminal() {
		s.mu.Unlock()
		fn(job)
		return
	}
	s.completions.add(id, fn)
	s.mu.Unlock()
}
