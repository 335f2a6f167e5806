package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
)

// CompleteJob records the outcome a host reported for job id. Only FINISHED and FAILED
// are completions; the job store then notifies whoever waits for the job.
func CompleteJob(
	ctx context.Context,
	jobs core.JobStore,
	id uuid.UUID,
	status core.JobStatus,
	result *core.JobResult,
) (*core.Job, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("%w: status %s is not a completion", core.ErrInvalidReport, status)
	}
	job, err := jobs.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Status = status
	job.Result = result
	if err := jobs.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}
