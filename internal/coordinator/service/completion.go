package service

import (
	"sync"

	"github.com/google/uuid"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
)

// completionRegistry holds one-shot callbacks keyed by job id.
type completionRegistry struct {
	mu        sync.Mutex
	callbacks map[uuid.UUID][]func(*core.Job)
}

func newCompletionRegistry() *completionRegistry {
	return &completionRegistry{
		callbacks: make(map[uuid.UUID][]func(*core.Job)),
	}
}

func (r *completionRegistry) add(id uuid.UUID, fn func(*core.Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[id] = append(r.callbacks[id], fn)
}

func (r *completionRegistry) remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.callbacks, id)
}

// fire runs and forgets the callbacks registered for job.ID. Each callback gets its
// own copy of the job.
func (r *completionRegistry) fire(job *core.Job) {
	r.mu.Lock()
	callbacks := r.callbacks[job.ID]
	delete(r.callbacks, job.ID)
	r.mu.Unlock()

	for _, fn := range callbacks {
		fn(cloneJob(job))
	}
}

func cloneJob(job *core.Job) *core.Job {
	c := *job
	c.Arguments = append([]string(nil), job.Arguments...)
	if job.Result != nil {
		result := *job.Result
		if job.Result.Properties != nil {
			result.Properties = make(map[string]string, len(job.Result.Properties))
			for k, v := range job.Result.Properties {
				result.Properties[k] = v
			}
		}
		c.Result = &result
	}
	return &c
}
