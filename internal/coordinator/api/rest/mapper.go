package rest

import (
	"fmt"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
)

func ToWorkflowResponse(inst *core.WorkflowInstance) WorkflowResponse {
	operations := make([]OperationResponse, 0, len(inst.Operations))
	for _, op := range inst.Operations {
		operations = append(operations, OperationResponse{
			ID:          op.ID,
			Capability:  op.Capability,
			State:       string(op.State),
			FailOnError: op.FailOnError,
			If:          op.If,
			JobID:       op.JobID,
			Attempts:    op.Attempts,
		})
	}
	configuration := inst.Configuration
	if configuration == nil {
		configuration = map[string]string{}
	}

	return WorkflowResponse{
		ID:                    inst.ID.String(),
		DefinitionID:          inst.DefinitionID,
		Title:                 inst.Title,
		State:                 string(inst.State),
		CurrentOperationIndex: inst.CurrentOperationIndex,
		Operations:            operations,
		MediaPackage:          inst.MediaPackage,
		Configuration:         configuration,
		CurrentJobID:          inst.CurrentJobID,
		Error:                 inst.Error,
		CreatedAt:             inst.CreatedAt,
		UpdatedAt:             inst.UpdatedAt,
		Links:                 Links{Self: fmt.Sprintf("/api/workflows/%s", inst.ID)},
	}
}

func ToServiceResponse(reg *core.ServiceRegistration) ServiceResponse {
	return ServiceResponse{
		ServiceType:   reg.ServiceType,
		Host:          reg.Host,
		Path:          reg.Path,
		JobProducer:   reg.JobProducer,
		InMaintenance: reg.InMaintenance,
		RegisteredAt:  reg.RegisteredAt,
	}
}

func ToServiceStatisticsResponse(stats *core.ServiceStatistics) ServiceStatisticsResponse {
	return ServiceStatisticsResponse{
		ServiceType:     stats.Registration.ServiceType,
		Host:            stats.Registration.Host,
		Path:            stats.Registration.Path,
		RunningJobs:     stats.RunningJobs,
		QueuedJobs:      stats.QueuedJobs,
		MeanRunTimeMs:   stats.MeanRunTime.Milliseconds(),
		MeanQueueTimeMs: stats.MeanQueueTime.Milliseconds(),
	}
}

func ToHostResponse(host *core.HostRegistration) HostResponse {
	return HostResponse{
		Host:            host.Host,
		Address:         host.Address,
		MaxJobs:         host.MaxJobs,
		CPUCores:        host.CPUCores,
		MemoryBytes:     host.MemoryBytes,
		RegisteredAt:    host.RegisteredAt,
		LastHeartbeatAt: host.LastHeartbeatAt,
	}
}

func ToHostLoadsResponse(loads map[string]core.HostLoad) HostLoadsResponse {
	out := make(map[string]HostLoadResponse, len(loads))
	for host, load := range loads {
		out[host] = HostLoadResponse{Running: load.Running, Queued: load.Queued, Total: load.Total()}
	}
	return HostLoadsResponse{Loads: out}
}

func ToJobResponse(job *core.Job) JobResponse {
	resp := JobResponse{
		ID:               job.ID.String(),
		Type:             job.Type,
		Status:           string(job.Status),
		Host:             job.Host,
		Operation:        job.Operation,
		Arguments:        job.Arguments,
		WorkflowID:       job.WorkflowID,
		DispatchAttempts: job.DispatchAttempts,
		CreatedAt:        job.CreatedAt,
		StartedAt:        job.StartedAt,
		CompletedAt:      job.CompletedAt,
		QueueTimeMs:      job.QueueTime.Milliseconds(),
		RunTimeMs:        job.RunTime.Milliseconds(),
		Links:            Links{Self: fmt.Sprintf("/api/jobs/%s", job.ID)},
	}
	if job.Result != nil {
		resp.Result = &JobResultPayload{
			Action:       string(job.Result.Action),
			MediaPackage: job.Result.MediaPackage,
			Properties:   job.Result.Properties,
			Error:        job.Result.Error,
		}
	}
	return resp
}

// ToJobResult validates a completion report.
func (req *JobReportRequest) ToJobResult() (core.JobStatus, *core.JobResult, error) {
	status, err := core.ParseJobStatus(req.Status)
	if err != nil {
		return "", nil, err
	}
	action, err := core.ParseAction(req.Action)
	if err != nil {
		return "", nil, err
	}
	return status, &core.JobResult{
		MediaPackage: req.MediaPackage,
		Action:       action,
		Properties:   req.Properties,
		Error:        req.Error,
	}, nil
}
