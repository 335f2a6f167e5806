package rest

import (
	"time"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
)

type StartWorkflowRequest struct {
	// DefinitionID names a registered definition. Definition may be given inline instead.
	DefinitionID  string                   `json:"definitionId,omitempty"`
	Definition    *core.WorkflowDefinition `json:"definition,omitempty"`
	MediaPackage  string                   `json:"mediaPackage"`
	Configuration map[string]string        `json:"configuration,omitempty"`
}

// ResumeWorkflowRequest is the optional body of POST /api/workflows/{id}/resume.
type ResumeWorkflowRequest struct {
	// Properties are merged into the instance configuration before it continues.
	Properties map[string]string `json:"properties,omitempty"`
}

type Links struct {
	Self string `json:"self"`
}

type WorkflowResponse struct {
	ID                    string              `json:"id"`
	DefinitionID          string              `json:"definitionId"`
	Title                 string              `json:"title,omitempty"`
	State                 string              `json:"state"`
	CurrentOperationIndex int                 `json:"currentOperationIndex"`
	Operations            []OperationResponse `json:"operations"`
	MediaPackage          string              `json:"mediaPackage"`
	Configuration         map[string]string   `json:"configuration"`
	CurrentJobID          string              `json:"currentJobId,omitempty"`
	Error                 string              `json:"error,omitempty"`
	CreatedAt             time.Time           `json:"createdAt"`
	UpdatedAt             time.Time           `json:"updatedAt"`
	Links                 Links               `json:"links"`
}

type OperationResponse struct {
	ID          string `json:"id"`
	Capability  string `json:"capability"`
	State       string `json:"state"`
	FailOnError bool   `json:"failOnError"`
	If          string `json:"if,omitempty"`
	JobID       string `json:"jobId,omitempty"`
	Attempts    int    `json:"attempts"`
}

type ListWorkflowsResponse struct {
	Workflows  []WorkflowResponse `json:"workflows"`
	Total      int                `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
	NextOffset *int               `json:"nextOffset,omitempty"`
}

type ListDefinitionsResponse struct {
	Definitions []*core.WorkflowDefinition `json:"definitions"`
}

type RunnableResponse struct {
	DefinitionID        string   `json:"definitionId"`
	Runnable            bool     `json:"runnable"`
	MissingCapabilities []string `json:"missingCapabilities,omitempty"`
}

type RegisterServiceRequest struct {
	ServiceType string `json:"serviceType"`
	Host        string `json:"host"`
	Path        string `json:"path"`
	JobProducer bool   `json:"jobProducer"`
}

type MaintenanceRequest struct {
	ServiceType   string `json:"serviceType"`
	Host          string `json:"host"`
	InMaintenance bool   `json:"inMaintenance"`
}

type ServiceResponse struct {
	ServiceType   string    `json:"serviceType"`
	Host          string    `json:"host"`
	Path          string    `json:"path"`
	JobProducer   bool      `json:"jobProducer"`
	InMaintenance bool      `json:"inMaintenance"`
	RegisteredAt  time.Time `json:"registeredAt"`
}

type ListServicesResponse struct {
	Services []ServiceResponse `json:"services"`
}

type ServiceStatisticsResponse struct {
	ServiceType     string `json:"serviceType"`
	Host            string `json:"host"`
	Path            string `json:"path"`
	RunningJobs     int    `json:"runningJobs"`
	QueuedJobs      int    `json:"queuedJobs"`
	MeanRunTimeMs   int64  `json:"meanRunTimeMs"`
	MeanQueueTimeMs int64  `json:"meanQueueTimeMs"`
}

type ListServiceStatisticsResponse struct {
	Statistics []ServiceStatisticsResponse `json:"statistics"`
}

type HostResponse struct {
	Host            string    `json:"host"`
	Address         string    `json:"address,omitempty"`
	MaxJobs         int       `json:"maxJobs"`
	CPUCores        int       `json:"cpuCores,omitempty"`
	MemoryBytes     uint64    `json:"memoryBytes,omitempty"`
	RegisteredAt    time.Time `json:"registeredAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

type ListHostsResponse struct {
	Hosts []HostResponse `json:"hosts"`
}

type HostLoadResponse struct {
	Running int `json:"running"`
	Queued  int `json:"queued"`
	Total   int `json:"total"`
}

type HostLoadsResponse struct {
	Loads map[string]HostLoadResponse `json:"loads"`
}

type CreateJobRequest struct {
	Type      string   `json:"type"`
	Operation string   `json:"operation"`
	Arguments []string `json:"arguments,omitempty"`
	Payload   string   `json:"payload,omitempty"`
	// Queue leaves the job for the queue dispatcher instead of dispatching it now.
	Queue bool `json:"queue,omitempty"`
}

type JobReportRequest struct {
	Status       string            `json:"status"`
	MediaPackage string            `json:"mediaPackage,omitempty"`
	Action       string            `json:"action,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type JobResponse struct {
	ID               string            `json:"id"`
	Type             string            `json:"type"`
	Status           string            `json:"status"`
	Host             string            `json:"host,omitempty"`
	Operation        string            `json:"operation"`
	Arguments        []string          `json:"arguments,omitempty"`
	WorkflowID       string            `json:"workflowId,omitempty"`
	DispatchAttempts int               `json:"dispatchAttempts"`
	Result           *JobResultPayload `json:"result,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	StartedAt        *time.Time        `json:"startedAt,omitempty"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
	QueueTimeMs      int64             `json:"queueTimeMs"`
	RunTimeMs        int64             `json:"runTimeMs"`
	Links            Links             `json:"links"`
}

type JobResultPayload struct {
	Action       string            `json:"action,omitempty"`
	MediaPackage string            `json:"mediaPackage,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type ListJobsResponse struct {
	Jobs       []JobResponse `json:"jobs"`
	Total      int           `json:"total"`
	Limit      int           `json:"limit"`
	Offset     int           `json:"offset"`
	NextOffset *int          `json:"nextOffset,omitempty"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}
