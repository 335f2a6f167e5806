package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusQueued      JobStatus = "QUEUED"
	JobStatusDispatching JobStatus = "DISPATCHING"
	JobStatusRunning     JobStatus = "RUNNING"
	JobStatusFinished    JobStatus = "FINISHED"
	JobStatusFailed      JobStatus = "FAILED"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusFinished || s == JobStatusFailed
}

// ParseJobStatus accepts status names in any letter case.
func ParseJobStatus(s string) (JobStatus, error) {
	status := JobStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch status {
	case JobStatusQueued, JobStatusDispatching, JobStatusRunning, JobStatusFinished, JobStatusFailed:
		return status, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Action is what an operation handler asks the workflow engine to do next.
type Action string

const (
	ActionContinue Action = "CONTINUE"
	ActionSkip     Action = "SKIP"
	ActionPause    Action = "PAUSE"
	ActionFail     Action = "FAIL"
)

// ParseAction maps an empty string to CONTINUE.
func ParseAction(s string) (Action, error) {
	if strings.TrimSpace(s) == "" {
		return ActionContinue, nil
	}
	action := Action(strings.ToUpper(strings.TrimSpace(s)))
	switch action {
	case ActionContinue, ActionSkip, ActionPause, ActionFail:
		return action, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

type ServiceRegistration struct {
	ServiceType   string    `json:"serviceType"`
	Host          string    `json:"host"`
	Path          string    `json:"path"`
	JobProducer   bool      `json:"jobProducer"`
	InMaintenance bool      `json:"inMaintenance"`
	RegisteredAt  time.Time `json:"registeredAt"`
	// Seq orders registrations by insertion and breaks load ties.
	Seq uint64 `json:"seq"`
}

func RegistrationKey(serviceType, host, path string) string {
	return serviceType + "|" + host + "|" + path
}

func (r *ServiceRegistration) Key() string {
	return RegistrationKey(r.ServiceType, r.Host, r.Path)
}

// HostRegistration describes a host that runs a job producer endpoint.
type HostRegistration struct {
	Host string `json:"host"`
	// Address is dialed for the accept handshake. Empty means Host is dialable.
	Address         string    `json:"address"`
	MaxJobs         int       `json:"maxJobs"`
	CPUCores        int       `json:"cpuCores"`
	MemoryBytes     uint64    `json:"memoryBytes"`
	RegisteredAt    time.Time `json:"registeredAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

type HostLoad struct {
	Running int `json:"running"`
	Queued  int `json:"queued"`
}

func (l HostLoad) Total() int {
	return l.Running + l.Queued
}

type ServiceStatistics struct {
	Registration  ServiceRegistration
	RunningJobs   int
	QueuedJobs    int
	MeanRunTime   time.Duration
	MeanQueueTime time.Duration
}

// JobResult is reported by the host once a job has completed.
type JobResult struct {
	MediaPackage string            `json:"mediaPackage,omitempty"`
	Action       Action            `json:"action,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type Job struct {
	ID               uuid.UUID  `json:"id"`
	Type             string     `json:"type"`
	Status           JobStatus  `json:"status"`
	Host             string     `json:"host"`
	Operation        string     `json:"operation"`
	Arguments        []string   `json:"arguments"`
	Payload          string     `json:"payload,omitempty"`
	WorkflowID       string     `json:"workflowId,omitempty"`
	DispatchAttempts int        `json:"dispatchAttempts"`
	Result           *JobResult `json:"result,omitempty"`

	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	QueueTime   time.Duration `json:"queueTime"`
	RunTime     time.Duration `json:"runTime"`
}

// JobSpec carries what is known about a job before it is created.
type JobSpec struct {
	Type       string
	Operation  string
	Arguments  []string
	Payload    string
	WorkflowID string
}

type JobFilter struct {
	Type       string
	Status     *JobStatus
	Host       string
	WorkflowID string
	// Standalone restricts the result to jobs that belong to no workflow.
	Standalone bool
	Limit      int
	Offset     int
}

type WorkflowState string

const (
	WorkflowStateInstantiated WorkflowState = "INSTANTIATED"
	WorkflowStateRunning      WorkflowState = "RUNNING"
	WorkflowStatePaused       WorkflowState = "PAUSED"
	WorkflowStateStopped      WorkflowState = "STOPPED"
	WorkflowStateSucceeded    WorkflowState = "SUCCEEDED"
	WorkflowStateFailed       WorkflowState = "FAILED"
)

func (s WorkflowState) IsTerminal() bool {
	return s == WorkflowStateSucceeded || s == WorkflowStateFailed || s == WorkflowStateStopped
}

func ParseWorkflowState(s string) (WorkflowState, error) {
	state := WorkflowState(strings.ToUpper(strings.TrimSpace(s)))
	switch state {
	case WorkflowStateInstantiated, WorkflowStateRunning, WorkflowStatePaused,
		WorkflowStateStopped, WorkflowStateSucceeded, WorkflowStateFailed:
		return state, nil
	}
	return "", fmt.Errorf("unknown workflow state %q", s)
}

type OperationState string

const (
	OperationStateInstantiated OperationState = "INSTANTIATED"
	OperationStateRunning      OperationState = "RUNNING"
	OperationStateSucceeded    OperationState = "SUCCEEDED"
	OperationStateSkipped      OperationState = "SKIPPED"
	OperationStateFailed       OperationState = "FAILED"
	OperationStatePaused       OperationState = "PAUSED"
)

type OperationDefinition struct {
	ID            string            `json:"id" yaml:"id" toml:"id"`
	Capability    string            `json:"capability" yaml:"capability" toml:"capability"`
	Description   string            `json:"description,omitempty" yaml:"description" toml:"description"`
	Configuration map[string]string `json:"configuration,omitempty" yaml:"configuration" toml:"configuration"`
	FailOnError   bool              `json:"failOnError" yaml:"failOnError" toml:"failOnError"`
	// If is a CEL expression over the instance configuration. The operation is
	// skipped when it evaluates to false.
	If string `json:"if,omitempty" yaml:"if" toml:"if"`
	// Retries is how many extra dispatch attempts are made when no host takes the job.
	Retries int `json:"retries,omitempty" yaml:"retries" toml:"retries"`
}

type WorkflowDefinition struct {
	ID          string                `json:"id" yaml:"id" toml:"id"`
	Title       string                `json:"title,omitempty" yaml:"title" toml:"title"`
	Description string                `json:"description,omitempty" yaml:"description" toml:"description"`
	Operations  []OperationDefinition `json:"operations" yaml:"operations" toml:"operations"`
}

// OperationInstance is an operation definition together with its progress in one instance.
type OperationInstance struct {
	OperationDefinition
	State    OperationState `json:"state"`
	JobID    string         `json:"jobId,omitempty"`
	Attempts int            `json:"attempts"`
}

type WorkflowInstance struct {
	ID                    uuid.UUID           `json:"id"`
	DefinitionID          string              `json:"definitionId"`
	Title                 string              `json:"title,omitempty"`
	State                 WorkflowState       `json:"state"`
	CurrentOperationIndex int                 `json:"currentOperationIndex"`
	Operations            []OperationInstance `json:"operations"`
	MediaPackage          string              `json:"mediaPackage"`
	Configuration         map[string]string   `json:"configuration"`
	// CurrentJobID is the outstanding job of the current operation, if any.
	CurrentJobID string    `json:"currentJobId,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// CurrentOperation returns nil once every operation has been handled.
func (w *WorkflowInstance) CurrentOperation() *OperationInstance {
	if w.CurrentOperationIndex < 0 || w.CurrentOperationIndex >= len(w.Operations) {
		return nil
	}
	return &w.Operations[w.CurrentOperationIndex]
}

type WorkflowFilter struct {
	State        *WorkflowState
	DefinitionID string
	Limit        int
	Offset       int
}
